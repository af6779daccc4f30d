package connectors

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	grpcmetadata "google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"botswarm/pkg/models"
)

// GRPCConnector invokes a target method described by a compiled proto
// descriptor set, so no generated stubs are needed per target.
//
// Protocol config keys:
//
//	proto_descriptor  base64 FileDescriptorSet (protoc --descriptor_set_out)
//	service           fully qualified service name
//	method            method name within the service
//	request_field     request field receiving the message text (default "message")
//	response_field    response field carrying the reply (default "response")
//	insecure          dial without TLS when true
type GRPCConnector struct {
	target *models.Target

	mu        sync.Mutex
	connected bool
	cfg       *ConnectConfig
	conn      *grpc.ClientConn
	method    protoreflect.MethodDescriptor
	service   string
	methodNm  string

	sendMu sync.Mutex
}

// NewGRPCConnector builds an unconnected gRPC connector.
func NewGRPCConnector(target *models.Target) *GRPCConnector {
	return &GRPCConnector{target: target}
}

func (c *GRPCConnector) Type() models.ConnectorType { return models.ConnectorGRPC }

func (c *GRPCConnector) SupportsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.method != nil && c.method.IsStreamingServer()
}

func (c *GRPCConnector) Connect(ctx context.Context, cfg *ConnectConfig) error {
	method, service, methodName, err := resolveMethod(cfg.Protocol)
	if err != nil {
		return &ConnectionError{Connector: c.Type(), Endpoint: cfg.Endpoint, Err: err}
	}
	if method.IsStreamingClient() {
		return &ConnectionError{
			Connector: c.Type(),
			Endpoint:  cfg.Endpoint,
			Err:       fmt.Errorf("client-streaming method %s.%s is not supported", service, methodName),
		}
	}

	dialTarget := stripScheme(cfg.Endpoint)

	var opts []grpc.DialOption
	if useInsecure(cfg.Protocol) {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		tlsConfig := &tls.Config{ServerName: strings.Split(dialTarget, ":")[0]}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	}
	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:    120 * time.Second,
		Timeout: 20 * time.Second,
	}))
	// Block so connection failures surface here instead of on first send.
	opts = append(opts, grpc.WithBlock())

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	conn, err := grpc.DialContext(connectCtx, dialTarget, opts...)
	if err != nil {
		return &ConnectionError{Connector: c.Type(), Endpoint: cfg.Endpoint, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.conn = conn
	c.method = method
	c.service = service
	c.methodNm = methodName
	c.connected = true
	return nil
}

func (c *GRPCConnector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *GRPCConnector) SendMessage(ctx context.Context, text string, metadata Metadata) (*MessageResult, error) {
	c.mu.Lock()
	if !c.connected || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	cfg := c.cfg
	method := c.method
	fullMethod := fmt.Sprintf("/%s/%s", c.service, c.methodNm)
	c.mu.Unlock()

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	req, err := c.buildRequest(method, text, metadata, cfg.Protocol)
	if err != nil {
		return nil, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	sendCtx = c.attachHeaders(sendCtx, cfg, metadata)

	start := time.Now()
	var result *MessageResult
	if method.IsStreamingServer() {
		result, err = c.invokeStreaming(sendCtx, conn, fullMethod, method, req, start, cfg.Protocol)
	} else {
		result, err = c.invokeUnary(sendCtx, conn, fullMethod, method, req, start, cfg.Protocol)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *GRPCConnector) invokeUnary(ctx context.Context, conn *grpc.ClientConn, fullMethod string, method protoreflect.MethodDescriptor, req *dynamicpb.Message, start time.Time, protocol models.JSONMap) (*MessageResult, error) {
	resp := dynamicpb.NewMessage(method.Output())
	err := conn.Invoke(ctx, fullMethod, req, resp)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return grpcFailure(err, elapsed), nil
	}
	return c.interpretResponse([]*dynamicpb.Message{resp}, elapsed, protocol)
}

func (c *GRPCConnector) invokeStreaming(ctx context.Context, conn *grpc.ClientConn, fullMethod string, method protoreflect.MethodDescriptor, req *dynamicpb.Message, start time.Time, protocol models.JSONMap) (*MessageResult, error) {
	desc := &grpc.StreamDesc{StreamName: c.methodNm, ServerStreams: true}
	stream, err := conn.NewStream(ctx, desc, fullMethod)
	if err != nil {
		return grpcFailure(err, time.Since(start).Milliseconds()), nil
	}
	if err := stream.SendMsg(req); err != nil {
		return grpcFailure(err, time.Since(start).Milliseconds()), nil
	}
	if err := stream.CloseSend(); err != nil {
		return grpcFailure(err, time.Since(start).Milliseconds()), nil
	}

	var frames []*dynamicpb.Message
	for {
		frame := dynamicpb.NewMessage(method.Output())
		err := stream.RecvMsg(frame)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return grpcFailure(err, time.Since(start).Milliseconds()), nil
		}
		frames = append(frames, frame)
	}
	return c.interpretResponse(frames, time.Since(start).Milliseconds(), protocol)
}

// buildRequest maps the JSON request body onto the proto request
// message, so one request template can serve gRPC and HTTP targets.
func (c *GRPCConnector) buildRequest(method protoreflect.MethodDescriptor, text string, metadata Metadata, protocol models.JSONMap) (*dynamicpb.Message, error) {
	tmpl := c.target.RequestTemplate
	if tmpl == nil || tmpl.MessagePath == "" {
		field := "message"
		if f, ok := protocol["request_field"].(string); ok && f != "" {
			field = f
		}
		clone := models.RequestTemplate{MessagePath: field}
		if tmpl != nil {
			clone.Body = tmpl.Body
			clone.HistoryPath = tmpl.HistoryPath
		}
		tmpl = &clone
	}

	body := BuildRequestBody(tmpl, text, metadata)
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	req := dynamicpb.NewMessage(method.Input())
	unmarshaler := protojson.UnmarshalOptions{DiscardUnknown: true}
	if err := unmarshaler.Unmarshal(raw, req); err != nil {
		return nil, fmt.Errorf("map request body onto %s: %w", method.Input().FullName(), err)
	}
	return req, nil
}

// interpretResponse converts proto frames to JSON and extracts content
// with the same path rules the other connectors use. Streamed frames
// concatenate in arrival order.
func (c *GRPCConnector) interpretResponse(frames []*dynamicpb.Message, elapsed int64, protocol models.JSONMap) (*MessageResult, error) {
	tmpl := c.target.ResponseTemplate
	if tmpl == nil || tmpl.ContentPath == "" {
		field := "response"
		if f, ok := protocol["response_field"].(string); ok && f != "" {
			field = f
		}
		clone := models.ResponseTemplate{ContentPath: field}
		if tmpl != nil {
			clone.PromptTokensPath = tmpl.PromptTokensPath
			clone.CompletionTokensPath = tmpl.CompletionTokensPath
			clone.TotalTokensPath = tmpl.TotalTokensPath
			clone.ErrorPath = tmpl.ErrorPath
		}
		tmpl = &clone
	}

	marshaler := protojson.MarshalOptions{UseProtoNames: true}
	var content strings.Builder
	var usage *TokenUsage
	var lastRaw []byte
	for _, frame := range frames {
		raw, err := marshaler.Marshal(frame)
		if err != nil {
			return &MessageResult{
				ResponseTimeMs: elapsed,
				StatusCode:     int(codes.OK),
				ErrorType:      ErrorTypeMalformed,
				ErrorMessage:   fmt.Sprintf("encode response frame: %v", err),
			}, nil
		}
		lastRaw = raw

		var doc interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return &MessageResult{
				ResponseTimeMs: elapsed,
				StatusCode:     int(codes.OK),
				RawResponse:    raw,
				ErrorType:      ErrorTypeMalformed,
				ErrorMessage:   fmt.Sprintf("decode response frame: %v", err),
			}, nil
		}

		chunk, frameUsage, remoteErr := ExtractResult(tmpl, doc)
		if remoteErr != "" {
			return &MessageResult{
				ResponseTimeMs: elapsed,
				StatusCode:     int(codes.OK),
				RawResponse:    raw,
				ErrorType:      ErrorTypeRemote,
				ErrorMessage:   remoteErr,
			}, nil
		}
		content.WriteString(chunk)
		if frameUsage != nil {
			usage = frameUsage
		}
	}

	return &MessageResult{
		Success:        true,
		Content:        content.String(),
		TokenUsage:     usage,
		ResponseTimeMs: elapsed,
		StatusCode:     int(codes.OK),
		RawResponse:    lastRaw,
	}, nil
}

func (c *GRPCConnector) attachHeaders(ctx context.Context, cfg *ConnectConfig, metadata Metadata) context.Context {
	pairs := make([]string, 0, len(cfg.Headers)*2)
	for k, v := range cfg.Headers {
		pairs = append(pairs, strings.ToLower(k), v)
	}
	if metadata != nil {
		if extra, ok := metadata["headers"].(map[string]string); ok {
			for k, v := range extra {
				pairs = append(pairs, strings.ToLower(k), v)
			}
		}
	}
	if len(pairs) == 0 {
		return ctx
	}
	return grpcmetadata.AppendToOutgoingContext(ctx, pairs...)
}

func (c *GRPCConnector) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return nil, ErrNotConnected
	}
	state := c.conn.GetState()
	healthy := state == connectivity.Ready || state == connectivity.Idle
	return &HealthStatus{Healthy: healthy, Message: state.String()}, nil
}

// resolveMethod loads the descriptor set from protocol config and finds
// the requested method.
func resolveMethod(protocol models.JSONMap) (protoreflect.MethodDescriptor, string, string, error) {
	encoded, _ := protocol["proto_descriptor"].(string)
	if encoded == "" {
		return nil, "", "", fmt.Errorf("protocol config missing proto_descriptor")
	}
	service, _ := protocol["service"].(string)
	if service == "" {
		return nil, "", "", fmt.Errorf("protocol config missing service")
	}
	methodName, _ := protocol["method"].(string)
	if methodName == "" {
		return nil, "", "", fmt.Errorf("protocol config missing method")
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", "", fmt.Errorf("decode proto_descriptor: %w", err)
	}
	var fds descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(raw, &fds); err != nil {
		return nil, "", "", fmt.Errorf("parse proto_descriptor: %w", err)
	}
	files, err := protodesc.NewFiles(&fds)
	if err != nil {
		return nil, "", "", fmt.Errorf("build descriptor registry: %w", err)
	}

	desc, err := files.FindDescriptorByName(protoreflect.FullName(service))
	if err != nil {
		return nil, "", "", fmt.Errorf("service %q not found in descriptor set: %w", service, err)
	}
	svc, ok := desc.(protoreflect.ServiceDescriptor)
	if !ok {
		return nil, "", "", fmt.Errorf("%q is not a service", service)
	}
	method := svc.Methods().ByName(protoreflect.Name(methodName))
	if method == nil {
		return nil, "", "", fmt.Errorf("method %q not found on service %q", methodName, service)
	}
	return method, service, methodName, nil
}

func useInsecure(protocol models.JSONMap) bool {
	switch v := protocol["insecure"].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}

func stripScheme(endpoint string) string {
	if i := strings.Index(endpoint, "://"); i >= 0 {
		return endpoint[i+3:]
	}
	return endpoint
}

// grpcFailure maps an invocation error onto a failed result. The status
// code slot carries the gRPC code.
func grpcFailure(err error, elapsed int64) *MessageResult {
	st, _ := status.FromError(err)
	code := st.Code()

	errorType := ErrorTypeRemote
	switch {
	case code == codes.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded):
		errorType = ErrorTypeTimeout
	case code == codes.Unavailable:
		errorType = ErrorTypeConnection
	case code == codes.Canceled:
		errorType = ErrorTypeTransport
	}

	msg := st.Message()
	if msg == "" {
		msg = err.Error()
	}
	return &MessageResult{
		ResponseTimeMs: elapsed,
		StatusCode:     int(code),
		ErrorType:      errorType,
		ErrorMessage:   msg,
	}
}
