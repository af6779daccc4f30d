package connectors

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"botswarm/pkg/models"
)

func stringField(name string, num int32) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:     proto.String(name),
		Number:   proto.Int32(num),
		Type:     descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(),
		Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		JsonName: proto.String(name),
	}
}

// echoDescriptorSet builds the encoded descriptor a target would supply
// from protoc --descriptor_set_out.
func echoDescriptorSet(t *testing.T) string {
	t.Helper()
	file := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("echo.proto"),
		Package: proto.String("echo.v1"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name:  proto.String("EchoRequest"),
				Field: []*descriptorpb.FieldDescriptorProto{stringField("message", 1)},
			},
			{
				Name: proto.String("EchoResponse"),
				Field: []*descriptorpb.FieldDescriptorProto{
					stringField("response", 1),
					stringField("error", 2),
				},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{
			{
				Name: proto.String("EchoService"),
				Method: []*descriptorpb.MethodDescriptorProto{
					{
						Name:       proto.String("Echo"),
						InputType:  proto.String(".echo.v1.EchoRequest"),
						OutputType: proto.String(".echo.v1.EchoResponse"),
					},
					{
						Name:            proto.String("EchoStream"),
						InputType:       proto.String(".echo.v1.EchoRequest"),
						OutputType:      proto.String(".echo.v1.EchoResponse"),
						ServerStreaming: proto.Bool(true),
					},
				},
			},
		},
	}
	raw, err := proto.Marshal(&descriptorpb.FileDescriptorSet{
		File: []*descriptorpb.FileDescriptorProto{file},
	})
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func grpcProtocol(t *testing.T) models.JSONMap {
	return models.JSONMap{
		"proto_descriptor": echoDescriptorSet(t),
		"service":          "echo.v1.EchoService",
		"method":           "Echo",
		"insecure":         true,
	}
}

func TestResolveMethod(t *testing.T) {
	method, service, name, err := resolveMethod(grpcProtocol(t))
	require.NoError(t, err)
	assert.Equal(t, "echo.v1.EchoService", service)
	assert.Equal(t, "Echo", name)
	assert.Equal(t, protoreflect.FullName("echo.v1.EchoRequest"), method.Input().FullName())
	assert.False(t, method.IsStreamingServer())

	streaming := grpcProtocol(t)
	streaming["method"] = "EchoStream"
	method, _, _, err = resolveMethod(streaming)
	require.NoError(t, err)
	assert.True(t, method.IsStreamingServer())
}

func TestResolveMethodErrors(t *testing.T) {
	cases := map[string]models.JSONMap{
		"missing descriptor": {"service": "echo.v1.EchoService", "method": "Echo"},
		"missing service":    {"proto_descriptor": echoDescriptorSet(t), "method": "Echo"},
		"missing method":     {"proto_descriptor": echoDescriptorSet(t), "service": "echo.v1.EchoService"},
		"bad base64": {
			"proto_descriptor": "%%%not-base64%%%",
			"service":          "echo.v1.EchoService",
			"method":           "Echo",
		},
		"unknown service": {
			"proto_descriptor": echoDescriptorSet(t),
			"service":          "echo.v1.Nope",
			"method":           "Echo",
		},
		"unknown method": {
			"proto_descriptor": echoDescriptorSet(t),
			"service":          "echo.v1.EchoService",
			"method":           "Nope",
		},
	}
	for name, protocol := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, _, err := resolveMethod(protocol)
			assert.Error(t, err)
		})
	}
}

func TestGRPCBuildRequest(t *testing.T) {
	protocol := grpcProtocol(t)
	method, _, _, err := resolveMethod(protocol)
	require.NoError(t, err)

	target := &models.Target{
		ConnectorType: models.ConnectorGRPC,
		RequestTemplate: &models.RequestTemplate{
			// The skeleton key has no proto field; it must be discarded,
			// not rejected.
			Body: models.JSONMap{"model": "ignored"},
		},
	}
	c := NewGRPCConnector(target)

	req, err := c.buildRequest(method, "hello grpc", nil, protocol)
	require.NoError(t, err)

	fd := method.Input().Fields().ByName("message")
	require.NotNil(t, fd)
	assert.Equal(t, "hello grpc", req.Get(fd).String())
}

func TestGRPCInterpretResponse(t *testing.T) {
	protocol := grpcProtocol(t)
	method, _, _, err := resolveMethod(protocol)
	require.NoError(t, err)
	out := method.Output()

	frame := dynamicpb.NewMessage(out)
	frame.Set(out.Fields().ByName("response"), protoreflect.ValueOfString("pong"))

	c := NewGRPCConnector(&models.Target{ConnectorType: models.ConnectorGRPC})
	result, err := c.interpretResponse([]*dynamicpb.Message{frame}, 7, protocol)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "pong", result.Content)
	assert.Equal(t, int(codes.OK), result.StatusCode)
	assert.Equal(t, int64(7), result.ResponseTimeMs)
}

func TestGRPCInterpretResponseStreamingConcat(t *testing.T) {
	protocol := grpcProtocol(t)
	method, _, _, err := resolveMethod(protocol)
	require.NoError(t, err)
	out := method.Output()

	first := dynamicpb.NewMessage(out)
	first.Set(out.Fields().ByName("response"), protoreflect.ValueOfString("pon"))
	second := dynamicpb.NewMessage(out)
	second.Set(out.Fields().ByName("response"), protoreflect.ValueOfString("g"))

	c := NewGRPCConnector(&models.Target{ConnectorType: models.ConnectorGRPC})
	result, err := c.interpretResponse([]*dynamicpb.Message{first, second}, 3, protocol)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "pong", result.Content)
}

func TestGRPCInterpretResponseRemoteError(t *testing.T) {
	protocol := grpcProtocol(t)
	method, _, _, err := resolveMethod(protocol)
	require.NoError(t, err)
	out := method.Output()

	frame := dynamicpb.NewMessage(out)
	frame.Set(out.Fields().ByName("error"), protoreflect.ValueOfString("denied"))

	target := &models.Target{
		ConnectorType:    models.ConnectorGRPC,
		ResponseTemplate: &models.ResponseTemplate{ContentPath: "response", ErrorPath: "error"},
	}
	c := NewGRPCConnector(target)
	result, err := c.interpretResponse([]*dynamicpb.Message{frame}, 3, protocol)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, ErrorTypeRemote, result.ErrorType)
	assert.Equal(t, "denied", result.ErrorMessage)
}

func TestGRPCFailureMapping(t *testing.T) {
	r := grpcFailure(status.Error(codes.DeadlineExceeded, "too slow"), 10)
	assert.Equal(t, ErrorTypeTimeout, r.ErrorType)
	assert.Equal(t, int(codes.DeadlineExceeded), r.StatusCode)

	r = grpcFailure(status.Error(codes.Unavailable, "down"), 10)
	assert.Equal(t, ErrorTypeConnection, r.ErrorType)

	r = grpcFailure(status.Error(codes.NotFound, "missing"), 10)
	assert.Equal(t, ErrorTypeRemote, r.ErrorType)
	assert.Equal(t, "missing", r.ErrorMessage)
	assert.False(t, r.Success)
}

func TestGRPCConnectValidation(t *testing.T) {
	target := &models.Target{
		ConnectorType:  models.ConnectorGRPC,
		Endpoint:       "127.0.0.1:1",
		ProtocolConfig: models.JSONMap{"service": "x"},
		TimeoutMs:      200,
	}
	c := NewGRPCConnector(target)
	err := c.Connect(context.Background(), ConfigFromTarget(target))
	require.Error(t, err)

	var connErr *ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestGRPCSendBeforeConnect(t *testing.T) {
	c := NewGRPCConnector(&models.Target{ConnectorType: models.ConnectorGRPC})
	_, err := c.SendMessage(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "host:50051", stripScheme("grpc://host:50051"))
	assert.Equal(t, "host:50051", stripScheme("host:50051"))
}

func TestUseInsecure(t *testing.T) {
	assert.True(t, useInsecure(models.JSONMap{"insecure": true}))
	assert.True(t, useInsecure(models.JSONMap{"insecure": "true"}))
	assert.False(t, useInsecure(models.JSONMap{"insecure": false}))
	assert.False(t, useInsecure(models.JSONMap{}))
}
