package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"botswarm/pkg/models"
)

// SummaryBuilder accumulates per-message samples for one session and
// computes the final aggregate. Safe for concurrent recording.
type SummaryBuilder struct {
	mu sync.Mutex

	started time.Time

	messageCount int
	successCount int
	failureCount int
	retryCount   int

	promptTokens     int64
	completionTokens int64
	totalTokens      int64

	responseTimes []int64
	similaritySum float64
	similarityN   int
}

// NewSummaryBuilder starts the session clock.
func NewSummaryBuilder() *SummaryBuilder {
	return &SummaryBuilder{started: time.Now()}
}

// Record folds one message attempt into the aggregate. Retried attempts
// count toward retryCount but only final attempts should carry
// final=true so success/failure tallies reflect message outcomes.
func (b *SummaryBuilder) Record(metric models.MessageMetric, final bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if metric.Attempt > 1 {
		b.retryCount++
	}
	if !final {
		return
	}

	b.messageCount++
	if metric.Success {
		b.successCount++
	} else {
		b.failureCount++
	}

	b.promptTokens += int64(metric.PromptTokens)
	b.completionTokens += int64(metric.CompletionTokens)
	b.totalTokens += int64(metric.TotalTokens)

	b.responseTimes = append(b.responseTimes, metric.ResponseTimeMs)
	if metric.Success {
		b.similaritySum += metric.Similarity
		b.similarityN++
	}
}

// Finalize computes the summary from everything recorded so far.
func (b *SummaryBuilder) Finalize() *models.SessionSummary {
	b.mu.Lock()
	defer b.mu.Unlock()

	summary := &models.SessionSummary{
		MessageCount:     b.messageCount,
		SuccessCount:     b.successCount,
		FailureCount:     b.failureCount,
		RetryCount:       b.retryCount,
		PromptTokens:     b.promptTokens,
		CompletionTokens: b.completionTokens,
		TotalTokens:      b.totalTokens,
		DurationMs:       time.Since(b.started).Milliseconds(),
	}

	if len(b.responseTimes) == 0 {
		return summary
	}

	sorted := make([]int64, len(b.responseTimes))
	copy(sorted, b.responseTimes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum int64
	for _, rt := range sorted {
		sum += rt
	}
	summary.AvgResponseTimeMs = float64(sum) / float64(len(sorted))
	summary.MinResponseTimeMs = sorted[0]
	summary.MaxResponseTimeMs = sorted[len(sorted)-1]
	summary.P50ResponseTimeMs = Percentile(sorted, 0.50)
	summary.P95ResponseTimeMs = Percentile(sorted, 0.95)
	summary.P99ResponseTimeMs = Percentile(sorted, 0.99)

	if b.similarityN > 0 {
		summary.AvgSimilarity = b.similaritySum / float64(b.similarityN)
	}

	return summary
}

// Percentile picks the value at index floor(n*p) from an ascending
// sample. The index is clamped to the last element.
func Percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Floor(float64(len(sorted)) * p))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
