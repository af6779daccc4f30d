package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botswarm/pkg/models"
)

func TestPercentileFloorIndexing(t *testing.T) {
	sorted := []int64{10, 20, 30, 40, 50}

	assert.Equal(t, int64(30), Percentile(sorted, 0.50))
	assert.Equal(t, int64(50), Percentile(sorted, 0.95))
	assert.Equal(t, int64(50), Percentile(sorted, 0.99))
	assert.Equal(t, int64(10), Percentile(sorted, 0))
	assert.Equal(t, int64(0), Percentile(nil, 0.5))
}

func TestSummaryBuilderAggregates(t *testing.T) {
	b := NewSummaryBuilder()

	times := []int64{50, 10, 40, 20, 30}
	for i, rt := range times {
		b.Record(models.MessageMetric{
			MessageIndex:     i,
			Attempt:          1,
			Success:          true,
			ResponseTimeMs:   rt,
			PromptTokens:     10,
			CompletionTokens: 5,
			TotalTokens:      15,
			Similarity:       0.5,
		}, true)
	}

	summary := b.Finalize()
	require.NotNil(t, summary)

	assert.Equal(t, 5, summary.MessageCount)
	assert.Equal(t, 5, summary.SuccessCount)
	assert.Equal(t, 0, summary.FailureCount)
	assert.Equal(t, int64(50), summary.PromptTokens)
	assert.Equal(t, int64(25), summary.CompletionTokens)
	assert.Equal(t, int64(75), summary.TotalTokens)
	assert.InDelta(t, 30.0, summary.AvgResponseTimeMs, 1e-9)
	assert.Equal(t, int64(10), summary.MinResponseTimeMs)
	assert.Equal(t, int64(50), summary.MaxResponseTimeMs)
	assert.Equal(t, int64(30), summary.P50ResponseTimeMs)
	assert.Equal(t, int64(50), summary.P95ResponseTimeMs)
	assert.InDelta(t, 0.5, summary.AvgSimilarity, 1e-9)
}

func TestSummaryBuilderCountsRetriesButNotAsMessages(t *testing.T) {
	b := NewSummaryBuilder()

	// Two failed attempts, then a successful final attempt of the same
	// message.
	b.Record(models.MessageMetric{Attempt: 1, Success: false, ResponseTimeMs: 100}, false)
	b.Record(models.MessageMetric{Attempt: 2, Success: false, ResponseTimeMs: 100}, false)
	b.Record(models.MessageMetric{Attempt: 3, Success: true, ResponseTimeMs: 80}, true)

	summary := b.Finalize()
	assert.Equal(t, 1, summary.MessageCount)
	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, 2, summary.RetryCount)
	assert.Equal(t, int64(80), summary.MaxResponseTimeMs)
}

func TestSummaryBuilderEmpty(t *testing.T) {
	summary := NewSummaryBuilder().Finalize()
	assert.Equal(t, 0, summary.MessageCount)
	assert.Equal(t, int64(0), summary.P95ResponseTimeMs)
}
