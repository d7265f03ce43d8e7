package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/heikotroetsch/simedge/internal/model"
)

func TestTraceAppendAndRead(t *testing.T) {
	ts, err := NewTraceService(&TraceConfig{SegmentSize: 1 << 20}, t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := int64(0); i < 3; i++ {
		require.NoError(t, ts.Append(&model.ExecutionTrace{
			Timestamp:     at,
			Local:         "local",
			Source:        "peer-a",
			Sequence:      i,
			ExecutionTime: 10,
			RTT:           20,
			Total:         30,
		}))
	}
	require.NoError(t, ts.Close())

	traces, err := ts.ReadAll()
	require.NoError(t, err)
	require.Len(t, traces, 3)
	assert.Equal(t, int64(2), traces[2].Sequence)
	assert.True(t, at.Equal(traces[0].Timestamp))
	assert.Equal(t, 30.0, traces[0].Total)

	assert.Error(t, ts.Append(&model.ExecutionTrace{}))
	assert.NoError(t, ts.Close())
}

func TestTraceRotatesBySize(t *testing.T) {
	ts, err := NewTraceService(&TraceConfig{SegmentSize: 100}, t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	defer ts.Close()

	for i := int64(0); i < 5; i++ {
		require.NoError(t, ts.Append(&model.ExecutionTrace{Source: "peer-a", Sequence: i}))
	}

	segments, err := ts.Segments()
	require.NoError(t, err)
	assert.Greater(t, len(segments), 2)

	traces, err := ts.ReadAll()
	require.NoError(t, err)
	require.Len(t, traces, 5)
	for i, trace := range traces {
		assert.Equal(t, int64(i), trace.Sequence)
	}
}
