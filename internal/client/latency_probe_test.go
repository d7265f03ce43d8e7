package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMeasureLatencies(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(30 * time.Millisecond)
	}))
	defer slow.Close()
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer fast.Close()

	pings := MeasureLatencies(context.Background(), nil,
		[]string{slow.URL, fast.URL, "http://127.0.0.1:1", "::bad"},
		200*time.Millisecond, zap.NewNop())

	require.Len(t, pings, 4)
	assert.GreaterOrEqual(t, pings[0], 30)
	assert.Less(t, pings[1], pings[0])
	assert.Equal(t, 200, pings[2])
	assert.Equal(t, 200, pings[3])
}

func TestMeasureLatenciesNoURLs(t *testing.T) {
	assert.Empty(t, MeasureLatencies(context.Background(), nil, nil, time.Second, zap.NewNop()))
}
