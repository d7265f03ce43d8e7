package client

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// MeasureLatencies times one HEAD request to each URL and returns the
// round trips in milliseconds, in URL order. A failed probe counts as the
// full timeout so unreachable landmarks rank the node as far away.
func MeasureLatencies(ctx context.Context, httpClient *http.Client, urls []string, timeout time.Duration, logger *zap.Logger) []int {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	pings := make([]int, len(urls))
	for i, url := range urls {
		pings[i] = measureOne(ctx, httpClient, url, timeout, logger)
	}
	return pings
}

func measureOne(ctx context.Context, httpClient *http.Client, url string, timeout time.Duration, logger *zap.Logger) int {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, url, nil)
	if err != nil {
		logger.Warn("Invalid latency probe URL", zap.String("url", url), zap.Error(err))
		return int(timeout.Milliseconds())
	}

	start := time.Now()
	resp, err := httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		logger.Warn("Latency probe failed", zap.String("url", url), zap.Error(err))
		return int(timeout.Milliseconds())
	}
	resp.Body.Close()

	return int(elapsed.Milliseconds())
}
