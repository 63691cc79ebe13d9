package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"tradepipe/internal/market"
)

type RESTClient struct {
	baseURL    string
	category   string
	httpClient *http.Client
}

func NewRESTClient(baseURL, category string, timeout time.Duration) *RESTClient {
	if category == "" {
		category = "linear"
	}
	return &RESTClient{
		baseURL:    baseURL,
		category:   category,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GetKlines fetches up to limit bars for the given series, oldest first.
func (c *RESTClient) GetKlines(ctx context.Context, key market.SeriesKey, limit int) ([]market.Bar, error) {
	endpoint := fmt.Sprintf(
		"%s/v5/market/kline?category=%s&symbol=%s&interval=%s&limit=%d",
		c.baseURL,
		c.category,
		key.Symbol,
		key.Interval.APIValue(),
		limit,
	)

	// Construct the GET request with context for timeout/cancel support
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, body)
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var rawResp APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&rawResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rawResp.RetCode != 0 {
		return nil, fmt.Errorf("exchange retCode %d: %s", rawResp.RetCode, rawResp.RetMsg)
	}

	var result KlinesResponse
	if err := json.Unmarshal(rawResp.Result, &result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}

	return ParseKlineRows(key.Interval, result.List), nil
}
