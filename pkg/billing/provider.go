package billing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Provider is the subset of the payment provider API the commands need.
type Provider interface {
	SetCancelAtPeriodEnd(ctx context.Context, providerSubscriptionID string, cancel bool) error
}

// ProviderError is a non-2xx response from the provider.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("billing provider returned %d: %s", e.StatusCode, e.Body)
}

// ProviderClient talks to the provider's REST API.
type ProviderClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewProviderClient creates a client for baseURL authenticated with apiKey.
func NewProviderClient(baseURL, apiKey string, timeout time.Duration) *ProviderClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &ProviderClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// SetCancelAtPeriodEnd schedules (or unschedules) the end of a subscription
// at the close of its current period.
func (c *ProviderClient) SetCancelAtPeriodEnd(ctx context.Context, providerSubscriptionID string, cancel bool) error {
	if providerSubscriptionID == "" {
		return fmt.Errorf("provider subscription id is required")
	}

	form := url.Values{}
	form.Set("cancel_at_period_end", strconv.FormatBool(cancel))

	endpoint := c.baseURL + "/v1/subscriptions/" + url.PathEscape(providerSubscriptionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build provider request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("billing provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ProviderError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return nil
}
