// Package transcription submits audio to the speech-to-text provider and
// verifies the callbacks it sends back.
//
// The provider works asynchronously: Submit returns a request id right away
// and the transcript arrives later as a signed POST to the callback URL.
package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/voicescribe/pkg/httputil"
	"github.com/platinummonkey/voicescribe/pkg/jobs"
)

// SignatureHeader carries the hex HMAC-SHA256 of a callback body.
const SignatureHeader = "X-Transcription-Signature"

// ErrEmptyRequestID is returned when the provider accepts a request without
// naming it.
var ErrEmptyRequestID = errors.New("transcription provider returned no request id")

// ErrInvalidSignature is returned for callbacks that fail verification.
var ErrInvalidSignature = errors.New("invalid transcription callback signature")

// Request asks the provider to transcribe one audio file.
type Request struct {
	JobID       string `json:"reference"`
	AudioURL    string `json:"audio_url"`
	ContentType string `json:"content_type,omitempty"`
	Language    string `json:"language,omitempty"`
	CallbackURL string `json:"callback_url"`
}

type submitResponse struct {
	ID string `json:"id"`
}

// Callback is the body the provider posts when a request finishes.
type Callback struct {
	RequestID  string   `json:"id"`
	Reference  string   `json:"reference"`
	Status     string   `json:"status"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	WordCount  *int     `json:"word_count,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Result converts the callback into a job result. Anything but a completed
// status is a failure.
func (c Callback) Result() jobs.Result {
	r := jobs.Result{Text: c.Text, Confidence: c.Confidence, WordCount: c.WordCount}
	if !strings.EqualFold(c.Status, "completed") {
		r.Error = c.Error
		if r.Error == "" {
			r.Error = "transcription " + strings.ToLower(c.Status)
		}
	}
	return r
}

// ParseCallback decodes a callback body.
func ParseCallback(body []byte) (Callback, error) {
	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return Callback{}, fmt.Errorf("invalid transcription callback: %w", err)
	}
	if cb.Status == "" {
		return Callback{}, fmt.Errorf("invalid transcription callback: missing status")
	}
	return cb, nil
}

// VerifyCallback checks the callback signature. An empty secret disables
// verification.
func VerifyCallback(secret string, body []byte, signature string) error {
	if secret == "" {
		return nil
	}
	if !httputil.VerifyHexHMAC([]byte(secret), body, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// ProviderError is a non-2xx response from the provider.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("transcription provider returned %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying later may succeed.
func (e *ProviderError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client talks to the provider's REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client for baseURL authenticated with apiKey.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Submit queues req at the provider and returns its request id.
func (c *Client) Submit(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode transcription request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transcriptions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build transcription request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.JobID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("transcription provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &ProviderError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode transcription response: %w", err)
	}
	if out.ID == "" {
		return "", ErrEmptyRequestID
	}
	return out.ID, nil
}
