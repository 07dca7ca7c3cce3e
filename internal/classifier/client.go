// Package classifier talks to the external URL classification service.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/spidermini-crawler/internal/crawler"
)

const defaultTimeout = 10 * time.Second

// maxResponseBytes caps how much of a predictor response is read.
const maxResponseBytes = 1 << 20

// predictRequest is the request body for /predict.
type predictRequest struct {
	URL string `json:"url"`
}

// predictResponse is the response body of /predict. Confidence is a pointer so
// a missing field is told apart from zero.
type predictResponse struct {
	Prediction string   `json:"prediction"`
	Confidence *float64 `json:"confidence"`
}

// Client is an HTTP client for the prediction service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ crawler.Classifier = (*Client)(nil)

// NewClient creates a classifier client. A non-positive timeout uses the default.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Classify asks the service for the category of rawURL.
// Every failure wraps crawler.ErrClassification.
func (c *Client) Classify(ctx context.Context, rawURL string) (crawler.Prediction, error) {
	reqBody, err := json.Marshal(predictRequest{URL: rawURL})
	if err != nil {
		return crawler.Prediction{}, fmt.Errorf("%w: marshal request: %w", crawler.ErrClassification, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(reqBody))
	if err != nil {
		return crawler.Prediction{}, fmt.Errorf("%w: create request: %w", crawler.ErrClassification, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return crawler.Prediction{}, fmt.Errorf("%w: %w", crawler.ErrClassification, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return crawler.Prediction{}, fmt.Errorf("%w: read response: %w", crawler.ErrClassification, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return crawler.Prediction{}, fmt.Errorf("%w: predictor returned %d: %s",
			crawler.ErrClassification, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out predictResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return crawler.Prediction{}, fmt.Errorf("%w: decode response: %w", crawler.ErrClassification, err)
	}
	if strings.TrimSpace(out.Prediction) == "" {
		return crawler.Prediction{}, fmt.Errorf("%w: empty prediction", crawler.ErrClassification)
	}
	if out.Confidence == nil {
		return crawler.Prediction{}, fmt.Errorf("%w: missing confidence", crawler.ErrClassification)
	}
	if c := *out.Confidence; c < 0 || c > 1 {
		return crawler.Prediction{}, fmt.Errorf("%w: confidence %v outside [0,1]", crawler.ErrClassification, c)
	}
	return crawler.Prediction{Label: out.Prediction, Confidence: *out.Confidence}, nil
}

// Health checks if the prediction service is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", http.NoBody)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("predictor unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("predictor unhealthy: %d", resp.StatusCode)
	}
	return nil
}

// Matches reports whether label selects the target category, ignoring case.
func Matches(label, target string) bool {
	return strings.EqualFold(strings.TrimSpace(label), strings.TrimSpace(target))
}
