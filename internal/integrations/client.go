package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jmehdipour/erphub/internal/model"
	"golang.org/x/time/rate"
)

var ErrBreakerOpen = errors.New("integrations: circuit breaker open")

// APIError is a non-2xx response from a vendor API.
type APIError struct {
	Platform model.Platform
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("integrations: platform=%s status=%d body=%s", e.Platform, e.Status, e.Body)
}

// IsRetryable tells the sender whether trying again can help: 429, 5xx,
// transport errors, timeouts and an open breaker. Anything else, such as an
// undecodable response, fails the same way on the next attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBreakerOpen) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsAuthError reports vendor rejections of the stored credentials.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden
	}
	return false
}

type ClientOptions struct {
	BaseURL       string
	TimeoutMs     int
	RPS           float64
	Burst         int
	FailThreshold int
	OpenForMs     int
}

// httpClient is the shared transport of every vendor client: timeout, client
// side throttling and one circuit breaker per vendor account.
type httpClient struct {
	platform model.Platform
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter

	threshold int
	openFor   time.Duration
	mu        sync.Mutex
	breakers  map[string]*MicroBreaker
}

func newHTTPClient(platform model.Platform, o ClientOptions) *httpClient {
	if o.TimeoutMs <= 0 {
		o.TimeoutMs = 10000
	}
	if o.RPS <= 0 {
		o.RPS = 10
	}
	if o.Burst <= 0 {
		o.Burst = int(o.RPS)
		if o.Burst < 1 {
			o.Burst = 1
		}
	}

	return &httpClient{
		platform: platform,
		baseURL:  strings.TrimRight(o.BaseURL, "/"),
		client:   &http.Client{Timeout: time.Duration(o.TimeoutMs) * time.Millisecond},
		limiter:  rate.NewLimiter(rate.Limit(o.RPS), o.Burst),

		threshold: o.FailThreshold,
		openFor:   time.Duration(o.OpenForMs) * time.Millisecond,
		breakers:  make(map[string]*MicroBreaker),
	}
}

// breaker returns the breaker of one vendor account, creating it closed.
func (c *httpClient) breaker(key string) *MicroBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[key]
	if !ok {
		b = NewMicroBreaker(c.threshold, c.openFor)
		c.breakers[key] = b
	}
	return b
}

// breakerKey picks the vendor-side identity the credentials act as.
func breakerKey(creds model.Credentials) string {
	for _, k := range []string{creds.PageID, creds.PhoneNumberID, creds.AccountNumber, creds.Username, creds.APIKey} {
		if k != "" {
			return k
		}
	}
	return ""
}

// do sends a JSON request on behalf of the vendor account key and decodes a
// JSON response into out (if non-nil).
func (c *httpClient) do(ctx context.Context, key, method, path string, headers map[string]string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	br := c.breaker(key)
	if !br.TryAcquire() {
		return fmt.Errorf("%w: %s", ErrBreakerOpen, c.platform)
	}

	err := c.roundTrip(ctx, method, path, headers, in, out)
	if err != nil && countsAsFailure(err) {
		br.OnFailure()
		return err
	}
	br.OnSuccess()
	return err
}

func (c *httpClient) roundTrip(ctx context.Context, method, path string, headers map[string]string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("integrations: encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return err
	}

	if res.StatusCode/100 != 2 {
		return &APIError{Platform: c.platform, Status: res.StatusCode, Body: truncate(string(raw), 512)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("integrations: decode %s response: %w", c.platform, err)
	}
	return nil
}

// countsAsFailure keeps client errors (bad token, unknown id) from tripping the
// breaker; they say nothing about vendor health.
func countsAsFailure(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	return !errors.Is(err, context.Canceled)
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
