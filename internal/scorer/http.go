package scorer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/deepfake-detector/internal/config"
	"github.com/sells-group/deepfake-detector/internal/model"
	"github.com/sells-group/deepfake-detector/internal/resilience"
)

// Option configures an HTTPScorer.
type Option func(*HTTPScorer)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *HTTPScorer) {
		s.http = hc
	}
}

// WithAPIKey sets the bearer token sent to the inference service.
func WithAPIKey(key string) Option {
	return func(s *HTTPScorer) {
		s.apiKey = key
	}
}

// WithLimiter shares a rate limiter across scorers.
func WithLimiter(l *rate.Limiter) Option {
	return func(s *HTTPScorer) {
		s.limiter = l
	}
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(s *HTTPScorer) {
		s.retry = p
	}
}

// WithBreakers shares a per-model circuit breaker registry.
func WithBreakers(b *resilience.ModelBreakers) Option {
	return func(s *HTTPScorer) {
		s.breakers = b
	}
}

// HTTPScorer calls a model served at POST {base}/v1/models/{name}/predict.
type HTTPScorer struct {
	name     string
	baseURL  string
	apiKey   string
	http     *http.Client
	limiter  *rate.Limiter
	retry    resilience.RetryPolicy
	breakers *resilience.ModelBreakers
}

// NewHTTPScorer creates a scorer for one named model.
func NewHTTPScorer(name, baseURL string, opts ...Option) *HTTPScorer {
	s := &HTTPScorer{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.retry.OnRetry == nil {
		s.retry.OnRetry = resilience.LogRetry(name)
	}
	return s
}

// NewHTTPScorers builds one scorer per configured model. The scorers share
// an HTTP client, rate limiter and breaker registry.
func NewHTTPScorers(cfg config.ModelsConfig, breakers *resilience.ModelBreakers) []Scorer {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hc := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	out := make([]Scorer, 0, len(cfg.Names))
	for _, name := range cfg.Names {
		out = append(out, NewHTTPScorer(name, cfg.BaseURL,
			WithHTTPClient(hc),
			WithAPIKey(cfg.APIKey),
			WithLimiter(limiter),
			WithRetryPolicy(resilience.PolicyFromConfig(cfg.Retry)),
			WithBreakers(breakers),
		))
	}
	return out
}

type predictRequest struct {
	Model    string `json:"model"`
	Image    string `json:"image"`
	MIMEType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type predictResponse struct {
	FakeProbability *float64 `json:"fake_probability"`
	Probabilities   *struct {
		Real float64 `json:"real"`
		Fake float64 `json:"fake"`
	} `json:"probabilities"`
	Logits []float64 `json:"logits"`
}

// fakeProbability extracts the fake probability from whichever field the
// model server populated. Logits are ordered [real, fake].
func (r predictResponse) fakeProbability() (float64, error) {
	switch {
	case r.FakeProbability != nil:
		return *r.FakeProbability, nil
	case r.Probabilities != nil:
		total := r.Probabilities.Real + r.Probabilities.Fake
		if total <= 0 {
			return 0, eris.New("scorer: probabilities sum to zero")
		}
		return r.Probabilities.Fake / total, nil
	case len(r.Logits) == 2:
		return softmax(r.Logits)[1], nil
	default:
		return 0, eris.New("scorer: response has no probability")
	}
}

func softmax(logits []float64) []float64 {
	m := math.Inf(-1)
	for _, l := range logits {
		m = math.Max(m, l)
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		out[i] = math.Exp(l - m)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Name implements Scorer.
func (s *HTTPScorer) Name() string { return s.name }

// Score implements Scorer.
func (s *HTTPScorer) Score(ctx context.Context, img model.Image) (*model.ModelResult, error) {
	body, err := json.Marshal(predictRequest{
		Model:    s.name,
		Image:    base64.StdEncoding.EncodeToString(img.Data),
		MIMEType: img.MIMEType,
		Filename: img.Filename,
	})
	if err != nil {
		return nil, eris.Wrap(err, "scorer: marshal request")
	}

	call := func(ctx context.Context) (float64, error) {
		return resilience.DoVal(ctx, s.retry, func(ctx context.Context) (float64, error) {
			return s.predict(ctx, body)
		})
	}

	var p float64
	if s.breakers != nil {
		p, err = resilience.ExecuteVal(ctx, s.breakers.Get(s.name), call)
	} else {
		p, err = call(ctx)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "scorer: model %s", s.name)
	}
	return NewModelResult(s.name, p), nil
}

func (s *HTTPScorer) predict(ctx context.Context, body []byte) (float64, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return 0, eris.Wrap(err, "scorer: rate limit wait")
		}
	}

	reqURL := fmt.Sprintf("%s/v1/models/%s/predict", s.baseURL, s.name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return 0, eris.Wrap(err, "scorer: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, eris.Wrap(err, "scorer: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, eris.Wrap(err, "scorer: read response body")
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := eris.Errorf("scorer: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return 0, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return 0, statusErr
	}

	var pr predictResponse
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return 0, eris.Wrap(err, "scorer: decode response")
	}
	return pr.fakeProbability()
}
