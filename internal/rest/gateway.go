// Package rest implements the REST Gateway (C4): a signed/unsigned HTTP
// client gated by the rate limiter, with retry-with-backoff on transient
// failure, decoding every response through internal/decode and returning
// envelope.Result per spec.md §4.3.
//
// Grounded on internal/binance/client.go's sign()/parseFloat idiom and
// internal/binance/futures_client.go's signedGet/publicGet/buildQueryString
// request-shaping, generalized into one gateway covering every operation
// spec.md §4.3 names instead of one bespoke method per Binance endpoint.
package rest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"marketstream/internal/clock"
	"marketstream/internal/credentials"
	"marketstream/internal/errs"
	"marketstream/internal/events"
	"marketstream/internal/ratelimit"
	"marketstream/internal/retry"
)

// Config parametrizes the gateway. Defaults per spec.md §6.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{BaseURL: "https://fapi.binance.com", Timeout: 10 * time.Second}
}

// endpointWeight gives the Binance-Futures-shaped weight for each REST
// operation this gateway exposes. Grounded on the relative weights used in
// internal/binance/rate_limiter.go's endpointWeights map.
var endpointWeight = map[string]int{
	"/fapi/v1/ticker/bookTicker": 1,
	"/fapi/v1/depth":          2,
	"/fapi/v1/trades":         1,
	"/fapi/v1/klines":         1,
	"/fapi/v1/ticker/24hr":    1,
	"/fapi/v1/order":          1,
	"/fapi/v1/allOpenOrders":  1,
	"/fapi/v1/openOrders":     1,
	"/fapi/v2/positionRisk":   5,
	"/fapi/v2/account":        5,
	"/fapi/v1/exchangeInfo":   1,
	"/fapi/v1/leverage":       1,
	"/fapi/v1/marginType":     1,
	"/fapi/v1/ping":           1,
	"/fapi/v1/time":           1,
}

func weightOf(endpoint string) int {
	if w, ok := endpointWeight[endpoint]; ok {
		return w
	}
	return 1
}

// mutatingEndpoints charge the orders-per-10s bucket in addition to weight,
// per spec.md §4.1 ("operations that mutate exchange state... charge both
// the weight bucket and the orders bucket").
var mutatingEndpoints = map[string]bool{
	"/fapi/v1/order":         true,
	"/fapi/v1/allOpenOrders": true,
}

// Gateway is the public REST surface. One Gateway per engine instance.
type Gateway struct {
	cfg         Config
	creds       credentials.Credentials
	rl          *ratelimit.Limiter
	clock       clock.Clock
	sink        events.Sink
	http        *http.Client
	retryPolicy retry.Policy

	mu                sync.Mutex
	serverTimeOffset  time.Duration
	offsetRefreshedAt time.Time
	retryCount        int64
}

func New(cfg Config, creds credentials.Credentials, rl *ratelimit.Limiter, c clock.Clock, sink events.Sink) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if c == nil {
		c = clock.RealClock{}
	}
	if sink == nil {
		sink = events.Nop{}
	}

	// RetryMax 0: retryablehttp's client performs exactly one attempt per
	// call, leaving retry accounting to internal/retry.Do below, per
	// spec.md §8's "the Retry Engine records exactly one retry".
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 0

	g := &Gateway{
		cfg: cfg, creds: creds, rl: rl, clock: c, sink: sink,
		http: rc.StandardClient(),
	}
	g.retryPolicy = retry.Policy{
		MaxRetries:  3,
		Backoff:     clock.BackoffConfig{InitialDelay: 500, MaxDelay: 5000, BackoffFactor: 2.0},
		ShouldRetry: shouldRetryHTTP,
		OnRetry: func(attempt int, err error) {
			g.mu.Lock()
			g.retryCount++
			g.mu.Unlock()
			g.sink.Emit(events.Event{Type: "retry", Fields: map[string]any{"attempt": attempt, "error": err.Error()}, At: g.clock.Now()})
		},
	}
	return g
}

// RetryCount reports how many retries internal/retry.Do has recorded
// across every request this Gateway has made, for introspection.
func (g *Gateway) RetryCount() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.retryCount
}

// statusError carries the HTTP status alongside a classified *errs.Error so
// shouldRetryHTTP can apply spec.md §4.3's "5xx/429 retry, other 4xx don't"
// rule without reaching back into the response.
type statusError struct {
	status int
	err    error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

// shouldRetryHTTP retries network errors, HTTP 5xx, and 429 — never other
// 4xx — per spec.md §4.3 ("Retry on network errors and HTTP 5xx only; do
// not retry on 4xx").
func shouldRetryHTTP(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= 500 || se.status == http.StatusTooManyRequests
	}
	return errs.Is(err, errs.KindNetwork)
}

// normalizeSymbol strips whitespace and uppercases, per spec.md §4.3(a).
func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func (g *Gateway) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(g.creds.APISecret()))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (g *Gateway) timestamp() int64 {
	g.mu.Lock()
	offset := g.serverTimeOffset
	g.mu.Unlock()
	return g.clock.Now().Add(offset).UnixMilli()
}

// request performs one HTTP round trip for endpoint with the built query
// string, retrying via internal/retry.Do on network errors, 5xx, and 429
// per spec.md §4.3/§8, and returns the raw body or the last classified
// error. signed controls whether the X-MBX-APIKEY header and signature are
// attached.
func (g *Gateway) request(ctx context.Context, method, endpoint string, p *Params, signed bool) ([]byte, error) {
	if signed && (g.creds == nil || g.creds.APIKey() == "" || g.creds.APISecret() == "") {
		return nil, errs.Auth("signed request requires an API key and secret")
	}
	weight := weightOf(endpoint)
	if err := g.rl.Acquire(ctx, ratelimit.BucketWeight, weight); err != nil {
		return nil, errs.Network("rate limiter wait cancelled", err)
	}
	if mutatingEndpoints[endpoint] {
		if err := g.rl.Acquire(ctx, ratelimit.BucketOrders, 1); err != nil {
			return nil, errs.Network("rate limiter wait cancelled", err)
		}
	}

	if signed {
		p.Add("timestamp", g.timestamp())
		p.Add("recvWindow", "10000")
	}
	query := p.Encode()

	if signed {
		sig := g.sign(query)
		if query != "" {
			query += "&"
		}
		query += "signature=" + sig
	}

	reqURL := g.cfg.BaseURL + endpoint
	useBody := method != http.MethodGet && method != http.MethodDelete
	if !useBody && query != "" {
		reqURL += "?" + query
	}

	var respBody []byte
	op := func(attemptCtx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(attemptCtx, g.cfg.Timeout)
		defer cancel()

		var body io.Reader
		if useBody {
			body = strings.NewReader(query)
		}
		req, err := http.NewRequestWithContext(attemptCtx, method, reqURL, body)
		if err != nil {
			return errs.Network("building request", err)
		}
		req.Header.Set("X-MBX-APIKEY", g.creds.APIKey())
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if useBody {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := g.http.Do(req)
		if err != nil {
			if attemptCtx.Err() != nil {
				return errs.Network("request timeout", attemptCtx.Err())
			}
			return errs.Network("request failed", err)
		}
		defer resp.Body.Close()

		body2, err := io.ReadAll(resp.Body)
		if err != nil {
			return errs.Network("reading response body", err)
		}

		if resp.StatusCode == http.StatusOK {
			respBody = body2
			return nil
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, convErr := strconv.Atoi(ra); convErr == nil {
					if sleepErr := g.clock.Sleep(attemptCtx, time.Duration(secs)*time.Second); sleepErr != nil {
						return sleepErr
					}
				}
			}
		}
		return &statusError{status: resp.StatusCode, err: g.classifyError(resp.StatusCode, body2)}
	}

	if err := retry.Do(ctx, g.clock, g.retryPolicy, op); err != nil {
		var se *statusError
		if errors.As(err, &se) {
			return nil, se.err
		}
		return nil, err
	}
	return respBody, nil
}

// apiErrorBody mirrors the {code, msg} error shape from spec.md §6.
type apiErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (g *Gateway) classifyError(status int, body []byte) *errs.Error {
	var parsed apiErrorBody
	msg := string(body)
	code := status
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Msg != "" {
		msg = parsed.Msg
		code = parsed.Code
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.Auth(msg)
	case status == http.StatusTooManyRequests:
		return errs.RateLimit(code, msg)
	default:
		return errs.API(code, msg)
	}
}

func (g *Gateway) get(ctx context.Context, endpoint string, p *Params) ([]byte, error) {
	return g.request(ctx, http.MethodGet, endpoint, p, false)
}

func (g *Gateway) signedGet(ctx context.Context, endpoint string, p *Params) ([]byte, error) {
	return g.request(ctx, http.MethodGet, endpoint, p, true)
}

func (g *Gateway) signedPost(ctx context.Context, endpoint string, p *Params) ([]byte, error) {
	return g.request(ctx, http.MethodPost, endpoint, p, true)
}

func (g *Gateway) signedDelete(ctx context.Context, endpoint string, p *Params) ([]byte, error) {
	return g.request(ctx, http.MethodDelete, endpoint, p, true)
}

// RefreshServerTimeOffset calls /fapi/v1/time and caches the offset
// between exchange and local clock, refreshed at most every 5 minutes per
// spec.md §4.3(d).
func (g *Gateway) RefreshServerTimeOffset(ctx context.Context) error {
	g.mu.Lock()
	if time.Since(g.offsetRefreshedAt) < 5*time.Minute && !g.offsetRefreshedAt.IsZero() {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	body, err := g.get(ctx, "/fapi/v1/time", NewParams())
	if err != nil {
		return err
	}
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return errs.Wrap(errs.KindAPI, "parsing serverTime response", err)
	}

	offset := time.UnixMilli(out.ServerTime).Sub(g.clock.Now())
	g.mu.Lock()
	g.serverTimeOffset = offset
	g.offsetRefreshedAt = g.clock.Now()
	g.mu.Unlock()
	return nil
}

// Ping hits the keepalive endpoint.
func (g *Gateway) Ping(ctx context.Context) error {
	_, err := g.get(ctx, "/fapi/v1/ping", NewParams())
	return err
}
