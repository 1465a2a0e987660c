package waypoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// UserAgent identifies HTTPRemote requests.
const UserAgent = "waypoint-client/1.0"

// RemoteClient is the remote sync target. Every method must return an
// error on any failure, including authentication failure; Save and
// SavePreferences are idempotent upserts.
type RemoteClient interface {
	Save(ctx context.Context, kind EntityKind, id string, payload []byte) error
	// SavePreferences saves preferences with an optional analytics payload.
	SavePreferences(ctx context.Context, id string, prefs, analytics []byte) error
	Delete(ctx context.Context, kind EntityKind, id string) error
	Ping(ctx context.Context) error
}

// HTTPRemote talks to the remote store over HTTP behind a circuit breaker.
type HTTPRemote struct {
	baseURL  string
	apiKey   string
	deviceID string
	client   *http.Client
	cb       *gobreaker.CircuitBreaker
	log      zerolog.Logger
	debug    bool
}

var _ RemoteClient = (*HTTPRemote)(nil)

// HTTPRemoteOption configures an HTTPRemote.
type HTTPRemoteOption func(*HTTPRemote)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) HTTPRemoteOption {
	return func(r *HTTPRemote) { r.client = c }
}

// WithRemoteLogger sets the logger. Debug enables request and response
// body logging.
func WithRemoteLogger(l zerolog.Logger, debug bool) HTTPRemoteOption {
	return func(r *HTTPRemote) {
		r.log = l
		r.debug = debug
	}
}

// WithDeviceID sets the X-Device-ID header.
func WithDeviceID(id string) HTTPRemoteOption {
	return func(r *HTTPRemote) { r.deviceID = id }
}

// NewHTTPRemote creates a remote client for baseURL.
func NewHTTPRemote(baseURL, apiKey string, timeout time.Duration, opts ...HTTPRemoteOption) *HTTPRemote {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	r := &HTTPRemote{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote-store",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A rejected payload says nothing about the remote's health.
		IsSuccessful: func(err error) bool {
			var se *SyncError
			return err == nil || (errors.As(err, &se) && se.Permanent())
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return r
}

// preferencesEnvelope is the body of a preferences save.
type preferencesEnvelope struct {
	Preferences json.RawMessage `json:"preferences"`
	Analytics   json.RawMessage `json:"analytics,omitempty"`
}

// Save upserts an entity.
func (r *HTTPRemote) Save(ctx context.Context, kind EntityKind, id string, payload []byte) error {
	return r.do(ctx, "save", kind, id, http.MethodPut, r.entityURL(kind, id), payload, false)
}

// SavePreferences upserts preferences, bundling analytics when non-empty.
func (r *HTTPRemote) SavePreferences(ctx context.Context, id string, prefs, analytics []byte) error {
	body, err := json.Marshal(preferencesEnvelope{
		Preferences: prefs,
		Analytics:   analytics,
	})
	if err != nil {
		return &SyncError{Operation: "save", Kind: KindPreferences, EntityID: id, Err: fmt.Errorf("marshal: %w", err)}
	}
	return r.do(ctx, "save", KindPreferences, id, http.MethodPut, r.entityURL(KindPreferences, id), body, false)
}

// Delete removes an entity. A missing entity counts as deleted.
func (r *HTTPRemote) Delete(ctx context.Context, kind EntityKind, id string) error {
	return r.do(ctx, "delete", kind, id, http.MethodDelete, r.entityURL(kind, id), nil, true)
}

// Ping checks that the remote is reachable. It bypasses the breaker so a
// probe can detect recovery while the breaker is open.
func (r *HTTPRemote) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/api/v1/health", nil)
	if err != nil {
		return &SyncError{Operation: "ping", Err: err}
	}
	r.setHeaders(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return &SyncError{Operation: "ping", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &SyncError{Operation: "ping", StatusCode: resp.StatusCode, Err: fmt.Errorf("health check failed: %s", resp.Status)}
	}
	return nil
}

// BreakerState returns the circuit breaker state name.
func (r *HTTPRemote) BreakerState() string {
	return r.cb.State().String()
}

func (r *HTTPRemote) entityURL(kind EntityKind, id string) string {
	return fmt.Sprintf("%s/api/v1/entities/%s/%s", r.baseURL, url.PathEscape(string(kind)), url.PathEscape(id))
}

func (r *HTTPRemote) do(ctx context.Context, op string, kind EntityKind, id, method, target string, body []byte, notFoundOK bool) error {
	_, err := r.cb.Execute(func() (interface{}, error) {
		return nil, r.roundTrip(ctx, op, kind, id, method, target, body, notFoundOK)
	})
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		return err
	}
	// Breaker rejections (open or too many half-open requests).
	return &SyncError{Operation: op, Kind: kind, EntityID: id, Err: err}
}

func (r *HTTPRemote) roundTrip(ctx context.Context, op string, kind EntityKind, id, method, target string, body []byte, notFoundOK bool) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &SyncError{Operation: op, Kind: kind, EntityID: id, Err: err}
	}
	r.setHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if r.debug {
		ev := r.log.Debug().Str("method", method).Str("url", target)
		if len(body) > 0 {
			ev = ev.Str("body", truncateForLog(string(body), 2000))
		}
		ev.Msg("remote request")
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Debug().Err(err).Str("url", target).Dur("elapsed", time.Since(start)).Msg("remote request failed")
		return &SyncError{Operation: op, Kind: kind, EntityID: id, Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if r.debug {
		r.log.Debug().
			Int("status", resp.StatusCode).
			Dur("elapsed", time.Since(start)).
			Str("body", truncateForLog(string(respBody), 2000)).
			Msg("remote response")
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case notFoundOK && resp.StatusCode == http.StatusNotFound:
		return nil
	}
	return &SyncError{
		Operation:  op,
		Kind:       kind,
		EntityID:   id,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(truncateForLog(string(respBody), 200))),
	}
}

func (r *HTTPRemote) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("User-Agent", UserAgent)
	if r.deviceID != "" {
		req.Header.Set("X-Device-ID", r.deviceID)
	}
}
