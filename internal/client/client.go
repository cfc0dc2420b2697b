// Package client talks to the remote platform: handle resolution and
// batch lookup over GraphQL, blocking over the form-encoded REST
// endpoint. Every call runs through one pipeline that builds headers
// from live credentials, absorbs a single in-band rate-limit wait, and
// escalates credential failures to the recovery coordinator.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/blocktools/massblock/internal/classify"
	"github.com/blocktools/massblock/internal/credentials"
	"github.com/blocktools/massblock/internal/retrypolicy"
	"github.com/blocktools/massblock/internal/types"
	"github.com/blocktools/massblock/internal/ui"
)

const (
	// DefaultBaseURL is the platform API origin.
	DefaultBaseURL = "https://x.com"

	// bearerToken is the fixed public web-app token; authentication
	// happens through the session cookies, not this value.
	bearerToken = "AAAAAAAAAAAAAAAAAAAAANRILgAAAAAAnNwIzUejRCOuH5E6I8xnZz4puTs%3D1Zv7ttfk8LF81IUq16cHjhLTvJu4FA33AGWWjCpTnA"

	userByScreenNamePath = "/i/api/graphql/7mjxD3-C6BxitPMVQ6w0-Q/UserByScreenName"
	usersByRestIDsPath   = "/i/api/graphql/GgUIcBt0EDk6cYqDFnF8Ng/UsersByRestIds"
	blocksCreatePath     = "/i/api/1.1/blocks/create.json"

	// MaxBatchSize is the id-lookup batch cap per call.
	MaxBatchSize = 50

	defaultTimeout = 30 * time.Second

	maxResponseSize = 10 * 1024 * 1024
)

// ErrUserNotFound is returned when the remote has no record of the
// requested account at all.
var ErrUserNotFound = errors.New("user not found")

// ErrBatchTooLarge is returned when an id batch exceeds MaxBatchSize.
var ErrBatchTooLarge = fmt.Errorf("id batch exceeds %d entries", MaxBatchSize)

// Recoverer is the recovery coordinator surface the client escalates
// into. All methods may block on credential-refresh waits.
type Recoverer interface {
	// RecoverAuth runs one auth-recovery cycle. A nil return means
	// the original operation should be retried.
	RecoverAuth(ctx context.Context) error
	// NoteSuccess resets the burst counters after any successful call.
	NoteSuccess()
	// NoteFailure feeds the burst counters; it runs burst recovery
	// internally when a threshold trips.
	NoteFailure(ctx context.Context) error
	// NoteForbidden feeds the 403 threshold-refresh counter.
	NoteForbidden(ctx context.Context) error
}

// Client is the remote API client. Single-threaded use only, matching
// the engine's scheduling model.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	creds     *credentials.Store
	recoverer Recoverer
	printer   *ui.Printer
	enhancer  *headerEnhancer
	telemetry *HeaderTelemetry

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Options tune client construction.
type Options struct {
	// DisableEnhancedHeaders turns off the synthetic per-request
	// header set.
	DisableEnhancedHeaders bool
	// EnableForwardedFor adds the session-stable synthetic
	// x-xp-forwarded-for header. Off by default.
	EnableForwardedFor bool
	// BaseURL overrides the API origin, for tests.
	BaseURL string
}

// New creates a client reading credentials from creds and escalating
// credential failures to rec. rec and printer may be nil.
func New(creds *credentials.Store, rec Recoverer, printer *ui.Printer, opts Options) *Client {
	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	var enhancer *headerEnhancer
	if !opts.DisableEnhancedHeaders {
		enhancer = newHeaderEnhancer(opts.EnableForwardedFor)
	}
	return &Client{
		BaseURL:    base,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
		creds:      creds,
		recoverer:  rec,
		printer:    printer,
		enhancer:   enhancer,
		telemetry:  NewHeaderTelemetry(),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// UserByHandle resolves a handle into the full profile + relationship
// record.
func (c *Client) UserByHandle(ctx context.Context, handle string) (*types.FullUser, error) {
	variables := map[string]any{
		"screen_name":              handle,
		"withSafetyModeUserFields": true,
	}
	body, err := c.graphqlGET(ctx, userByScreenNamePath, variables)
	if err != nil {
		return nil, err
	}
	user, err := parseUserResponse(body, "", handle, c.now())
	if err != nil {
		return nil, err
	}
	return user, nil
}

// UsersByIDs looks up at most MaxBatchSize accounts in one call. The
// result maps every requested id to its record; ids the remote does
// not know map to nil.
func (c *Client) UsersByIDs(ctx context.Context, ids []string) (map[string]*types.FullUser, error) {
	if len(ids) > MaxBatchSize {
		return nil, ErrBatchTooLarge
	}
	variables := map[string]any{
		"userIds":                  ids,
		"withSafetyModeUserFields": true,
	}
	body, err := c.graphqlGET(ctx, usersByRestIDsPath, variables)
	if err != nil {
		return nil, err
	}
	return parseBatchResponse(body, ids, c.now())
}

// Block issues the block POST for a user id. A nil return means the
// remote confirmed the block.
func (c *Client) Block(ctx context.Context, userID string) error {
	form := url.Values{"user_id": {userID}}
	_, err := c.do(ctx, request{
		method:      http.MethodPost,
		path:        blocksCreatePath,
		form:        form,
		contentType: "application/x-www-form-urlencoded",
	})
	return err
}

// Telemetry exposes the enhanced-header effectiveness report.
func (c *Client) Telemetry() *HeaderTelemetry { return c.telemetry }

func (c *Client) graphqlGET(ctx context.Context, path string, variables map[string]any) ([]byte, error) {
	varsJSON, err := json.Marshal(variables)
	if err != nil {
		return nil, err
	}
	featJSON, err := json.Marshal(graphqlFeatures)
	if err != nil {
		return nil, err
	}
	params := url.Values{
		"variables": {string(varsJSON)},
		"features":  {string(featJSON)},
	}
	return c.do(ctx, request{
		method:      http.MethodGet,
		path:        path + "?" + params.Encode(),
		contentType: "application/json",
	})
}

type request struct {
	method      string
	path        string
	form        url.Values
	contentType string
}

// do runs the uniform request pipeline: headers from live credentials,
// one in-band rate-limit wait, auth escalation, classification of
// everything else.
func (c *Client) do(ctx context.Context, r request) ([]byte, error) {
	rateLimitRetried := false
	for {
		status, body, header, err := c.attempt(ctx, r)
		if err != nil {
			// Transport failure: classify (timeout vs server_error)
			// and hand the verdict to the engine.
			kind, _ := classify.Classify(0, err.Error(), nil)
			c.noteFailure(ctx)
			c.telemetry.Record(c.enhancer != nil, false)
			return nil, &types.RemoteError{Kind: kind, Status: 0, Message: err.Error()}
		}

		switch {
		case status == http.StatusOK:
			c.noteSuccess()
			c.telemetry.Record(c.enhancer != nil, true)
			return body, nil

		case status == http.StatusTooManyRequests && !rateLimitRetried:
			rateLimitRetried = true
			delay, reset := c.rateLimitDelay(header)
			if c.printer != nil {
				c.printer.RateLimitWait(delay, reset)
			}
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue

		case status == http.StatusUnauthorized || isCredentialBody(status, body):
			c.telemetry.Record(c.enhancer != nil, false)
			if c.recoverer == nil {
				return nil, &types.RemoteError{
					Kind: types.KindAuthRequired, Status: status, Message: trimBody(body),
				}
			}
			if rerr := c.recoverer.RecoverAuth(ctx); rerr != nil {
				return nil, rerr
			}
			continue
		}

		kind, _ := classify.Classify(status, string(body), header)
		c.telemetry.Record(c.enhancer != nil, false)
		if status == http.StatusForbidden {
			if err := c.noteForbidden(ctx); err != nil {
				return nil, err
			}
		}
		c.noteFailure(ctx)
		return nil, &types.RemoteError{Kind: kind, Status: status, Message: trimBody(body)}
	}
}

// attempt issues one HTTP request and reads the response. The error
// return covers transport failures only; HTTP error statuses come
// back as data.
func (c *Client) attempt(ctx context.Context, r request) (int, []byte, http.Header, error) {
	mapping, err := c.creds.Load()
	if err != nil {
		return 0, nil, nil, err
	}

	var reqBody io.Reader
	if r.form != nil {
		reqBody = strings.NewReader(r.form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, r.method, c.BaseURL+r.path, reqBody)
	if err != nil {
		return 0, nil, nil, err
	}
	c.setHeaders(req, mapping, r.contentType)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	_ = resp.Body.Close()
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, body, resp.Header, nil
}

func (c *Client) rateLimitDelay(header http.Header) (time.Duration, time.Time) {
	now := c.now()
	reset := now
	if raw := header.Get("x-rate-limit-reset"); raw != "" {
		if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil {
			reset = time.Unix(epoch, 0)
		}
	}
	return retrypolicy.RateLimitDelay(reset, now), reset
}

func (c *Client) noteSuccess() {
	if c.recoverer != nil {
		c.recoverer.NoteSuccess()
	}
}

func (c *Client) noteFailure(ctx context.Context) {
	if c.recoverer != nil {
		_ = c.recoverer.NoteFailure(ctx)
	}
}

func (c *Client) noteForbidden(ctx context.Context) error {
	if c.recoverer == nil {
		return nil
	}
	return c.recoverer.NoteForbidden(ctx)
}

// isCredentialBody detects account-lock and token-invalidation bodies
// that arrive with statuses other than 401.
func isCredentialBody(status int, body []byte) bool {
	if status == http.StatusOK {
		return false
	}
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "could not authenticate") ||
		strings.Contains(lower, "invalid or expired token") ||
		strings.Contains(lower, "account is temporarily locked")
}

func trimBody(body []byte) string {
	const limit = 500
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		s = s[:limit]
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
