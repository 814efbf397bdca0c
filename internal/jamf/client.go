// Package jamf is a client for the Jamf Pro Classic and modern APIs, limited
// to the calls needed to validate and remediate change requests.
package jamf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"crguard/internal/cache"
	"crguard/internal/crguard"
)

const (
	// Request defaults.
	defaultTimeout    = 30 * time.Second
	defaultRateLimit  = 10 // requests per second
	defaultBurst      = 5
	defaultMaxWorkers = 10
	defaultPageSize   = 200
	// Retry configuration for transient failures.
	maxRetries     = 3
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	// Tokens are refreshed this long before they expire.
	tokenRefreshMargin = 60 * time.Second
	oauthTokenPath     = "/api/oauth/token"
	basicTokenPath     = "/api/v1/auth/token"
	// Upper bound on error bodies kept for messages.
	maxErrorBody = 512
)

// Credentials selects one of the supported authentication flows. A static
// bearer token wins, then OAuth client credentials, then username/password.
type Credentials struct {
	BearerToken  string
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
}

func (c Credentials) valid() bool {
	return c.BearerToken != "" ||
		(c.ClientID != "" && c.ClientSecret != "") ||
		(c.Username != "" && c.Password != "")
}

// Config configures a Client.
type Config struct {
	HTTPClient  *http.Client
	Cache       *cache.Cache // Optional; memoizes metadata lookups for the run
	OnResponse  func(method string, code int, elapsed time.Duration)
	Credentials Credentials
	BaseURL     string
	Timeout     time.Duration
	RateLimit   float64 // Requests per second
	Burst       int
	MaxWorkers  int // Parallel page and per-device fetches
	PageSize    int
	Retries     uint
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// Client talks to one Jamf Pro server. It is safe for concurrent use.
type Client struct {
	tokenExpiry time.Time
	tokens      oauth2.TokenSource // OAuth client credentials; nil for other flows
	http        *http.Client
	limiter     *rate.Limiter
	cache       *cache.Cache
	onResponse  func(string, int, time.Duration)
	baseURL     string
	token       string
	creds       Credentials
	cfg         Config
	tokenMu     sync.Mutex
}

// New validates cfg and creates a client. No request is made until the first
// call.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("%w: jamf base URL is required", crguard.ErrConfig)
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("%w: invalid jamf base URL %q: %v", crguard.ErrConfig, base, err)
	}
	if !cfg.Credentials.valid() {
		return nil, fmt.Errorf("%w: no usable jamf credentials (bearer token, client id/secret or username/password)", crguard.ErrConfig)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Retries == 0 {
		cfg.Retries = maxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = initialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = maxBackoff
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	c := &Client{
		http:       httpClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		cache:      cfg.Cache,
		onResponse: cfg.OnResponse,
		baseURL:    base,
		creds:      cfg.Credentials,
		cfg:        cfg,
	}
	if cfg.Credentials.BearerToken == "" && cfg.Credentials.ClientID != "" && cfg.Credentials.ClientSecret != "" {
		c.tokens = oauthTokenSource(base, cfg.Credentials, httpClient, cfg.Timeout)
	}
	return c, nil
}

// oauthTokenSource fetches client_credentials tokens from Jamf and reuses
// them until tokenRefreshMargin before expiry.
func oauthTokenSource(base string, creds Credentials, httpClient *http.Client, timeout time.Duration) oauth2.TokenSource {
	tokenHTTP := *httpClient
	tokenHTTP.Timeout = timeout
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &tokenHTTP)
	cc := &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     base + oauthTokenPath,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return oauth2.ReuseTokenSourceWithExpiry(nil, clientCredentials{ctx: ctx, cfg: cc}, tokenRefreshMargin)
}

// clientCredentials requests a new token on every call. cfg.TokenSource
// would add its own cache with a shorter expiry margin.
type clientCredentials struct {
	ctx context.Context //nolint:containedctx // token requests outlive any single call
	cfg *clientcredentials.Config
}

func (s clientCredentials) Token() (*oauth2.Token, error) {
	return s.cfg.Token(s.ctx)
}

// tokenError maps an OAuth token failure onto the error taxonomy. Rejected
// credentials are fatal; server and network trouble is transient.
func tokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		kind := classify(re.Response.StatusCode)
		if !errors.Is(kind, crguard.ErrTransient) {
			kind = crguard.ErrAuth
		}
		return &StatusError{kind: kind, Method: http.MethodPost, Path: oauthTokenPath, Code: re.Response.StatusCode, Body: truncate(re.Body)}
	}
	return fmt.Errorf("%w: token request: %v", crguard.ErrTransient, err)
}

// StatusError is a non-2xx response. It wraps the matching taxonomy error.
type StatusError struct {
	kind   error
	Method string
	Path   string
	Body   string
	Code   int
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.Code)
	if e.kind != nil {
		msg = e.kind.Error() + ": " + msg
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *StatusError) Unwrap() error {
	return e.kind
}

// classify maps an HTTP status onto the error taxonomy.
func classify(code int) error {
	switch {
	case code == http.StatusUnauthorized:
		return crguard.ErrAuth
	case code == http.StatusForbidden:
		return crguard.ErrPermission
	case code == http.StatusNotFound:
		return crguard.ErrNotFound
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= http.StatusInternalServerError:
		return crguard.ErrTransient
	default:
		return nil
	}
}

// bearer returns a valid access token, fetching a new one when the cached
// token is missing or about to expire.
func (c *Client) bearer(ctx context.Context) (string, error) {
	if c.creds.BearerToken != "" {
		return c.creds.BearerToken, nil
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return "", tokenError(err)
		}
		return tok.AccessToken, nil
	}
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token != "" && time.Now().Add(tokenRefreshMargin).Before(c.tokenExpiry) {
		return c.token, nil
	}

	start := time.Now()
	token, expiry, err := c.fetchToken(ctx)
	if err != nil {
		return "", err
	}
	c.token, c.tokenExpiry = token, expiry
	log.Printf("[INFO] Obtained Jamf API token (expires %s) in %v", expiry.Format(time.RFC3339), time.Since(start))
	return token, nil
}

// fetchToken exchanges username and password for a bearer token. Jamf's
// /api/v1/auth/token is not an OAuth endpoint: it takes basic auth and
// answers with {"token", "expires"}.
func (c *Client) fetchToken(ctx context.Context) (string, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+basicTokenPath, http.NoBody)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to build token request: %w", err)
	}
	req.SetBasicAuth(c.creds.Username, c.creds.Password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: token request: %v", crguard.ErrTransient, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: token response: %v", crguard.ErrTransient, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := classify(resp.StatusCode)
		if kind == nil || resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusForbidden {
			kind = crguard.ErrAuth
		}
		return "", time.Time{}, &StatusError{kind: kind, Method: req.Method, Path: req.URL.Path, Code: resp.StatusCode, Body: truncate(body)}
	}

	var tok struct {
		Expires time.Time `json:"expires"`
		Token   string    `json:"token"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: token response: %v", crguard.ErrData, err)
	}
	token := tok.Token
	if token == "" {
		return "", time.Time{}, fmt.Errorf("%w: token response without token", crguard.ErrAuth)
	}
	expiry := tok.Expires
	if expiry.IsZero() {
		expiry = time.Now().Add(20 * time.Minute)
	}
	return token, expiry, nil
}

// do sends one API request with rate limiting and transient-failure retries.
// out, when non-nil, receives the decoded JSON body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	return retry.Do(func() error {
		return c.once(ctx, method, path, query, payload, out)
	},
		retry.Attempts(c.cfg.Retries),
		retry.Delay(c.cfg.Backoff),
		retry.MaxDelay(c.cfg.MaxBackoff),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, crguard.ErrTransient)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Printf("[WARN] %s %s attempt %d failed: %v (retrying)", method, path, n+1, err)
		}),
	)
}

func (c *Client) once(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	token, err := c.bearer(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	body := io.Reader(http.NoBody)
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if parent := context.Cause(ctx); parent != nil && !errors.Is(parent, context.DeadlineExceeded) {
			return err
		}
		c.observe(method, 0, elapsed)
		return fmt.Errorf("%w: %s %s: %v", crguard.ErrTransient, method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	c.observe(method, resp.StatusCode, elapsed)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading %s %s: %v", crguard.ErrTransient, method, path, err)
	}
	crguard.Debugf("%s %s -> %d (%d bytes) in %v", method, path, resp.StatusCode, len(data), elapsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{kind: classify(resp.StatusCode), Method: method, Path: path, Code: resp.StatusCode, Body: truncate(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decoding %s %s: %v", crguard.ErrData, method, path, err)
	}
	return nil
}

func (c *Client) observe(method string, code int, elapsed time.Duration) {
	if c.onResponse != nil {
		c.onResponse(method, code, elapsed)
	}
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
