// Package remote is the HTTP client for the contact validation API.
//
// The API exposes three endpoints: a login returning a bearer token, a
// multipart submit that starts an asynchronous validation job, and a poll that
// returns the job's per-recipient results once available. Every call runs
// under a RetryPolicy and an optional request rate limit.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Default endpoint paths and values.
const (
	DefaultLoginPath  = "/Login/login"
	DefaultSubmitPath = "/Uno/IncluirAcaoEnvio"
	DefaultPollPath   = "/Uno/GetAcaoEnvioRetorno"
	DefaultCompanyID  = 90
	DefaultTimezone   = "America/Sao_Paulo"

	// SubmitTimeFormat is the layout of the DataEnvio parameter.
	SubmitTimeFormat = "2006-01-02T15:04:05"

	// SubmitMessage is the fixed campaign message sent with every submission.
	SubmitMessage = "Validação"

	maxErrorBody = 512
)

// Config holds client settings.
type Config struct {
	BaseURL    string
	LoginPath  string
	SubmitPath string
	PollPath   string

	Email     string
	Password  string
	CompanyID int

	// Location is the timezone used for DataEnvio. Defaults to
	// America/Sao_Paulo, falling back to UTC when tzdata is unavailable.
	Location *time.Location

	SubmitTimeout time.Duration
	PollTimeout   time.Duration

	Retry RetryPolicy

	// RateLimit caps requests per second (0 = unlimited).
	RateLimit float64
}

// Option customizes an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *HTTPClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the time source used for DataEnvio.
func WithClock(now func() time.Time) Option {
	return func(c *HTTPClient) {
		if now != nil {
			c.now = now
		}
	}
}

// SubmitRequest is one list upload.
type SubmitRequest struct {
	// FileName is the name reported for the multipart part.
	FileName string

	// Content is the sanitized semicolon-delimited list.
	Content []byte

	// CostCenter is the optional cost-center tag.
	CostCenter string

	// SentAt overrides the submission time; zero means now.
	SentAt time.Time
}

// HTTPClient talks to the validation API.
type HTTPClient struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a client. Zero-valued settings take their defaults.
func New(cfg Config, opts ...Option) *HTTPClient {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.LoginPath == "" {
		cfg.LoginPath = DefaultLoginPath
	}
	if cfg.SubmitPath == "" {
		cfg.SubmitPath = DefaultSubmitPath
	}
	if cfg.PollPath == "" {
		cfg.PollPath = DefaultPollPath
	}
	if cfg.CompanyID == 0 {
		cfg.CompanyID = DefaultCompanyID
	}
	if cfg.Location == nil {
		cfg.Location = LoadLocation(DefaultTimezone)
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 60 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 && cfg.Retry.Backoff == nil {
		cfg.Retry = DefaultRetryPolicy()
	}
	cfg.Retry = cfg.Retry.normalized()

	c := &HTTPClient{
		cfg:    cfg,
		http:   &http.Client{},
		logger: zap.NewNop(),
		now:    time.Now,
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoadLocation resolves a timezone name, returning UTC when it is unknown.
func LoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Login exchanges the configured credentials for a bearer token.
func (c *HTTPClient) Login(ctx context.Context) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"email": c.cfg.Email,
		"senha": c.cfg.Password,
	})
	if err != nil {
		return "", err
	}

	res, err := c.do(ctx, "login", c.cfg.PollTimeout, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+c.cfg.LoginPath, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return "", err
	}

	if token := tokenFromBody(res.body); token != "" {
		return token, nil
	}
	if token := tokenFromHeader(res.header.Get("Authorization")); token != "" {
		return token, nil
	}
	return "", ErrNoToken
}

// Submit uploads a list and returns the remote job id.
func (c *HTTPClient) Submit(ctx context.Context, sr SubmitRequest, token string) (string, error) {
	sentAt := sr.SentAt
	if sentAt.IsZero() {
		sentAt = c.now()
	}

	q := url.Values{}
	q.Set("Email", c.cfg.Email)
	q.Set("IdEmpresa", strconv.Itoa(c.cfg.CompanyID))
	q.Set("CentroCusto", sr.CostCenter)
	q.Set("DataEnvio", sentAt.In(c.cfg.Location).Format(SubmitTimeFormat))
	q.Set("Higienizacao", "true")
	q.Set("Oficial", "false")
	q.Set("IdTipoAcaoEnvio", "1")
	q.Set("Mensagem", SubmitMessage)
	q.Set("ProcessamentoExterno", "false")
	target := c.cfg.BaseURL + c.cfg.SubmitPath + "?" + q.Encode()

	body, contentType, err := multipartBody(sr.FileName, sr.Content)
	if err != nil {
		return "", err
	}

	res, err := c.do(ctx, "submit", c.cfg.SubmitTimeout, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		setBearer(req, token)
		return req, nil
	})
	if err != nil {
		return "", err
	}

	id, err := jobIDFromBody(res.body)
	if err != nil {
		return "", err
	}
	c.logger.Debug("Submission accepted",
		zap.String("file", sr.FileName),
		zap.String("job_id", id),
	)
	return id, nil
}

// Poll fetches the result items of a job. An empty slice means the job has
// not produced results yet.
func (c *HTTPClient) Poll(ctx context.Context, jobID, token string) ([]Item, error) {
	q := url.Values{}
	q.Set("Email", c.cfg.Email)
	q.Set("IdAcaoEnvio", jobID)
	target := c.cfg.BaseURL + c.cfg.PollPath + "?" + q.Encode()

	res, err := c.do(ctx, "poll", c.cfg.PollTimeout, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		setBearer(req, token)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	items, err := decodeItems(res.body)
	if err != nil {
		return nil, &TransportError{Op: "poll", Attempts: res.attempts, Status: res.status, Err: err}
	}
	return items, nil
}

type response struct {
	status   int
	header   http.Header
	body     []byte
	attempts int
}

// do sends the request built by build under the retry policy. Each attempt
// gets its own timeout and a freshly built request.
func (c *HTTPClient) do(ctx context.Context, op string, timeout time.Duration, build func(context.Context) (*http.Request, error)) (*response, error) {
	var (
		res      response
		lastCode int
	)

	attempt := func() error {
		res.attempts++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := build(actx)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastCode = 0
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			lastCode = resp.StatusCode
			return fmt.Errorf("read body: %w", err)
		}
		lastCode = resp.StatusCode

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			serr := &statusError{code: resp.StatusCode, body: truncate(string(body), maxErrorBody)}
			if !recoverable(resp.StatusCode) {
				return backoff.Permanent(serr)
			}
			return serr
		}

		res.status = resp.StatusCode
		res.header = resp.Header
		res.body = body
		return nil
	}

	b := backoff.WithContext(&policyBackOff{policy: c.cfg.Retry}, ctx)
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Remote request failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", res.attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(attempt, b, notify); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return nil, &TransportError{Op: op, Attempts: res.attempts, Status: lastCode, Err: err}
	}
	return &res, nil
}

func multipartBody(fileName string, content []byte) ([]byte, string, error) {
	if fileName == "" {
		fileName = "mailing.csv"
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="Mailing"; filename=%q`, fileName))
	h.Set("Content-Type", "text/csv")
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(content); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func setBearer(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
