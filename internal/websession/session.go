// Package websession is the session handle the agent drives: an HTTP client
// bound to the automated system's base URL. Executors, candidate pools and
// the external timer supplier are declared in the config values section.
package websession

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "pacer/pkg/logx"
)

const maxBody = 1 << 20

// Session is not safe for interleaved multi-step use; callers hold the
// arbiter while they drive it.
type Session struct {
	base   *url.URL
	client *http.Client
	header http.Header
	log    logx.Logger
}

type Option func(*Session)

func WithClient(c *http.Client) Option { return func(s *Session) { s.client = c } }

// WithHeader adds a header to every request (auth tokens, cookies).
func WithHeader(k, v string) Option { return func(s *Session) { s.header.Set(k, v) } }

func WithLogger(log logx.Logger) Option { return func(s *Session) { s.log = log } }

func New(baseURL string, opts ...Option) (*Session, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("session base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("session base url %q: scheme and host required", baseURL)
	}
	s := &Session{
		base:   u,
		client: &http.Client{Timeout: 30 * time.Second},
		header: http.Header{},
		log:    logx.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Response is a finished request.
type Response struct {
	Status int
	Body   []byte
}

func (r Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Busy reports statuses that mean "not now" rather than failure.
func (r Response) Busy() bool {
	return r.Status == http.StatusConflict || r.Status == http.StatusTooEarly || r.Status == http.StatusTooManyRequests
}

// Do sends body as JSON (nil sends nothing) to path relative to the base URL.
func (s *Session) Do(ctx context.Context, method, path string, body any) (Response, error) {
	ref, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return Response{}, fmt.Errorf("path %q: %w", path, err)
	}
	base := *s.base
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	target := base.ResolveReference(ref)

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Response{}, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), rd)
	if err != nil {
		return Response{}, err
	}
	for k, vs := range s.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Response{}, err
	}
	s.log.Trace("session request",
		logx.String("method", method), logx.String("path", target.Path),
		logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))
	return Response{Status: resp.StatusCode, Body: b}, nil
}

// GetJSON decodes a 2xx JSON response into out.
func (s *Session) GetJSON(ctx context.Context, path string, out any) error {
	resp, err := s.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("GET %s: status %d", path, resp.Status)
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	return nil
}
