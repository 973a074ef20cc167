// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package httphal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sustainable-computing-io/power-advisor/internal/hal"
)

// Opts for the Client
type Opts struct {
	logger     *slog.Logger
	httpClient *http.Client
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:     slog.Default(),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Client
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithHTTPClient sets the http.Client used for every request
func WithHTTPClient(c *http.Client) OptionFn {
	return func(o *Opts) {
		o.httpClient = c
	}
}

// Client is a hal.ServiceManager reaching a power service over HTTP
type Client struct {
	logger  *slog.Logger
	baseURL string
	client  *http.Client
}

var _ hal.ServiceManager = (*Client)(nil)

// NewClient creates a Client for the service at baseURL
func NewClient(baseURL string, applyOpts ...OptionFn) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid power service url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid power service url %q: scheme must be http or https", baseURL)
	}

	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Client{
		logger:  opts.logger.With("service", "httphal"),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  opts.httpClient,
	}, nil
}

func (c *Client) Modern(ctx context.Context) (hal.ModernPower, error) {
	if err := c.do(ctx, http.MethodGet, pathModern, nil, nil); err != nil {
		return nil, err
	}
	return &modernPower{c: c}, nil
}

func (c *Client) Legacy(ctx context.Context) (hal.LegacyPower, error) {
	if err := c.do(ctx, http.MethodGet, pathLegacy, nil, nil); err != nil {
		return nil, err
	}
	return &legacyPower{c: c}, nil
}

// do sends in as the JSON body and decodes the response into out; either may
// be nil. 404 maps to hal.ErrUnavailable and 501 to hal.ErrUnsupported.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", contentTypeJSON)
	if in != nil {
		req.Header.Set(headerContentType, contentTypeJSON)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, hal.ErrUnavailable)
	case resp.StatusCode == http.StatusNotImplemented:
		return fmt.Errorf("%s %s: %w", method, path, hal.ErrUnsupported)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%s %s: http %d: %s", method, path, resp.StatusCode, errorMessage(resp.Body))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s: %w", method, path, err)
	}
	return nil
}

func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBodyLength))
	var e errorBody
	if err := json.Unmarshal(raw, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(raw))
}

type legacyPower struct {
	c *Client
}

func (p *legacyPower) PowerHintAsync(ctx context.Context, hint hal.Hint, enabled bool) error {
	return p.c.do(ctx, http.MethodPost, "/legacy/hints/"+url.PathEscape(string(hint)), enabledBody{Enabled: enabled}, nil)
}

type modernPower struct {
	c *Client
}

func modePath(m hal.Mode) string   { return "/modern/modes/" + url.PathEscape(string(m)) }
func boostPath(b hal.Boost) string { return "/modern/boosts/" + url.PathEscape(string(b)) }

func (p *modernPower) IsModeSupported(ctx context.Context, mode hal.Mode) (bool, error) {
	var resp supportedBody
	if err := p.c.do(ctx, http.MethodGet, modePath(mode), nil, &resp); err != nil {
		return false, err
	}
	return resp.Supported, nil
}

func (p *modernPower) IsBoostSupported(ctx context.Context, boost hal.Boost) (bool, error) {
	var resp supportedBody
	if err := p.c.do(ctx, http.MethodGet, boostPath(boost), nil, &resp); err != nil {
		return false, err
	}
	return resp.Supported, nil
}

func (p *modernPower) SetMode(ctx context.Context, mode hal.Mode, enabled bool) error {
	return p.c.do(ctx, http.MethodPost, modePath(mode), enabledBody{Enabled: enabled}, nil)
}

func (p *modernPower) SetBoost(ctx context.Context, boost hal.Boost, durationMs int32) error {
	return p.c.do(ctx, http.MethodPost, boostPath(boost), boostBody{DurationMs: durationMs}, nil)
}

func (p *modernPower) HintSessionPreferredRate(ctx context.Context) (int64, error) {
	var resp rateBody
	if err := p.c.do(ctx, http.MethodGet, pathPreferredRate, nil, &resp); err != nil {
		return 0, err
	}
	return resp.RateNanos, nil
}

func (p *modernPower) CreateHintSession(ctx context.Context, tgid, uid int32, threadIDs []int32, targetNanos int64) (hal.HintSession, error) {
	req := createSessionBody{TGID: tgid, UID: uid, ThreadIDs: threadIDs, TargetNanos: targetNanos}
	var resp sessionBody
	if err := p.c.do(ctx, http.MethodPost, pathHintSessions, req, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("power service returned a hint session without id")
	}
	p.c.logger.Debug("Created remote hint session", "id", resp.ID, "threads", threadIDs)
	return &hintSession{c: p.c, path: pathHintSessions + "/" + url.PathEscape(resp.ID)}, nil
}

type hintSession struct {
	c    *Client
	path string
}

func (s *hintSession) UpdateTargetWorkDuration(ctx context.Context, targetNanos int64) error {
	return s.c.do(ctx, http.MethodPost, s.path+"/target", targetBody{TargetNanos: targetNanos}, nil)
}

func (s *hintSession) ReportActualWorkDuration(ctx context.Context, durations []hal.WorkDuration) error {
	return s.c.do(ctx, http.MethodPost, s.path+"/actual", actualBody{Durations: durations}, nil)
}

func (s *hintSession) Close(ctx context.Context) error {
	return s.c.do(ctx, http.MethodDelete, s.path, nil, nil)
}
