package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/retry"
)

const (
	DefaultRegisterInterval    = 30 * time.Second
	DefaultMaxRegisterAttempts = 10
)

// Registration announces the relay to its parent orchestrator.
type Registration struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Version     string            `json:"version"`
	Settings    map[string]string `json:"settings"`
}

type RegistrarOptions struct {
	Logger slog.Logger
	Client *http.Client
	// URL receives a POST to register and a DELETE of URL/<name> to
	// unregister.
	URL         string
	Interval    time.Duration
	MaxAttempts int
}

// Registrar performs the registration handshake. Failing every attempt is
// not fatal; the relay keeps running and reports itself unregistered.
type Registrar struct {
	log         slog.Logger
	client      *http.Client
	url         *url.URL
	interval    time.Duration
	maxAttempts int

	registered atomic.Bool
	attempts   atomic.Int32
}

func NewRegistrar(opts RegistrarOptions) (*Registrar, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, xerrors.Errorf("parse register url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, xerrors.Errorf("register url must be http or https, got %q", opts.URL)
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultRegisterInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxRegisterAttempts
	}
	return &Registrar{
		log:         opts.Logger,
		client:      opts.Client,
		url:         u,
		interval:    opts.Interval,
		maxAttempts: opts.MaxAttempts,
	}, nil
}

func (r *Registrar) Registered() bool {
	return r.registered.Load()
}

// Attempts returns how many registration requests have been made.
func (r *Registrar) Attempts() int {
	return int(r.attempts.Load())
}

// Register sends reg until it is accepted, the attempts run out, or ctx
// ends.
func (r *Registrar) Register(ctx context.Context, reg Registration) error {
	body, err := json.Marshal(reg)
	if err != nil {
		return xerrors.Errorf("marshal registration: %w", err)
	}
	for retrier := retry.New(r.interval, r.interval); retrier.Wait(ctx); {
		attempt := r.attempts.Inc()
		r.log.Info(ctx, "registering with orchestrator", slog.F("attempt", attempt), slog.F("name", reg.Name))
		err := r.do(ctx, http.MethodPost, r.url.String(), body)
		if err == nil {
			r.registered.Store(true)
			r.log.Info(ctx, "registered with orchestrator", slog.F("name", reg.Name))
			return nil
		}
		r.log.Warn(ctx, "registration attempt failed", slog.F("attempt", attempt), slog.Error(err))
		if int(attempt) >= r.maxAttempts {
			r.log.Warn(ctx, "failed to register, maximum number of attempts reached",
				slog.F("max_attempts", r.maxAttempts),
			)
			return xerrors.Errorf("registration failed after %d attempts: %w", attempt, err)
		}
	}
	return ctx.Err()
}

// Unregister withdraws the registration made under name.
func (r *Registrar) Unregister(ctx context.Context, name string) error {
	if !r.registered.Load() {
		return nil
	}
	err := r.do(ctx, http.MethodDelete, r.url.JoinPath(name).String(), nil)
	if err != nil {
		return xerrors.Errorf("unregister: %w", err)
	}
	r.registered.Store(false)
	r.log.Info(ctx, "unregistered from orchestrator", slog.F("name", name))
	return nil
}

func (r *Registrar) do(ctx context.Context, method, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return xerrors.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := r.client.Do(req)
	if err != nil {
		return xerrors.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return xerrors.Errorf("%s %s: unexpected status %d", method, endpoint, res.StatusCode)
	}
	return nil
}
