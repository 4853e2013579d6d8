package forward

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
)

// WebhookSink POSTs each message, and optionally each dead letter, to an
// HTTP endpoint. Transport errors, 5xx, 408 and 429 responses are
// retryable. Other 4xx responses and encoding errors are not.
type WebhookSink struct {
	log        slog.Logger
	endpoint   string
	deadLetter string
	encoding   Encoding
	cl         *http.Client
}

type WebhookOptions struct {
	Logger slog.Logger
	// Endpoint receives messages.
	Endpoint string
	// DeadLetterEndpoint receives dead letters. Empty disables them.
	DeadLetterEndpoint string
	Encoding           Encoding
	Client             *http.Client
}

func NewWebhookSink(opts WebhookOptions) (*WebhookSink, error) {
	for _, raw := range []string{opts.Endpoint, opts.DeadLetterEndpoint} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, xerrors.Errorf("invalid webhook endpoint %q", raw)
		}
	}
	if opts.Endpoint == "" {
		return nil, xerrors.New("webhook endpoint is required")
	}
	if opts.Encoding == nil {
		opts.Encoding = JSON
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &WebhookSink{
		log:        opts.Logger,
		endpoint:   opts.Endpoint,
		deadLetter: opts.DeadLetterEndpoint,
		encoding:   opts.Encoding,
		cl:         opts.Client,
	}, nil
}

func (w *WebhookSink) Deliver(ctx context.Context, msg Message) (retryable bool, err error) {
	m, err := w.encoding.Marshal(msg)
	if err != nil {
		return false, xerrors.Errorf("marshal message: %w", err)
	}
	return w.post(ctx, w.endpoint, m, map[string]string{
		"X-Message-Id": msg.ID.String(),
		"X-Priority":   priorityHeader(msg.Priority),
	})
}

func (w *WebhookSink) DeadLetter(ctx context.Context, dl DeadLetter) error {
	if w.deadLetter == "" {
		return nil
	}
	m, err := w.encoding.Marshal(dl)
	if err != nil {
		return xerrors.Errorf("marshal dead letter: %w", err)
	}
	_, err = w.post(ctx, w.deadLetter, m, map[string]string{
		"X-Source": dl.Source,
		"X-Type":   dl.Type,
	})
	return err
}

func (w *WebhookSink) post(ctx context.Context, endpoint string, body []byte, headers map[string]string) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return false, xerrors.Errorf("create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", w.encoding.ContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := w.cl.Do(req)
	if err != nil {
		return true, xerrors.Errorf("send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 100))
		return retryableStatus(resp.StatusCode), xerrors.Errorf("non-2xx response (%d): %s", resp.StatusCode, respBody)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return false, nil
}

// retryableStatus reports whether a non-2xx status may succeed on a later
// attempt. A 4xx means the receiver rejected the message itself, except for
// timeouts and rate limiting.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code/100 != 4
}

func priorityHeader(p int) string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}
