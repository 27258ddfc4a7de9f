package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"

	"nightwatch/internal/model"
)

// retrySchedule is the bounded backoff between push attempts.
var retrySchedule = []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}

// timestampFormat renders alert times in push payloads.
var timestampFormat, _ = strftime.New("%Y-%m-%d %H:%M:%S")

// PushSink POSTs alerts to a pushover/ntfy/webhook endpoint with
// bounded retries. A 4xx response is a configuration problem and is
// not retried; 5xx and transport errors are.
type PushSink struct {
	Provider    string
	Endpoint    string
	Credentials map[string]string

	client *http.Client
	log    *log.Logger
}

// NewPushSink builds a PushSink; each sink owns its own HTTP client.
func NewPushSink(provider, endpoint string, credentials map[string]string, logger *log.Logger) *PushSink {
	return &PushSink{
		Provider:    provider,
		Endpoint:    endpoint,
		Credentials: credentials,
		client:      &http.Client{Timeout: 5 * time.Second},
		log:         logger,
	}
}

func (p *PushSink) Name() string { return "push:" + p.Provider }

// Notify delivers a with up to len(retrySchedule) attempts. Retries
// reuse the same alert id, so the receiving side can deduplicate.
func (p *PushSink) Notify(ctx context.Context, a model.Alert) error {
	var lastErr error
	for attempt := 0; attempt < len(retrySchedule); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retrySchedule[attempt-1]):
			}
		}
		err := p.attempt(ctx, a)
		if err == nil {
			return nil
		}
		var pe *pushError
		if errors.As(err, &pe) && !pe.retryable {
			return err
		}
		lastErr = err
		p.log.Debug("push attempt failed", "provider", p.Provider, "attempt", attempt+1, "err", err)
	}
	return fmt.Errorf("push: %s exhausted retries: %w", p.Provider, lastErr)
}

type pushError struct {
	status    int
	retryable bool
}

func (e *pushError) Error() string {
	return fmt.Sprintf("push endpoint returned %d", e.status)
}

func (p *PushSink) attempt(ctx context.Context, a model.Alert) error {
	req, err := p.buildRequest(ctx, a)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err // transport/timeout: retryable
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode < 500:
		return &pushError{status: resp.StatusCode, retryable: false}
	default:
		return &pushError{status: resp.StatusCode, retryable: true}
	}
}

// buildRequest shapes the POST per provider convention.
func (p *PushSink) buildRequest(ctx context.Context, a model.Alert) (*http.Request, error) {
	triggered := timestampFormat.FormatString(a.TriggeredAt)
	switch p.Provider {
	case "pushover":
		form := url.Values{}
		form.Set("token", p.Credentials["token"])
		form.Set("user", p.Credentials["user"])
		form.Set("title", fmt.Sprintf("Nightwatch %s", a.Level))
		form.Set("message", fmt.Sprintf("%s (%s)", a.Message, triggered))
		if a.Level == model.SeverityCritical {
			form.Set("priority", "1")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil

	case "ntfy":
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, strings.NewReader(a.Message))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Title", fmt.Sprintf("Nightwatch %s", a.Level))
		if a.Level == model.SeverityCritical {
			req.Header.Set("Priority", "urgent")
		}
		if tok := p.Credentials["token"]; tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		return req, nil

	default: // webhook
		body, err := json.Marshal(map[string]any{
			"alert_id":     a.AlertID,
			"rule":         a.RuleName,
			"level":        a.Level,
			"message":      a.Message,
			"triggered_at": triggered,
		})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if tok := p.Credentials["token"]; tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		return req, nil
	}
}

// Resolved is a no-op for push providers; resolution records reach
// external consumers via the stream endpoint instead.
func (p *PushSink) Resolved(a model.Alert) {}
