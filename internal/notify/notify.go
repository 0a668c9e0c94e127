// Package notify sends best-effort operational notifications. A failing
// notifier is logged and otherwise ignored; it never reports an error to
// its caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/leadmail/internal/model"
)

// Severity tags an event.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
)

var severityColors = map[Severity]int{
	SeverityError:   0xff0000,
	SeverityWarning: 0xffa500,
	SeverityInfo:    0x0099ff,
	SeveritySuccess: 0x00ff00,
}

var severityEmoji = map[Severity]string{
	SeverityError:   "🔴",
	SeverityWarning: "🟡",
	SeverityInfo:    "🔵",
	SeveritySuccess: "🟢",
}

// Field is one key-value detail of an event.
type Field struct {
	Name  string
	Value string
}

// Event is a structured notification.
type Event struct {
	Severity    Severity
	Title       string
	Description string
	Fields      []Field
}

// F builds a Field, formatting value with %v.
func F(name string, value any) Field {
	return Field{Name: name, Value: fmt.Sprint(value)}
}

// Notifier delivers events. Notify must not block on delivery and must
// never fail the caller.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// New returns a Webhook notifier when a webhook URL is configured, and a
// Log notifier otherwise.
func New(cfg model.NotifyConfig, log *zap.Logger) Notifier {
	if cfg.WebhookURL == "" {
		return NewLog(log)
	}
	return NewWebhook(cfg, log)
}

// Flush waits for in-flight deliveries when n supports it.
func Flush(n Notifier) {
	if f, ok := n.(interface{ Flush() }); ok {
		f.Flush()
	}
}

// Log writes events to the logger only.
type Log struct {
	log *zap.Logger
}

// NewLog creates a Log notifier.
func NewLog(log *zap.Logger) *Log {
	return &Log{log: log.With(zap.String("component", "notify"))}
}

// Notify logs ev at a level matching its severity.
func (l *Log) Notify(_ context.Context, ev Event) {
	fields := []zap.Field{zap.String("kind", string(ev.Severity)), zap.String("description", ev.Description)}
	for _, f := range ev.Fields {
		fields = append(fields, zap.String(f.Name, f.Value))
	}

	switch ev.Severity {
	case SeverityError:
		l.log.Error(ev.Title, fields...)
	case SeverityWarning:
		l.log.Warn(ev.Title, fields...)
	default:
		l.log.Info(ev.Title, fields...)
	}
}

// Webhook posts events as Discord-style embeds.
type Webhook struct {
	url     string
	footer  string
	timeout time.Duration
	client  *http.Client
	log     *zap.Logger
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewWebhook creates a webhook notifier from cfg.
func NewWebhook(cfg model.NotifyConfig, log *zap.Logger) *Webhook {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:     cfg.WebhookURL,
		footer:  cfg.Footer,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		log:     log.With(zap.String("component", "notify")),
		now:     time.Now,
	}
}

// Notify sends ev in the background. Delivery outlives ctx cancellation
// but not the webhook timeout.
func (w *Webhook) Notify(ctx context.Context, ev Event) {
	msg := w.message(ev)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
		defer cancel()

		if err := w.send(sendCtx, msg); err != nil {
			w.log.Warn("notification delivery failed",
				zap.String("title", ev.Title), zap.Error(err))
		}
	}()
}

// Flush blocks until every pending delivery has finished.
func (w *Webhook) Flush() {
	w.wg.Wait()
}

func (w *Webhook) send(ctx context.Context, msg webhookMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook rejected notification: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (w *Webhook) message(ev Event) webhookMessage {
	e := embed{
		Title:       severityEmoji[ev.Severity] + " " + ev.Title,
		Description: ev.Description,
		Color:       severityColors[ev.Severity],
		Timestamp:   w.now().UTC().Format(time.RFC3339),
	}
	if w.footer != "" {
		e.Footer = &embedFooter{Text: w.footer}
	}
	for _, f := range ev.Fields {
		e.Fields = append(e.Fields, embedField{Name: f.Name, Value: f.Value, Inline: true})
	}
	return webhookMessage{Embeds: []embed{e}}
}

type webhookMessage struct {
	Content string  `json:"content,omitempty"`
	Embeds  []embed `json:"embeds"`
}

type embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embedFooter struct {
	Text string `json:"text"`
}
