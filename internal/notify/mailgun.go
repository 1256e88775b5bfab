package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"ticketflow/internal/log"
	"ticketflow/internal/ticket"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.mailgun.net/v3"

var ErrNotConfigured = errors.New("mailgun is not configured")

type MailgunConfig struct {
	Domain string
	APIKey string
	// From defaults to postmaster@Domain.
	From    string
	To      string
	BaseURL string
	Timeout time.Duration
}

var body = template.Must(template.New("ticket").Parse(`<h2>New Ticket: {{.Title}}</h2>
<p><strong>Priority:</strong> {{.Priority}}</p>
<p><strong>Reported by:</strong> {{.Submitter}}</p>
<p><strong>Description:</strong></p>
<p>{{.Description}}</p>
{{- if .Attachments}}
<p><strong>Attachments:</strong></p>
<ul>{{range .Attachments}}<li><a href="{{.}}">{{.}}</a></li>{{end}}</ul>
{{- end}}
<p>Please log in to the system to handle this ticket.</p>`))

// Mailgun emails technicians through the Mailgun HTTP API. Sends go through a
// circuit breaker so a Mailgun outage fails fast instead of stalling a cycle.
type Mailgun struct {
	cfg    MailgunConfig
	client *http.Client
	cb     *gobreaker.CircuitBreaker
	logger *log.Logger
}

func NewMailgun(cfg MailgunConfig, logger *log.Logger) (*Mailgun, error) {
	if cfg.Domain == "" || cfg.APIKey == "" || cfg.To == "" {
		return nil, ErrNotConfigured
	}
	if cfg.From == "" {
		cfg.From = "postmaster@" + cfg.Domain
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	logger = logger.Named("mailgun")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mailgun",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &Mailgun{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		cb:     cb,
		logger: logger,
	}, nil
}

func (m *Mailgun) Send(ctx context.Context, t ticket.Ticket) error {
	_, err := m.cb.Execute(func() (interface{}, error) {
		return nil, m.send(ctx, t)
	})
	if err != nil {
		m.logger.Error("Email failed", zap.String("ticket_id", t.ID), zap.String("to", m.cfg.To), zap.Error(err))
		return fmt.Errorf("notify ticket %s: %w", t.ID, err)
	}
	m.logger.Info("Email sent", zap.String("ticket_id", t.ID), zap.String("to", m.cfg.To))
	return nil
}

func (m *Mailgun) send(ctx context.Context, t ticket.Ticket) error {
	var html bytes.Buffer
	if err := body.Execute(&html, t); err != nil {
		return fmt.Errorf("render email: %w", err)
	}

	var form bytes.Buffer
	w := multipart.NewWriter(&form)
	fields := [][2]string{
		{"from", "IT Support System <" + m.cfg.From + ">"},
		{"to", m.cfg.To},
		{"subject", fmt.Sprintf("New %s Priority Ticket: %s", t.Priority, t.Title)},
		{"html", html.String()},
		{"h:X-Correlation-ID", t.ID},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return fmt.Errorf("build form: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("build form: %w", err)
	}

	url := strings.TrimRight(m.cfg.BaseURL, "/") + "/" + m.cfg.Domain + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &form)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.SetBasicAuth("api", m.cfg.APIKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to mailgun: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mailgun returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// LogNotifier only logs. It stands in when Mailgun is not configured.
type LogNotifier struct {
	logger *log.Logger
}

func NewLogNotifier(logger *log.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify")}
}

func (n *LogNotifier) Send(_ context.Context, t ticket.Ticket) error {
	n.logger.Info("New ticket",
		zap.String("ticket_id", t.ID),
		zap.String("priority", string(t.Priority)),
		zap.String("title", t.Title),
		zap.String("submitter", t.Submitter))
	return nil
}
