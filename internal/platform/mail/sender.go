package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/lunchdesk/api/internal/platform/config"
	"github.com/lunchdesk/api/internal/services"
)

// Dialer delivers composed messages. *gomail.Dialer satisfies it.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// Sender delivers notifications over SMTP with a markdown body rendered to HTML.
type Sender struct {
	dialer Dialer
	from   string
	logger *zap.Logger
	md     goldmark.Markdown
}

// Option customises a Sender.
type Option func(*Sender)

// WithDialer replaces the SMTP dialer.
func WithDialer(d Dialer) Option {
	return func(s *Sender) {
		if d != nil {
			s.dialer = d
		}
	}
}

// WithLogger sets the logger used for delivery diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Sender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSender builds an SMTP sender from cfg.
func NewSender(cfg config.MailConfig, opts ...Option) (*Sender, error) {
	from := strings.TrimSpace(cfg.From)
	if from == "" {
		return nil, errors.New("mail: sender address is required")
	}
	s := &Sender{
		from:   from,
		logger: zap.NewNop(),
		md:     goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dialer == nil {
		if strings.TrimSpace(cfg.Host) == "" {
			return nil, errors.New("mail: smtp host is required")
		}
		s.dialer = gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	}
	return s, nil
}

// Send satisfies services.Notifier.
func (s *Sender) Send(ctx context.Context, n services.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := s.compose(n)
	if err != nil {
		return err
	}
	if err := s.dialer.DialAndSend(msg); err != nil {
		s.logger.Warn("mail: delivery failed", zap.String("subject", n.Subject), zap.Int("recipients", len(n.To)), zap.Error(err))
		return fmt.Errorf("mail: send %q: %w", n.Subject, err)
	}
	s.logger.Info("mail: delivered", zap.String("subject", n.Subject), zap.Int("recipients", len(n.To)))
	return nil
}

func (s *Sender) compose(n services.Notification) (*gomail.Message, error) {
	if len(n.To) == 0 {
		return nil, errors.New("mail: no recipients")
	}
	html, err := Render(s.md, n.Body)
	if err != nil {
		return nil, err
	}

	msg := gomail.NewMessage(gomail.SetCharset("UTF-8"))
	if name := strings.TrimSpace(n.FromName); name != "" {
		msg.SetAddressHeader("From", s.from, name)
	} else {
		msg.SetHeader("From", s.from)
	}
	msg.SetHeader("To", n.To...)
	msg.SetHeader("Subject", n.Subject)
	msg.SetBody("text/plain", n.Body)
	msg.AddAlternative("text/html", html)

	for _, att := range n.Attachments {
		data := att.Data
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		msg.Attach(att.Name,
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			}),
			gomail.SetHeader(map[string][]string{"Content-Type": {contentType}}),
		)
	}
	return msg, nil
}

// Render converts a markdown body to an HTML document fragment. Raw HTML in the source is dropped.
func Render(md goldmark.Markdown, body string) (string, error) {
	if md == nil {
		md = goldmark.New(goldmark.WithExtensions(extension.GFM))
	}
	var buf bytes.Buffer
	if err := md.Convert([]byte(body), &buf); err != nil {
		return "", fmt.Errorf("mail: render body: %w", err)
	}
	return buf.String(), nil
}

// LogSender records notifications instead of delivering them. Used when no SMTP host is configured.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender returns a Notifier that only logs.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send logs n.
func (l *LogSender) Send(_ context.Context, n services.Notification) error {
	l.logger.Info("mail: delivery disabled",
		zap.Strings("to", n.To),
		zap.String("subject", n.Subject),
		zap.Int("attachments", len(n.Attachments)),
	)
	return nil
}
