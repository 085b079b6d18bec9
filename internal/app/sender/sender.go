// Package sender wraps the outbound SMTP transport: one authenticated
// session per cycle, one Send per composed message.
package sender

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"

	gomail "gopkg.in/gomail.v2"

	"github.com/zyd/mailrelay/internal/app/composer"
	"github.com/zyd/mailrelay/internal/app/config"
	"github.com/zyd/mailrelay/internal/app/relay"
	"github.com/zyd/mailrelay/internal/pkg/faults"
)

type SMTPSender struct {
	cfg    config.RelayConfig
	logger *slog.Logger
}

func NewSMTPSender(cfg config.RelayConfig, logger *slog.Logger) *SMTPSender {
	return &SMTPSender{
		cfg:    cfg,
		logger: logger,
	}
}

// Connect dials and authenticates against the outbound server. Implicit
// TLS or STARTTLS is chosen by the config rule.
func (s *SMTPSender) Connect(ctx context.Context) (relay.SinkSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, faults.ConnectionErr("connect sink", err)
	}

	dialer := gomail.NewDialer(s.cfg.Host, s.cfg.Port, s.cfg.Login, s.cfg.Password)
	dialer.SSL = s.cfg.UseTLS()
	dialer.TLSConfig = &tls.Config{ServerName: s.cfg.Host}

	sc, err := dialer.Dial()
	if err != nil {
		return nil, faults.ConnectionErr("dial sink", err)
	}

	s.logger.Debug("sink session established", slog.String("host", s.cfg.Host))
	return &Session{sc: sc, logger: s.logger}, nil
}

// Session is one live SMTP session. Owned exclusively by the
// orchestrator for the duration of a cycle.
type Session struct {
	sc     gomail.SendCloser
	logger *slog.Logger
}

// Send transmits one composed message. Any refusal, size rejections
// included, is a delivery fault; the retry loop decides whether to
// reconnect, degrade or give up.
func (s *Session) Send(msg *composer.Message) error {
	if err := gomail.Send(s.sc, buildMessage(msg)); err != nil {
		return faults.DeliveryErr("send", err)
	}
	return nil
}

// Close quits the session best-effort.
func (s *Session) Close() {
	if err := s.sc.Close(); err != nil {
		s.logger.Debug("sink close failed", slog.Any("error", err))
	}
}

func buildMessage(msg *composer.Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", msg.From)
	m.SetHeader("To", msg.To)
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}
	m.SetHeader("Subject", msg.Subject)

	m.SetBody("text/plain", msg.TextBody)
	if msg.HTMLBody != "" {
		m.AddAlternative("text/html", msg.HTMLBody)
	}

	for _, att := range msg.Attachments {
		data := att.Data
		m.Attach(att.Filename,
			gomail.SetHeader(map[string][]string{
				"Content-Type": {att.ContentType},
			}),
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			}),
		)
	}

	return m
}
