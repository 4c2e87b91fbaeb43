package sender

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	config "github.com/NordCoder/Herald/internal/config/herald"
	"github.com/NordCoder/Herald/internal/obs"

	"go.uber.org/zap"
)

// SMTPMailer relays through an SMTP server. A 250 on DATA is the provider ack.
type SMTPMailer struct {
	addr       string
	auth       smtp.Auth
	useTLS     bool
	timeout    time.Duration
	subjPrefix string

	log *zap.Logger
}

func NewSMTPMailer(cfg config.SMTP, log *zap.Logger) *SMTPMailer {
	var auth smtp.Auth
	if cfg.User != "" || cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.User, cfg.Password, host(cfg.Addr))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SMTPMailer{
		addr:       cfg.Addr,
		auth:       auth,
		useTLS:     cfg.UseTLS,
		timeout:    timeout,
		subjPrefix: cfg.SubjPrefix,
		log:        obs.Component(log, "sender.smtp"),
	}
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) (string, error) {
	subj := strings.TrimSpace(m.subjPrefix + " " + msg.Subject)
	id := fmt.Sprintf("<%d@%s>", time.Now().UnixNano(), host(m.addr))
	data := []byte(
		"From: " + msg.From + "\r\n" +
			"To: " + msg.To + "\r\n" +
			"Subject: " + subj + "\r\n" +
			"Message-ID: " + id + "\r\n" +
			"Content-Type: text/plain; charset=utf-8\r\n" +
			"\r\n" + msg.Body + "\r\n")

	start := time.Now()
	log := obs.WithTrace(ctx, m.log).With(
		zap.String("smtp_addr", m.addr),
		zap.Bool("tls", m.useTLS),
		zap.String("to", msg.To),
	)

	deadline := time.Now().Add(m.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	dialer := net.Dialer{Deadline: deadline}

	var conn net.Conn
	var err error
	if m.useTLS {
		conn, err = tls.DialWithDialer(&dialer, "tcp", m.addr, &tls.Config{ServerName: host(m.addr), MinVersion: tls.VersionTLS12})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", m.addr)
	}
	if err != nil {
		log.Error("smtp dial failed", zap.Error(err))
		return "", Transient(fmt.Errorf("smtp dial: %w", err))
	}
	_ = conn.SetDeadline(deadline)

	c, err := smtp.NewClient(conn, host(m.addr))
	if err != nil {
		_ = conn.Close()
		return "", classifySMTP("smtp client", err)
	}
	defer func() { _ = c.Close() }()

	if !m.useTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: host(m.addr), MinVersion: tls.VersionTLS12}); err != nil {
				return "", classifySMTP("smtp starttls", err)
			}
		}
	}
	if m.auth != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(m.auth); err != nil {
				return "", Permanent(fmt.Errorf("smtp auth: %w", err))
			}
		}
	}
	if err := c.Mail(msg.From); err != nil {
		return "", classifySMTP("smtp MAIL FROM", err)
	}
	if err := c.Rcpt(msg.To); err != nil {
		return "", classifySMTP("smtp RCPT TO", err)
	}
	w, err := c.Data()
	if err != nil {
		return "", classifySMTP("smtp DATA", err)
	}
	if _, err = w.Write(data); err != nil {
		return "", classifySMTP("smtp write", err)
	}
	if err := w.Close(); err != nil {
		return "", classifySMTP("smtp close", err)
	}
	_ = c.Quit()

	log.Info("email sent", zap.Duration("elapsed", time.Since(start)))
	return id, nil
}

// classifySMTP maps 5xx replies to permanent failures and everything else,
// including 4xx and broken connections, to transient ones.
func classifySMTP(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	var tp *textproto.Error
	if errors.As(err, &tp) && tp.Code >= 500 {
		return Permanent(wrapped)
	}
	return Transient(wrapped)
}

func host(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}
