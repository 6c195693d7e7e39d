package services

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"leadflow/internal/config"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EmailMessage is one outbound email.
type EmailMessage struct {
	To      string
	Subject string
	HTML    string
	From    string // optional, sender default when empty
	ReplyTo string // optional
}

// EmailSender delivers email and returns the provider message id.
// Any error is treated by the engine as a recoverable, local failure.
type EmailSender interface {
	Send(ctx context.Context, msg *EmailMessage) (string, error)
}

// NewEmailSender 根据配置构建邮件发送器（可选熔断）
func NewEmailSender(cfg config.EmailConfig, logger *logrus.Logger) EmailSender {
	if logger == nil {
		logger = logrus.New()
	}
	var sender EmailSender
	switch strings.ToLower(cfg.Provider) {
	case "smtp":
		sender = NewSMTPSender(cfg)
	default:
		sender = NewLogSender(cfg.From, logger)
	}
	if cfg.CircuitBreaker.Enabled {
		sender = NewBreakerSender(sender, NewCircuitBreaker(cfg.CircuitBreaker), logger)
	}
	return sender
}

// LogSender 仅记录日志，不真正发送（开发/测试环境）
type LogSender struct {
	from   string
	logger *logrus.Logger
}

func NewLogSender(from string, logger *logrus.Logger) *LogSender {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogSender{from: from, logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg *EmailMessage) (string, error) {
	id := uuid.NewString()
	from := msg.From
	if from == "" {
		from = s.from
	}
	s.logger.WithFields(logrus.Fields{
		"message_id": id,
		"from":       from,
		"to":         msg.To,
		"subject":    msg.Subject,
	}).Info("email: log provider accepted message")
	return id, nil
}

// SMTPSender sends HTML email through a plain SMTP relay.
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	from     string
	replyTo  string
	timeout  time.Duration
}

func NewSMTPSender(cfg config.EmailConfig) *SMTPSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SMTPSender{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
		replyTo:  cfg.ReplyTo,
		timeout:  timeout,
	}
}

func (s *SMTPSender) Send(ctx context.Context, msg *EmailMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("smtp dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return "", fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if s.username != "" {
		if err := client.Auth(smtp.PlainAuth("", s.username, s.password, s.host)); err != nil {
			return "", fmt.Errorf("smtp auth: %w", err)
		}
	}

	from := msg.From
	if from == "" {
		from = s.from
	}
	replyTo := msg.ReplyTo
	if replyTo == "" {
		replyTo = s.replyTo
	}
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.host)

	if err := client.Mail(from); err != nil {
		return "", fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return "", fmt.Errorf("smtp rcpt: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return "", fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(buildMIMEMessage(from, replyTo, messageID, msg)); err != nil {
		return "", fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("smtp close data: %w", err)
	}
	_ = client.Quit()
	return messageID, nil
}

func buildMIMEMessage(from, replyTo, messageID string, msg *EmailMessage) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + msg.To + "\r\n")
	if replyTo != "" {
		b.WriteString("Reply-To: " + replyTo + "\r\n")
	}
	b.WriteString("Subject: " + msg.Subject + "\r\n")
	b.WriteString("Message-ID: " + messageID + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString(msg.HTML)
	return []byte(b.String())
}

// BreakerSender wraps another sender with a circuit breaker.
type BreakerSender struct {
	next    EmailSender
	breaker *CircuitBreaker
	logger  *logrus.Logger
}

func NewBreakerSender(next EmailSender, breaker *CircuitBreaker, logger *logrus.Logger) *BreakerSender {
	if logger == nil {
		logger = logrus.New()
	}
	return &BreakerSender{next: next, breaker: breaker, logger: logger}
}

func (s *BreakerSender) Send(ctx context.Context, msg *EmailMessage) (string, error) {
	if !s.breaker.Allow() {
		return "", ErrCircuitOpen
	}
	id, err := s.next.Send(ctx, msg)
	if err != nil {
		s.breaker.OnFailure()
		if s.breaker.State() == StateOpenCB {
			s.logger.Warnf("email: circuit opened after provider error: %v", err)
		}
		return "", err
	}
	s.breaker.OnSuccess()
	return id, nil
}
