package mail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
)

var ErrInvalidMailerConfig = errors.New("mail: invalid mailer config")

type sendMailFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// SMTPMailer delivers plain-text messages through an SMTP relay.
type SMTPMailer struct {
	addr     string
	from     string
	auth     smtp.Auth
	sendMail sendMailFunc
}

// SMTPConfig configures SMTPMailer. Username and Password are optional.
type SMTPConfig struct {
	Addr     string
	From     string
	Username string
	Password string
}

// NewSMTPMailer validates config and returns a mailer.
func NewSMTPMailer(config SMTPConfig) (*SMTPMailer, error) {
	if strings.TrimSpace(config.Addr) == "" {
		return nil, fmt.Errorf("%w: smtp address is required", ErrInvalidMailerConfig)
	}
	if strings.TrimSpace(config.From) == "" {
		return nil, fmt.Errorf("%w: sender address is required", ErrInvalidMailerConfig)
	}
	var auth smtp.Auth
	if config.Username != "" {
		host, _, err := net.SplitHostPort(config.Addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMailerConfig, err)
		}
		auth = smtp.PlainAuth("", config.Username, config.Password, host)
	}
	return &SMTPMailer{addr: config.Addr, from: config.From, auth: auth, sendMail: smtp.SendMail}, nil
}

// Send writes one message to recipient.
func (mailer *SMTPMailer) Send(ctx context.Context, recipient string, subject string, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	message := composeMessage(mailer.from, recipient, subject, body)
	if err := mailer.sendMail(mailer.addr, mailer.auth, mailer.from, []string{recipient}, message); err != nil {
		return fmt.Errorf("smtp send to %s: %w", recipient, err)
	}
	return nil
}

func composeMessage(from string, recipient string, subject string, body string) []byte {
	var builder strings.Builder
	builder.WriteString("From: " + from + "\r\n")
	builder.WriteString("To: " + recipient + "\r\n")
	builder.WriteString("Subject: " + subject + "\r\n")
	builder.WriteString("MIME-Version: 1.0\r\n")
	builder.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	builder.WriteString("\r\n")
	builder.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(builder.String())
}
