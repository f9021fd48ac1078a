package mailer

import (
	"context"
	"fmt"
	"net/smtp"
)

// SMTP delivers password-reset mail. The session service only sees the
// SendPasswordReset method; the raw reset secret exists nowhere but in the
// link handed to it.
type SMTP struct {
	addr string
	auth smtp.Auth
	from string
}

func New(host string, port int, username, password, from string) *SMTP {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}

	return &SMTP{
		addr: fmt.Sprintf("%s:%d", host, port),
		auth: auth,
		from: from,
	}
}

func (m *SMTP) SendPasswordReset(ctx context.Context, email, resetLink string) error {
	const op = "mailer.SendPasswordReset"

	msg := []byte("From: " + m.from + "\r\n" +
		"To: " + email + "\r\n" +
		"Subject: Password reset\r\n" +
		"\r\n" +
		"Follow the link to reset your password: " + resetLink + "\r\n" +
		"The link expires shortly. If you did not request this, ignore this message.\r\n")

	if err := smtp.SendMail(m.addr, m.auth, m.from, []string{email}, msg); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
