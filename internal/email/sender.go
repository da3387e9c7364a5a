package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/mail"
	"path/filepath"

	"gopkg.in/gomail.v2"

	"ChronoSend/internal/models"
)

// TerminalError marks a delivery failure that no amount of retrying will fix:
// a malformed recipient, a template that cannot render. The worker pool fails
// the email immediately instead of backing off.
type TerminalError struct {
	Reason string
}

func (e *TerminalError) Error() string { return e.Reason }

func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

type Sender struct {
	Host        string
	Port        int
	User        string
	Password    string
	From        string
	TemplateDir string
}

// Send renders the template and hands the message to the SMTP relay. Address
// and template problems come back as *TerminalError; dial and protocol errors
// are transient and left to the caller's retry policy. The sender itself does
// not retry.
func (s *Sender) Send(ctx context.Context, e *models.Email) error {
	if _, err := mail.ParseAddress(e.To); err != nil {
		return &TerminalError{Reason: fmt.Sprintf("invalid recipient %q: %v", e.To, err)}
	}

	templatePath := filepath.Join(s.TemplateDir, filepath.Base(e.Template))

	tmpl, err := template.ParseFiles(templatePath)
	if err != nil {
		return &TerminalError{Reason: fmt.Sprintf("template parse error: %v", err)}
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, e.Data); err != nil {
		return &TerminalError{Reason: fmt.Sprintf("template execution error: %v", err)}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("delivery aborted: %w", err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", e.To)
	m.SetHeader("Subject", e.Subject)
	m.SetBody("text/html", body.String())

	d := gomail.NewDialer(s.Host, s.Port, s.User, s.Password)

	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send error: %w", err)
	}
	return nil
}
