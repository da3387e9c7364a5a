package email

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ChronoSend/internal/models"
)

func testSender(t *testing.T) *Sender {
	t.Helper()

	dir := t.TempDir()
	tmpl := []byte("<p>Hello {{.name}}</p>")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "default.html"), tmpl, 0o644))

	return &Sender{
		Host:        "127.0.0.1",
		Port:        1, // nothing listens here
		From:        "noreply@chronosend.io",
		TemplateDir: dir,
	}
}

func testMessage() *models.Email {
	return &models.Email{
		ID:       "email-1",
		To:       "someone@example.com",
		Subject:  "hi",
		Template: "default.html",
		Data:     map[string]interface{}{"name": "someone"},
	}
}

func TestSendInvalidRecipientIsTerminal(t *testing.T) {
	s := testSender(t)
	e := testMessage()
	e.To = "not-an-address"

	err := s.Send(context.Background(), e)
	require.Error(t, err)
	assert.True(t, IsTerminal(err), "a malformed recipient cannot be fixed by retrying")
}

func TestSendMissingTemplateIsTerminal(t *testing.T) {
	s := testSender(t)
	e := testMessage()
	e.Template = "nope.html"

	err := s.Send(context.Background(), e)
	require.Error(t, err)
	assert.True(t, IsTerminal(err))
}

func TestSendDialFailureIsTransient(t *testing.T) {
	s := testSender(t)

	err := s.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.False(t, IsTerminal(err), "an unreachable relay is worth retrying")
}

func TestSendTemplatePathConfined(t *testing.T) {
	s := testSender(t)
	e := testMessage()
	e.Template = "../../etc/passwd"

	err := s.Send(context.Background(), e)
	require.Error(t, err)
	assert.True(t, IsTerminal(err), "traversal collapses to a missing template")
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(&TerminalError{Reason: "bad"}))
	assert.False(t, IsTerminal(errors.New("timeout")))
	assert.False(t, IsTerminal(nil))
}
