package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EmailConfig configures the SMTP sender.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// sendMailFunc matches smtp.SendMail.
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email delivers replies over SMTP, threading them under the inbound mail.
type Email struct {
	cfg      EmailConfig
	sendMail sendMailFunc
	now      func() time.Time
	logger   *slog.Logger
}

// NewEmail creates an SMTP sender.
func NewEmail(cfg EmailConfig, logger *slog.Logger) *Email {
	return &Email{cfg: cfg, sendMail: smtp.SendMail, now: time.Now, logger: logger}
}

func (e *Email) Name() string { return "email" }

func (e *Email) PromptHints() string {
	return "The customer wrote an email. Reply as a complete, polite email body: a short greeting, " +
		"the answer in well-formed paragraphs, and a brief sign-off. Do not include a subject line."
}

// Send builds a MIME message and hands it to the SMTP server. The returned
// provider message id is the generated Message-ID header.
func (e *Email) Send(ctx context.Context, tenantID uuid.UUID, out Outbound) (SendResult, error) {
	if e.cfg.Host == "" {
		return SendResult{}, &PermanentError{Channel: e.Name(), Err: errors.New("SMTP host is not configured")}
	}
	to, err := mail.ParseAddress(out.To)
	if err != nil {
		return SendResult{}, &PermanentError{Channel: e.Name(), Err: fmt.Errorf("recipient %q: %w", out.To, err)}
	}
	from, err := mail.ParseAddress(e.cfg.From)
	if err != nil {
		return SendResult{}, &PermanentError{Channel: e.Name(), Err: fmt.Errorf("sender %q: %w", e.cfg.From, err)}
	}

	messageID := fmt.Sprintf("<%s@%s>", out.MessageID, senderDomain(from.Address))
	msg := e.buildMessage(from, to, messageID, out)

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))

	// smtp.SendMail has no context; run it aside so cancellation is honored.
	// A send that completes after cancellation is reported as transient and
	// may be repeated on retry.
	done := make(chan error, 1)
	go func() { done <- e.sendMail(addr, auth, from.Address, []string{to.Address}, msg) }()
	select {
	case <-ctx.Done():
		return SendResult{}, &TransientError{Channel: e.Name(), Err: ctx.Err()}
	case err := <-done:
		if err != nil {
			return SendResult{}, classifySMTP(e.Name(), err)
		}
	}

	e.logger.Debug("email: message accepted", "tenant_id", tenantID, "message_id", out.MessageID, "to", to.Address)
	return SendResult{
		Provider:          "smtp",
		ProviderMessageID: messageID,
		Metadata:          map[string]any{"smtp_host": e.cfg.Host},
	}, nil
}

func (e *Email) buildMessage(from, to *mail.Address, messageID string, out Outbound) []byte {
	var b strings.Builder
	header := func(k, v string) { fmt.Fprintf(&b, "%s: %s\r\n", k, v) }

	header("From", from.String())
	header("To", to.String())
	header("Subject", mime.QEncoding.Encode("utf-8", replySubject(out.Subject)))
	header("Date", e.now().UTC().Format(time.RFC1123Z))
	header("Message-ID", messageID)
	if out.InReplyTo != "" {
		header("In-Reply-To", out.InReplyTo)
		refs := strings.TrimSpace(out.References + " " + out.InReplyTo)
		if strings.Contains(out.References, out.InReplyTo) {
			refs = strings.TrimSpace(out.References)
		}
		header("References", refs)
	}
	header("MIME-Version", "1.0")

	if out.HTML == "" {
		header("Content-Type", `text/plain; charset="UTF-8"`)
		header("Content-Transfer-Encoding", "8bit")
		b.WriteString("\r\n")
		b.WriteString(normalizeCRLF(out.Body))
		return []byte(b.String())
	}

	boundary := "dengon-" + strings.ReplaceAll(out.MessageID.String(), "-", "")
	header("Content-Type", fmt.Sprintf(`multipart/alternative; boundary="%s"`, boundary))
	b.WriteString("\r\n")
	for _, part := range []struct{ ctype, body string }{
		{"text/plain", out.Body},
		{"text/html", out.HTML},
	} {
		fmt.Fprintf(&b, "--%s\r\n", boundary)
		fmt.Fprintf(&b, "Content-Type: %s; charset=\"UTF-8\"\r\n", part.ctype)
		b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
		b.WriteString(normalizeCRLF(part.body))
		b.WriteString("\r\n")
	}
	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return []byte(b.String())
}

func replySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "Re: your message"
	}
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

func senderDomain(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}

func normalizeCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

// classifySMTP treats 5xx replies as permanent and everything else,
// including network failures and 4xx deferrals, as transient.
func classifySMTP(channel string, err error) error {
	var tp *textproto.Error
	if errors.As(err, &tp) && tp.Code >= 500 && tp.Code < 600 {
		return &PermanentError{Channel: channel, Err: err}
	}
	return &TransientError{Channel: channel, Err: err}
}
