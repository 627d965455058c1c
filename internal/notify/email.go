package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/djlord-it/contentguard/internal/domain"
)

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailTransport delivers notifications over SMTP. Recipients that are not
// email addresses (profile ids) go to the fallback address.
type EmailTransport struct {
	addr     string
	from     string
	fallback string
	auth     smtp.Auth
	sendMail SendMailFunc
	clock    func() time.Time
}

func NewEmailTransport(addr, from, fallback string, auth smtp.Auth) *EmailTransport {
	return &EmailTransport{
		addr:     addr,
		from:     from,
		fallback: fallback,
		auth:     auth,
		sendMail: smtp.SendMail,
		clock:    time.Now,
	}
}

func (e *EmailTransport) WithSendMail(fn SendMailFunc) *EmailTransport {
	e.sendMail = fn
	return e
}

func (e *EmailTransport) Send(ctx context.Context, n domain.Notification) error {
	to := n.Recipient
	if !strings.Contains(to, "@") {
		to = e.fallback
	}
	if to == "" {
		return domain.NewError(domain.KindValidation, "email", fmt.Errorf("no address for recipient %q", n.Recipient))
	}

	msg := BuildMessage(e.from, to, "["+strings.ToUpper(string(n.Level))+"] "+n.Subject, notificationBody(n), e.clock())

	// smtp.SendMail has no context support; run it aside so ctx still bounds
	// the caller.
	done := make(chan error, 1)
	go func() { done <- e.sendMail(e.addr, e.auth, e.from, []string{to}, msg) }()
	select {
	case <-ctx.Done():
		return domain.NewError(domain.KindTransient, "email", ctx.Err())
	case err := <-done:
		if err != nil {
			return domain.NewError(domain.KindTransient, "email", err)
		}
		return nil
	}
}

func notificationBody(n domain.Notification) string {
	var b strings.Builder
	b.WriteString(n.Subject)
	b.WriteString("\r\n\r\n")
	if len(n.Payload) > 0 {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, n.Payload, "", "  "); err == nil {
			b.Write(pretty.Bytes())
		} else {
			b.Write(n.Payload)
		}
		b.WriteString("\r\n")
	}
	return b.String()
}

// BuildMessage renders a plain-text RFC 5322 message.
func BuildMessage(from, to, subject, body string, at time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(subject))
	fmt.Fprintf(&b, "Date: %s\r\n", at.UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n"))
	return b.Bytes()
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
