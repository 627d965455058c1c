package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/djlord-it/contentguard/internal/domain"
	"github.com/djlord-it/contentguard/internal/notify"
	"github.com/djlord-it/contentguard/internal/takedown"
)

// NoticeSender delivers takedown notices by email when the provider has an
// abuse address, otherwise by posting the provider's web form.
type NoticeSender struct {
	smtpAddr string
	from     string
	auth     smtp.Auth
	sendMail notify.SendMailFunc
	http     *http.Client
	clock    func() time.Time
}

func NewNoticeSender(smtpAddr, from string, auth smtp.Auth) *NoticeSender {
	return &NoticeSender{
		smtpAddr: smtpAddr,
		from:     from,
		auth:     auth,
		sendMail: smtp.SendMail,
		http:     &http.Client{Timeout: 30 * time.Second},
		clock:    time.Now,
	}
}

func (s *NoticeSender) WithSendMail(fn notify.SendMailFunc) *NoticeSender {
	s.sendMail = fn
	return s
}

func (s *NoticeSender) WithHTTPClient(h *http.Client) *NoticeSender {
	s.http = h
	return s
}

func (s *NoticeSender) WithClock(clock func() time.Time) *NoticeSender {
	s.clock = clock
	return s
}

func (s *NoticeSender) Send(ctx context.Context, n takedown.Notice) error {
	switch {
	case n.To != "" && s.smtpAddr != "":
		return s.sendEmail(ctx, n)
	case n.FormURL != "":
		return s.postForm(ctx, n)
	case n.To != "":
		return domain.NewError(domain.KindValidation, "notice", fmt.Errorf("no SMTP server configured for %s", n.To))
	}
	return domain.NewError(domain.KindValidation, "notice", fmt.Errorf("notice %s has no recipient", n.RequestID))
}

func (s *NoticeSender) sendEmail(ctx context.Context, n takedown.Notice) error {
	msg := notify.BuildMessage(s.from, n.To, n.Subject, n.Body, s.clock())

	done := make(chan error, 1)
	go func() { done <- s.sendMail(s.smtpAddr, s.auth, s.from, []string{n.To}, msg) }()
	select {
	case <-ctx.Done():
		return domain.NewError(domain.KindTransient, "notice email", ctx.Err())
	case err := <-done:
		if err == nil {
			return nil
		}
		// 5xx SMTP replies are permanent.
		var reply *textproto.Error
		if errors.As(err, &reply) && reply.Code >= 500 {
			return domain.NewError(domain.KindValidation, "notice email", err)
		}
		return domain.NewError(domain.KindTransient, "notice email", err)
	}
}

func (s *NoticeSender) postForm(ctx context.Context, n takedown.Notice) error {
	form := url.Values{
		"reference": {n.RequestID},
		"subject":   {n.Subject},
		"message":   {n.Body},
		"email":     {s.from},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.FormURL, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.NewError(domain.KindValidation, "notice form", fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return domain.NewError(domain.KindTransient, "notice form", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch code := resp.StatusCode; {
	case code >= 200 && code < 400:
		return nil
	case code == http.StatusTooManyRequests:
		return domain.NewError(domain.KindResourceExhausted, "notice form", fmt.Errorf("%w: status %d", domain.ErrResourceExhausted, code))
	case code == http.StatusRequestTimeout || code >= 500:
		return domain.NewError(domain.KindTransient, "notice form", fmt.Errorf("status %d", code))
	default:
		return domain.NewError(domain.KindValidation, "notice form", fmt.Errorf("status %d", code))
	}
}
