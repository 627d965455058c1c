package takedown

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/djlord-it/contentguard/internal/domain"
)

// Notice is a rendered DMCA notice ready for delivery.
type Notice struct {
	RequestID string
	To        string
	FormURL   string
	Subject   string
	Body      string
}

// Identity is the rights holder's agent named in every notice.
type Identity struct {
	Name    string
	Email   string
	Address string
	Phone   string
}

const defaultSubject = `DMCA Takedown Notice: {{.Request.HostingProvider}} ({{.Request.ID}})`

const defaultBody = `To the designated copyright agent of {{.Request.HostingProvider}},

I am writing to notify you of material hosted on your service that infringes
copyrighted work owned by the person I represent.

1. Identification of the copyrighted work:
   Original content belonging to the rights holder identified by reference
   {{.Request.SubjectProfileID}}.

2. Identification of the infringing material:
   {{.Request.InfringingURL}}
{{- if .Request.MatchType}}
   (detected by {{.Request.MatchType}} match, confidence {{printf "%.2f" .Request.Confidence}})
{{- end}}

3. I have a good faith belief that use of the material in the manner
   complained of is not authorized by the copyright owner, its agent, or the
   law.

4. The information in this notification is accurate, and under penalty of
   perjury, I am authorized to act on behalf of the owner of an exclusive
   right that is allegedly infringed.

Please remove or disable access to the material identified above.

Signed,
{{.Sender.Name}}
{{.Sender.Email}}
{{- if .Sender.Address}}
{{.Sender.Address}}
{{- end}}
{{- if .Sender.Phone}}
{{.Sender.Phone}}
{{- end}}
`

// Renderer turns a request into a Notice using text templates.
type Renderer struct {
	sender  Identity
	subject *template.Template
	body    *template.Template
}

// NewRenderer parses the given templates. Empty strings select the built-in
// notice.
func NewRenderer(sender Identity, subjectTmpl, bodyTmpl string) (*Renderer, error) {
	if subjectTmpl == "" {
		subjectTmpl = defaultSubject
	}
	if bodyTmpl == "" {
		bodyTmpl = defaultBody
	}
	subject, err := template.New("subject").Option("missingkey=error").Parse(subjectTmpl)
	if err != nil {
		return nil, fmt.Errorf("parse subject template: %w", err)
	}
	body, err := template.New("body").Option("missingkey=error").Parse(bodyTmpl)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	return &Renderer{sender: sender, subject: subject, body: body}, nil
}

type noticeData struct {
	Request domain.TakedownRequest
	Sender  Identity
}

func (r *Renderer) Render(req domain.TakedownRequest) (Notice, error) {
	data := noticeData{Request: req, Sender: r.sender}

	var subject, body bytes.Buffer
	if err := r.subject.Execute(&subject, data); err != nil {
		return Notice{}, fmt.Errorf("render subject: %w", err)
	}
	if err := r.body.Execute(&body, data); err != nil {
		return Notice{}, fmt.Errorf("render body: %w", err)
	}
	return Notice{
		RequestID: req.ID,
		To:        req.ContactEmail,
		FormURL:   req.ContactFormURL,
		Subject:   subject.String(),
		Body:      body.String(),
	}, nil
}
