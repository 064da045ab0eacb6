// Package notification sends the migration announcement to users whose
// accounts were moved.
package notification

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"text/template"

	"github.com/casebook-app/migrate/internal/datastore/entities"
)

// Default announcement templates.
const (
	DefaultSubject = "Your {{.AppName}} account has moved"

	DefaultBody = `Hi {{.Name}},

We have moved {{.AppName}} to a new sign-in system. Your cases and documents
are being transferred to your account automatically.

Next time you visit, sign in with {{.Email}} at:

{{.SignInURL}}

You will be asked to set a new password the first time you sign in.
`

	defaultAppName = "Casebook"
	signInPath     = "/sign-in"
)

// Message is one rendered announcement.
type Message struct {
	To      string
	Name    string
	Subject string
	Body    string
}

// TemplateData is the data available to the subject and body templates.
type TemplateData struct {
	AppName     string
	Name        string
	Email       string
	FrontendURL string
	SignInURL   string
}

// NewTemplateData builds the template data for u.
func NewTemplateData(u *entities.User, appName, frontendURL string) TemplateData {
	if appName == "" {
		appName = defaultAppName
	}
	base := strings.TrimRight(frontendURL, "/")
	signIn := base + signInPath
	if base != "" {
		if ref, err := url.Parse(base); err == nil {
			signIn = ref.JoinPath(signInPath).String()
		}
	}
	return TemplateData{
		AppName:     appName,
		Name:        displayName(u),
		Email:       u.Email,
		FrontendURL: base,
		SignInURL:   signIn,
	}
}

func displayName(u *entities.User) string {
	if n := strings.TrimSpace(u.Name); n != "" {
		return n
	}
	local, _, _ := strings.Cut(u.Email, "@")
	if local == "" {
		return "there"
	}
	return local
}

// Templates holds the parsed subject and body.
type Templates struct {
	subject *template.Template
	body    *template.Template
}

// ParseTemplates parses the subject and body; empty strings select the
// defaults.
func ParseTemplates(subject, body string) (*Templates, error) {
	if strings.TrimSpace(subject) == "" {
		subject = DefaultSubject
	}
	if strings.TrimSpace(body) == "" {
		body = DefaultBody
	}
	st, err := template.New("subject").Option("missingkey=error").Parse(subject)
	if err != nil {
		return nil, fmt.Errorf("failed to parse subject template: %w", err)
	}
	bt, err := template.New("body").Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse body template: %w", err)
	}
	return &Templates{subject: st, body: bt}, nil
}

// Render produces the message for one recipient.
func (t *Templates) Render(data TemplateData) (Message, error) {
	var subject, body bytes.Buffer
	if err := t.subject.Execute(&subject, data); err != nil {
		return Message{}, fmt.Errorf("failed to execute subject template: %w", err)
	}
	if err := t.body.Execute(&body, data); err != nil {
		return Message{}, fmt.Errorf("failed to execute body template: %w", err)
	}
	return Message{
		To:      data.Email,
		Name:    data.Name,
		Subject: strings.TrimSpace(subject.String()),
		Body:    body.String(),
	}, nil
}
