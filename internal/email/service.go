// Package email sends collaboration invitations over SMTP.
package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"

	"codecollab/api/internal/logx"
	"pkt.systems/pslog"
)

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
	logger pslog.Logger
}

func NewService(config Config, logger pslog.Logger) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
		logger: logx.Component(logger, "email"),
	}
}

func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

type Invitation struct {
	To          string
	InviterName string
	ProjectName string
	ProjectURL  string
	Role        string
}

func InvitationSubject(projectName string) string {
	return fmt.Sprintf("You've been invited to collaborate on %s", projectName)
}

// SendInvitation mails the invite. Without SMTP settings the message is
// logged instead and the call succeeds.
func (s *Service) SendInvitation(ctx context.Context, inv Invitation) error {
	subject := InvitationSubject(inv.ProjectName)
	body, err := renderTemplate(invitationTemplate, inv)
	if err != nil {
		return fmt.Errorf("render invitation: %w", err)
	}
	if !s.IsConfigured() {
		s.logger.Info("email.invite.logged", "to", inv.To, "subject", subject, "url", inv.ProjectURL)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.send(s.server, s.auth, s.config.From, []string{inv.To}, s.buildMessage(inv.To, subject, body)); err != nil {
		return fmt.Errorf("send invitation: %w", err)
	}
	s.logger.Info("email.invite.sent", "to", inv.To, "project", inv.ProjectName)
	return nil
}

func (s *Service) buildMessage(to, subject, htmlBody string) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	boundary := "boundary-codecollab"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", plainText(subject))

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

func plainText(subject string) string {
	return strings.TrimSpace(subject) + ". Open the link in the HTML part of this message to join."
}

func renderTemplate(tmpl string, data any) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const invitationTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Invitation to {{.ProjectName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .link { word-break: break-all; color: #0066cc; }
    </style>
</head>
<body>
    <h2>You've been invited to collaborate</h2>
    <p>{{.InviterName}} invited you to join <strong>{{.ProjectName}}</strong>{{if .Role}} as {{.Role}}{{end}}.</p>
    <p><a href="{{.ProjectURL}}" class="button">Open Project</a></p>
    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.ProjectURL}}</p>
</body>
</html>`
