// Package notify delivers approval request emails.
package notify

import (
	"context"
	"fmt"
	"html"
	"strings"

	"gopkg.in/gomail.v2"

	"videoflow/internal/pkg/errors"
	"videoflow/internal/pkg/logger"
)

// ApprovalSubject is the subject line of every approval request.
const ApprovalSubject = "A video is awaiting approval"

// ApprovalEmail is one approval request.
type ApprovalEmail struct {
	To         string
	From       string
	Subject    string
	Video      string
	ApproveURL string
	RejectURL  string
}

// Notifier sends approval requests.
type Notifier interface {
	SendApprovalRequest(ctx context.Context, email ApprovalEmail) error
}

// Sender is the part of gomail.Dialer used to deliver messages.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPConfig holds the SMTP connection settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// SMTP sends approval requests as HTML email.
type SMTP struct {
	sender Sender
	log    *logger.Logger
}

// NewSMTP returns a notifier dialing cfg for every message.
func NewSMTP(cfg SMTPConfig, log *logger.Logger) *SMTP {
	return NewSMTPWithSender(gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), log)
}

// NewSMTPWithSender returns a notifier using a custom sender.
func NewSMTPWithSender(s Sender, log *logger.Logger) *SMTP {
	return &SMTP{sender: s, log: log.WithComponent("notify")}
}

func (n *SMTP) SendApprovalRequest(ctx context.Context, email ApprovalEmail) error {
	if err := validate(email); err != nil {
		return err
	}
	msg := gomail.NewMessage()
	msg.SetHeader("From", email.From)
	msg.SetHeader("To", email.To)
	msg.SetHeader("Subject", subject(email))
	msg.SetBody("text/plain", PlainBody(email))
	msg.AddAlternative("text/html", HTMLBody(email))

	if err := n.sender.DialAndSend(msg); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "notify.SendApprovalRequest", "send approval email")
	}
	n.log.FromContext(ctx).Info("approval email sent", "to", email.To, "video", email.Video)
	return nil
}

// Log writes approval requests to the log instead of sending them. It is
// used when no SMTP host is configured.
type Log struct {
	log *logger.Logger
}

// NewLog returns a log-only notifier.
func NewLog(log *logger.Logger) *Log {
	return &Log{log: log.WithComponent("notify")}
}

func (n *Log) SendApprovalRequest(ctx context.Context, email ApprovalEmail) error {
	if err := validate(email); err != nil {
		return err
	}
	n.log.FromContext(ctx).Info("approval requested",
		"to", email.To,
		"subject", subject(email),
		"video", email.Video,
		"approve_url", email.ApproveURL,
		"reject_url", email.RejectURL,
	)
	return nil
}

// PlainBody renders the text part of an approval email.
func PlainBody(email ApprovalEmail) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Please review %s\n\n", email.Video)
	fmt.Fprintf(&b, "Approve: %s\n", email.ApproveURL)
	fmt.Fprintf(&b, "Reject: %s\n", email.RejectURL)
	return b.String()
}

// HTMLBody renders the HTML part of an approval email.
func HTMLBody(email ApprovalEmail) string {
	button := `<a href="%s" style="display:inline-block;padding:10px 20px;margin:5px;text-decoration:none;border-radius:5px;background-color:%s;color:#fff;">%s</a>`
	return fmt.Sprintf(`<p>Please review %s</p><div style='margin-top:20px;'>%s%s</div>`,
		html.EscapeString(email.Video),
		fmt.Sprintf(button, html.EscapeString(email.ApproveURL), "#28a745", "Approve"),
		fmt.Sprintf(button, html.EscapeString(email.RejectURL), "#dc3545", "Reject"),
	)
}

func subject(email ApprovalEmail) string {
	if email.Subject != "" {
		return email.Subject
	}
	return ApprovalSubject
}

func validate(email ApprovalEmail) error {
	if email.To == "" {
		return errors.ValidationField("to", "approval email needs a recipient")
	}
	if email.ApproveURL == "" || email.RejectURL == "" {
		return errors.Validation("approval email needs both approve and reject links")
	}
	return nil
}
