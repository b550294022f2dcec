package mail

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"

	"hotspot/portal/internal/retry"
)

// Job is one verification email waiting on the stream.
type Job struct {
	To             string `json:"to"`
	Code           string `json:"code"`
	SiteName       string `json:"site_name,omitempty"`
	SupportContact string `json:"support_contact,omitempty"`
	TenantID       string `json:"tenant_id,omitempty"`
	SiteID         string `json:"site_id,omitempty"`
}

type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

func RenderOTP(job Job, fromName, fromEmail string) Message {
	brand := strings.TrimSpace(job.SiteName)
	if brand == "" {
		brand = "WiFi"
	}
	lines := []string{
		"Your WiFi verification code:",
		job.Code,
		"",
		"If you did not request this code, you can ignore this email.",
	}
	if contact := strings.TrimSpace(job.SupportContact); contact != "" {
		lines = append(lines, "Support: "+contact)
	}
	from := fromEmail
	if fromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", fromName), fromEmail)
	}
	return Message{
		From:    from,
		To:      job.To,
		Subject: brand + " verification code",
		Body:    strings.Join(lines, "\n"),
	}
}

type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
}

type SMTPSender struct {
	cfg      SMTPConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg, sendMail: smtp.SendMail}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
	err := s.sendMail(addr, auth, s.cfg.FromEmail, []string{msg.To}, Format(msg))
	// 5xx replies (unknown mailbox, rejected sender) will not change on retry.
	var reply *textproto.Error
	if errors.As(err, &reply) && reply.Code >= 500 {
		return retry.Permanent(err)
	}
	return err
}

// Format renders msg as a plain-text RFC 5322 message.
func Format(msg Message) []byte {
	var b strings.Builder
	b.WriteString("From: " + stripHeader(msg.From) + "\r\n")
	b.WriteString("To: " + stripHeader(msg.To) + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", stripHeader(msg.Subject)) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

func stripHeader(value string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(value)
}
