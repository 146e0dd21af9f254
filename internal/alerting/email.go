package alerting

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// EmailConfig holds SMTP settings for the email channel.
type EmailConfig struct {
	Host     string   `mapstructure:"smtp_host" yaml:"smtp_host" json:"smtp_host"`
	Port     int      `mapstructure:"smtp_port" yaml:"smtp_port" json:"smtp_port"`
	Username string   `mapstructure:"username" yaml:"username" json:"username"`
	Password string   `mapstructure:"password" yaml:"password" json:"-"`
	From     string   `mapstructure:"from" yaml:"from" json:"from"`
	To       []string `mapstructure:"to" yaml:"to" json:"to"`
	UseTLS   bool     `mapstructure:"use_tls" yaml:"use_tls" json:"use_tls"`
}

// EmailChannel sends a plaintext message per alert over SMTP, upgrading the
// connection with STARTTLS when UseTLS is set.
type EmailChannel struct {
	toggle
	cfg EmailConfig
}

func NewEmailChannel(cfg EmailConfig) *EmailChannel {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &EmailChannel{cfg: cfg}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(ctx context.Context, alert Alert) error {
	if !c.Enabled() {
		return ErrChannelDisabled
	}
	if c.cfg.Host == "" || c.cfg.From == "" || len(c.cfg.To) == 0 {
		return errors.New("email channel: host, from and recipients are required")
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if c.cfg.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return errors.New("smtp server does not support STARTTLS")
		}
		if err := client.StartTLS(&tls.Config{ServerName: c.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if c.cfg.Username != "" {
		auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(c.cfg.From); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range c.cfg.To {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(c.message(alert)); err != nil {
		w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish message: %w", err)
	}
	return client.Quit()
}

func (c *EmailChannel) message(alert Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(c.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", EmailSubject(alert))
	fmt.Fprintf(&b, "Date: %s\r\n", alert.Timestamp.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(EmailBody(alert), "\n", "\r\n"))
	return []byte(b.String())
}

// headerBreaks folds line breaks so alert text cannot start a new header.
var headerBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// EmailSubject is the subject line used for alert mail.
func EmailSubject(alert Alert) string {
	msg := headerBreaks.Replace(alert.Message)
	return headerBreaks.Replace(fmt.Sprintf("[ARPGuard %s] %s: %s", alert.Priority, alert.Type, truncate(msg, 80)))
}

// EmailBody renders the plaintext body of an alert mail.
func EmailBody(alert Alert) string {
	var b strings.Builder
	b.WriteString("ARPGuard Security Alert\n\n")
	fmt.Fprintf(&b, "Alert ID: %s\n", alert.ID)
	fmt.Fprintf(&b, "Type: %s\n", alert.Type)
	fmt.Fprintf(&b, "Priority: %s\n", alert.Priority)
	fmt.Fprintf(&b, "Time: %s\n", alert.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "Source: %s\n", alert.Source)
	fmt.Fprintf(&b, "Status: %s\n\n", alert.Status)
	fmt.Fprintf(&b, "Message:\n%s\n", alert.Message)
	if len(alert.Details) > 0 {
		b.WriteString("\nDetails:\n")
		keys := make([]string, 0, len(alert.Details))
		for k := range alert.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %v\n", k, alert.Details[k])
		}
	}
	return b.String()
}
