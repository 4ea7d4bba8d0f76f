// alerts.go implements the alert dispatcher: a single at-most-once notification attempt
// per evaluator trigger, delivered by email to the configured operator recipients. The
// dispatcher never raises — a notification failure is logged and counted, and the calling
// evaluator's audit-logging path continues unaffected. No retry, no queueing: a trigger
// that fires repeatedly will produce a fresh delivery attempt each time, which is simpler
// and more predictable than a redelivery queue for this volume of alerts.
package security

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"sort"
	"strings"
	"time"

	"github.com/plotline-software/plotline/internal/config"
	"github.com/plotline-software/plotline/internal/telemetry"
)

// Dispatcher sends security alert notifications to operators over SMTP.
type Dispatcher struct {
	cfg *config.NotificationsConfig
}

// NewDispatcher creates a Dispatcher. The dispatcher is always safe to construct and
// call: when notifications are disabled or unconfigured, Send is a logged no-op.
func NewDispatcher(cfg *config.NotificationsConfig) *Dispatcher {
	return &Dispatcher{cfg: cfg}
}

// Send composes and delivers one alert email. It returns true only when the message was
// accepted by the mail server; on any failure it logs, increments the dispatch-failure
// counter, and returns false. details are rendered as sorted key/value lines below the
// message so operators see the trigger parameters without opening the dashboard.
func (d *Dispatcher) Send(subject, message string, details map[string]interface{}) bool {
	if !d.cfg.Enabled {
		slog.Debug("alert dispatcher: notifications disabled, dropping alert", "subject", subject)
		return false
	}
	if d.cfg.SMTP.Host == "" {
		slog.Debug("alert dispatcher: smtp host not configured, dropping alert", "subject", subject)
		return false
	}
	if len(d.cfg.SecurityAlertRecipients) == 0 {
		slog.Debug("alert dispatcher: no security alert recipients configured, dropping alert", "subject", subject)
		return false
	}

	if err := d.sendMail(subject, composeBody(message, details)); err != nil {
		telemetry.AlertDispatchFailuresTotal.Inc()
		slog.Error("alert dispatcher: failed to send alert", "subject", subject, "error", err)
		return false
	}

	slog.Info("alert dispatcher: alert sent",
		"subject", subject,
		"recipients", len(d.cfg.SecurityAlertRecipients),
	)
	return true
}

// composeBody renders the plain-text email body: the alert message, the trigger details
// as sorted key/value lines, and a timestamp footer.
func composeBody(message string, details map[string]interface{}) string {
	lines := []string{message, ""}

	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, details[k]))
	}

	lines = append(lines,
		"",
		fmt.Sprintf("Generated at %s by the audit security monitor.", time.Now().UTC().Format(time.RFC1123)),
		"Review the security dashboard before acting on this alert.",
	)
	return strings.Join(lines, "\r\n")
}

// sendMail delivers a plain-text email to all configured recipients in one SMTP
// transaction.
func (d *Dispatcher) sendMail(subject, body string) error {
	smtpCfg := &d.cfg.SMTP
	recipients := d.cfg.SecurityAlertRecipients

	headers := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n",
		smtpCfg.From, strings.Join(recipients, ", "), subject,
	)
	msg := []byte(headers + body + "\r\n")

	addr := fmt.Sprintf("%s:%d", smtpCfg.Host, smtpCfg.Port)
	var auth smtp.Auth
	if smtpCfg.Username != "" {
		auth = smtp.PlainAuth("", smtpCfg.Username, smtpCfg.Password, smtpCfg.Host)
	}

	if smtpCfg.UseTLS {
		return sendMailTLS(addr, smtpCfg.Host, auth, smtpCfg.From, recipients, msg)
	}
	return smtp.SendMail(addr, auth, smtpCfg.From, recipients, msg)
}

// sendMailTLS connects via implicit TLS (port 465 / SMTPS) and sends a message.
// Use this when UseTLS=true and the port is 465; for port 587 STARTTLS,
// smtp.SendMail handles the upgrade automatically — but we call this path for
// both so the config is unambiguous: UseTLS=true always means an encrypted connection.
func sendMailTLS(addr, host string, auth smtp.Auth, from string, to []string, msg []byte) error {
	tlsConfig := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		// Fall back to STARTTLS via the standard smtp.SendMail path (port 587 pattern)
		return smtp.SendMail(addr, auth, from, to, msg)
	}
	defer conn.Close()

	hostname, _, _ := net.SplitHostPort(addr)
	c, err := smtp.NewClient(conn, hostname)
	if err != nil {
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer c.Quit() //nolint:errcheck

	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, addr := range to {
		if err := c.Rcpt(addr); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", addr, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	return w.Close()
}
