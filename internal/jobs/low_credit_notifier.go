// low_credit_notifier.go implements the LowCreditNotifier background job, which
// periodically scans for active API keys whose remaining credits dropped below
// notifications.low_credit_threshold_percent and emails the owner once.
// Notification state lives in api_keys.low_credit_notified_at so a key is
// never warned twice, across restarts and instances. The job is a no-op when
// notifications are disabled or no SMTP host is configured.
package jobs

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/usernamesearch/entitlements/internal/config"
	"github.com/usernamesearch/entitlements/internal/db/models"
	"github.com/usernamesearch/entitlements/internal/telemetry"
)

// LowCreditStore lists keys that need a warning and remembers the warning.
type LowCreditStore interface {
	ListLowCredit(ctx context.Context, thresholdPercent int) ([]*models.APIKey, error)
	MarkLowCreditNotified(ctx context.Context, key string) error
}

// Mailer delivers one plain-text message.
type Mailer interface {
	Send(to, subject, body string) error
}

// LowCreditNotifier periodically warns owners of nearly exhausted keys.
type LowCreditNotifier struct {
	store     LowCreditStore
	mailer    Mailer
	cfg       *config.NotificationsConfig
	threshold int
	interval  time.Duration
	stopChan  chan struct{}
	stopOnce  sync.Once
}

// NewLowCreditNotifier creates a notifier. A nil mailer sends through the
// configured SMTP server.
func NewLowCreditNotifier(store LowCreditStore, mailer Mailer, cfg *config.NotificationsConfig) *LowCreditNotifier {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = time.Hour
	}
	threshold := cfg.LowCreditThresholdPercent
	if threshold <= 0 || threshold >= 100 {
		threshold = 10
	}
	if mailer == nil {
		mailer = NewSMTPMailer(&cfg.SMTP)
	}
	return &LowCreditNotifier{
		store:     store,
		mailer:    mailer,
		cfg:       cfg,
		threshold: threshold,
		interval:  interval,
		stopChan:  make(chan struct{}),
	}
}

// Start runs a check immediately and then on every interval until ctx is
// cancelled or Stop is called. It blocks; run it with safego.Go.
func (n *LowCreditNotifier) Start(ctx context.Context) {
	if !n.cfg.Enabled {
		slog.Info("low credit notifier disabled (notifications.enabled=false)")
		return
	}
	if n.cfg.SMTP.Host == "" {
		slog.Info("low credit notifier disabled (notifications.smtp.host not set)")
		return
	}

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	slog.Info("low credit notifier started", "interval", n.interval, "threshold_percent", n.threshold)
	n.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			n.RunOnce(ctx)
		case <-n.stopChan:
			slog.Info("low credit notifier stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals the loop to exit. It is safe to call more than once.
func (n *LowCreditNotifier) Stop() {
	n.stopOnce.Do(func() { close(n.stopChan) })
}

// RunOnce performs one scan and returns how many warnings were sent.
func (n *LowCreditNotifier) RunOnce(ctx context.Context) int {
	keys, err := n.store.ListLowCredit(ctx, n.threshold)
	if err != nil {
		slog.Error("low credit notifier: failed to query keys", "error", err)
		return 0
	}

	sent := 0
	for _, key := range keys {
		if key.OwnerEmail == "" {
			continue
		}
		prefix := models.DisplayPrefix(key.Key)
		subject, body := lowCreditMessage(prefix, key.Remaining(), key.Credits)
		if err := n.mailer.Send(key.OwnerEmail, subject, body); err != nil {
			slog.Warn("low credit notifier: failed to send email", "key_prefix", prefix, "error", err)
			continue
		}
		if err := n.store.MarkLowCreditNotified(ctx, key.Key); err != nil {
			slog.Error("low credit notifier: failed to mark key notified", "key_prefix", prefix, "error", err)
		}
		telemetry.LowCreditNotificationsSentTotal.Inc()
		sent++
	}
	if sent > 0 {
		slog.Info("low credit notifier: warnings sent", "count", sent)
	}
	return sent
}

func lowCreditMessage(prefix string, remaining, total int64) (subject, body string) {
	subject = fmt.Sprintf("Your UsernameSearch.io API key has %d credits left", remaining)
	body = strings.Join([]string{
		"Hello,",
		"",
		fmt.Sprintf("Your API key %s... has used %d of its %d credits. %d remain.",
			prefix, total-remaining, total, remaining),
		"",
		"When the credits run out the key stops working. You can buy another",
		"credit pack at any time; new packs come with a new key.",
		"",
		"UsernameSearch.io",
	}, "\r\n")
	return subject, body
}

// SMTPMailer sends mail through the configured SMTP server.
type SMTPMailer struct {
	cfg *config.SMTPConfig
}

// NewSMTPMailer creates an SMTPMailer
func NewSMTPMailer(cfg *config.SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// Send implements Mailer
func (m *SMTPMailer) Send(to, subject, body string) error {
	if strings.ContainsAny(to, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return fmt.Errorf("header injection rejected")
	}
	msg := buildMessage(m.cfg.From, to, subject, body)

	addr := net.JoinHostPort(m.cfg.Host, fmt.Sprintf("%d", m.cfg.Port))
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	if m.cfg.UseTLS {
		return sendMailTLS(addr, m.cfg.Host, auth, m.cfg.From, []string{to}, msg)
	}
	return smtp.SendMail(addr, auth, m.cfg.From, []string{to}, msg)
}

func buildMessage(from, to, subject, body string) []byte {
	headers := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n",
		from, to, subject,
	)
	return []byte(headers + body + "\r\n")
}

// sendMailTLS sends over implicit TLS (SMTPS, port 465). When the TLS dial
// fails it falls back to smtp.SendMail, which upgrades with STARTTLS.
func sendMailTLS(addr, host string, auth smtp.Auth, from string, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12})
	if err != nil {
		return smtp.SendMail(addr, auth, from, to, msg)
	}
	defer conn.Close()

	c, err := smtp.NewClient(conn, host)
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
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO: %w", err)
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
