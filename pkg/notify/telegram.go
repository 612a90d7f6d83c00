package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mhoffm/backupd/pkg/config"
	"github.com/mhoffm/backupd/pkg/plog"
)

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Telegram sends run reports through the Telegram bot API.
type Telegram struct {
	httpClient HTTPClient
	baseURL    string
	botToken   string
	chatID     string
}

// NewTelegram creates a Telegram notifier from the configuration.
func NewTelegram(cfg config.TelegramConfig) *Telegram {
	return &Telegram{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:  "https://api.telegram.org",
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
	}
}

// NewTelegramWithClient creates a Telegram notifier with a custom HTTP client
// and base URL (for testing).
func NewTelegramWithClient(cfg config.TelegramConfig, httpClient HTTPClient, baseURL string) *Telegram {
	return &Telegram{
		httpClient: httpClient,
		baseURL:    baseURL,
		botToken:   cfg.BotToken,
		chatID:     cfg.ChatID,
	}
}

// sendMessageRequest is the request body for the Telegram sendMessage API.
type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// NotifyRunFinished sends the report as an HTML-formatted Telegram message.
func (t *Telegram) NotifyRunFinished(ctx context.Context, report RunReport) error {
	plog.Debug("Sending Telegram notification", "chatID", t.chatID, "success", report.Success)

	reqBody := sendMessageRequest{
		ChatID:    t.chatID,
		Text:      formatReport(report),
		ParseMode: "HTML",
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("could not marshal notification request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("could not create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not send notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	plog.Debug("Telegram notification sent")
	return nil
}

func formatReport(report RunReport) string {
	var b bytes.Buffer

	if report.Success {
		b.WriteString("✅ <b>Backup Successful</b>\n\n")
	} else {
		b.WriteString("❌ <b>Backup Failed</b>\n\n")
	}

	b.WriteString(fmt.Sprintf("🖥 <b>Host:</b> %s\n", escapeHTML(report.Host)))
	b.WriteString(fmt.Sprintf("📁 <b>Source:</b> %s\n", escapeHTML(report.Source)))
	b.WriteString(fmt.Sprintf("⏰ <b>Started:</b> %s\n", report.StartTime.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("⏱ <b>Duration:</b> %s\n", report.Duration.Round(time.Second)))

	if report.Success {
		b.WriteString("\n<b>📊 Backup Statistics:</b>\n")
		b.WriteString(fmt.Sprintf("  • Entry: <code>%s</code>\n", escapeHTML(report.EntryName)))
		b.WriteString(fmt.Sprintf("  • Files copied: %d\n", report.FilesCopied))
		if report.FilesSkipped > 0 {
			b.WriteString(fmt.Sprintf("  • Files skipped: %d\n", report.FilesSkipped))
		}
		b.WriteString(fmt.Sprintf("  • Data written: %s\n", formatBytes(report.BytesWritten)))
		if report.EntriesPruned > 0 {
			b.WriteString(fmt.Sprintf("  • Entries pruned: %d\n", report.EntriesPruned))
		}
	} else {
		b.WriteString("\n<b>⚠️ Error Details:</b>\n")
		b.WriteString(fmt.Sprintf("  • Failed stage: %s\n", escapeHTML(report.FailedStage)))
		b.WriteString(fmt.Sprintf("  • Error: <code>%s</code>\n", escapeHTML(report.ErrorMessage)))
	}

	return b.String()
}

// escapeHTML escapes HTML special characters.
func escapeHTML(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			b.WriteString("&amp;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

var _ Notifier = (*Telegram)(nil)
