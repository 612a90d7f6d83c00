package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhoffm/backupd/pkg/config"
)

// mockHTTPClient captures the request and returns a canned response.
type mockHTTPClient struct {
	lastRequest *http.Request
	lastBody    []byte
	statusCode  int
	err         error
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.lastRequest = req
	if req.Body != nil {
		body, _ := io.ReadAll(req.Body)
		m.lastBody = body
	}
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(strings.NewReader(`{"ok":true}`)),
	}, nil
}

func telegramCfg() config.TelegramConfig {
	return config.TelegramConfig{BotToken: "123:abc", ChatID: "42"}
}

func successReport() RunReport {
	return RunReport{
		Success:      true,
		Host:         "testhost",
		Source:       "/data/app",
		EntryName:    "backup-2024-03-15_04-30-00.tar.gz",
		StartTime:    time.Date(2024, 3, 15, 4, 30, 0, 0, time.UTC),
		Duration:     95 * time.Second,
		FilesCopied:  120,
		BytesWritten: 5 * 1024 * 1024,
		EntriesPruned: 2,
	}
}

func TestNotifyRunFinishedSuccess(t *testing.T) {
	client := &mockHTTPClient{statusCode: http.StatusOK}
	n := NewTelegramWithClient(telegramCfg(), client, "https://example.test")

	err := n.NotifyRunFinished(context.Background(), successReport())
	require.NoError(t, err)

	require.NotNil(t, client.lastRequest)
	assert.Equal(t, http.MethodPost, client.lastRequest.Method)
	assert.Equal(t, "https://example.test/bot123:abc/sendMessage", client.lastRequest.URL.String())
	assert.Equal(t, "application/json", client.lastRequest.Header.Get("Content-Type"))

	var body sendMessageRequest
	require.NoError(t, json.Unmarshal(client.lastBody, &body))
	assert.Equal(t, "42", body.ChatID)
	assert.Equal(t, "HTML", body.ParseMode)
	assert.Contains(t, body.Text, "Backup Successful")
	assert.Contains(t, body.Text, "backup-2024-03-15_04-30-00.tar.gz")
	assert.Contains(t, body.Text, "Files copied: 120")
	assert.Contains(t, body.Text, "5.0 MiB")
	assert.Contains(t, body.Text, "Entries pruned: 2")
}

func TestNotifyRunFinishedFailure(t *testing.T) {
	client := &mockHTTPClient{statusCode: http.StatusOK}
	n := NewTelegramWithClient(telegramCfg(), client, "https://example.test")

	report := RunReport{
		Success:      false,
		Host:         "testhost",
		Source:       "/data/app",
		StartTime:    time.Now(),
		FailedStage:  "copy",
		ErrorMessage: "source root is unreadable: <permission denied>",
	}
	require.NoError(t, n.NotifyRunFinished(context.Background(), report))

	var body sendMessageRequest
	require.NoError(t, json.Unmarshal(client.lastBody, &body))
	assert.Contains(t, body.Text, "Backup Failed")
	assert.Contains(t, body.Text, "Failed stage: copy")
	assert.Contains(t, body.Text, "&lt;permission denied&gt;", "error text must be HTML-escaped")
}

func TestNotifyRunFinishedAPIError(t *testing.T) {
	client := &mockHTTPClient{statusCode: http.StatusBadGateway}
	n := NewTelegramWithClient(telegramCfg(), client, "https://example.test")

	err := n.NotifyRunFinished(context.Background(), successReport())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{in: 512, want: "512 B"},
		{in: 2048, want: "2.0 KiB"},
		{in: 5 * 1024 * 1024, want: "5.0 MiB"},
		{in: 3 * 1024 * 1024 * 1024, want: "3.0 GiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.in))
	}
}

func TestNoopNotifier(t *testing.T) {
	assert.NoError(t, Noop{}.NotifyRunFinished(context.Background(), RunReport{}))
}
