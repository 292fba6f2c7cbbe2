package listener

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engine/internal/trigger"
	"engine/internal/workflow"
)

type messageSink struct {
	mu   sync.Mutex
	msgs []*trigger.IncomingMessage
}

func (s *messageSink) handle(msg *trigger.IncomingMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *messageSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *messageSink) last() *trigger.IncomingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		return nil
	}
	return s.msgs[len(s.msgs)-1]
}

func TestHTTPWebhookDeliversMessage(t *testing.T) {
	sink := &messageSink{}
	l := NewHTTPListener(":0", "", sink.handle, nil)
	server := httptest.NewServer(l.router())
	defer server.Close()

	resp, err := http.Post(server.URL+"/webhooks/deploy/prod", "application/json", strings.NewReader(`{"ref":"main"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Equal(t, 1, sink.count())
	msg := sink.last()
	assert.Equal(t, trigger.SourceHTTP, msg.Source)
	assert.Equal(t, `{"ref":"main"}`, msg.Text)
	assert.Equal(t, "deploy/prod", msg.ChannelName)
}

func TestHTTPHealthz(t *testing.T) {
	l := NewHTTPListener(":0", "", (&messageSink{}).handle, nil)
	server := httptest.NewServer(l.router())
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func signSlack(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:%s", timestamp, body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func postSlack(t *testing.T, serverURL, secret string, body []byte, tamper bool) *http.Response {
	t.Helper()
	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	signature := signSlack(secret, timestamp, body)
	if tamper {
		signature = signSlack("wrong-secret", timestamp, body)
	}

	req, err := http.NewRequest(http.MethodPost, serverURL+"/slack/events", strings.NewReader(string(body)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Slack-Request-Timestamp", timestamp)
	req.Header.Set("X-Slack-Signature", signature)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestSlackEventsSignatureVerification(t *testing.T) {
	sink := &messageSink{}
	l := NewHTTPListener(":0", "shh", sink.handle, nil)
	server := httptest.NewServer(l.router())
	defer server.Close()

	event := []byte(`{"type":"event_callback","event":{"type":"message","user":"U1","text":"/build api","channel":"C1","ts":"123.456"}}`)

	resp := postSlack(t, server.URL, "shh", event, false)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, sink.count())
	assert.Equal(t, trigger.SourceSlack, sink.last().Source)
	assert.Equal(t, "/build api", sink.last().Text)

	resp = postSlack(t, server.URL, "shh", event, true)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 1, sink.count())
}

func TestSlackURLVerificationChallenge(t *testing.T) {
	l := NewHTTPListener(":0", "shh", (&messageSink{}).handle, nil)
	server := httptest.NewServer(l.router())
	defer server.Close()

	body := []byte(`{"type":"url_verification","challenge":"abc123"}`)
	resp := postSlack(t, server.URL, "shh", body, false)
	defer resp.Body.Close()

	var parsed map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.Equal(t, "abc123", parsed["challenge"])
}

func TestSlackEventsIgnoresBotMessages(t *testing.T) {
	sink := &messageSink{}
	l := NewHTTPListener(":0", "shh", sink.handle, nil)
	server := httptest.NewServer(l.router())
	defer server.Close()

	event := []byte(`{"type":"event_callback","event":{"type":"message","bot_id":"B1","text":"loop","channel":"C1","ts":"1.2"}}`)
	resp := postSlack(t, server.URL, "shh", event, false)
	resp.Body.Close()

	assert.Equal(t, 0, sink.count())
}

func TestTelegramPollNormalizesUpdates(t *testing.T) {
	updates := `{"ok":true,"result":[{"update_id":7,"message":{"message_id":42,"from":{"id":5,"username":"alice"},"chat":{"id":99,"title":"builds"},"text":"/build api"}}]}`
	var gotOffset string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOffset = r.URL.Query().Get("offset")
		fmt.Fprint(w, updates)
		updates = `{"ok":true,"result":[]}`
	}))
	defer api.Close()

	sink := &messageSink{}
	l := NewTelegramListener(&trigger.TelegramConfig{
		BotToken:     "token",
		PollInterval: workflow.Duration(10 * time.Millisecond),
	}, sink.handle, nil)
	l.apiBase = api.URL

	require.NoError(t, l.Start(t.Context()))
	defer l.Stop() //nolint:errcheck

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := sink.last()
	assert.Equal(t, trigger.SourceTelegram, msg.Source)
	assert.Equal(t, "/build api", msg.Text)
	assert.Equal(t, "alice", msg.Username)
	assert.Equal(t, "99", msg.Metadata["chatId"])

	// The next poll acknowledges the consumed update.
	require.Eventually(t, func() bool { return gotOffset == "8" }, 2*time.Second, 10*time.Millisecond)
}

func TestTelegramSendResponse(t *testing.T) {
	var gotChat, gotText string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotChat = r.Form.Get("chat_id")
		gotText = r.Form.Get("text")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer api.Close()

	l := NewTelegramListener(&trigger.TelegramConfig{BotToken: "token"}, (&messageSink{}).handle, nil)
	l.apiBase = api.URL

	err := l.SendResponse(&trigger.IncomingMessage{
		MessageID: "42",
		Metadata:  map[string]string{"chatId": "99"},
	}, "Started build")
	require.NoError(t, err)
	assert.Equal(t, "99", gotChat)
	assert.Equal(t, "Started build", gotText)
}

func TestSlackSendResponse(t *testing.T) {
	var gotChannel, gotAuth string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotChannel = r.Form.Get("channel")
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer api.Close()

	l := NewSlackSocketListener(&trigger.SlackConfig{AppToken: "xapp", BotToken: "xoxb"}, (&messageSink{}).handle, nil)
	l.apiBase = api.URL

	err := l.SendResponse(&trigger.IncomingMessage{ChannelID: "C1"}, "done")
	require.NoError(t, err)
	assert.Equal(t, "C1", gotChannel)
	assert.Equal(t, "Bearer xoxb", gotAuth)
}

func TestFileWatchDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	sink := &messageSink{}
	l := NewFileWatchListener(&trigger.FileWatchConfig{
		Paths:    []string{dir},
		Patterns: []string{"*.yaml"},
		Debounce: workflow.Duration(50 * time.Millisecond),
	}, sink.handle, nil)

	require.NoError(t, l.Start(t.Context()))
	defer l.Stop() //nolint:errcheck

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("wf%d.yaml", i)), []byte("name: x"), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644))

	require.Eventually(t, func() bool { return sink.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, sink.count(), "burst must collapse into one message")
	msg := sink.last()
	assert.Equal(t, trigger.SourceFileWatch, msg.Source)
	assert.NotContains(t, msg.Text, "ignored.txt")
}

func TestTelegramStartRequiresToken(t *testing.T) {
	l := NewTelegramListener(&trigger.TelegramConfig{}, (&messageSink{}).handle, nil)
	assert.Error(t, l.Start(t.Context()))
}
