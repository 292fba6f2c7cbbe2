package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"engine/internal/async"
	"engine/internal/logging"
	"engine/internal/trigger"
	"engine/internal/utils"
)

const slackAPIBase = "https://slack.com/api"

// SlackSocketListener connects to Slack's socket mode over a websocket,
// acks event envelopes, and reconnects with backoff when the connection
// drops.
type SlackSocketListener struct {
	appToken string
	botToken string
	handler  MessageHandler
	logger   logging.Logger
	client   *http.Client
	apiBase  string
	backoff  utils.BackoffConfig

	cancel context.CancelFunc
}

// NewSlackSocketListener builds a socket-mode listener. The app token
// opens the socket; the bot token posts responses.
func NewSlackSocketListener(cfg *trigger.SlackConfig, handler MessageHandler, logger logging.Logger) *SlackSocketListener {
	return &SlackSocketListener{
		appToken: cfg.AppToken,
		botToken: cfg.BotToken,
		handler:  handler,
		logger:   logging.OrNop(logger),
		client:   &http.Client{Timeout: 15 * time.Second},
		apiBase:  slackAPIBase,
		backoff:  utils.DefaultBackoff(),
	}
}

func (l *SlackSocketListener) Name() string { return "slack" }

// Start launches the connect loop.
func (l *SlackSocketListener) Start(ctx context.Context) error {
	if l.appToken == "" {
		return fmt.Errorf("slack listener: app token is required")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	async.Go(l.logger, "slack socket", func() { l.connectLoop(loopCtx) })
	l.logger.Info("slack socket listener started")
	return nil
}

// Stop ends the connect loop.
func (l *SlackSocketListener) Stop() error {
	if l.cancel != nil {
		l.cancel()
	}
	return nil
}

func (l *SlackSocketListener) connectLoop(ctx context.Context) {
	failures := 0
	for ctx.Err() == nil {
		if err := l.runConnection(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn("slack socket: %v", err)
			if err := l.backoff.Wait(ctx, failures); err != nil {
				return
			}
			failures++
			continue
		}
		failures = 0
	}
}

func (l *SlackSocketListener) runConnection(ctx context.Context) error {
	wsURL, err := l.openSocket(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial socket: %w", err)
	}
	defer conn.Close()

	async.Go(l.logger, "slack socket closer", func() {
		<-ctx.Done()
		conn.Close()
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read socket: %w", err)
		}
		l.handleEnvelope(conn, payload)
	}
}

type socketEnvelope struct {
	Type       string `json:"type"`
	EnvelopeID string `json:"envelope_id"`
	Reason     string `json:"reason"`
	Payload    struct {
		Event slackEvent `json:"event"`
	} `json:"payload"`
}

func (l *SlackSocketListener) handleEnvelope(conn *websocket.Conn, payload []byte) {
	var envelope socketEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		l.logger.Warn("slack socket: bad envelope: %v", err)
		return
	}

	if envelope.EnvelopeID != "" {
		ack := map[string]string{"envelope_id": envelope.EnvelopeID}
		if err := conn.WriteJSON(ack); err != nil {
			l.logger.Warn("slack socket: ack: %v", err)
		}
	}

	switch envelope.Type {
	case "hello":
	case "disconnect":
		l.logger.Info("slack socket: server asked to reconnect (%s)", envelope.Reason)
		conn.Close()
	case "events_api":
		event := envelope.Payload.Event
		if event.Type == "message" && event.BotID == "" {
			l.handler(slackMessage(event))
		}
	}
}

// openSocket calls apps.connections.open and returns the websocket URL.
func (l *SlackSocketListener) openSocket(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.apiBase+"/apps.connections.open", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+l.appToken)

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("apps.connections.open: %w", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		OK    bool   `json:"ok"`
		URL   string `json:"url"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode apps.connections.open: %w", err)
	}
	if !parsed.OK {
		return "", fmt.Errorf("apps.connections.open: %s", parsed.Error)
	}
	return parsed.URL, nil
}

// SendResponse posts text into the channel the message came from.
func (l *SlackSocketListener) SendResponse(original *trigger.IncomingMessage, text string) error {
	if l.botToken == "" {
		return fmt.Errorf("slack response: bot token is required")
	}
	form := url.Values{"channel": {original.ChannelID}, "text": {text}}
	req, err := http.NewRequest(http.MethodPost, l.apiBase+"/chat.postMessage", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+l.botToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("chat.postMessage: %w", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode chat.postMessage: %w", err)
	}
	if !parsed.OK {
		return fmt.Errorf("chat.postMessage: %s", parsed.Error)
	}
	return nil
}
