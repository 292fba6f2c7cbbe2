package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"engine/internal/async"
	"engine/internal/logging"
	"engine/internal/trigger"
	"engine/internal/utils"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramListener long-polls the Bot API getUpdates endpoint and answers
// through sendMessage. Transient poll failures back off exponentially.
type TelegramListener struct {
	token        string
	pollInterval time.Duration
	handler      MessageHandler
	logger       logging.Logger
	client       *http.Client
	apiBase      string
	backoff      utils.BackoffConfig

	cancel context.CancelFunc
}

// NewTelegramListener builds a listener for the given bot token.
func NewTelegramListener(cfg *trigger.TelegramConfig, handler MessageHandler, logger logging.Logger) *TelegramListener {
	pollInterval := cfg.PollInterval.D()
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &TelegramListener{
		token:        cfg.BotToken,
		pollInterval: pollInterval,
		handler:      handler,
		logger:       logging.OrNop(logger),
		client:       &http.Client{Timeout: 40 * time.Second},
		apiBase:      telegramAPIBase,
		backoff:      utils.DefaultBackoff(),
	}
}

func (l *TelegramListener) Name() string { return "telegram" }

// Start launches the poll loop.
func (l *TelegramListener) Start(ctx context.Context) error {
	if l.token == "" {
		return fmt.Errorf("telegram listener: bot token is required")
	}
	pollCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	async.Go(l.logger, "telegram poll", func() { l.poll(pollCtx) })
	l.logger.Info("telegram listener started")
	return nil
}

// Stop ends the poll loop.
func (l *TelegramListener) Stop() error {
	if l.cancel != nil {
		l.cancel()
	}
	return nil
}

type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		From      *struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"from"`
		Chat struct {
			ID    int64  `json:"id"`
			Title string `json:"title"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

type telegramResponse struct {
	OK          bool             `json:"ok"`
	Description string           `json:"description"`
	Result      []telegramUpdate `json:"result"`
}

func (l *TelegramListener) poll(ctx context.Context) {
	var offset int64
	failures := 0
	for ctx.Err() == nil {
		updates, err := l.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("telegram poll: %v", err)
			if err := l.backoff.Wait(ctx, failures); err != nil {
				return
			}
			failures++
			continue
		}
		failures = 0

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			if msg := l.normalize(update); msg != nil {
				l.handler(msg)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.pollInterval):
		}
	}
}

func (l *TelegramListener) getUpdates(ctx context.Context, offset int64) ([]telegramUpdate, error) {
	query := url.Values{"timeout": {"30"}}
	if offset > 0 {
		query.Set("offset", strconv.FormatInt(offset, 10))
	}
	endpoint := fmt.Sprintf("%s/bot%s/getUpdates?%s", l.apiBase, l.token, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode getUpdates: %w", err)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("getUpdates: %s", parsed.Description)
	}
	return parsed.Result, nil
}

func (l *TelegramListener) normalize(update telegramUpdate) *trigger.IncomingMessage {
	if update.Message == nil || update.Message.Text == "" {
		return nil
	}
	msg := update.Message
	out := &trigger.IncomingMessage{
		MessageID:   strconv.FormatInt(msg.MessageID, 10),
		Source:      trigger.SourceTelegram,
		Text:        msg.Text,
		ChannelID:   strconv.FormatInt(msg.Chat.ID, 10),
		ChannelName: msg.Chat.Title,
		ReceivedAt:  time.Now().UTC(),
		Metadata:    map[string]string{"chatId": strconv.FormatInt(msg.Chat.ID, 10)},
	}
	if msg.From != nil {
		out.Username = msg.From.Username
		out.UserID = strconv.FormatInt(msg.From.ID, 10)
	}
	return out
}

// SendResponse posts text back into the chat the message came from.
func (l *TelegramListener) SendResponse(original *trigger.IncomingMessage, text string) error {
	chatID := original.Metadata["chatId"]
	if chatID == "" {
		return fmt.Errorf("telegram response: message %s has no chat id", original.MessageID)
	}

	form := url.Values{"chat_id": {chatID}, "text": {text}}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", l.apiBase, l.token)
	resp, err := l.client.PostForm(endpoint, form)
	if err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram sendMessage: status %d", resp.StatusCode)
	}
	return nil
}
