package listener

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"engine/internal/async"
	"engine/internal/logging"
	"engine/internal/trigger"
)

// slackTimestampTolerance rejects replayed Slack requests.
const slackTimestampTolerance = 5 * time.Minute

// HTTPListener serves the generic webhook endpoint and the Slack events
// endpoint on one gin server, alongside /healthz and /metrics.
type HTTPListener struct {
	addr          string
	signingSecret string
	handler       MessageHandler
	logger        logging.Logger
	server        *http.Server
}

// NewHTTPListener builds the server. signingSecret may be empty when the
// Slack events endpoint is unused.
func NewHTTPListener(addr, signingSecret string, handler MessageHandler, logger logging.Logger) *HTTPListener {
	return &HTTPListener{
		addr:          addr,
		signingSecret: signingSecret,
		handler:       handler,
		logger:        logging.OrNop(logger),
	}
}

func (l *HTTPListener) Name() string { return "http" }

// router builds the gin engine with all routes.
func (l *HTTPListener) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), cors.Default())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.POST("/webhooks/*path", l.handleWebhook)
	engine.POST("/slack/events", l.handleSlackEvent)
	return engine
}

// Start builds the routes and serves in the background.
func (l *HTTPListener) Start(ctx context.Context) error {
	l.server = &http.Server{Addr: l.addr, Handler: l.router()}
	async.Go(l.logger, "http listener", func() {
		if err := l.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.logger.Error("http listener: %v", err)
		}
	})
	async.Go(l.logger, "http listener shutdown", func() {
		<-ctx.Done()
		l.Stop() //nolint:errcheck
	})
	l.logger.Info("http listener on %s", l.addr)
	return nil
}

// Stop shuts the server down gracefully.
func (l *HTTPListener) Stop() error {
	if l.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.server.Shutdown(ctx)
}

// SendResponse is a no-op: webhook callers receive the synchronous 202 and
// nothing more.
func (l *HTTPListener) SendResponse(*trigger.IncomingMessage, string) error { return nil }

func (l *HTTPListener) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	path := strings.TrimPrefix(c.Param("path"), "/")
	msg := &trigger.IncomingMessage{
		MessageID:   fmt.Sprintf("http-%d", time.Now().UnixNano()),
		Source:      trigger.SourceHTTP,
		Text:        string(body),
		ChannelName: path,
		ReceivedAt:  time.Now().UTC(),
		Metadata:    map[string]string{"path": path, "contentType": c.ContentType()},
	}
	l.handler(msg)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

type slackEnvelope struct {
	Type      string     `json:"type"`
	Challenge string     `json:"challenge"`
	Event     slackEvent `json:"event"`
}

type slackEvent struct {
	Type    string `json:"type"`
	User    string `json:"user"`
	Text    string `json:"text"`
	Channel string `json:"channel"`
	TS      string `json:"ts"`
	BotID   string `json:"bot_id"`
}

func (l *HTTPListener) handleSlackEvent(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if !l.verifySlackSignature(c.Request.Header, body) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "bad signature"})
		return
	}

	var envelope slackEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}

	switch envelope.Type {
	case "url_verification":
		c.JSON(http.StatusOK, gin.H{"challenge": envelope.Challenge})
	case "event_callback":
		if envelope.Event.Type == "message" && envelope.Event.BotID == "" {
			l.handler(slackMessage(envelope.Event))
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	default:
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func slackMessage(event slackEvent) *trigger.IncomingMessage {
	return &trigger.IncomingMessage{
		MessageID:  event.TS,
		Source:     trigger.SourceSlack,
		Text:       event.Text,
		UserID:     event.User,
		ChannelID:  event.Channel,
		ReceivedAt: time.Now().UTC(),
	}
}

// verifySlackSignature checks the v0 HMAC-SHA256 signature scheme.
func (l *HTTPListener) verifySlackSignature(header http.Header, body []byte) bool {
	if l.signingSecret == "" {
		return false
	}
	timestamp := header.Get("X-Slack-Request-Timestamp")
	signature := header.Get("X-Slack-Signature")
	if timestamp == "" || signature == "" {
		return false
	}

	seconds, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	age := time.Since(time.Unix(seconds, 0))
	if age > slackTimestampTolerance || age < -slackTimestampTolerance {
		return false
	}

	mac := hmac.New(sha256.New, []byte(l.signingSecret))
	fmt.Fprintf(mac, "v0:%s:%s", timestamp, body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
