package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-relay/internal/db"
	"github.com/lalithlochan/nimbus-relay/internal/queue"
)

// WhatsAppSender posts text messages to a WhatsApp Cloud style messages
// endpoint: POST {APIURL}/{PhoneNumberID}/messages.
type WhatsAppSender struct {
	client   *http.Client
	endpoint string
	token    string
	logger   *zap.Logger
}

type WhatsAppConfig struct {
	APIURL        string
	PhoneNumberID string
	Token         string
	Timeout       time.Duration
}

type whatsAppText struct {
	Body string `json:"body"`
}

type whatsAppMessage struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             whatsAppText `json:"text"`
}

type whatsAppResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// NewWhatsAppSender creates a new WhatsApp sender
func NewWhatsAppSender(logger *zap.Logger, cfg WhatsAppConfig) *WhatsAppSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &WhatsAppSender{
		client:   &http.Client{Timeout: timeout},
		endpoint: strings.TrimRight(cfg.APIURL, "/") + "/" + cfg.PhoneNumberID + "/messages",
		token:    cfg.Token,
		logger:   logger,
	}
}

func (s *WhatsAppSender) Send(ctx context.Context, channel string, env queue.Envelope) error {
	if channel != db.ChannelWhatsApp {
		return fmt.Errorf("whatsapp sender only supports whatsapp, got: %s", channel)
	}

	body, err := json.Marshal(whatsAppMessage{
		MessagingProduct: "whatsapp",
		To:               strings.TrimPrefix(env.To, "+"),
		Type:             "text",
		Text:             whatsAppText{Body: env.Message},
	})
	if err != nil {
		return fmt.Errorf("failed to encode whatsapp message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create whatsapp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)
	if env.ID != "" {
		req.Header.Set("X-Relay-Envelope-ID", env.ID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("whatsapp returned non-2xx status: %d, body: %s", resp.StatusCode, string(respBody))
	}

	var parsed whatsAppResponse
	_ = json.Unmarshal(respBody, &parsed)
	messageID := ""
	if len(parsed.Messages) > 0 {
		messageID = parsed.Messages[0].ID
	}

	s.logger.Info("whatsapp message sent",
		zap.String("envelope_id", env.ID),
		zap.String("to", env.To),
		zap.String("message_id", messageID),
	)

	return nil
}

func (s *WhatsAppSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelWhatsApp
}
