package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lox/livechat-bridge/internal/chat"
)

const (
	signatureHeader = "X-Webhook-Signature"
	maxWebhookBody  = 1 << 20
)

type inboundEvent struct {
	Payload struct {
		Event struct {
			Text string `json:"text"`
		} `json:"event"`
		ChatID string `json:"chat_id"`
	} `json:"payload"`
	AdditionalData struct {
		ChatPresenceUserIDs []string `json:"chat_presence_user_ids"`
	} `json:"additional_data"`
}

type webhookResponse struct {
	VisitorMessage string `json:"visitorMessage"`
	BotResponse    string `json:"botResponse"`
}

type ingestResult struct {
	VisitorMessage string
	BotResponse    string
	Skipped        bool
	SkipReason     string
}

func (a *App) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	if !a.verifySignature(body, r.Header.Get(signatureHeader)) {
		a.logger.Warn("webhook signature mismatch", "remote_addr", clientIP(r.RemoteAddr))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	result, err := a.ingestEvent(r.Context(), body)
	if err != nil {
		// Completion failures are upstream trouble, not a malformed event;
		// surface them distinctly so the provider can retry.
		a.logger.Error("webhook ingest failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "completion unavailable"})
		return
	}
	if result.Skipped {
		a.logger.Info("webhook event skipped", "reason", result.SkipReason)
		writeJSON(w, http.StatusOK, map[string]string{"message": result.SkipReason})
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{
		VisitorMessage: result.VisitorMessage,
		BotResponse:    result.BotResponse,
	})
}

// verifySignature checks a hex HMAC-SHA256 of the raw body against the
// shared webhook secret.
func (a *App) verifySignature(body []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, a.webhookSecret)
	_, _ = mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// ingestEvent runs the webhook pipeline: validate, record the visitor turn,
// ask the bot with the full transcript as context, and record the reply. A
// malformed event is a skip, not an error; only completion failures return
// an error.
func (a *App) ingestEvent(ctx context.Context, rawEvent []byte) (ingestResult, error) {
	var event inboundEvent
	if err := json.Unmarshal(rawEvent, &event); err != nil {
		return ingestResult{Skipped: true, SkipReason: "unparseable event payload"}, nil
	}

	messageText := strings.TrimSpace(event.Payload.Event.Text)
	chatID := strings.TrimSpace(event.Payload.ChatID)
	if messageText == "" || chatID == "" {
		return ingestResult{Skipped: true, SkipReason: "missing required data"}, nil
	}

	agentHint := firstAgentID(event.AdditionalData.ChatPresenceUserIDs)

	transcript := a.cache.Append(chatID, agentHint, chat.Turn{Role: chat.RoleVisitor, Text: messageText})

	botAnswer, err := a.completer.Complete(ctx, chat.Prompt(transcript))
	if err != nil {
		return ingestResult{}, fmt.Errorf("complete chat %s: %w", chatID, err)
	}

	a.cache.Append(chatID, agentHint, chat.Turn{Role: chat.RoleBot, Text: botAnswer})

	// The exchange is already delivered; a storage failure is logged but
	// never turns a served reply into a webhook error.
	agentEmail := a.cache.AssignedAgent(chatID)
	if _, err := a.store.SaveMessage(ctx, chatID, messageText, botAnswer, agentEmail); err != nil {
		a.logger.Error("durable save failed", "chat_id", chatID, "error", err)
	}

	return ingestResult{VisitorMessage: messageText, BotResponse: botAnswer}, nil
}

// firstAgentID picks the first presence identifier that looks like an agent.
// "Contains @" is a heuristic carried over from the widget's presence list
// format: humans appear as emails, bots and visitors as opaque IDs. It does
// not verify the match is actually an agent account.
func firstAgentID(presenceIDs []string) string {
	for _, id := range presenceIDs {
		if strings.Contains(id, "@") {
			return id
		}
	}
	return ""
}
