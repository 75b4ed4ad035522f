package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/lox/livechat-bridge/internal/chat"
	"github.com/lox/livechat-bridge/internal/token"
)

type agentChat struct {
	ChatID   string      `json:"chatId"`
	Messages []chat.Turn `json:"messages"`
}

func (a *App) handleChatsByAgent(w http.ResponseWriter, r *http.Request, _ token.Session) {
	agentEmail := r.PathValue("agentEmail")

	snapshots := a.cache.SnapshotByAgent(agentEmail)
	chats := make([]agentChat, 0, len(snapshots))
	for chatID, turns := range snapshots {
		chats = append(chats, agentChat{ChatID: chatID, Messages: turns})
	}
	writeJSON(w, http.StatusOK, chats)
}

func (a *App) handleChatByID(w http.ResponseWriter, r *http.Request, _ token.Session) {
	writeJSON(w, http.StatusOK, a.cache.SnapshotByChat(r.PathValue("chatID")))
}

// loginResponse is the payload the identity provider hands back through the
// browser after a successful login.
type loginResponse struct {
	Status string `json:"status"`
	Data   struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	} `json:"data"`
}

// handleCallback completes the login flow: it decodes the provider response
// from the redirect, resolves the user's identity, and mints a cookie
// session holding the token pair. Any failure leaves the caller without a
// session; the only way into an authenticated state is through here.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	rawResponse := r.URL.Query().Get("response")
	if rawResponse == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no login response received"})
		return
	}

	var login loginResponse
	if err := json.Unmarshal([]byte(rawResponse), &login); err != nil {
		a.logger.Warn("unparseable login response", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid login response"})
		return
	}
	if login.Status != "SUCCESS" || login.Data.AccessToken == "" || login.Data.RefreshToken == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "login failed"})
		return
	}

	session := a.sessions.Create()
	session.Set(token.KeyAccessToken, login.Data.AccessToken)
	session.Set(token.KeyRefreshToken, login.Data.RefreshToken)

	clientID, ok := a.tokens.ResolveClientID(r.Context(), session, login.Data.AccessToken)
	if !ok {
		a.sessions.Destroy(session.ID())
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "user not associated with a known client"})
		return
	}
	userEmail, ok := a.tokens.ResolveUserEmail(r.Context(), session, login.Data.AccessToken)
	if !ok {
		a.sessions.Destroy(session.ID())
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "unable to resolve user email"})
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    session.ID(),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	a.logger.Info("login completed", "user_email", userEmail, "client_id", clientID)
	writeJSON(w, http.StatusOK, map[string]string{"userEmail": userEmail, "clientId": clientID})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		if session := a.sessions.Lookup(cookie.Value); session != nil {
			session.Clear()
		}
		a.sessions.Destroy(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

type storeMessageRequest struct {
	ChatID         string `json:"chatId"`
	VisitorMessage string `json:"visitorMessage"`
	BotResponse    string `json:"botResponse"`
}

type storeMessageResponse struct {
	MessageHash string `json:"messageHash"`
}

func (a *App) handleStoreMessage(w http.ResponseWriter, r *http.Request, session token.Session) {
	var req storeMessageRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.ChatID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chatId is required"})
		return
	}

	agentEmail := session.Get(token.KeyUserEmail)
	if agentEmail == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user email not found"})
		return
	}

	hash, err := a.store.SaveMessage(r.Context(), req.ChatID, req.VisitorMessage, req.BotResponse, agentEmail)
	if err != nil {
		a.logger.Error("store message failed", "chat_id", req.ChatID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "error storing message"})
		return
	}
	writeJSON(w, http.StatusOK, storeMessageResponse{MessageHash: hash})
}

type copyCountRequest struct {
	MessageHash string `json:"messageHash"`
}

func (a *App) handleCopyCount(w http.ResponseWriter, r *http.Request, _ token.Session) {
	var req copyCountRequest
	if err := decodeJSON(r.Body, &req); err != nil || strings.TrimSpace(req.MessageHash) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message hash is required"})
		return
	}

	if err := a.store.IncrementCopyCount(r.Context(), req.MessageHash); err != nil {
		a.logger.Error("copy count update failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "error updating copy status"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
}
