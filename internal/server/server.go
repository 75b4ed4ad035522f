package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"

	"github.com/lox/livechat-bridge/internal/bot"
	"github.com/lox/livechat-bridge/internal/chat"
	"github.com/lox/livechat-bridge/internal/identity"
	"github.com/lox/livechat-bridge/internal/store"
	"github.com/lox/livechat-bridge/internal/token"
)

const (
	sessionCookieName = "lcb_session"
	defaultSweepEvery = time.Hour
	defaultRetention  = time.Hour
	storeInitTimeout  = 10 * time.Second
)

// Completer produces the bot's reply for a full conversation prompt.
type Completer interface {
	Complete(ctx context.Context, question string) (string, error)
}

type AppConfig struct {
	DBPath         string
	WebhookSecret  string
	IdentityAPIURL string
	BotAPIURL      string
	BotTaskID      string
	BotAPIKey      string
	BotModel       string
	ClientName     string
	SweepInterval  time.Duration
	Retention      time.Duration
	Logger         *charmLog.Logger

	// Completer and Identity replace the real HTTP clients when set; tests
	// use them to stub the external APIs.
	Completer      Completer
	Identity       token.IdentityAPI
	DisableSweeper bool
}

type App struct {
	logger        *charmLog.Logger
	cache         *chat.Cache
	sweeper       *chat.Sweeper
	tokens        *token.Manager
	sessions      *token.MemoryStore
	completer     Completer
	store         *store.Store
	webhookSecret []byte
	closeOnce     sync.Once
}

func New(cfg AppConfig) (*App, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("db path is required")
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, errors.New("webhook secret is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = charmLog.NewWithOptions(os.Stderr, charmLog.Options{
			Prefix:          "livechat-bridge",
			Level:           charmLog.InfoLevel,
			ReportTimestamp: true,
			TimeFormat:      time.RFC3339,
		})
	}

	messageStore, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	initCtx, cancel := context.WithTimeout(context.Background(), storeInitTimeout)
	defer cancel()
	if err := messageStore.Init(initCtx); err != nil {
		_ = messageStore.Close()
		return nil, err
	}

	completer := cfg.Completer
	if completer == nil {
		client, err := bot.NewClient(bot.Config{
			BaseURL: cfg.BotAPIURL,
			TaskID:  cfg.BotTaskID,
			APIKey:  cfg.BotAPIKey,
			Model:   cfg.BotModel,
		})
		if err != nil {
			_ = messageStore.Close()
			return nil, err
		}
		completer = client
	}

	identityAPI := cfg.Identity
	if identityAPI == nil {
		identityAPI = identity.NewClient(identity.Config{BaseURL: cfg.IdentityAPIURL})
	}

	cache := chat.NewCache()

	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = defaultSweepEvery
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	sweeper := chat.NewSweeper(chat.SweeperConfig{
		Cache:     cache,
		Interval:  interval,
		Retention: retention,
		Logger:    logger.With("component", "sweeper"),
	})

	app := &App{
		logger:  logger,
		cache:   cache,
		sweeper: sweeper,
		tokens: token.NewManager(token.ManagerConfig{
			Identity:   identityAPI,
			ClientName: cfg.ClientName,
			Logger:     logger.With("component", "tokens"),
		}),
		sessions:      token.NewMemoryStore(),
		completer:     completer,
		store:         messageStore,
		webhookSecret: []byte(cfg.WebhookSecret),
	}

	if !cfg.DisableSweeper {
		sweeper.Start()
	}

	return app, nil
}

func (a *App) Close() error {
	var closeErr error
	a.closeOnce.Do(func() {
		a.sweeper.Stop()
		closeErr = a.store.Close()
	})
	return closeErr
}

func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /livechat/webhook", a.handleWebhook)
	mux.HandleFunc("GET /auth/callback", a.handleCallback)
	mux.HandleFunc("POST /auth/logout", a.handleLogout)

	mux.Handle("GET /livechat/chats/{agentEmail}", a.requireSession(a.handleChatsByAgent))
	mux.Handle("GET /livechat/chat/{chatID}", a.requireSession(a.handleChatByID))
	mux.Handle("POST /livechat/messages", a.requireSession(a.handleStoreMessage))
	mux.Handle("POST /livechat/messages/copy", a.requireSession(a.handleCopyCount))

	return a.loggingMiddleware(mux)
}

// requireSession loads the cookie session and refuses the request unless the
// token manager can vouch for a usable access token.
func (a *App) requireSession(next func(http.ResponseWriter, *http.Request, token.Session)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		session := a.sessions.Lookup(cookie.Value)
		if session == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		if !a.tokens.EnsureFresh(r.Context(), session) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r, session)
	})
}

func (a *App) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		statusCode := recorder.status()
		level := charmLog.DebugLevel
		switch {
		case statusCode >= http.StatusInternalServerError:
			level = charmLog.ErrorLevel
		case statusCode >= http.StatusBadRequest:
			level = charmLog.WarnLevel
		}

		keyvals := []interface{}{
			"method", r.Method,
			"path", r.URL.Path,
			"status", statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"response_bytes", recorder.bytesWritten,
		}
		if remoteAddr := clientIP(r.RemoteAddr); remoteAddr != "" {
			keyvals = append(keyvals, "remote_addr", remoteAddr)
		}
		if userAgent := r.UserAgent(); userAgent != "" {
			keyvals = append(keyvals, "user_agent", userAgent)
		}

		a.logger.Log(level, "http request", keyvals...)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(data []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(data)
	r.bytesWritten += n
	return n, err
}

func (r *statusRecorder) status() int {
	if r.statusCode == 0 {
		return http.StatusOK
	}
	return r.statusCode
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	return hijacker.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func decodeJSON(body io.ReadCloser, out any) error {
	defer body.Close()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func clientIP(remoteAddr string) string {
	remoteAddr = strings.TrimSpace(remoteAddr)
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
