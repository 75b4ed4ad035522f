package main

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	charmLog "github.com/charmbracelet/log"

	"github.com/lox/livechat-bridge/internal/server"
)

type cliConfig struct {
	HTTPAddr       string        `name:"http-addr" help:"HTTP listen address." env:"LCB_HTTP_ADDR" default:":8080"`
	DBPath         string        `name:"db-path" help:"SQLite database path." env:"LCB_DB_PATH" default:"./livechat.db"`
	WebhookSecret  string        `name:"webhook-secret" help:"Shared secret for webhook HMAC signatures." env:"LCB_WEBHOOK_SECRET"`
	IdentityAPIURL string        `name:"identity-api-url" help:"Identity API base URL." env:"LCB_IDENTITY_API_URL" default:"https://api.botatwork.com"`
	BotAPIURL      string        `name:"bot-api-url" help:"Bot completion API base URL." env:"LCB_BOT_API_URL" default:"https://api.botatwork.com"`
	BotTaskID      string        `name:"bot-task-id" help:"Bot completion task ID." env:"LCB_BOT_TASK_ID"`
	BotAPIKey      string        `name:"bot-api-key" help:"Bot completion API key." env:"LCB_BOT_API_KEY"`
	BotModel       string        `name:"bot-model" help:"Model override passed to the completion API." env:"LCB_BOT_MODEL" default:"sonar"`
	ClientName     string        `name:"client-name" help:"Client name to select from the identity response." env:"LCB_CLIENT_NAME"`
	SweepInterval  time.Duration `name:"sweep-interval" help:"How often stale conversations are swept." env:"LCB_SWEEP_INTERVAL" default:"1h"`
	Retention      time.Duration `name:"retention" help:"Idle time before a conversation is evicted." env:"LCB_RETENTION" default:"1h"`
	LogLevel       string        `name:"log-level" help:"Server log level." env:"LCB_LOG_LEVEL" default:"info" enum:"debug,info,warn,error,fatal"`
	LogFormat      string        `name:"log-format" help:"Log output format." env:"LCB_LOG_FORMAT" default:"text" enum:"text,json"`
}

func main() {
	if err := loadDotEnvFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := parseCLI(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse args: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure logger: %v\n", err)
		os.Exit(2)
	}
	charmLog.SetDefault(logger)

	app, err := server.New(server.AppConfig{
		DBPath:         cfg.DBPath,
		WebhookSecret:  cfg.WebhookSecret,
		IdentityAPIURL: cfg.IdentityAPIURL,
		BotAPIURL:      cfg.BotAPIURL,
		BotTaskID:      cfg.BotTaskID,
		BotAPIKey:      cfg.BotAPIKey,
		BotModel:       cfg.BotModel,
		ClientName:     cfg.ClientName,
		SweepInterval:  cfg.SweepInterval,
		Retention:      cfg.Retention,
		Logger:         logger.With("component", "server"),
	})
	if err != nil {
		logger.Fatal("init app", "error", err)
	}
	defer app.Close()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info(
		"livechat-bridge listening",
		"addr", cfg.HTTPAddr,
		"db_path", cfg.DBPath,
		"identity_api", cfg.IdentityAPIURL,
		"bot_model", cfg.BotModel,
		"sweep_interval", cfg.SweepInterval,
		"retention", cfg.Retention,
	)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("listen and serve", "error", err)
	}
}

func parseCLI(args []string) (cliConfig, error) {
	var cfg cliConfig

	parser, err := kong.New(
		&cfg,
		kong.Name("livechat-bridge"),
		kong.Description("Bridges a live-chat widget to a bot completion API"),
		kong.UsageOnError(),
	)
	if err != nil {
		return cliConfig{}, err
	}
	if _, err := parser.Parse(args); err != nil {
		return cliConfig{}, err
	}
	return cfg, nil
}

func newLogger(levelRaw, formatRaw string) (*charmLog.Logger, error) {
	level, err := charmLog.ParseLevel(strings.TrimSpace(levelRaw))
	if err != nil {
		return nil, err
	}

	formatter := charmLog.TextFormatter
	if strings.EqualFold(strings.TrimSpace(formatRaw), "json") {
		formatter = charmLog.JSONFormatter
	}

	return charmLog.NewWithOptions(os.Stderr, charmLog.Options{
		Prefix:          "livechat-bridge",
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       formatter,
	}), nil
}

func loadDotEnvFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		key, value, ok, parseErr := parseDotEnvLine(scanner.Text())
		if parseErr != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNum, parseErr)
		}
		if !ok {
			continue
		}
		if os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("set env %s: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}

func parseDotEnvLine(line string) (key, value string, ok bool, err error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false, nil
	}

	if strings.HasPrefix(trimmed, "export ") {
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "export "))
	}

	parts := strings.SplitN(trimmed, "=", 2)
	if len(parts) != 2 {
		return "", "", false, fmt.Errorf("invalid .env line")
	}

	key = strings.TrimSpace(parts[0])
	if key == "" {
		return "", "", false, fmt.Errorf("empty key in .env line")
	}

	value = strings.TrimSpace(parts[1])
	parsedValue, err := parseDotEnvValue(value)
	if err != nil {
		return "", "", false, err
	}
	return key, parsedValue, true, nil
}

func parseDotEnvValue(raw string) (string, error) {
	if len(raw) >= 2 && strings.HasPrefix(raw, "\"") && strings.HasSuffix(raw, "\"") {
		value, err := strconv.Unquote(raw)
		if err != nil {
			return "", fmt.Errorf("invalid double-quoted value: %w", err)
		}
		return value, nil
	}
	if len(raw) >= 2 && strings.HasPrefix(raw, "'") && strings.HasSuffix(raw, "'") {
		return strings.TrimSuffix(strings.TrimPrefix(raw, "'"), "'"), nil
	}
	return raw, nil
}
