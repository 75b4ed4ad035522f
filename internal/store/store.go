package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Message is one durable chat exchange: the visitor's text and the bot's
// reply, keyed by a content hash so replays collapse into a single row.
type Message struct {
	ID             string
	ChatID         string
	VisitorMessage string
	BotResponse    string
	AgentEmail     string
	CopyCount      int
	MessageHash    string
	CreatedAt      time.Time
}

// Store persists chat messages in sqlite.
type Store struct {
	db *sql.DB
}

// Open prepares a store handle without touching the database. Call Init
// before first use; keeping the connectivity check out of construction lets
// the caller decide when startup blocking is acceptable.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: db path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

// Init verifies connectivity and applies the schema. It is the explicit
// startup health check.
func (s *Store) Init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("store: enable wal: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS chat_messages(
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			visitor_message TEXT NOT NULL,
			bot_response TEXT NOT NULL,
			agent_email TEXT NOT NULL,
			copy_count INTEGER NOT NULL DEFAULT 0,
			message_hash TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		);`); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Hash derives the content digest used as the row's idempotency key.
func Hash(chatID, visitorMessage, botResponse string) string {
	sum := sha256.Sum256([]byte(chatID + "|" + visitorMessage + "|" + botResponse))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// SaveMessage inserts the message unless a row with the same content hash
// already exists. Storing a duplicate is a successful no-op; the hash is
// returned either way so the caller can reference the row.
func (s *Store) SaveMessage(ctx context.Context, chatID, visitorMessage, botResponse, agentEmail string) (string, error) {
	hash := Hash(chatID, visitorMessage, botResponse)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO chat_messages(
			id, chat_id, visitor_message, bot_response, agent_email,
			copy_count, message_hash, created_at
		) VALUES(?, ?, ?, ?, ?, 0, ?, ?)
	`, uuid.NewString(), chatID, visitorMessage, botResponse, agentEmail,
		hash, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("store: save message: %w", err)
	}
	return hash, nil
}

// IncrementCopyCount bumps the copy counter for a stored message. An unknown
// hash affects no rows and is not an error.
func (s *Store) IncrementCopyCount(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_messages
		SET copy_count = copy_count + 1
		WHERE message_hash = ?
	`, hash)
	if err != nil {
		return fmt.Errorf("store: increment copy count: %w", err)
	}
	return nil
}

// MessagesByChat returns the chat's stored exchanges in insertion order.
func (s *Store) MessagesByChat(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, visitor_message, bot_response, agent_email,
			copy_count, message_hash, created_at
		FROM chat_messages
		WHERE chat_id = ?
		ORDER BY created_at ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var msg Message
		var createdAtRaw string
		if err := rows.Scan(
			&msg.ID, &msg.ChatID, &msg.VisitorMessage, &msg.BotResponse,
			&msg.AgentEmail, &msg.CopyCount, &msg.MessageHash, &createdAtRaw,
		); err != nil {
			return nil, err
		}
		createdAt, err := time.Parse(time.RFC3339Nano, createdAtRaw)
		if err != nil {
			return nil, fmt.Errorf("store: parse created_at: %w", err)
		}
		msg.CreatedAt = createdAt
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
