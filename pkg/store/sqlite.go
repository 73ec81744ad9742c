package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"mas/pkg/logx"
	"mas/pkg/proto"
)

// SQLite is the durable single-file backend. It implements both KV and
// DurableQueue.
type SQLite struct {
	db     *sql.DB
	logger *logx.Logger
}

// schemaVersion is the current schema; openSQLite applies incremental
// migrations up to it.
const schemaVersion = 2

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	// WAL with a busy timeout: one writer, readers never block it.
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", path,
	))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db, logger: logx.NewLogger("store:sqlite")}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	s.logger.Info("database ready: %s (schema v%d)", path, schemaVersion)
	return s, nil
}

func (s *SQLite) migrate() error {
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
	); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema_version: %w", err)
	}

	for v := version + 1; v <= schemaVersion; v++ {
		if err := s.applyMigration(v); err != nil {
			return fmt.Errorf("apply migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(`UPDATE schema_version SET version = ?`, v); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		s.logger.Info("applied schema migration %d", v)
	}
	return nil
}

func (s *SQLite) applyMigration(version int) error {
	var stmt string
	switch version {
	case 1:
		stmt = `CREATE TABLE kv (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)`
	case 2:
		stmt = `CREATE TABLE inbox (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id   TEXT NOT NULL,
			message_id TEXT NOT NULL,
			message    BLOB NOT NULL,
			UNIQUE (agent_id, message_id)
		)`
	default:
		return fmt.Errorf("unknown schema version %d", version)
	}
	_, err := s.db.Exec(stmt)
	return err
}

// Get returns the value for key or ErrNotFound.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Put upserts a value.
func (s *SQLite) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. Missing keys are not an error.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List returns the sorted keys under prefix.
func (s *SQLite) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE key GLOB ? ORDER BY key`, prefix+"*",
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return keys, nil
}

// Append adds an undelivered message to an agent's durable inbox.
func (s *SQLite) Append(ctx context.Context, agentID string, msg *proto.Message) error {
	data, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("serialize message %s: %w", msg.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO inbox (agent_id, message_id, message) VALUES (?, ?, ?)
		 ON CONFLICT(agent_id, message_id) DO NOTHING`,
		agentID, msg.ID, data,
	)
	if err != nil {
		return fmt.Errorf("append message %s: %w", msg.ID, err)
	}
	return nil
}

// Load returns an agent's durable inbox in append order.
func (s *SQLite) Load(ctx context.Context, agentID string) ([]*proto.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message FROM inbox WHERE agent_id = ? ORDER BY seq`, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("load inbox %s: %w", agentID, err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*proto.Message
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg, err := proto.MessageFromJSON(data)
		if err != nil {
			return nil, fmt.Errorf("parse message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load inbox %s: %w", agentID, err)
	}
	return msgs, nil
}

// Remove deletes one message from an agent's durable inbox.
func (s *SQLite) Remove(ctx context.Context, agentID, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM inbox WHERE agent_id = ? AND message_id = ?`, agentID, messageID,
	)
	if err != nil {
		return fmt.Errorf("remove message %s: %w", messageID, err)
	}
	return nil
}

// Clear drops an agent's durable inbox.
func (s *SQLite) Clear(ctx context.Context, agentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM inbox WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("clear inbox %s: %w", agentID, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
