package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteStateTableName   = "tasksync_state"
	sqliteStateKey         = "default"
	sqliteOperationTimeout = 5 * time.Second
)

// SQLiteStateBackend keeps the snapshot as one keyed row in a local SQLite
// database, for installs that want durable state without a server.
type SQLiteStateBackend struct {
	path   string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteStateBackend(path string) (StateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteStateBackend{
		path:   path,
		openDB: sql.Open,
	}, nil
}

func (b *SQLiteStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	var payload string
	err := b.db.QueryRowContext(ctx,
		"SELECT snapshot FROM "+sqliteStateTableName+" WHERE state_key = ?", sqliteStateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var record persistedState
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (b *SQLiteStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO `+sqliteStateTableName+` (state_key, snapshot, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		sqliteStateKey, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (b *SQLiteStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("sqlite", b.path)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
		defer cancel()
		_, err = db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS `+sqliteStateTableName+` (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`)
		if err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}
