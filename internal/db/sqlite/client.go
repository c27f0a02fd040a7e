package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"sync"

	"github.com/iamwavecut/tool"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	migrate "github.com/rubenv/sql-migrate"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/iamwavecut/wardbot/internal/db"
	"github.com/iamwavecut/wardbot/resources"
)

type sqliteClient struct {
	db *sqlx.DB

	// modernc sqlite handles concurrent writers poorly; serialize write
	// paths here, which also realizes the per-entity exclusion the engine
	// relies on.
	mutex sync.RWMutex
}

func NewSQLiteClient(ctx context.Context, dir, name string) (*sqliteClient, error) {
	dbx, err := sqlx.Open("sqlite", filepath.Join(dir, name))
	if err != nil {
		return nil, errors.WithMessage(err, "cant open db")
	}
	dbx.SetMaxOpenConns(1)

	if _, err := dbx.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return nil, errors.WithMessage(err, "cant enable foreign keys")
	}

	migrationsSource := &migrate.EmbedFileSystemMigrationSource{
		FileSystem: resources.FS,
		Root:       "migrations",
	}
	n, err := migrate.Exec(dbx.DB, "sqlite3", migrationsSource, migrate.Up)
	if err != nil {
		return nil, errors.WithMessage(err, "migrate up failed")
	}
	if n > 0 {
		log.Infof("applied %d migrations!", n)
	}

	return &sqliteClient{db: dbx}, nil
}

func (c *sqliteClient) Close() error {
	return c.db.Close()
}

func (c *sqliteClient) GetSettings(ctx context.Context, chatID int64) (*db.Settings, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	res := &db.Settings{}
	err := c.db.GetContext(ctx, res, "SELECT id, enabled, log_channel_id, appeals_channel_id FROM settings WHERE id = ?", chatID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.WithMessage(err, "cant get settings")
	}
	return res, nil
}

func (c *sqliteClient) SetSettings(ctx context.Context, settings *db.Settings) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := `
		INSERT INTO settings (id, enabled, log_channel_id, appeals_channel_id)
		VALUES (:id, :enabled, :log_channel_id, :appeals_channel_id)
		ON CONFLICT(id) DO UPDATE SET
		enabled=excluded.enabled,
		log_channel_id=excluded.log_channel_id,
		appeals_channel_id=excluded.appeals_channel_id;
	`
	return tool.Err(c.db.NamedExecContext(ctx, query, settings))
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
