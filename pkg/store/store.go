package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

// ArchiveFileName is the SQLite file inside the store directory.
const ArchiveFileName = "archive.db"

// Store is the only writer of the archive. Writes are serialized with a
// mutex and each logical write is one transaction; reads go straight to the
// connection pool and only see committed data (WAL).
type Store struct {
	db         *dbutil.Database
	dir        string
	path       string
	readOnly   bool
	ftsEnabled bool
	log        zerolog.Logger

	writeLock sync.Mutex
}

// Open opens or creates the archive in dir. An existing file that SQLite
// can't read is reported as *CorruptStoreError and never replaced.
func Open(ctx context.Context, dir string, log zerolog.Logger) (*Store, error) {
	return open(ctx, dir, false, log)
}

// OpenReadOnly opens an existing archive for queries. It doesn't need the
// store lock.
func OpenReadOnly(ctx context.Context, dir string, log zerolog.Logger) (*Store, error) {
	return open(ctx, dir, true, log)
}

func open(ctx context.Context, dir string, readOnly bool, log zerolog.Logger) (*Store, error) {
	path := filepath.Join(dir, ArchiveFileName)
	exists := false
	if st, err := os.Stat(path); err == nil {
		if st.IsDir() {
			return nil, &CorruptStoreError{Path: path, Err: errors.New("archive path is a directory")}
		}
		exists = st.Size() > 0
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, &CorruptStoreError{Path: path, Err: err}
	} else if readOnly {
		return nil, &NotFoundError{Kind: "store", Key: path}
	} else if err = os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	rawDB, err := sql.Open(driverName, dataSourceName(path, readOnly))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	db, err := dbutil.NewWithDB(rawDB, "sqlite3")
	if err != nil {
		_ = rawDB.Close()
		return nil, fmt.Errorf("failed to wrap archive database: %w", err)
	}
	s := &Store{
		db:       db,
		dir:      dir,
		path:     path,
		readOnly: readOnly,
		log:      log.With().Str("component", "store").Logger(),
	}

	if exists {
		if err = s.checkIntegrity(ctx); err != nil {
			_ = rawDB.Close()
			return nil, &CorruptStoreError{Path: path, Err: err}
		}
	}
	if readOnly {
		s.ftsEnabled = s.checkFTS(ctx)
		return s, nil
	}
	if err = s.ensureSchema(ctx); err != nil {
		_ = rawDB.Close()
		if exists {
			return nil, &CorruptStoreError{Path: path, Err: err}
		}
		return nil, err
	}
	return s, nil
}

func (s *Store) checkIntegrity(ctx context.Context) error {
	var result string
	if err := s.db.QueryRow(ctx, `PRAGMA quick_check`).Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) Path() string {
	return s.path
}

// FTSEnabled reports whether text search uses the FTS5 index. Without it
// searches fall back to LIKE matching over the same fields.
func (s *Store) FTSEnabled() bool {
	return s.ftsEnabled
}

func (s *Store) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS store_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT 'unknown',
			last_message_ts BIGINT NOT NULL DEFAULT 0,
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS topics (
			channel_id INTEGER NOT NULL,
			topic_id INTEGER NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (channel_id, topic_id)
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			user_id INTEGER PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			alias TEXT NOT NULL DEFAULT '',
			tag TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT '',
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			rowid INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id INTEGER NOT NULL,
			message_id INTEGER NOT NULL,
			sender_id INTEGER NOT NULL DEFAULT 0,
			sender_name TEXT NOT NULL DEFAULT '',
			topic_id INTEGER,
			ts BIGINT NOT NULL,
			edit_ts BIGINT,
			text TEXT NOT NULL DEFAULT '',
			display_text TEXT NOT NULL DEFAULT '',
			media_type TEXT NOT NULL DEFAULT '',
			media_filename TEXT NOT NULL DEFAULT '',
			media_mime TEXT NOT NULL DEFAULT '',
			media_size BIGINT NOT NULL DEFAULT 0,
			media_path TEXT NOT NULL DEFAULT '',
			media_width INTEGER NOT NULL DEFAULT 0,
			media_height INTEGER NOT NULL DEFAULT 0,
			source TEXT NOT NULL,
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL,
			UNIQUE (channel_id, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS links (
			channel_id INTEGER NOT NULL,
			message_id INTEGER NOT NULL,
			url TEXT NOT NULL,
			domain TEXT NOT NULL,
			PRIMARY KEY (channel_id, message_id, url)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_ref TEXT NOT NULL,
			channel_id INTEGER,
			min_date_ts BIGINT,
			state TEXT NOT NULL,
			anchor_message_id INTEGER,
			anchor_ts BIGINT,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_run_ts BIGINT NOT NULL DEFAULT 0,
			fetched BIGINT NOT NULL DEFAULT 0,
			last_error TEXT,
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS sync_jobs_chat_ref_idx ON sync_jobs (chat_ref)`,
		`CREATE INDEX IF NOT EXISTS sync_jobs_state_idx ON sync_jobs (state, id)`,
		`CREATE INDEX IF NOT EXISTS messages_ts_idx ON messages (ts, rowid)`,
		`CREATE INDEX IF NOT EXISTS messages_channel_ts_idx ON messages (channel_id, ts, message_id)`,
		`CREATE INDEX IF NOT EXISTS messages_sender_idx ON messages (sender_id)`,
		`CREATE INDEX IF NOT EXISTS links_domain_idx ON links (domain)`,
		`CREATE INDEX IF NOT EXISTS channels_username_idx ON channels (username)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure archive schema: %w", err)
		}
	}

	// Migration: media dimensions were added after the first release.
	for _, col := range []string{"media_width", "media_height"} {
		var has int
		if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM pragma_table_info('messages') WHERE name=$1`, col).Scan(&has); err != nil {
			return fmt.Errorf("failed to inspect messages columns: %w", err)
		}
		if has == 0 {
			if _, err := s.db.Exec(ctx, `ALTER TABLE messages ADD COLUMN `+col+` INTEGER NOT NULL DEFAULT 0`); err != nil {
				return fmt.Errorf("failed to add %s column: %w", col, err)
			}
		}
	}

	return s.ensureFTS(ctx)
}

func (s *Store) ensureFTS(ctx context.Context) error {
	var existed int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE name='messages_fts'`).Scan(&existed); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
		text, display_text, channel_name, sender_name, topic_title, filename, domains,
		tokenize='unicode61 remove_diacritics 2'
	)`)
	if err == nil && existed > 0 {
		// The table exists but might have been created by a build without
		// the fts5 module, in which case queries against it fail.
		s.ftsEnabled = s.checkFTS(ctx)
	} else {
		s.ftsEnabled = err == nil
	}
	if !s.ftsEnabled {
		s.log.Warn().Err(err).Msg("SQLite build has no FTS5 support, text search falls back to LIKE matching")
		if existed > 0 {
			return s.setMeta(ctx, "fts_stale", "1")
		}
		return nil
	}

	stale, _ := s.getMeta(ctx, "fts_stale")
	if existed == 0 || stale == "1" {
		var count int
		if err = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
			return err
		}
		if count > 0 || stale == "1" {
			s.log.Info().Int("messages", count).Msg("Rebuilding full-text index")
			if err = s.withTx(ctx, func(ctx context.Context) error {
				if _, err := s.db.Exec(ctx, `DELETE FROM messages_fts`); err != nil {
					return err
				}
				return s.refreshFTS(ctx, `1=1`)
			}); err != nil {
				return fmt.Errorf("failed to rebuild full-text index: %w", err)
			}
		}
		if stale == "1" {
			return s.setMeta(ctx, "fts_stale", "0")
		}
	}
	return nil
}

func (s *Store) checkFTS(ctx context.Context) bool {
	rows, err := s.db.Query(ctx, `SELECT rowid FROM messages_fts LIMIT 1`)
	if err != nil {
		return false
	}
	_ = rows.Close()
	return true
}

func (s *Store) getMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRow(ctx, `SELECT value FROM store_meta WHERE key=$1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	return s.exec(ctx, `
		INSERT INTO store_meta (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value=excluded.value
	`, key, value)
}

// withTx runs fn in a write transaction while holding the store's write lock.
// Queries in fn must go through s.db with the ctx fn receives.
func (s *Store) withTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.readOnly {
		return ErrReadOnly
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	return s.db.DoTxn(ctx, nil, fn)
}

// exec runs a single write statement under the write lock.
func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	if s.readOnly {
		return ErrReadOnly
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	_, err := s.db.Exec(ctx, query, args...)
	return err
}

func nullableInt64(value *int64) any {
	if value == nil {
		return nil
	}
	return *value
}
