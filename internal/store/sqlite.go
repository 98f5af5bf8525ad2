package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a local SQLite-backed Remote.
//
// WAL is enabled so readers (the CLI listing threads) do not block the writer.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

type SQLiteOption func(*sqliteOptions)

type sqliteOptions struct {
	skipMigrations bool
	now            func() time.Time
}

// SkipMigrations opens the database as-is, for stores provisioned by another process.
func SkipMigrations() SQLiteOption {
	return func(o *sqliteOptions) { o.skipMigrations = true }
}

// WithClock overrides the clock used for server-assigned timestamps.
func WithClock(now func() time.Time) SQLiteOption {
	return func(o *sqliteOptions) { o.now = now }
}

func OpenSQLite(path string, opts ...SQLiteOption) (*SQLite, error) {
	o := sqliteOptions{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("missing db path")
	}
	p = filepath.Clean(p)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db, !o.skipMigrations); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLite{db: db, now: o.now}, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) ready() error {
	if s == nil || s.db == nil {
		return errStoreClosed
	}
	return nil
}

const threadColumns = `id, user_id, title, pinned, created_at_unix_ms, updated_at_unix_ms, deleted_at_unix_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(r rowScanner) (Thread, error) {
	var t Thread
	var pinned int
	var created, updated int64
	var deleted sql.NullInt64
	if err := r.Scan(&t.ID, &t.UserID, &t.Title, &pinned, &created, &updated, &deleted); err != nil {
		return Thread{}, err
	}
	t.Pinned = pinned != 0
	t.CreatedAt = fromUnixMs(created)
	t.UpdatedAt = fromUnixMs(updated)
	if deleted.Valid && deleted.Int64 > 0 {
		at := fromUnixMs(deleted.Int64)
		t.DeletedAt = &at
	}
	return t, nil
}

func (s *SQLite) ListThreads(ctx context.Context, userID string, offset, limit int) (ThreadPage, error) {
	const op = "store.list_threads"
	if err := s.ready(); err != nil {
		return ThreadPage{}, classify(ctx, op, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ThreadPage{}, invalid(op, "missing user_id")
	}
	limit = clampLimit(limit, 20, 200)
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1)
FROM threads
WHERE user_id = ? AND deleted_at_unix_ms IS NULL
`, userID).Scan(&total); err != nil {
		if missingTable(err) {
			return ThreadPage{Threads: []Thread{}}, nil
		}
		return ThreadPage{}, classify(ctx, op, err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT `+threadColumns+`
FROM threads
WHERE user_id = ? AND deleted_at_unix_ms IS NULL
ORDER BY pinned DESC, updated_at_unix_ms DESC, id ASC
LIMIT ? OFFSET ?
`, userID, limit, offset)
	if err != nil {
		return ThreadPage{}, classify(ctx, op, err)
	}
	defer rows.Close()

	out := make([]Thread, 0, limit)
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return ThreadPage{}, classify(ctx, op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return ThreadPage{}, classify(ctx, op, err)
	}
	return ThreadPage{Threads: out, Total: total}, nil
}

func (s *SQLite) GetThread(ctx context.Context, userID, threadID string) (*Thread, error) {
	const op = "store.get_thread"
	if err := s.ready(); err != nil {
		return nil, classify(ctx, op, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	threadID = strings.TrimSpace(threadID)
	if userID == "" || threadID == "" {
		return nil, invalid(op, "invalid request")
	}

	t, err := scanThread(s.db.QueryRowContext(ctx, `
SELECT `+threadColumns+`
FROM threads
WHERE user_id = ? AND id = ? AND deleted_at_unix_ms IS NULL
`, userID, threadID))
	if err != nil {
		if missingTable(err) {
			return nil, notFound(op, "thread")
		}
		return nil, classify(ctx, op, err)
	}
	return &t, nil
}

func (s *SQLite) CreateThread(ctx context.Context, t Thread) (*Thread, error) {
	const op = "store.create_thread"
	if err := s.ready(); err != nil {
		return nil, classify(ctx, op, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t = canonicalThread(t, s.now())
	if err := validateThread(op, t); err != nil {
		return nil, err
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO threads(id, user_id, title, pinned, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?)
`, t.ID, t.UserID, t.Title, boolInt(t.Pinned), unixMs(t.CreatedAt), unixMs(t.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, invalid(op, "thread already exists")
		}
		return nil, classify(ctx, op, err)
	}
	return &t, nil
}

func (s *SQLite) UpdateThread(ctx context.Context, userID, threadID string, patch ThreadPatch) (*Thread, error) {
	const op = "store.update_thread"
	if err := s.ready(); err != nil {
		return nil, classify(ctx, op, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	threadID = strings.TrimSpace(threadID)
	if userID == "" || threadID == "" {
		return nil, invalid(op, "invalid request")
	}
	patch, err := validatePatch(op, patch)
	if err != nil {
		return nil, err
	}

	sets := make([]string, 0, 3)
	args := make([]any, 0, 5)
	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Pinned != nil {
		sets = append(sets, "pinned = ?")
		args = append(args, boolInt(*patch.Pinned))
	}
	if patch.UpdatedAt != nil {
		sets = append(sets, "updated_at_unix_ms = ?")
		args = append(args, unixMs(*patch.UpdatedAt))
	}
	args = append(args, userID, threadID)

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE threads
SET %s
WHERE user_id = ? AND id = ? AND deleted_at_unix_ms IS NULL
`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return nil, classify(ctx, op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, notFound(op, "thread")
	}
	return s.GetThread(ctx, userID, threadID)
}

func (s *SQLite) DeleteThread(ctx context.Context, userID, threadID string, at time.Time) error {
	const op = "store.delete_thread"
	if err := s.ready(); err != nil {
		return classify(ctx, op, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	threadID = strings.TrimSpace(threadID)
	if userID == "" || threadID == "" {
		return invalid(op, "invalid request")
	}
	if at.IsZero() {
		at = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(ctx, op, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE threads
SET deleted_at_unix_ms = ?
WHERE user_id = ? AND id = ? AND deleted_at_unix_ms IS NULL
`, unixMs(at), userID, threadID)
	if err != nil {
		return classify(ctx, op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(op, "thread")
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM message_versions
WHERE message_id IN (SELECT id FROM messages WHERE user_id = ? AND thread_id = ?)
`, userID, threadID); err != nil {
		return classify(ctx, op, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE user_id = ? AND thread_id = ?`, userID, threadID); err != nil {
		return classify(ctx, op, err)
	}
	if err := tx.Commit(); err != nil {
		return classify(ctx, op, err)
	}
	return nil
}

const messageColumns = `id, thread_id, user_id, role, content, files_json, version_count, created_at_unix_ms`

func scanMessage(r rowScanner) (Message, error) {
	var m Message
	var role, filesJSON string
	var created int64
	if err := r.Scan(&m.ID, &m.ThreadID, &m.UserID, &role, &m.Content, &filesJSON, &m.VersionCount, &created); err != nil {
		return Message{}, err
	}
	m.Role = Role(role)
	m.CreatedAt = fromUnixMs(created)
	m.Files = decodeFiles(filesJSON)
	return m, nil
}

// ListMessages returns a page of messages newest first, ordered by creation time and then
// insertion sequence.
func (s *SQLite) ListMessages(ctx context.Context, userID, threadID string, offset, limit int) (MessagePage, error) {
	const op = "store.list_messages"
	if err := s.ready(); err != nil {
		return MessagePage{}, classify(ctx, op, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	threadID = strings.TrimSpace(threadID)
	if userID == "" || threadID == "" {
		return MessagePage{}, invalid(op, "invalid request")
	}
	limit = clampLimit(limit, 25, 500)
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1)
FROM messages
WHERE user_id = ? AND thread_id = ?
`, userID, threadID).Scan(&total); err != nil {
		if missingTable(err) {
			return MessagePage{Messages: []Message{}}, nil
		}
		return MessagePage{}, classify(ctx, op, err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE user_id = ? AND thread_id = ?
ORDER BY created_at_unix_ms DESC, seq DESC
LIMIT ? OFFSET ?
`, userID, threadID, limit, offset)
	if err != nil {
		return MessagePage{}, classify(ctx, op, err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return MessagePage{}, classify(ctx, op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return MessagePage{}, classify(ctx, op, err)
	}
	return MessagePage{Messages: out, Total: total}, nil
}

func (s *SQLite) getMessage(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, userID, messageID string) (Message, error) {
	return scanMessage(q.QueryRowContext(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE user_id = ? AND id = ?
`, userID, messageID))
}

func (s *SQLite) InsertMessage(ctx context.Context, m Message) (*Message, error) {
	const op = "store.insert_message"
	if err := s.ready(); err != nil {
		return nil, classify(ctx, op, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m = canonicalMessage(m, s.now())
	if err := validateMessage(op, m); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(ctx, op, err)
	}
	defer func() { _ = tx.Rollback() }()

	// Ensure the thread exists, belongs to the user and is live.
	var live int
	if err := tx.QueryRowContext(ctx, `
SELECT COUNT(1)
FROM threads
WHERE user_id = ? AND id = ? AND deleted_at_unix_ms IS NULL
`, m.UserID, m.ThreadID).Scan(&live); err != nil {
		return nil, classify(ctx, op, err)
	}
	if live == 0 {
		return nil, notFound(op, "thread")
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO messages(id, thread_id, user_id, role, content, files_json, version_count, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING
`, m.ID, m.ThreadID, m.UserID, string(m.Role), m.Content, encodeFiles(m.Files), m.VersionCount, unixMs(m.CreatedAt))
	if err != nil {
		return nil, classify(ctx, op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.getMessage(ctx, tx, m.UserID, m.ID)
		if err != nil {
			return nil, classify(ctx, op, err)
		}
		if existing.ThreadID != m.ThreadID {
			return nil, invalid(op, "message id already used in another thread")
		}
		return &existing, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(ctx, op, err)
	}
	return &m, nil
}

func (s *SQLite) UpdateMessage(ctx context.Context, m Message) (*Message, error) {
	const op = "store.update_message"
	if err := s.ready(); err != nil {
		return nil, classify(ctx, op, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.ID = strings.TrimSpace(m.ID)
	m.UserID = strings.TrimSpace(m.UserID)
	if m.ID == "" || m.UserID == "" {
		return nil, invalid(op, "invalid message")
	}
	if m.VersionCount < 1 {
		return nil, invalid(op, "version_count must be >= 1")
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE messages
SET content = ?, files_json = ?, version_count = ?
WHERE user_id = ? AND id = ?
`, m.Content, encodeFiles(m.Files), m.VersionCount, m.UserID, m.ID)
	if err != nil {
		return nil, classify(ctx, op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, notFound(op, "message")
	}
	out, err := s.getMessage(ctx, s.db, m.UserID, m.ID)
	if err != nil {
		return nil, classify(ctx, op, err)
	}
	return &out, nil
}

func (s *SQLite) PutVersion(ctx context.Context, userID string, v MessageVersion) error {
	const op = "store.put_version"
	if err := s.ready(); err != nil {
		return classify(ctx, op, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	v.MessageID = strings.TrimSpace(v.MessageID)
	if userID == "" || v.MessageID == "" || v.Number < 1 {
		return invalid(op, "invalid version")
	}
	if v.CreatedBy == "" {
		v.CreatedBy = AuthorSystem
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now()
	}

	var owned int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE user_id = ? AND id = ?`, userID, v.MessageID).Scan(&owned); err != nil {
		return classify(ctx, op, err)
	}
	if owned == 0 {
		return notFound(op, "message")
	}

	if _, err := s.db.ExecContext(ctx, `
INSERT INTO message_versions(message_id, version_number, content, created_by, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(message_id, version_number) DO UPDATE SET
  content = excluded.content,
  created_by = excluded.created_by
`, v.MessageID, v.Number, v.Content, string(v.CreatedBy), unixMs(v.CreatedAt)); err != nil {
		return classify(ctx, op, err)
	}
	return nil
}

func (s *SQLite) GetVersion(ctx context.Context, userID, messageID string, number int) (*MessageVersion, error) {
	const op = "store.get_version"
	if err := s.ready(); err != nil {
		return nil, classify(ctx, op, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	messageID = strings.TrimSpace(messageID)
	if userID == "" || messageID == "" || number < 1 {
		return nil, invalid(op, "invalid request")
	}

	var v MessageVersion
	var createdBy string
	var created int64
	err := s.db.QueryRowContext(ctx, `
SELECT v.message_id, v.version_number, v.content, v.created_by, v.created_at_unix_ms
FROM message_versions v
JOIN messages m ON m.id = v.message_id
WHERE m.user_id = ? AND v.message_id = ? AND v.version_number = ?
`, userID, messageID, number).Scan(&v.MessageID, &v.Number, &v.Content, &createdBy, &created)
	if err != nil {
		if missingTable(err) {
			return nil, notFound(op, "version")
		}
		return nil, classify(ctx, op, err)
	}
	v.CreatedBy = VersionAuthor(createdBy)
	v.CreatedAt = fromUnixMs(created)
	return &v, nil
}

func (s *SQLite) ListVersions(ctx context.Context, userID, messageID string) ([]MessageVersion, error) {
	const op = "store.list_versions"
	if err := s.ready(); err != nil {
		return nil, classify(ctx, op, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	messageID = strings.TrimSpace(messageID)
	if userID == "" || messageID == "" {
		return nil, invalid(op, "invalid request")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT v.message_id, v.version_number, v.content, v.created_by, v.created_at_unix_ms
FROM message_versions v
JOIN messages m ON m.id = v.message_id
WHERE m.user_id = ? AND v.message_id = ?
ORDER BY v.version_number ASC
`, userID, messageID)
	if err != nil {
		if missingTable(err) {
			return []MessageVersion{}, nil
		}
		return nil, classify(ctx, op, err)
	}
	defer rows.Close()

	out := make([]MessageVersion, 0, 4)
	for rows.Next() {
		var v MessageVersion
		var createdBy string
		var created int64
		if err := rows.Scan(&v.MessageID, &v.Number, &v.Content, &createdBy, &created); err != nil {
			return nil, classify(ctx, op, err)
		}
		v.CreatedBy = VersionAuthor(createdBy)
		v.CreatedAt = fromUnixMs(created)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(ctx, op, err)
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeFiles(files []string) string {
	if len(files) == 0 {
		return "[]"
	}
	b, err := json.Marshal(files)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeFiles(raw string) []string {
	out := []string{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func initSchema(db *sql.DB, migrate bool) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if !migrate {
		return nil
	}
	return migrateSchema(db)
}

// schemaVersion 1 had no pinning, soft delete or attachments; version 2 adds them.
const schemaVersion = 2

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS threads (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  pinned INTEGER NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  deleted_at_unix_ms INTEGER
);
CREATE TABLE IF NOT EXISTS messages (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  thread_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL DEFAULT '',
  files_json TEXT NOT NULL DEFAULT '[]',
  version_count INTEGER NOT NULL DEFAULT 1 CHECK (version_count >= 1),
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread_created ON messages(user_id, thread_id, created_at_unix_ms, seq);
CREATE TABLE IF NOT EXISTS message_versions (
  message_id TEXT NOT NULL,
  version_number INTEGER NOT NULL,
  content TEXT NOT NULL DEFAULT '',
  created_by TEXT NOT NULL DEFAULT 'system',
  created_at_unix_ms INTEGER NOT NULL,
  PRIMARY KEY(message_id, version_number)
);
`); err != nil {
		return err
	}

	// Upgrade version 1 tables in place.
	for _, col := range []struct{ table, name, ddl string }{
		{"threads", "pinned", `ALTER TABLE threads ADD COLUMN pinned INTEGER NOT NULL DEFAULT 0`},
		{"threads", "deleted_at_unix_ms", `ALTER TABLE threads ADD COLUMN deleted_at_unix_ms INTEGER`},
		{"messages", "files_json", `ALTER TABLE messages ADD COLUMN files_json TEXT NOT NULL DEFAULT '[]'`},
	} {
		has, err := columnExists(tx, col.table, col.name)
		if err != nil {
			return err
		}
		if !has {
			if _, err := tx.Exec(col.ddl); err != nil {
				return err
			}
		}
	}

	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_threads_user_order ON threads(user_id, pinned DESC, updated_at_unix_ms DESC, id ASC);`); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func columnExists(tx *sql.Tx, tableName string, colName string) (bool, error) {
	tableName = strings.TrimSpace(tableName)
	colName = strings.TrimSpace(colName)
	if tableName == "" || colName == "" {
		return false, errors.New("invalid table/column")
	}

	rows, err := tx.Query(`PRAGMA table_info(` + tableName + `)`)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name string
		var ctype string
		var notNull int
		var defaultValue sql.NullString
		var primaryKey int
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &defaultValue, &primaryKey); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), colName) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return false, nil
}

var _ Remote = (*SQLite)(nil)
