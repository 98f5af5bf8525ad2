package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Remote backed by a hosted PostgreSQL database. Tables may be provisioned by
// Migrate or by the hosting service; until they exist every read returns an empty result.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("missing postgres dsn")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool, now: time.Now}, nil
}

func (p *Postgres) Close() error {
	if p == nil || p.pool == nil {
		return nil
	}
	p.pool.Close()
	return nil
}

func (p *Postgres) ready() error {
	if p == nil || p.pool == nil {
		return errStoreClosed
	}
	return nil
}

// Exec runs a statement outside the Remote contract, for provisioning.
func (p *Postgres) Exec(ctx context.Context, sql string, args ...any) error {
	if err := p.ready(); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, sql, args...)
	return err
}

// Migrate creates the tables and indexes if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if err := p.ready(); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS threads (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  pinned BOOLEAN NOT NULL DEFAULT FALSE,
  created_at_unix_ms BIGINT NOT NULL,
  updated_at_unix_ms BIGINT NOT NULL,
  deleted_at_unix_ms BIGINT
);
CREATE INDEX IF NOT EXISTS idx_threads_user_order ON threads(user_id, pinned DESC, updated_at_unix_ms DESC, id ASC);
CREATE TABLE IF NOT EXISTS messages (
  seq BIGSERIAL PRIMARY KEY,
  id TEXT NOT NULL UNIQUE,
  thread_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL DEFAULT '',
  files_json TEXT NOT NULL DEFAULT '[]',
  version_count INTEGER NOT NULL DEFAULT 1 CHECK (version_count >= 1),
  created_at_unix_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread_created ON messages(user_id, thread_id, created_at_unix_ms, seq);
CREATE TABLE IF NOT EXISTS message_versions (
  message_id TEXT NOT NULL,
  version_number INTEGER NOT NULL,
  content TEXT NOT NULL DEFAULT '',
  created_by TEXT NOT NULL DEFAULT 'system',
  created_at_unix_ms BIGINT NOT NULL,
  PRIMARY KEY(message_id, version_number)
);
`)
	return err
}

func scanPgThread(r pgx.Row) (Thread, error) {
	var t Thread
	var created, updated int64
	var deleted *int64
	if err := r.Scan(&t.ID, &t.UserID, &t.Title, &t.Pinned, &created, &updated, &deleted); err != nil {
		return Thread{}, err
	}
	t.CreatedAt = fromUnixMs(created)
	t.UpdatedAt = fromUnixMs(updated)
	if deleted != nil && *deleted > 0 {
		at := fromUnixMs(*deleted)
		t.DeletedAt = &at
	}
	return t, nil
}

func scanPgMessage(r pgx.Row) (Message, error) {
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

func (p *Postgres) ListThreads(ctx context.Context, userID string, offset, limit int) (ThreadPage, error) {
	const op = "store.list_threads"
	if err := p.ready(); err != nil {
		return ThreadPage{}, classify(ctx, op, err)
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
	if err := p.pool.QueryRow(ctx, `
SELECT COUNT(1) FROM threads WHERE user_id = $1 AND deleted_at_unix_ms IS NULL
`, userID).Scan(&total); err != nil {
		if missingTable(err) {
			return ThreadPage{Threads: []Thread{}}, nil
		}
		return ThreadPage{}, classify(ctx, op, err)
	}

	rows, err := p.pool.Query(ctx, `
SELECT `+threadColumns+`
FROM threads
WHERE user_id = $1 AND deleted_at_unix_ms IS NULL
ORDER BY pinned DESC, updated_at_unix_ms DESC, id ASC
LIMIT $2 OFFSET $3
`, userID, limit, offset)
	if err != nil {
		return ThreadPage{}, classify(ctx, op, err)
	}
	defer rows.Close()

	out := make([]Thread, 0, limit)
	for rows.Next() {
		t, err := scanPgThread(rows)
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

func (p *Postgres) GetThread(ctx context.Context, userID, threadID string) (*Thread, error) {
	const op = "store.get_thread"
	if err := p.ready(); err != nil {
		return nil, classify(ctx, op, err)
	}
	userID = strings.TrimSpace(userID)
	threadID = strings.TrimSpace(threadID)
	if userID == "" || threadID == "" {
		return nil, invalid(op, "invalid request")
	}
	t, err := scanPgThread(p.pool.QueryRow(ctx, `
SELECT `+threadColumns+`
FROM threads
WHERE user_id = $1 AND id = $2 AND deleted_at_unix_ms IS NULL
`, userID, threadID))
	if err != nil {
		if missingTable(err) {
			return nil, notFound(op, "thread")
		}
		return nil, classify(ctx, op, err)
	}
	return &t, nil
}

func (p *Postgres) CreateThread(ctx context.Context, t Thread) (*Thread, error) {
	const op = "store.create_thread"
	if err := p.ready(); err != nil {
		return nil, classify(ctx, op, err)
	}
	t = canonicalThread(t, p.now())
	if err := validateThread(op, t); err != nil {
		return nil, err
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO threads(id, user_id, title, pinned, created_at_unix_ms, updated_at_unix_ms)
VALUES($1, $2, $3, $4, $5, $6)
`, t.ID, t.UserID, t.Title, t.Pinned, unixMs(t.CreatedAt), unixMs(t.UpdatedAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, invalid(op, "thread already exists")
		}
		return nil, classify(ctx, op, err)
	}
	return &t, nil
}

func (p *Postgres) UpdateThread(ctx context.Context, userID, threadID string, patch ThreadPatch) (*Thread, error) {
	const op = "store.update_thread"
	if err := p.ready(); err != nil {
		return nil, classify(ctx, op, err)
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
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.Pinned != nil {
		add("pinned", *patch.Pinned)
	}
	if patch.UpdatedAt != nil {
		add("updated_at_unix_ms", unixMs(*patch.UpdatedAt))
	}
	args = append(args, userID, threadID)

	t, err := scanPgThread(p.pool.QueryRow(ctx, fmt.Sprintf(`
UPDATE threads
SET %s
WHERE user_id = $%d AND id = $%d AND deleted_at_unix_ms IS NULL
RETURNING `+threadColumns, strings.Join(sets, ", "), len(args)-1, len(args)), args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || missingTable(err) {
			return nil, notFound(op, "thread")
		}
		return nil, classify(ctx, op, err)
	}
	return &t, nil
}

func (p *Postgres) DeleteThread(ctx context.Context, userID, threadID string, at time.Time) error {
	const op = "store.delete_thread"
	if err := p.ready(); err != nil {
		return classify(ctx, op, err)
	}
	userID = strings.TrimSpace(userID)
	threadID = strings.TrimSpace(threadID)
	if userID == "" || threadID == "" {
		return invalid(op, "invalid request")
	}
	if at.IsZero() {
		at = p.now()
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return classify(ctx, op, err)
	}
	// Rollback after a successful Commit returns pgx.ErrTxClosed.
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
UPDATE threads SET deleted_at_unix_ms = $1
WHERE user_id = $2 AND id = $3 AND deleted_at_unix_ms IS NULL
`, unixMs(at), userID, threadID)
	if err != nil {
		return classify(ctx, op, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(op, "thread")
	}
	if _, err := tx.Exec(ctx, `
DELETE FROM message_versions
WHERE message_id IN (SELECT id FROM messages WHERE user_id = $1 AND thread_id = $2)
`, userID, threadID); err != nil {
		return classify(ctx, op, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE user_id = $1 AND thread_id = $2`, userID, threadID); err != nil {
		return classify(ctx, op, err)
	}
	return classify(ctx, op, tx.Commit(ctx))
}

func (p *Postgres) ListMessages(ctx context.Context, userID, threadID string, offset, limit int) (MessagePage, error) {
	const op = "store.list_messages"
	if err := p.ready(); err != nil {
		return MessagePage{}, classify(ctx, op, err)
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
	if err := p.pool.QueryRow(ctx, `
SELECT COUNT(1) FROM messages WHERE user_id = $1 AND thread_id = $2
`, userID, threadID).Scan(&total); err != nil {
		if missingTable(err) {
			return MessagePage{Messages: []Message{}}, nil
		}
		return MessagePage{}, classify(ctx, op, err)
	}

	rows, err := p.pool.Query(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE user_id = $1 AND thread_id = $2
ORDER BY created_at_unix_ms DESC, seq DESC
LIMIT $3 OFFSET $4
`, userID, threadID, limit, offset)
	if err != nil {
		return MessagePage{}, classify(ctx, op, err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		m, err := scanPgMessage(rows)
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

func (p *Postgres) InsertMessage(ctx context.Context, m Message) (*Message, error) {
	const op = "store.insert_message"
	if err := p.ready(); err != nil {
		return nil, classify(ctx, op, err)
	}
	m = canonicalMessage(m, p.now())
	if err := validateMessage(op, m); err != nil {
		return nil, err
	}

	var live int
	if err := p.pool.QueryRow(ctx, `
SELECT COUNT(1) FROM threads WHERE user_id = $1 AND id = $2 AND deleted_at_unix_ms IS NULL
`, m.UserID, m.ThreadID).Scan(&live); err != nil {
		if missingTable(err) {
			return nil, notFound(op, "thread")
		}
		return nil, classify(ctx, op, err)
	}
	if live == 0 {
		return nil, notFound(op, "thread")
	}

	tag, err := p.pool.Exec(ctx, `
INSERT INTO messages(id, thread_id, user_id, role, content, files_json, version_count, created_at_unix_ms)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT(id) DO NOTHING
`, m.ID, m.ThreadID, m.UserID, string(m.Role), m.Content, encodeFiles(m.Files), m.VersionCount, unixMs(m.CreatedAt))
	if err != nil {
		return nil, classify(ctx, op, err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := p.getMessage(ctx, m.UserID, m.ID)
		if err != nil {
			return nil, classify(ctx, op, err)
		}
		if existing.ThreadID != m.ThreadID {
			return nil, invalid(op, "message id already used in another thread")
		}
		return &existing, nil
	}
	return &m, nil
}

func (p *Postgres) getMessage(ctx context.Context, userID, messageID string) (Message, error) {
	return scanPgMessage(p.pool.QueryRow(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE user_id = $1 AND id = $2
`, userID, messageID))
}

func (p *Postgres) UpdateMessage(ctx context.Context, m Message) (*Message, error) {
	const op = "store.update_message"
	if err := p.ready(); err != nil {
		return nil, classify(ctx, op, err)
	}
	m.ID = strings.TrimSpace(m.ID)
	m.UserID = strings.TrimSpace(m.UserID)
	if m.ID == "" || m.UserID == "" {
		return nil, invalid(op, "invalid message")
	}
	if m.VersionCount < 1 {
		return nil, invalid(op, "version_count must be >= 1")
	}
	out, err := scanPgMessage(p.pool.QueryRow(ctx, `
UPDATE messages
SET content = $1, files_json = $2, version_count = $3
WHERE user_id = $4 AND id = $5
RETURNING `+messageColumns, m.Content, encodeFiles(m.Files), m.VersionCount, m.UserID, m.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || missingTable(err) {
			return nil, notFound(op, "message")
		}
		return nil, classify(ctx, op, err)
	}
	return &out, nil
}

func (p *Postgres) PutVersion(ctx context.Context, userID string, v MessageVersion) error {
	const op = "store.put_version"
	if err := p.ready(); err != nil {
		return classify(ctx, op, err)
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
		v.CreatedAt = p.now()
	}

	tag, err := p.pool.Exec(ctx, `
INSERT INTO message_versions(message_id, version_number, content, created_by, created_at_unix_ms)
SELECT $1, $2, $3, $4, $5
WHERE EXISTS (SELECT 1 FROM messages WHERE user_id = $6 AND id = $1)
ON CONFLICT(message_id, version_number) DO UPDATE SET
  content = excluded.content,
  created_by = excluded.created_by
`, v.MessageID, v.Number, v.Content, string(v.CreatedBy), unixMs(v.CreatedAt), userID)
	if err != nil {
		return classify(ctx, op, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(op, "message")
	}
	return nil
}

func (p *Postgres) GetVersion(ctx context.Context, userID, messageID string, number int) (*MessageVersion, error) {
	const op = "store.get_version"
	if err := p.ready(); err != nil {
		return nil, classify(ctx, op, err)
	}
	userID = strings.TrimSpace(userID)
	messageID = strings.TrimSpace(messageID)
	if userID == "" || messageID == "" || number < 1 {
		return nil, invalid(op, "invalid request")
	}
	var v MessageVersion
	var createdBy string
	var created int64
	err := p.pool.QueryRow(ctx, `
SELECT v.message_id, v.version_number, v.content, v.created_by, v.created_at_unix_ms
FROM message_versions v
JOIN messages m ON m.id = v.message_id
WHERE m.user_id = $1 AND v.message_id = $2 AND v.version_number = $3
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

func (p *Postgres) ListVersions(ctx context.Context, userID, messageID string) ([]MessageVersion, error) {
	const op = "store.list_versions"
	if err := p.ready(); err != nil {
		return nil, classify(ctx, op, err)
	}
	userID = strings.TrimSpace(userID)
	messageID = strings.TrimSpace(messageID)
	if userID == "" || messageID == "" {
		return nil, invalid(op, "invalid request")
	}
	rows, err := p.pool.Query(ctx, `
SELECT v.message_id, v.version_number, v.content, v.created_by, v.created_at_unix_ms
FROM message_versions v
JOIN messages m ON m.id = v.message_id
WHERE m.user_id = $1 AND v.message_id = $2
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
		if missingTable(err) {
			return []MessageVersion{}, nil
		}
		return nil, classify(ctx, op, err)
	}
	return out, nil
}

var _ Remote = (*Postgres)(nil)
