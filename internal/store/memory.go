package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Remote with the same ordering and error semantics as SQLite. The
// CLI uses it for --store=memory and the engine tests use it as the remote.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	threads  map[string]Thread
	messages map[string]memMessage
	versions map[string]map[int]MessageVersion
	seq      int64
	closed   bool
}

type memMessage struct {
	Message
	seq int64
}

func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

func NewMemoryWithClock(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		now:      now,
		threads:  make(map[string]Thread),
		messages: make(map[string]memMessage),
		versions: make(map[string]map[int]MessageVersion),
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// begin locks the store and checks ctx and the closed flag.
func (m *Memory) begin(ctx context.Context, op string) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return classify(ctx, op, err)
		}
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return classify(ctx, op, errStoreClosed)
	}
	return nil
}

func copyThread(t Thread) Thread {
	if t.DeletedAt != nil {
		at := *t.DeletedAt
		t.DeletedAt = &at
	}
	return t
}

func copyMessage(msg Message) Message {
	msg.Files = append([]string{}, msg.Files...)
	return msg
}

func (m *Memory) ListThreads(ctx context.Context, userID string, offset, limit int) (ThreadPage, error) {
	const op = "store.list_threads"
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ThreadPage{}, invalid(op, "missing user_id")
	}
	if err := m.begin(ctx, op); err != nil {
		return ThreadPage{}, err
	}
	defer m.mu.Unlock()

	limit = clampLimit(limit, 20, 200)
	if offset < 0 {
		offset = 0
	}
	live := make([]Thread, 0, len(m.threads))
	for _, t := range m.threads {
		if t.UserID == userID && !t.Deleted() {
			live = append(live, copyThread(t))
		}
	}
	SortThreads(live)

	out := []Thread{}
	if offset < len(live) {
		end := offset + limit
		if end > len(live) {
			end = len(live)
		}
		out = append(out, live[offset:end]...)
	}
	return ThreadPage{Threads: out, Total: len(live)}, nil
}

// SortThreads orders threads pinned first, then by UpdatedAt descending, then by id.
func SortThreads(ts []Thread) {
	sort.SliceStable(ts, func(i, j int) bool { return ThreadLess(ts[i], ts[j]) })
}

func ThreadLess(a, b Thread) bool {
	if a.Pinned != b.Pinned {
		return a.Pinned
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID < b.ID
}

func (m *Memory) GetThread(ctx context.Context, userID, threadID string) (*Thread, error) {
	const op = "store.get_thread"
	userID = strings.TrimSpace(userID)
	threadID = strings.TrimSpace(threadID)
	if userID == "" || threadID == "" {
		return nil, invalid(op, "invalid request")
	}
	if err := m.begin(ctx, op); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	t, ok := m.threads[threadID]
	if !ok || t.UserID != userID || t.Deleted() {
		return nil, notFound(op, "thread")
	}
	out := copyThread(t)
	return &out, nil
}

func (m *Memory) CreateThread(ctx context.Context, t Thread) (*Thread, error) {
	const op = "store.create_thread"
	t = canonicalThread(t, m.now())
	if err := validateThread(op, t); err != nil {
		return nil, err
	}
	if err := m.begin(ctx, op); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	if _, exists := m.threads[t.ID]; exists {
		return nil, invalid(op, "thread already exists")
	}
	m.threads[t.ID] = t
	out := copyThread(t)
	return &out, nil
}

func (m *Memory) UpdateThread(ctx context.Context, userID, threadID string, patch ThreadPatch) (*Thread, error) {
	const op = "store.update_thread"
	userID = strings.TrimSpace(userID)
	threadID = strings.TrimSpace(threadID)
	if userID == "" || threadID == "" {
		return nil, invalid(op, "invalid request")
	}
	patch, err := validatePatch(op, patch)
	if err != nil {
		return nil, err
	}
	if err := m.begin(ctx, op); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	t, ok := m.threads[threadID]
	if !ok || t.UserID != userID || t.Deleted() {
		return nil, notFound(op, "thread")
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Pinned != nil {
		t.Pinned = *patch.Pinned
	}
	if patch.UpdatedAt != nil {
		t.UpdatedAt = fromUnixMs(unixMs(*patch.UpdatedAt))
	}
	m.threads[threadID] = t
	out := copyThread(t)
	return &out, nil
}

func (m *Memory) DeleteThread(ctx context.Context, userID, threadID string, at time.Time) error {
	const op = "store.delete_thread"
	userID = strings.TrimSpace(userID)
	threadID = strings.TrimSpace(threadID)
	if userID == "" || threadID == "" {
		return invalid(op, "invalid request")
	}
	if err := m.begin(ctx, op); err != nil {
		return err
	}
	defer m.mu.Unlock()

	t, ok := m.threads[threadID]
	if !ok || t.UserID != userID || t.Deleted() {
		return notFound(op, "thread")
	}
	if at.IsZero() {
		at = m.now()
	}
	at = fromUnixMs(unixMs(at))
	t.DeletedAt = &at
	m.threads[threadID] = t

	for id, msg := range m.messages {
		if msg.ThreadID == threadID && msg.UserID == userID {
			delete(m.messages, id)
			delete(m.versions, id)
		}
	}
	return nil
}

func (m *Memory) ListMessages(ctx context.Context, userID, threadID string, offset, limit int) (MessagePage, error) {
	const op = "store.list_messages"
	userID = strings.TrimSpace(userID)
	threadID = strings.TrimSpace(threadID)
	if userID == "" || threadID == "" {
		return MessagePage{}, invalid(op, "invalid request")
	}
	if err := m.begin(ctx, op); err != nil {
		return MessagePage{}, err
	}
	defer m.mu.Unlock()

	limit = clampLimit(limit, 25, 500)
	if offset < 0 {
		offset = 0
	}
	all := make([]memMessage, 0, 16)
	for _, msg := range m.messages {
		if msg.ThreadID == threadID && msg.UserID == userID {
			all = append(all, msg)
		}
	}
	// Newest first.
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].seq > all[j].seq
	})

	out := []Message{}
	if offset < len(all) {
		end := offset + limit
		if end > len(all) {
			end = len(all)
		}
		for _, msg := range all[offset:end] {
			out = append(out, copyMessage(msg.Message))
		}
	}
	return MessagePage{Messages: out, Total: len(all)}, nil
}

func (m *Memory) InsertMessage(ctx context.Context, msg Message) (*Message, error) {
	const op = "store.insert_message"
	msg = canonicalMessage(msg, m.now())
	if err := validateMessage(op, msg); err != nil {
		return nil, err
	}
	if err := m.begin(ctx, op); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	t, ok := m.threads[msg.ThreadID]
	if !ok || t.UserID != msg.UserID || t.Deleted() {
		return nil, notFound(op, "thread")
	}
	if existing, ok := m.messages[msg.ID]; ok {
		if existing.ThreadID != msg.ThreadID {
			return nil, invalid(op, "message id already used in another thread")
		}
		out := copyMessage(existing.Message)
		return &out, nil
	}
	m.seq++
	m.messages[msg.ID] = memMessage{Message: copyMessage(msg), seq: m.seq}
	out := copyMessage(msg)
	return &out, nil
}

func (m *Memory) UpdateMessage(ctx context.Context, msg Message) (*Message, error) {
	const op = "store.update_message"
	msg.ID = strings.TrimSpace(msg.ID)
	msg.UserID = strings.TrimSpace(msg.UserID)
	if msg.ID == "" || msg.UserID == "" {
		return nil, invalid(op, "invalid message")
	}
	if msg.VersionCount < 1 {
		return nil, invalid(op, "version_count must be >= 1")
	}
	if err := m.begin(ctx, op); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	cur, ok := m.messages[msg.ID]
	if !ok || cur.UserID != msg.UserID {
		return nil, notFound(op, "message")
	}
	cur.Content = msg.Content
	cur.Files = canonicalMessage(Message{Files: msg.Files}, time.Time{}).Files
	cur.VersionCount = msg.VersionCount
	m.messages[msg.ID] = cur
	out := copyMessage(cur.Message)
	return &out, nil
}

func (m *Memory) PutVersion(ctx context.Context, userID string, v MessageVersion) error {
	const op = "store.put_version"
	userID = strings.TrimSpace(userID)
	v.MessageID = strings.TrimSpace(v.MessageID)
	if userID == "" || v.MessageID == "" || v.Number < 1 {
		return invalid(op, "invalid version")
	}
	if v.CreatedBy == "" {
		v.CreatedBy = AuthorSystem
	}
	if err := m.begin(ctx, op); err != nil {
		return err
	}
	defer m.mu.Unlock()

	msg, ok := m.messages[v.MessageID]
	if !ok || msg.UserID != userID {
		return notFound(op, "message")
	}
	byNumber := m.versions[v.MessageID]
	if byNumber == nil {
		byNumber = make(map[int]MessageVersion)
		m.versions[v.MessageID] = byNumber
	}
	if prev, ok := byNumber[v.Number]; ok {
		// Upsert keeps the original creation time.
		v.CreatedAt = prev.CreatedAt
	} else if v.CreatedAt.IsZero() {
		v.CreatedAt = m.now()
	}
	v.CreatedAt = fromUnixMs(unixMs(v.CreatedAt))
	byNumber[v.Number] = v
	return nil
}

func (m *Memory) GetVersion(ctx context.Context, userID, messageID string, number int) (*MessageVersion, error) {
	const op = "store.get_version"
	userID = strings.TrimSpace(userID)
	messageID = strings.TrimSpace(messageID)
	if userID == "" || messageID == "" || number < 1 {
		return nil, invalid(op, "invalid request")
	}
	if err := m.begin(ctx, op); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok || msg.UserID != userID {
		return nil, notFound(op, "version")
	}
	v, ok := m.versions[messageID][number]
	if !ok {
		return nil, notFound(op, "version")
	}
	return &v, nil
}

func (m *Memory) ListVersions(ctx context.Context, userID, messageID string) ([]MessageVersion, error) {
	const op = "store.list_versions"
	userID = strings.TrimSpace(userID)
	messageID = strings.TrimSpace(messageID)
	if userID == "" || messageID == "" {
		return nil, invalid(op, "invalid request")
	}
	if err := m.begin(ctx, op); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	out := []MessageVersion{}
	msg, ok := m.messages[messageID]
	if !ok || msg.UserID != userID {
		return out, nil
	}
	for _, v := range m.versions[messageID] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

var _ Remote = (*Memory)(nil)
