// Package auditlog keeps a local JSONL journal of thread and message mutations.
package auditlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultMaxBytes   = int64(4 << 20)
	defaultMaxBackups = 3

	defaultListLimit = 200
	maxListLimit     = 1000

	activeName    = "journal.jsonl"
	rotatedPrefix = "journal-"
	rotatedSuffix = ".jsonl"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Actions recorded by the engine.
const (
	ActionThreadCreated  = "thread_created"
	ActionThreadDeleted  = "thread_deleted"
	ActionMessageSaved   = "message_saved"
	ActionMessageFailed  = "message_failed"
	ActionMessageAborted = "message_cancelled"
)

type Entry struct {
	CreatedAt time.Time `json:"created_at"`
	Action    string    `json:"action"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`

	UserID    string `json:"user_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`

	// Detail holds small action-specific values. Never message content.
	Detail map[string]any `json:"detail,omitempty"`
}

type Options struct {
	// Dir holds the journal files. Created if missing.
	Dir string
	// MaxBytes is the rotation threshold of the active file.
	MaxBytes int64
	// MaxBackups is how many rotated files are kept.
	MaxBackups int
	Logger     *zerolog.Logger
	Clock      func() time.Time
}

type Store struct {
	log        zerolog.Logger
	now        func() time.Time
	dir        string
	activePath string
	maxBytes   int64
	maxBackups int

	mu sync.Mutex
}

func New(opts Options) (*Store, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, errors.New("missing audit dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	s := &Store{
		log:        zerolog.Nop(),
		now:        time.Now,
		dir:        dir,
		activePath: filepath.Join(dir, activeName),
		maxBytes:   opts.MaxBytes,
		maxBackups: opts.MaxBackups,
	}
	if opts.Logger != nil {
		s.log = *opts.Logger
	}
	if opts.Clock != nil {
		s.now = opts.Clock
	}
	if s.maxBytes <= 0 {
		s.maxBytes = defaultMaxBytes
	}
	if s.maxBackups <= 0 {
		s.maxBackups = defaultMaxBackups
	}
	f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	_ = f.Close()
	return s, nil
}

// Dir is where the journal lives.
func (s *Store) Dir() string {
	if s == nil {
		return ""
	}
	return s.dir
}

// Append writes e to the active file. Failures are logged, never returned: the journal must not
// block the mutation it describes. A nil store drops everything.
func (s *Store) Append(e Entry) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	if strings.TrimSpace(e.Status) == "" {
		e.Status = StatusSuccess
	}

	f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.log.Warn().Err(err).Msg("audit append failed")
		return
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	err = enc.Encode(&e)
	_ = f.Close()
	if err != nil {
		s.log.Warn().Err(err).Str("action", e.Action).Msg("audit encode failed")
		return
	}
	s.rotateLocked()
}

// List returns up to limit entries, newest first, across the active and rotated files.
func (s *Store) List(limit int) ([]Entry, error) {
	if s == nil {
		return nil, nil
	}
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}

	s.mu.Lock()
	files := append([]string{s.activePath}, s.rotatedLocked(true)...)
	s.mu.Unlock()

	out := make([]Entry, 0, limit)
	for _, path := range files {
		if len(out) >= limit {
			break
		}
		entries, err := readNewestFirst(path, limit-len(out))
		if err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("audit read failed")
			continue
		}
		out = append(out, entries...)
	}
	return out, nil
}

// rotatedLocked lists rotated files, newest first when newest is set.
func (s *Store) rotatedLocked(newest bool) []string {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if strings.HasPrefix(name, rotatedPrefix) && strings.HasSuffix(name, rotatedSuffix) {
			names = append(names, name)
		}
	}
	// Zero-padded nanosecond stamps sort lexicographically.
	sort.Strings(names)
	if newest {
		for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
			names[i], names[j] = names[j], names[i]
		}
	}
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(s.dir, n)
	}
	return paths
}

func (s *Store) rotateLocked() {
	st, err := os.Stat(s.activePath)
	if err != nil || st.Size() <= s.maxBytes {
		return
	}
	dst := filepath.Join(s.dir, fmt.Sprintf("%s%020d%s", rotatedPrefix, s.now().UnixNano(), rotatedSuffix))
	if err := os.Rename(s.activePath, dst); err != nil {
		s.log.Warn().Err(err).Msg("audit rotate failed")
		return
	}
	if f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600); err == nil {
		_ = f.Close()
	}
	old := s.rotatedLocked(false)
	if len(old) <= s.maxBackups {
		return
	}
	for _, p := range old[:len(old)-s.maxBackups] {
		_ = os.Remove(p)
	}
}

func readNewestFirst(path string, limit int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var entries []Entry
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if json.Unmarshal([]byte(line), &e) != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
