// Package storetest provides fault injection and a shared behavior suite for store.Remote
// implementations.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/floegence/threadsync/internal/apperr"
	"github.com/floegence/threadsync/internal/store"
)

// Method names accepted by Faulty.
const (
	ListThreads   = "ListThreads"
	GetThread     = "GetThread"
	CreateThread  = "CreateThread"
	UpdateThread  = "UpdateThread"
	DeleteThread  = "DeleteThread"
	ListMessages  = "ListMessages"
	InsertMessage = "InsertMessage"
	UpdateMessage = "UpdateMessage"
	PutVersion    = "PutVersion"
	GetVersion    = "GetVersion"
	ListVersions  = "ListVersions"
)

// ErrInjected is the default failure injected by FailNext/FailAlways.
var ErrInjected = apperr.Errorf(apperr.KindRemote, "storetest", "injected failure")

// Faulty wraps a store.Remote and lets tests fail, delay or block individual methods. It also
// counts calls per method.
type Faulty struct {
	inner store.Remote

	mu     sync.Mutex
	queued map[string][]error
	sticky map[string]error
	delay  map[string]time.Duration
	gates  map[string]chan struct{}
	calls  map[string]int
}

func Wrap(inner store.Remote) *Faulty {
	return &Faulty{
		inner:  inner,
		queued: make(map[string][]error),
		sticky: make(map[string]error),
		delay:  make(map[string]time.Duration),
		gates:  make(map[string]chan struct{}),
		calls:  make(map[string]int),
	}
}

// FailNext makes the next len(errs) calls of method fail with errs in order. A nil entry
// means ErrInjected.
func (f *Faulty) FailNext(method string, errs ...error) {
	if len(errs) == 0 {
		errs = []error{ErrInjected}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, err := range errs {
		if err == nil {
			err = ErrInjected
		}
		f.queued[method] = append(f.queued[method], err)
	}
}

// FailAlways makes every call of method fail until Heal.
func (f *Faulty) FailAlways(method string, err error) {
	if err == nil {
		err = ErrInjected
	}
	f.mu.Lock()
	f.sticky[method] = err
	f.mu.Unlock()
}

func (f *Faulty) Heal(method string) {
	f.mu.Lock()
	delete(f.sticky, method)
	delete(f.queued, method)
	f.mu.Unlock()
}

// Delay makes calls of method sleep for d (or until their context ends) before running.
func (f *Faulty) Delay(method string, d time.Duration) {
	f.mu.Lock()
	f.delay[method] = d
	f.mu.Unlock()
}

// Gate blocks calls of method until the returned release func is called or the call's
// context ends. Release is idempotent.
func (f *Faulty) Gate(method string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[method] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.gates[method] == ch {
				delete(f.gates, method)
			}
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *Faulty) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *Faulty) enter(ctx context.Context, method string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f.mu.Lock()
	f.calls[method]++
	gate := f.gates[method]
	d := f.delay[method]
	var injected error
	if q := f.queued[method]; len(q) > 0 {
		injected = q[0]
		f.queued[method] = q[1:]
	} else if err, ok := f.sticky[method]; ok {
		injected = err
	}
	f.mu.Unlock()

	op := "storetest." + method
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return apperr.FromContext(ctx, op, ctx.Err())
		}
	}
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return apperr.FromContext(ctx, op, ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return apperr.FromContext(ctx, op, err)
	}
	return injected
}

func (f *Faulty) ListThreads(ctx context.Context, userID string, offset, limit int) (store.ThreadPage, error) {
	if err := f.enter(ctx, ListThreads); err != nil {
		return store.ThreadPage{}, err
	}
	return f.inner.ListThreads(ctx, userID, offset, limit)
}

func (f *Faulty) GetThread(ctx context.Context, userID, threadID string) (*store.Thread, error) {
	if err := f.enter(ctx, GetThread); err != nil {
		return nil, err
	}
	return f.inner.GetThread(ctx, userID, threadID)
}

func (f *Faulty) CreateThread(ctx context.Context, t store.Thread) (*store.Thread, error) {
	if err := f.enter(ctx, CreateThread); err != nil {
		return nil, err
	}
	return f.inner.CreateThread(ctx, t)
}

func (f *Faulty) UpdateThread(ctx context.Context, userID, threadID string, patch store.ThreadPatch) (*store.Thread, error) {
	if err := f.enter(ctx, UpdateThread); err != nil {
		return nil, err
	}
	return f.inner.UpdateThread(ctx, userID, threadID, patch)
}

func (f *Faulty) DeleteThread(ctx context.Context, userID, threadID string, at time.Time) error {
	if err := f.enter(ctx, DeleteThread); err != nil {
		return err
	}
	return f.inner.DeleteThread(ctx, userID, threadID, at)
}

func (f *Faulty) ListMessages(ctx context.Context, userID, threadID string, offset, limit int) (store.MessagePage, error) {
	if err := f.enter(ctx, ListMessages); err != nil {
		return store.MessagePage{}, err
	}
	return f.inner.ListMessages(ctx, userID, threadID, offset, limit)
}

func (f *Faulty) InsertMessage(ctx context.Context, m store.Message) (*store.Message, error) {
	if err := f.enter(ctx, InsertMessage); err != nil {
		return nil, err
	}
	return f.inner.InsertMessage(ctx, m)
}

func (f *Faulty) UpdateMessage(ctx context.Context, m store.Message) (*store.Message, error) {
	if err := f.enter(ctx, UpdateMessage); err != nil {
		return nil, err
	}
	return f.inner.UpdateMessage(ctx, m)
}

func (f *Faulty) PutVersion(ctx context.Context, userID string, v store.MessageVersion) error {
	if err := f.enter(ctx, PutVersion); err != nil {
		return err
	}
	return f.inner.PutVersion(ctx, userID, v)
}

func (f *Faulty) GetVersion(ctx context.Context, userID, messageID string, number int) (*store.MessageVersion, error) {
	if err := f.enter(ctx, GetVersion); err != nil {
		return nil, err
	}
	return f.inner.GetVersion(ctx, userID, messageID, number)
}

func (f *Faulty) ListVersions(ctx context.Context, userID, messageID string) ([]store.MessageVersion, error) {
	if err := f.enter(ctx, ListVersions); err != nil {
		return nil, err
	}
	return f.inner.ListVersions(ctx, userID, messageID)
}

func (f *Faulty) Close() error {
	return f.inner.Close()
}

var _ store.Remote = (*Faulty)(nil)
