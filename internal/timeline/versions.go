package timeline

import (
	"context"
	"errors"
	"strings"

	"github.com/floegence/threadsync/internal/apperr"
	"github.com/floegence/threadsync/internal/optrack"
	"github.com/floegence/threadsync/internal/store"
)

func authorOf(role store.Role) store.VersionAuthor {
	if role == store.RoleUser {
		return store.AuthorUser
	}
	return store.AuthorSystem
}

// settled returns a persisted message that no operation is working on.
func (t *Timeline) settled(op string, id string) (Entry, error) {
	e, ok := t.entry(strings.TrimSpace(id))
	if !ok {
		return Entry{}, apperr.Errorf(apperr.KindNotFound, op, "message %s not loaded", id)
	}
	if !e.Saved {
		return Entry{}, apperr.Errorf(apperr.KindInvalid, op, "message %s is not saved yet", id)
	}
	if e.State.InFlight() {
		return Entry{}, apperr.E(apperr.KindBusy, op, optrack.ErrPending)
	}
	return e, nil
}

// snapshotLatest stores the live content as version VersionCount unless an older version is
// displayed, in which case the latest is already stored.
func (t *Timeline) snapshotLatest(ctx context.Context, op string, uid string, e Entry) error {
	if e.DisplayedVersion != e.VersionCount {
		return nil
	}
	return t.call(ctx, op, func(ctx context.Context, _ int) error {
		return t.remote.PutVersion(ctx, uid, store.MessageVersion{
			MessageID: e.ID,
			Number:    e.VersionCount,
			Content:   e.Content,
			CreatedBy: authorOf(e.Role),
			CreatedAt: e.CreatedAt,
		})
	})
}

// restore puts back the message as it was before a failed version operation.
func (t *Timeline) restore(before Entry, tok *optrack.Token, err error) {
	t.update(before.ID, func(e *Entry) bool {
		e.Content = before.Content
		e.VersionCount = before.VersionCount
		e.DisplayedVersion = before.DisplayedVersion
		e.State, e.Err = StateFailed, err
		if tok.Cancelled() || apperr.IsCancelled(err) {
			e.State, e.Err = StateCancelled, nil
		}
		return true
	})
}

// abandon restores before after a version operation stopped early. A cancellation is not an
// error: the restored entry comes back in the cancelled state.
func (t *Timeline) abandon(before Entry, tok *optrack.Token, err error) (*Entry, error) {
	t.restore(before, tok, err)
	if !tok.Cancelled() && !apperr.IsCancelled(err) {
		return nil, err
	}
	out, ok := t.entry(before.ID)
	if !ok {
		out = before
		out.State, out.Err = StateCancelled, nil
	}
	return &out, nil
}

// RegenerateResponse produces a new version of an assistant reply. The current content is
// kept as version N and the new reply becomes version N+1. On failure the previous content
// is restored. A cancelled regeneration returns the restored entry and a nil error.
func (t *Timeline) RegenerateResponse(ctx context.Context, id string) (*Entry, error) {
	const op = "timeline.regenerate"
	uid, err := userID(ctx, op)
	if err != nil {
		return nil, err
	}
	before, err := t.settled(op, id)
	if err != nil {
		return nil, err
	}
	if before.Role != store.RoleAssistant {
		return nil, apperr.Errorf(apperr.KindInvalid, op, "only assistant replies can be regenerated")
	}
	userMsgID := before.ReplyTo
	if userMsgID == "" {
		userMsgID = t.precedingUser(before.ID)
	}
	userMsg, ok := t.entry(userMsgID)
	if userMsgID == "" || !ok {
		return nil, apperr.Errorf(apperr.KindNotFound, op, "no user message before %s", id)
	}

	tok, err := t.tracker.Begin(ctx, before.ID, groupOf(before.ThreadID))
	if err != nil {
		return nil, err
	}
	defer t.tracker.End(tok)

	if err := t.snapshotLatest(tok.Context(), op, uid, before); err != nil {
		return t.abandon(before, tok, err)
	}
	text, err := t.generate(tok, before.ID, t.history(before.ThreadID, userMsgID), userMsg.Content)
	if err != nil {
		return t.abandon(before, tok, err)
	}

	next := before.Message
	next.Content = text
	next.VersionCount = before.VersionCount + 1
	saved, err := t.commitVersion(tok, op, uid, next, store.AuthorSystem)
	if err != nil {
		return t.abandon(before, tok, err)
	}
	t.markSaved(*saved, saved.VersionCount)
	out, _ := t.entry(before.ID)
	return &out, nil
}

// commitVersion stores next.Content as version next.VersionCount and updates the message row.
func (t *Timeline) commitVersion(tok *optrack.Token, op string, uid string, next store.Message, author store.VersionAuthor) (*store.Message, error) {
	var saved *store.Message
	err := t.call(tok.Context(), op, func(ctx context.Context, _ int) error {
		if err := t.remote.PutVersion(ctx, uid, store.MessageVersion{
			MessageID: next.ID,
			Number:    next.VersionCount,
			Content:   next.Content,
			CreatedBy: author,
			CreatedAt: t.now().UTC(),
		}); err != nil {
			return err
		}
		var err error
		saved, err = t.remote.UpdateMessage(ctx, next)
		return err
	})
	return saved, err
}

// EditMessage replaces the content of a saved message with a new version. The new content is
// shown immediately and rolled back if the write fails.
func (t *Timeline) EditMessage(ctx context.Context, id string, content string) (*Entry, error) {
	const op = "timeline.edit"
	uid, err := userID(ctx, op)
	if err != nil {
		return nil, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperr.Errorf(apperr.KindInvalid, op, "empty content")
	}
	before, err := t.settled(op, id)
	if err != nil {
		return nil, err
	}
	if content == before.Content {
		return &before, nil
	}

	tok, err := t.tracker.Begin(ctx, before.ID, groupOf(before.ThreadID))
	if err != nil {
		return nil, err
	}
	defer t.tracker.End(tok)

	next := before.Message
	next.Content = content
	next.VersionCount = before.VersionCount + 1
	t.update(before.ID, func(e *Entry) bool {
		e.Content = next.Content
		e.VersionCount = next.VersionCount
		e.DisplayedVersion = next.VersionCount
		e.State, e.Err = StatePending, nil
		return true
	})

	if err := t.snapshotLatest(tok.Context(), op, uid, before); err != nil {
		return t.abandon(before, tok, err)
	}
	saved, err := t.commitVersion(tok, op, uid, next, store.AuthorUser)
	if err != nil {
		return t.abandon(before, tok, err)
	}
	t.markSaved(*saved, saved.VersionCount)
	out, _ := t.entry(before.ID)
	return &out, nil
}

// SwitchMessageVersion displays version n of a message. Nothing is written: the message keeps
// its version count and the choice is local.
func (t *Timeline) SwitchMessageVersion(ctx context.Context, id string, n int) (*Entry, error) {
	const op = "timeline.switch_version"
	uid, err := userID(ctx, op)
	if err != nil {
		return nil, err
	}
	e, err := t.settled(op, id)
	if err != nil {
		return nil, err
	}
	if n < 1 || n > e.VersionCount {
		return nil, apperr.Errorf(apperr.KindNotFound, op, "message %s has no version %d", id, n)
	}
	if n == e.DisplayedVersion {
		return &e, nil
	}

	tok, err := t.tracker.Begin(ctx, e.ID, groupOf(e.ThreadID))
	if err != nil {
		return nil, err
	}
	defer t.tracker.End(tok)

	var v *store.MessageVersion
	err = t.call(tok.Context(), op, func(ctx context.Context, _ int) error {
		var err error
		v, err = t.remote.GetVersion(ctx, uid, e.ID, n)
		return err
	})
	if err != nil {
		return nil, err
	}
	if tok.Cancelled() {
		return nil, errCancelled(op)
	}
	out, ok := t.update(e.ID, func(cur *Entry) bool {
		cur.Content = v.Content
		cur.DisplayedVersion = n
		return true
	})
	if !ok {
		return nil, apperr.Errorf(apperr.KindNotFound, op, "message %s not loaded", id)
	}
	return &out, nil
}

// ListVersions returns every stored version of a message, oldest first. A message that was
// never edited or regenerated reports its content as version 1.
func (t *Timeline) ListVersions(ctx context.Context, id string) ([]store.MessageVersion, error) {
	const op = "timeline.list_versions"
	uid, err := userID(ctx, op)
	if err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	var out []store.MessageVersion
	err = t.call(ctx, op, func(ctx context.Context, _ int) error {
		var err error
		out, err = t.remote.ListVersions(ctx, uid, id)
		return err
	})
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	if len(out) == 0 {
		e, ok := t.entry(id)
		if !ok {
			return nil, apperr.Errorf(apperr.KindNotFound, op, "message %s not found", id)
		}
		out = []store.MessageVersion{{
			MessageID: e.ID,
			Number:    1,
			Content:   e.Content,
			CreatedBy: authorOf(e.Role),
			CreatedAt: e.CreatedAt,
		}}
	}
	return out, nil
}
