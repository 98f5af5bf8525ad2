package timeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/floegence/threadsync/internal/apperr"
	"github.com/floegence/threadsync/internal/augment"
	"github.com/floegence/threadsync/internal/gen"
	"github.com/floegence/threadsync/internal/optrack"
	"github.com/floegence/threadsync/internal/retry"
	"github.com/floegence/threadsync/internal/session"
	"github.com/floegence/threadsync/internal/store"
	"github.com/floegence/threadsync/internal/threads"
)

const titleSystem = "Write a short title (at most six words) for the conversation below. " +
	"Reply with the title only, no quotes or punctuation at the end."

type SendRequest struct {
	Content string
	Files   []string
	// ContextID selects the thread to post into; empty means the displayed thread, creating
	// one when there is none.
	ContextID       string
	IsSystemMessage bool
	SkipAIResponse  bool
	// ForceSearch augments the prompt without asking the classifier.
	ForceSearch bool
}

type SendResult struct {
	ThreadID        string
	User            Entry
	Assistant       *Entry
	SearchPerformed bool
	Search          *augment.Result
	// Cancelled is set when the user cancelled; it is not an error.
	Cancelled bool
}

// SendMessage appends a user message optimistically, persists it, and (unless skipped) streams
// and persists the assistant reply. Cancellation leaves whatever was streamed so far with
// StateCancelled and returns no error.
func (t *Timeline) SendMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	const op = "timeline.send"
	uid, err := userID(ctx, op)
	if err != nil {
		return nil, err
	}
	content := strings.TrimSpace(req.Content)
	if content == "" && len(req.Files) == 0 {
		return nil, apperr.Errorf(apperr.KindInvalid, op, "empty message")
	}
	threadID, err := t.resolveThread(ctx, req.ContextID)
	if err != nil {
		return nil, err
	}

	role := store.RoleUser
	if req.IsSystemMessage {
		role = store.RoleSystem
	}
	user := &Entry{
		Message: store.Message{
			ID:           t.newID(),
			ThreadID:     threadID,
			UserID:       uid,
			Role:         role,
			Content:      content,
			Files:        append([]string(nil), req.Files...),
			VersionCount: 1,
			CreatedAt:    t.stamp(),
		},
		State:            StatePending,
		DisplayedVersion: 1,
	}
	t.appendEntry(threadID, user)

	res := &SendResult{ThreadID: threadID}
	err = t.persist(ctx, user.ID)
	res.User, _ = t.entry(user.ID)
	if err != nil {
		if apperr.IsCancelled(err) {
			res.Cancelled = true
			return res, nil
		}
		return res, err
	}
	if req.SkipAIResponse || req.IsSystemMessage {
		return res, nil
	}
	return t.reply(ctx, res, user.ID, "", req.ForceSearch)
}

// resolveThread returns the thread a message goes to, making it the displayed one.
func (t *Timeline) resolveThread(ctx context.Context, contextID string) (string, error) {
	if id := strings.TrimSpace(contextID); id != "" {
		if t.ActiveThreadID() == id {
			return id, nil
		}
		if _, err := t.threads.SelectThread(ctx, id); err != nil {
			return "", err
		}
		if _, err := t.Activate(ctx, id); err != nil {
			return "", err
		}
		return id, nil
	}
	if id := t.ActiveThreadID(); id != "" {
		return id, nil
	}
	if id := t.threads.CurrentID(); id != "" {
		if _, err := t.Activate(ctx, id); err != nil {
			return "", err
		}
		return id, nil
	}
	th, err := t.threads.CreateThread(ctx, "")
	if err != nil {
		return "", err
	}
	prev, updates := t.switchTo(th.ID, true)
	if prev != "" && prev != th.ID {
		t.tracker.CancelGroup(groupOf(prev))
	}
	t.emit(updates...)
	return th.ID, nil
}

// persist inserts the local message id remotely. Inserts are idempotent on id so retries are
// safe.
func (t *Timeline) persist(ctx context.Context, id string) error {
	const op = "timeline.persist"
	msg, ok := t.entry(id)
	if !ok {
		return apperr.Errorf(apperr.KindNotFound, op, "message %s not loaded", id)
	}
	tok, err := t.tracker.Begin(ctx, id, groupOf(msg.ThreadID))
	if err != nil {
		return err
	}
	defer t.tracker.End(tok)
	if cur, _ := t.entry(id); cur.State == StateCancelled {
		return errCancelled(op)
	}

	var saved *store.Message
	err = t.call(tok.Context(), op, func(ctx context.Context, _ int) error {
		var err error
		saved, err = t.remote.InsertMessage(ctx, msg.Message)
		return err
	}, retry.OnRetry(func(a retry.Attempt) {
		t.setState(id, StateRetrying, a.Err)
	}))
	if err != nil {
		if tok.Cancelled() || apperr.IsCancelled(err) {
			t.settle(id, StateCancelled, nil)
			return errCancelled(op)
		}
		t.settle(id, StateFailed, err)
		return err
	}
	t.markSaved(*saved, 0)
	t.touch(ctx, saved.ThreadID, saved.CreatedAt)
	return nil
}

// reply streams an answer to the user message userMsgID into assistantID, creating the
// assistant entry when assistantID is empty.
func (t *Timeline) reply(ctx context.Context, res *SendResult, userMsgID string, assistantID string, forceSearch bool) (*SendResult, error) {
	const op = "timeline.reply"
	userMsg, ok := t.entry(userMsgID)
	if !ok {
		return res, apperr.Errorf(apperr.KindNotFound, op, "message %s not loaded", userMsgID)
	}
	threadID := userMsg.ThreadID
	rerun := assistantID != ""
	if !rerun {
		asst := &Entry{
			Message: store.Message{
				ID:           t.newID(),
				ThreadID:     threadID,
				UserID:       userMsg.UserID,
				Role:         store.RoleAssistant,
				VersionCount: 1,
				CreatedAt:    t.stamp(),
			},
			State:            StatePending,
			DisplayedVersion: 1,
			ReplyTo:          userMsgID,
		}
		t.appendEntry(threadID, asst)
		assistantID = asst.ID
	}
	t.mu.Lock()
	t.replies[userMsgID] = assistantID
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.replies, userMsgID)
		t.mu.Unlock()
	}()

	finish := func(err error) (*SendResult, error) {
		asst, _ := t.entry(assistantID)
		res.Assistant = &asst
		if err == nil {
			return res, nil
		}
		if apperr.IsCancelled(err) {
			res.Cancelled = true
			return res, nil
		}
		return res, err
	}

	tok, err := t.tracker.Begin(ctx, assistantID, groupOf(threadID))
	if err != nil {
		t.settle(assistantID, StateFailed, err)
		return finish(err)
	}
	defer t.tracker.End(tok)
	if rerun {
		t.update(assistantID, func(e *Entry) bool {
			e.State, e.Err, e.Content = StatePending, nil, ""
			return true
		})
	} else if cur, _ := t.entry(assistantID); cur.State == StateCancelled {
		return finish(errCancelled(op))
	}

	prompt := userMsg.Content
	if sr := t.search(tok, userMsg.Content, forceSearch); sr != nil {
		prompt = userMsg.Content + "\n\n" + augment.FormatContext(sr)
		res.SearchPerformed = true
		res.Search = sr
		t.update(assistantID, func(e *Entry) bool {
			e.SearchPerformed = true
			e.FollowUps = append([]string(nil), sr.FollowUps...)
			return true
		})
	}
	if tok.Cancelled() {
		t.settle(assistantID, StateCancelled, nil)
		return finish(errCancelled(op))
	}

	history := t.history(threadID, userMsgID)
	text, err := t.generate(tok, assistantID, history, prompt)
	if err == nil {
		asst, _ := t.entry(assistantID)
		asst.Content = text
		var saved *store.Message
		err = t.call(tok.Context(), op, func(ctx context.Context, _ int) error {
			var err error
			saved, err = t.remote.InsertMessage(ctx, asst.Message)
			return err
		}, retry.OnRetry(func(a retry.Attempt) {
			t.setState(assistantID, StateRetrying, a.Err)
		}))
		if err == nil {
			t.markSaved(*saved, saved.VersionCount)
			t.touch(ctx, threadID, saved.CreatedAt)
			t.maybeTitle(ctx, threadID, userMsg.Content, text)
			return finish(nil)
		}
	}
	if tok.Cancelled() || apperr.IsCancelled(err) {
		t.settle(assistantID, StateCancelled, nil)
		return finish(errCancelled(op))
	}
	t.settle(assistantID, StateFailed, err)
	return finish(err)
}

// search runs augmentation when forced or when the classifier asks for it. Failures are
// logged and the prompt goes out unaugmented.
func (t *Timeline) search(tok *optrack.Token, content string, force bool) *augment.Result {
	if t.augmenter == nil {
		if force {
			t.log.Warn().Msg("search requested but no search providers are configured")
		}
		return nil
	}
	ctx := tok.Context()
	if !force && !t.augmenter.ShouldAugment(ctx, content) {
		return nil
	}
	sr, err := t.augmenter.Augment(ctx, content)
	if err != nil {
		if !apperr.IsCancelled(err) {
			t.log.Warn().Err(err).Msg("search augmentation failed")
		}
		return nil
	}
	return sr
}

// generate streams one reply into the entry id, restarting from empty content on each retry.
func (t *Timeline) generate(tok *optrack.Token, id string, history []gen.Turn, prompt string) (string, error) {
	system := t.systemPromptFor(tok.Context())
	var text string
	err := retry.Do(tok.Context(), t.policy, func(ctx context.Context, attempt int) error {
		state := StatePending
		if attempt > 1 {
			state = StateRetrying
		}
		t.update(id, func(e *Entry) bool {
			if e.State == StateCancelled {
				return false
			}
			e.State, e.Content = state, ""
			return true
		})
		actx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()
		out, err := gen.Collect(t.gen.StartChat(system, history).Send(actx, prompt), func(delta string) {
			t.appendDelta(tok, id, delta)
		})
		if err != nil {
			return err
		}
		text = out
		return nil
	}, retry.WithLogger(t.log, "timeline.generate"))
	return text, err
}

func (t *Timeline) appendDelta(tok *optrack.Token, id string, delta string) {
	t.mu.Lock()
	_, e := t.findLocked(id)
	if e == nil || tok.Err() != nil || !e.State.InFlight() {
		t.mu.Unlock()
		return
	}
	e.State = StateStreaming
	e.Content += delta
	u := updateOf(e)
	u.Delta = delta
	t.mu.Unlock()
	t.emit(u)
}

func (t *Timeline) systemPromptFor(ctx context.Context) string {
	meta := session.FromContext(ctx)
	if meta == nil || !meta.Personalized || strings.TrimSpace(meta.DisplayName) == "" {
		return t.systemPrompt
	}
	return fmt.Sprintf("%s\nThe user's name is %s.", t.systemPrompt, strings.TrimSpace(meta.DisplayName))
}

// history returns the settled conversation before message id, capped to the most recent
// turns that fit maxHistoryChars.
func (t *Timeline) history(threadID string, id string) []gen.Turn {
	t.mu.Lock()
	v := t.viewLocked(threadID)
	var out []gen.Turn
	if v != nil {
		for _, e := range v.entries {
			if e.ID == id {
				break
			}
			if !e.Saved || strings.TrimSpace(e.Content) == "" {
				continue
			}
			switch e.Role {
			case store.RoleUser:
				out = append(out, gen.Turn{Role: gen.RoleUser, Text: e.Content})
			case store.RoleAssistant:
				out = append(out, gen.Turn{Role: gen.RoleAssistant, Text: e.Content})
			}
		}
	}
	t.mu.Unlock()
	return capHistory(out, t.maxHistoryChars)
}

func capHistory(in []gen.Turn, maxChars int) []gen.Turn {
	if maxChars <= 0 || len(in) == 0 {
		return in
	}
	total := 0
	for i := len(in) - 1; i >= 0; i-- {
		n := len(strings.TrimSpace(in[i].Text))
		if total+n > maxChars {
			return in[i+1:]
		}
		total += n
	}
	return in
}

func (t *Timeline) setState(id string, state State, err error) {
	t.update(id, func(e *Entry) bool {
		if e.State == StateCancelled {
			return false
		}
		e.State, e.Err = state, err
		return true
	})
}

// settle moves an in-flight message to a final state. A message the user already cancelled
// stays cancelled.
func (t *Timeline) settle(id string, state State, err error) {
	t.update(id, func(e *Entry) bool {
		if e.State == StateCancelled && state != StateCancelled {
			return false
		}
		e.State, e.Err = state, err
		return true
	})
}

// markSaved records a persisted row. displayed overrides DisplayedVersion when positive.
func (t *Timeline) markSaved(m store.Message, displayed int) {
	t.mu.Lock()
	v, e := t.findLocked(m.ID)
	if e == nil {
		t.mu.Unlock()
		return
	}
	if !e.Saved {
		v.loaded++
		v.total++
		v.prefetch = nil
	}
	e.Message = m
	e.Saved = true
	e.State, e.Err = StatePersisted, nil
	if displayed > 0 {
		e.DisplayedVersion = displayed
	}
	u := updateOf(e)
	u.Committed = true
	t.mu.Unlock()
	t.emit(u)
}

// touch bumps the thread's activity time in the background.
func (t *Timeline) touch(ctx context.Context, threadID string, at time.Time) {
	bg := context.WithoutCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.threads.TouchThread(bg, threadID, at); err != nil {
			t.log.Debug().Err(err).Str("thread_id", threadID).Msg("touch thread failed")
		}
	}()
}

// maybeTitle names a thread still carrying the default title after its first exchange. It
// runs in the background and survives the caller's cancellation.
func (t *Timeline) maybeTitle(ctx context.Context, threadID string, userText string, reply string) {
	th, ok := t.threads.Get(threadID)
	if !ok || (th.Title != "" && th.Title != threads.DefaultTitle) {
		return
	}
	t.mu.Lock()
	if t.titled[threadID] {
		t.mu.Unlock()
		return
	}
	t.titled[threadID] = true
	t.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		tctx, cancel := context.WithTimeout(bg, t.timeout)
		out, err := t.gen.Complete(tctx, titleSystem, "User: "+userText+"\nAssistant: "+reply)
		cancel()
		title := cleanTitle(out)
		if err != nil || title == "" {
			if err != nil {
				t.log.Debug().Err(err).Str("thread_id", threadID).Msg("title generation failed; using message text")
			}
			title = store.TitleCandidate(userText)
		}
		if title == "" {
			title = store.TitleCandidate(reply)
		}
		if title == "" {
			return
		}
		if _, err := t.threads.RenameThread(bg, threadID, title); err != nil {
			t.log.Warn().Err(err).Str("thread_id", threadID).Msg("save generated title failed")
			t.mu.Lock()
			delete(t.titled, threadID)
			t.mu.Unlock()
		}
	}()
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "Title:"))
	s = strings.Trim(strings.TrimRight(s, "."), `"'`)
	return store.TitleCandidate(s)
}

// CancelMessage stops whatever is in flight for message id, including the reply being
// generated for it. It reports whether anything was cancelled.
func (t *Timeline) CancelMessage(id string) bool {
	id = strings.TrimSpace(id)
	t.mu.Lock()
	ids := []string{id}
	if r := t.replies[id]; r != "" {
		ids = append(ids, r)
	}
	var updates []Update
	for _, x := range ids {
		if _, e := t.findLocked(x); e != nil && e.State.InFlight() {
			e.State = StateCancelled
			updates = append(updates, updateOf(e))
		}
	}
	t.mu.Unlock()
	cancelled := len(updates) > 0
	for _, x := range ids {
		if t.tracker.Cancel(x) {
			cancelled = true
		}
	}
	t.emit(updates...)
	return cancelled
}

// RetryMessage re-runs a message that failed or was cancelled. An unsaved user message is
// persisted again and answered; an assistant reply is regenerated in place.
func (t *Timeline) RetryMessage(ctx context.Context, id string) (*SendResult, error) {
	const op = "timeline.retry"
	if _, err := userID(ctx, op); err != nil {
		return nil, err
	}
	e, ok := t.entry(strings.TrimSpace(id))
	if !ok {
		return nil, apperr.Errorf(apperr.KindNotFound, op, "message %s not loaded", id)
	}
	if e.State != StateFailed && e.State != StateCancelled {
		return nil, apperr.Errorf(apperr.KindInvalid, op, "message %s is %s", id, e.State)
	}
	res := &SendResult{ThreadID: e.ThreadID}

	switch {
	case e.Role == store.RoleAssistant && e.Saved:
		asst, err := t.RegenerateResponse(ctx, e.ID)
		if err != nil {
			return res, err
		}
		res.Assistant = asst
		res.Cancelled = asst.State == StateCancelled
		return res, nil
	case e.Role == store.RoleAssistant:
		userMsgID := e.ReplyTo
		if userMsgID == "" {
			userMsgID = t.precedingUser(e.ID)
		}
		if userMsgID == "" {
			return res, apperr.Errorf(apperr.KindNotFound, op, "no user message before %s", id)
		}
		res.User, _ = t.entry(userMsgID)
		return t.reply(ctx, res, userMsgID, e.ID, false)
	}

	if !e.Saved {
		t.update(e.ID, func(e *Entry) bool {
			e.State, e.Err = StatePending, nil
			return true
		})
		err := t.persist(ctx, e.ID)
		res.User, _ = t.entry(e.ID)
		if err != nil {
			if apperr.IsCancelled(err) {
				res.Cancelled = true
				return res, nil
			}
			return res, err
		}
	}
	res.User, _ = t.entry(e.ID)
	if e.Role == store.RoleSystem {
		return res, nil
	}
	if asstID := t.replyFor(e.ID); asstID != "" {
		return t.reply(ctx, res, e.ID, asstID, false)
	}
	return t.reply(ctx, res, e.ID, "", false)
}

// replyFor finds the unsaved assistant entry answering userMsgID, if any.
func (t *Timeline) replyFor(userMsgID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, _ := t.findLocked(userMsgID)
	if v == nil {
		return ""
	}
	for _, e := range v.entries {
		if e.ReplyTo == userMsgID && !e.Saved && !e.State.InFlight() {
			return e.ID
		}
	}
	return ""
}

func (t *Timeline) precedingUser(id string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, _ := t.findLocked(id)
	if v == nil {
		return ""
	}
	for i := v.index(id) - 1; i >= 0; i-- {
		if v.entries[i].Role == store.RoleUser {
			return v.entries[i].ID
		}
	}
	return ""
}
