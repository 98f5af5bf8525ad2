package timeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floegence/threadsync/internal/apperr"
	"github.com/floegence/threadsync/internal/gen"
	"github.com/floegence/threadsync/internal/gen/gentest"
	"github.com/floegence/threadsync/internal/store"
	"github.com/floegence/threadsync/internal/store/storetest"
)

func versionContents(vs []store.MessageVersion) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Content)
	}
	return out
}

// sendQuestion sends "Question" and returns the persisted reply.
func sendQuestion(t *testing.T, f *fixture, replies ...gentest.Reply) *SendResult {
	t.Helper()
	f.model.OnSystem("short title", gentest.Text("Title"))
	f.model.OnPrompt("Question", replies...)
	res, err := f.tl.SendMessage(userCtx(), SendRequest{Content: "Question"})
	require.NoError(t, err)
	require.NotNil(t, res.Assistant)
	f.tl.Wait()
	return res
}

func TestRegenerateResponse_KeepsEveryVersion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := sendQuestion(t, f, gentest.Text("first answer"), gentest.Text("second answer"), gentest.Text("third answer"))
	ctx := userCtx()
	id := res.Assistant.ID

	got, err := f.tl.RegenerateResponse(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "second answer", got.Content)
	assert.Equal(t, 2, got.VersionCount)
	assert.Equal(t, 2, got.DisplayedVersion)
	assert.Equal(t, StatePersisted, got.State)

	got, err = f.tl.RegenerateResponse(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, got.VersionCount)

	versions, err := f.tl.ListVersions(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"first answer", "second answer", "third answer"}, versionContents(versions))
	for _, v := range versions {
		assert.Equal(t, store.AuthorSystem, v.CreatedBy)
	}

	row, err := f.mem.ListMessages(context.Background(), "u1", res.ThreadID, 0, 10)
	require.NoError(t, err)
	require.Len(t, row.Messages, 2)
	assert.Equal(t, 3, row.Messages[0].VersionCount)
	assert.Equal(t, "third answer", row.Messages[0].Content)
}

func TestRegenerateResponse_CancelRestoresWithoutError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	hold := make(chan struct{})
	started := make(chan struct{})
	defer close(hold)
	res := sendQuestion(t, f, gentest.Text("first answer"), gentest.Reply{Deltas: []string{"half "}, Hold: hold, Started: started})
	id := res.Assistant.ID
	updates := f.faulty.Calls(storetest.UpdateMessage)

	type outcome struct {
		e   *Entry
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		e, err := f.tl.RegenerateResponse(userCtx(), id)
		done <- outcome{e, err}
	}()
	<-started
	require.True(t, f.tl.CancelMessage(id))

	out := <-done
	require.NoError(t, out.err, "cancelling is not a failure")
	require.NotNil(t, out.e)
	assert.Equal(t, StateCancelled, out.e.State)
	assert.Equal(t, "first answer", out.e.Content)
	assert.Equal(t, 1, out.e.VersionCount)
	assert.Equal(t, updates, f.faulty.Calls(storetest.UpdateMessage))
}

func TestEditMessage_CancelRestoresWithoutError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := sendQuestion(t, f, gentest.Text("answer"))
	id := res.User.ID
	before := f.faulty.Calls(storetest.PutVersion)
	release := f.faulty.Gate(storetest.PutVersion)
	defer release()

	type outcome struct {
		e   *Entry
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		e, err := f.tl.EditMessage(userCtx(), id, "Question, reworded")
		done <- outcome{e, err}
	}()
	require.Eventually(t, func() bool { return f.faulty.Calls(storetest.PutVersion) > before }, time.Second, time.Millisecond)
	require.True(t, f.tl.CancelMessage(id))

	out := <-done
	require.NoError(t, out.err)
	require.NotNil(t, out.e)
	assert.Equal(t, StateCancelled, out.e.State)
	assert.Equal(t, "Question", out.e.Content)
	assert.Equal(t, 1, out.e.VersionCount)
}

func TestSwitchMessageVersion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := sendQuestion(t, f, gentest.Text("first answer"), gentest.Text("second answer"))
	ctx := userCtx()
	id := res.Assistant.ID
	_, err := f.tl.RegenerateResponse(ctx, id)
	require.NoError(t, err)
	updates := f.faulty.Calls(storetest.UpdateMessage)
	puts := f.faulty.Calls(storetest.PutVersion)

	got, err := f.tl.SwitchMessageVersion(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, "first answer", got.Content)
	assert.Equal(t, 2, got.VersionCount)
	assert.Equal(t, 1, got.DisplayedVersion)

	got, err = f.tl.SwitchMessageVersion(ctx, id, 2)
	require.NoError(t, err)
	assert.Equal(t, "second answer", got.Content)

	gets := f.faulty.Calls(storetest.GetVersion)
	for _, n := range []int{0, 3, -1} {
		_, err = f.tl.SwitchMessageVersion(ctx, id, n)
		assert.ErrorIs(t, err, apperr.ErrNotFound, "version %d", n)
	}
	assert.Equal(t, gets, f.faulty.Calls(storetest.GetVersion), "out-of-range versions never reach the store")
	assert.Equal(t, updates, f.faulty.Calls(storetest.UpdateMessage), "switching writes nothing")
	assert.Equal(t, puts, f.faulty.Calls(storetest.PutVersion))
}

func TestRegenerateResponse_FromOlderVersion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := sendQuestion(t, f, gentest.Text("first answer"), gentest.Text("second answer"), gentest.Text("third answer"))
	ctx := userCtx()
	id := res.Assistant.ID
	_, err := f.tl.RegenerateResponse(ctx, id)
	require.NoError(t, err)
	_, err = f.tl.SwitchMessageVersion(ctx, id, 1)
	require.NoError(t, err)

	got, err := f.tl.RegenerateResponse(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, got.VersionCount)

	versions, err := f.tl.ListVersions(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"first answer", "second answer", "third answer"}, versionContents(versions),
		"the displayed older version does not overwrite the latest")
}

func TestRegenerateResponse_FailureRestoresSnapshot(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := sendQuestion(t, f,
		gentest.Text("first answer"),
		gentest.Reply{Deltas: []string{"half "}, Err: &gen.StatusError{StatusCode: 401}},
		gentest.Text("retried answer"),
	)
	ctx := userCtx()
	id := res.Assistant.ID

	_, err := f.tl.RegenerateResponse(ctx, id)
	require.ErrorIs(t, err, apperr.ErrAuth)
	e, ok := f.tl.entry(id)
	require.True(t, ok)
	assert.Equal(t, "first answer", e.Content)
	assert.Equal(t, 1, e.VersionCount)
	assert.Equal(t, StateFailed, e.State)

	retried, err := f.tl.RetryMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "retried answer", retried.Assistant.Content)
	assert.Equal(t, 2, retried.Assistant.VersionCount)

	versions, err := f.tl.ListVersions(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"first answer", "retried answer"}, versionContents(versions))
}

func TestRegenerateResponse_Validation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := sendQuestion(t, f, gentest.Text("answer"))
	ctx := userCtx()

	_, err := f.tl.RegenerateResponse(ctx, res.User.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalid)
	_, err = f.tl.RegenerateResponse(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.tl.RegenerateResponse(context.Background(), res.Assistant.ID)
	assert.ErrorIs(t, err, apperr.ErrAuth)
}

func TestEditMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := sendQuestion(t, f, gentest.Text("answer"))
	ctx := userCtx()

	got, err := f.tl.EditMessage(ctx, res.User.ID, "Question, rephrased")
	require.NoError(t, err)
	assert.Equal(t, "Question, rephrased", got.Content)
	assert.Equal(t, 2, got.VersionCount)
	assert.Equal(t, 2, got.DisplayedVersion)

	versions, err := f.tl.ListVersions(ctx, res.User.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "Question", versions[0].Content)
	assert.Equal(t, store.AuthorUser, versions[1].CreatedBy)

	_, err = f.tl.EditMessage(ctx, res.User.ID, "  ")
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestEditMessage_RollsBackOnFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := sendQuestion(t, f, gentest.Text("answer"))
	f.faulty.FailAlways(storetest.UpdateMessage, nil)

	_, err := f.tl.EditMessage(userCtx(), res.User.ID, "changed")
	require.ErrorIs(t, err, apperr.ErrRemote)
	e, ok := f.tl.entry(res.User.ID)
	require.True(t, ok)
	assert.Equal(t, "Question", e.Content)
	assert.Equal(t, 1, e.VersionCount)
	assert.Equal(t, StateFailed, e.State)
	assert.True(t, f.sawState(res.User.ID, StatePending), "new content was shown before the write")
}

func TestListVersions_UneditedMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res := sendQuestion(t, f, gentest.Text("answer"))

	versions, err := f.tl.ListVersions(userCtx(), res.Assistant.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, 1, versions[0].Number)
	assert.Equal(t, "answer", versions[0].Content)
}
