package lessons

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"unlock-server/internal/types"
)

type stubDecrypter struct {
	calls atomic.Int32
	fn    func(ctx context.Context, c string, call int32) (string, bool)
}

func (s *stubDecrypter) Decrypt(ctx context.Context, c string) (string, bool) {
	n := s.calls.Add(1)
	return s.fn(ctx, c, n)
}

const author = "author-pk"

func fixture() (*types.Course, []*types.ContentItem) {
	course := &types.Course{ID: "c1", PubKey: author, Price: 50000, LessonIDs: []string{"l1", "l2"}}
	items := []*types.ContentItem{
		{ID: "l1", Kind: types.KindPaid, PubKey: author, Content: "cipher-1"},
		{ID: "l2", Kind: types.KindPaid, PubKey: author, Content: "cipher-2"},
	}
	return course, items
}

func buyer() *types.Session {
	return &types.Session{ID: "s1", User: &types.User{PubKey: "buyer", Purchased: []types.Purchase{{CourseID: "c1", AmountPaid: 50000}}}}
}

func fastOpts() Options {
	return Options{AttemptTimeout: 50 * time.Millisecond, RetryDelay: 5 * time.Millisecond, MaxAttempts: 3}
}

func waitState(t *testing.T, c *Coordinator, id string, want State) LessonView {
	t.Helper()
	var v LessonView
	require.Eventually(t, func() bool {
		v, _ = c.Lesson(id)
		return v.State == want
	}, 2*time.Second, 2*time.Millisecond, "lesson %s never reached %s", id, want)
	return v
}

func TestDecryptsFocusedLessonOnly(t *testing.T) {
	course, items := fixture()
	dec := &stubDecrypter{fn: func(_ context.Context, c string, _ int32) (string, bool) { return "plain-" + c, true }}
	co := New(course, items, dec, fastOpts())
	defer co.Close()

	_, err := co.Focus(buyer(), "l1")
	require.NoError(t, err)

	v := waitState(t, co, "l1", StateDecrypted)
	assert.Equal(t, "plain-cipher-1", v.Content)
	assert.Equal(t, 1, v.Attempts)

	other, _ := co.Lesson("l2")
	assert.Equal(t, StateNotAttempted, other.State)
	assert.Empty(t, other.Content)

	// refocusing a decrypted lesson is a no-op
	_, err = co.Focus(buyer(), "l1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), dec.calls.Load())

	// the caller's items are untouched
	assert.Equal(t, "cipher-1", items[0].Content)
}

func TestRetryBoundIsThreeAttempts(t *testing.T) {
	course, items := fixture()
	dec := &stubDecrypter{fn: func(context.Context, string, int32) (string, bool) { return "", false }}
	co := New(course, items, dec, fastOpts())
	defer co.Close()

	_, err := co.Focus(buyer(), "l1")
	require.NoError(t, err)

	v := waitState(t, co, "l1", StateFailedRetryExhausted)
	assert.Equal(t, 3, v.Attempts)
	assert.True(t, v.Processing)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(3), dec.calls.Load())

	// terminal: focusing again does nothing
	_, err = co.Focus(buyer(), "l1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), dec.calls.Load())
}

func TestTimedOutAttemptIsRetried(t *testing.T) {
	course, items := fixture()
	dec := &stubDecrypter{fn: func(ctx context.Context, c string, call int32) (string, bool) {
		if call == 1 {
			<-ctx.Done()
			return "", false
		}
		return "plain", true
	}}
	co := New(course, items, dec, fastOpts())
	defer co.Close()

	_, err := co.Focus(buyer(), "l1")
	require.NoError(t, err)

	v := waitState(t, co, "l1", StateDecrypted)
	assert.Equal(t, 2, v.Attempts)
}

func TestNoAttemptWithoutEntitlement(t *testing.T) {
	course, items := fixture()
	dec := &stubDecrypter{fn: func(context.Context, string, int32) (string, bool) { return "plain", true }}
	co := New(course, items, dec, fastOpts())
	defer co.Close()

	stranger := &types.Session{ID: "s2", User: &types.User{PubKey: "stranger"}}
	v, err := co.Focus(stranger, "l1")
	require.NoError(t, err)
	assert.Equal(t, StateNotAttempted, v.State)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, dec.calls.Load())

	// a purchase followed by a refresh unlocks the focused lesson
	co.Refresh(buyer())
	waitState(t, co, "l1", StateDecrypted)
}

func TestFreeCourseIsNotCoordinated(t *testing.T) {
	course, items := fixture()
	course.Price = 0
	dec := &stubDecrypter{fn: func(context.Context, string, int32) (string, bool) { return "plain", true }}
	co := New(course, items, dec, fastOpts())
	defer co.Close()

	_, err := co.Focus(nil, "l1")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, dec.calls.Load())
}

func TestFocusChangePausesRetriesButKeepsAttempts(t *testing.T) {
	course, items := fixture()
	var mu sync.Mutex
	failL1 := true
	dec := &stubDecrypter{fn: func(_ context.Context, c string, _ int32) (string, bool) {
		mu.Lock()
		defer mu.Unlock()
		if c == "cipher-1" && failL1 {
			return "", false
		}
		return "plain-" + c, true
	}}
	opts := fastOpts()
	opts.RetryDelay = 200 * time.Millisecond
	co := New(course, items, dec, opts)
	defer co.Close()

	_, err := co.Focus(buyer(), "l1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, _ := co.Lesson("l1")
		return v.State == StateNotAttempted && v.Attempts == 1
	}, time.Second, 2*time.Millisecond)

	// leave before the retry fires
	_, err = co.Focus(buyer(), "l2")
	require.NoError(t, err)
	waitState(t, co, "l2", StateDecrypted)

	time.Sleep(250 * time.Millisecond)
	v, _ := co.Lesson("l1")
	assert.Equal(t, 1, v.Attempts, "no retry while unfocused")

	mu.Lock()
	failL1 = false
	mu.Unlock()

	_, err = co.Focus(buyer(), "l1")
	require.NoError(t, err)
	v = waitState(t, co, "l1", StateDecrypted)
	assert.Equal(t, 2, v.Attempts)
}

func TestUnknownLesson(t *testing.T) {
	course, items := fixture()
	co := New(course, items, &stubDecrypter{}, fastOpts())
	defer co.Close()

	_, err := co.Focus(buyer(), "nope")
	assert.ErrorIs(t, err, ErrUnknownLesson)
}

func TestStateChangesAreReported(t *testing.T) {
	course, items := fixture()
	var mu sync.Mutex
	var seen []State
	opts := fastOpts()
	opts.OnStateChange = func(_ string, st State) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	}
	dec := &stubDecrypter{fn: func(context.Context, string, int32) (string, bool) { return "plain", true }}
	co := New(course, items, dec, opts)
	defer co.Close()

	_, err := co.Focus(buyer(), "l1")
	require.NoError(t, err)
	waitState(t, co, "l1", StateDecrypted)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []State{StateDecrypting, StateDecrypted}, seen)
	mu.Unlock()
}
