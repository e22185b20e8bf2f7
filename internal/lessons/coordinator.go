// Package lessons drives decryption of the focused lesson of a paid course.
package lessons

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"unlock-server/internal/entitlement"
	"unlock-server/internal/types"
)

// State of one lesson.
type State string

const (
	StateNotAttempted         State = "not_attempted"
	StateDecrypting           State = "decrypting"
	StateDecrypted            State = "decrypted"
	StateFailedRetryExhausted State = "failed_retry_exhausted"
)

const (
	DefaultAttemptTimeout = 10 * time.Second
	DefaultRetryDelay     = 5 * time.Second
	DefaultMaxAttempts    = 3
)

var ErrUnknownLesson = errors.New("lesson not part of course")

// Decrypter is the fail-soft decrypt call (decrypt.Service).
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext string) (string, bool)
}

// Options tunes the retry policy.
type Options struct {
	AttemptTimeout time.Duration
	RetryDelay     time.Duration
	MaxAttempts    int
	Logger         *slog.Logger
	// OnStateChange is called outside the coordinator lock.
	OnStateChange func(lessonID string, st State)
}

// LessonView is a read-only snapshot of a lesson.
type LessonView struct {
	ID       string `json:"id"`
	Title    string `json:"title,omitempty"`
	State    State  `json:"state"`
	Attempts int    `json:"attempts"`
	Price    int64  `json:"price"`
	// Content is plaintext, set only once the lesson is decrypted.
	Content string `json:"content,omitempty"`
	// Processing is shown instead of an error once retries are exhausted.
	Processing bool `json:"processing,omitempty"`
}

type lesson struct {
	item     types.ContentItem // private copy; Content is replaced on success
	state    State
	attempts int
}

// Coordinator owns the per-lesson state machines of one course for one session.
type Coordinator struct {
	course types.Course
	dec    Decrypter
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	lessons     map[string]*lesson
	order       []string
	session     *types.Session
	focused     string
	retryTimer  *time.Timer
	retryLesson string
	closed      bool
}

// New builds a coordinator for course and its loaded lessons.
func New(course *types.Course, items []*types.ContentItem, dec Decrypter, opts Options) *Coordinator {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		course:  *course,
		dec:     dec,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		lessons: make(map[string]*lesson, len(items)),
	}
	for _, it := range items {
		if it == nil || c.lessons[it.ID] != nil {
			continue
		}
		c.lessons[it.ID] = &lesson{item: *it, state: StateNotAttempted}
		c.order = append(c.order, it.ID)
	}
	return c
}

// CourseID returns the id of the coordinated course.
func (c *Coordinator) CourseID() string { return c.course.ID }

// Focus makes lessonID the active lesson for session and starts a decrypt
// attempt if the lesson needs one. A previously focused lesson keeps any
// in-flight attempt but gets no further retries until focused again.
func (c *Coordinator) Focus(session *types.Session, lessonID string) (LessonView, error) {
	c.mu.Lock()
	l, ok := c.lessons[lessonID]
	if !ok {
		c.mu.Unlock()
		return LessonView{}, ErrUnknownLesson
	}
	c.session = session
	if c.focused != lessonID {
		c.focused = lessonID
		c.stopRetryLocked()
	}
	events := c.maybeStartLocked(lessonID)
	view := c.viewLocked(l)
	c.mu.Unlock()

	c.emit(events)
	return view, nil
}

// Refresh re-evaluates the focused lesson with a new session, e.g. after a purchase.
func (c *Coordinator) Refresh(session *types.Session) {
	c.mu.Lock()
	c.session = session
	var events []stateEvent
	if c.focused != "" {
		events = c.maybeStartLocked(c.focused)
	}
	c.mu.Unlock()
	c.emit(events)
}

// Lesson returns a snapshot of one lesson.
func (c *Coordinator) Lesson(lessonID string) (LessonView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.lessons[lessonID]
	if !ok {
		return LessonView{}, false
	}
	return c.viewLocked(l), true
}

// Lessons returns snapshots of all lessons in course order.
func (c *Coordinator) Lessons() []LessonView {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LessonView, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.viewLocked(c.lessons[id]))
	}
	return out
}

// Close stops retries and waits for in-flight attempts to return.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.stopRetryLocked()
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

type stateEvent struct {
	lessonID string
	state    State
}

func (c *Coordinator) emit(events []stateEvent) {
	if c.opts.OnStateChange == nil {
		return
	}
	for _, e := range events {
		c.opts.OnStateChange(e.lessonID, e.state)
	}
}

func (c *Coordinator) viewLocked(l *lesson) LessonView {
	v := LessonView{
		ID:         l.item.ID,
		Title:      l.item.Title,
		State:      l.state,
		Attempts:   l.attempts,
		Price:      c.course.Price,
		Processing: l.state == StateFailedRetryExhausted,
	}
	if l.state == StateDecrypted {
		v.Content = l.item.Content
	}
	return v
}

func (c *Coordinator) maybeStartLocked(lessonID string) []stateEvent {
	l := c.lessons[lessonID]
	if c.closed || l == nil || lessonID != c.focused {
		return nil
	}
	if c.course.Price <= 0 {
		return nil
	}
	if l.state != StateNotAttempted {
		return nil
	}
	if c.retryTimer != nil && c.retryLesson == lessonID {
		return nil
	}
	if !entitlement.Resolve(c.session, &l.item, &c.course).Authorized {
		return nil
	}

	if !l.item.Encrypted() {
		l.state = StateDecrypted
		return []stateEvent{{lessonID, StateDecrypted}}
	}
	if l.attempts >= c.opts.MaxAttempts {
		l.state = StateFailedRetryExhausted
		return []stateEvent{{lessonID, StateFailedRetryExhausted}}
	}

	l.attempts++
	l.state = StateDecrypting
	c.wg.Add(1)
	go c.attempt(lessonID, l.item.Content, l.attempts)
	return []stateEvent{{lessonID, StateDecrypting}}
}

type attemptResult struct {
	plain string
	ok    bool
}

func (c *Coordinator) attempt(lessonID, ciphertext string, n int) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.AttemptTimeout)
	defer cancel()

	resultCh := make(chan attemptResult, 1)
	go func() {
		plain, ok := c.dec.Decrypt(ctx, ciphertext)
		resultCh <- attemptResult{plain, ok}
	}()

	var res attemptResult
	select {
	case res = <-resultCh:
	case <-ctx.Done():
		c.opts.Logger.Warn("lesson decrypt timed out", "course", c.course.ID, "lesson", lessonID, "attempt", n)
	}

	c.mu.Lock()
	l := c.lessons[lessonID]
	var events []stateEvent
	switch {
	case res.ok:
		l.item.Content = res.plain
		l.state = StateDecrypted
		events = append(events, stateEvent{lessonID, StateDecrypted})
	case l.attempts >= c.opts.MaxAttempts:
		l.state = StateFailedRetryExhausted
		events = append(events, stateEvent{lessonID, StateFailedRetryExhausted})
		c.opts.Logger.Warn("lesson decrypt retries exhausted", "course", c.course.ID, "lesson", lessonID, "attempts", l.attempts)
	default:
		l.state = StateNotAttempted
		events = append(events, stateEvent{lessonID, StateNotAttempted})
		if !c.closed && c.focused == lessonID {
			c.scheduleRetryLocked(lessonID)
		}
	}
	c.mu.Unlock()

	c.emit(events)
}

func (c *Coordinator) scheduleRetryLocked(lessonID string) {
	c.stopRetryLocked()
	c.retryLesson = lessonID
	var t *time.Timer
	t = time.AfterFunc(c.opts.RetryDelay, func() {
		c.mu.Lock()
		if c.retryTimer != t {
			c.mu.Unlock()
			return
		}
		c.retryTimer = nil
		c.retryLesson = ""
		events := c.maybeStartLocked(lessonID)
		c.mu.Unlock()
		c.emit(events)
	})
	c.retryTimer = t
}

func (c *Coordinator) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
		c.retryLesson = ""
	}
}
