package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGreeting = "Hello! How can I help?"

type reply struct {
	text string
	err  error
}

// scriptedSession returns queued replies in order and records what it was sent.
type scriptedSession struct {
	mu      sync.Mutex
	replies []reply
	sent    []string
	closed  bool
}

func (s *scriptedSession) SendMessage(_ context.Context, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	if len(s.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r.text, r.err
}

func (s *scriptedSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// blockingSession waits for release before answering.
type blockingSession struct {
	started chan struct{}
	release chan reply
}

func newBlockingSession() *blockingSession {
	return &blockingSession{started: make(chan struct{}, 1), release: make(chan reply, 1)}
}

func (s *blockingSession) SendMessage(ctx context.Context, _ string) (string, error) {
	s.started <- struct{}{}
	select {
	case r := <-s.release:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []Outcome
	latency  int
	active   int
}

func (o *recordingObserver) ObserveSubmit(outcome Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *recordingObserver) ObserveReplyLatency(time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.latency++
}

func (o *recordingObserver) SetActiveSessions(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = n
}

func (o *recordingObserver) Outcomes() []Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Outcome(nil), o.outcomes...)
}

func newTestController(s Session) *Controller {
	return NewController(s, Options{Greeting: testGreeting, Timeout: time.Second})
}

func TestNewControllerSeedsGreeting(t *testing.T) {
	t.Parallel()

	session := &scriptedSession{}
	c := newTestController(session)

	snap := c.Snapshot()
	assert.Equal(t, []domain.TranscriptEntry{domain.AssistantEntry(testGreeting)}, snap.Transcript)
	assert.False(t, snap.InFlight)
	assert.False(t, snap.HasError())
	assert.Empty(t, session.sent, "greeting must not be sent to the model")
}

func TestSubmitSuccess(t *testing.T) {
	t.Parallel()

	session := &scriptedSession{replies: []reply{{text: "Hi there"}}}
	c := newTestController(session)

	snap, err := c.Submit(context.Background(), "Hello")
	require.NoError(t, err)

	assert.Equal(t, []domain.TranscriptEntry{
		domain.AssistantEntry(testGreeting),
		domain.UserEntry("Hello"),
		domain.AssistantEntry("Hi there"),
	}, snap.Transcript)
	assert.False(t, snap.InFlight)
	assert.Empty(t, snap.Error)
	assert.Equal(t, []string{"Hello"}, session.sent)
}

func TestSubmitFailure(t *testing.T) {
	t.Parallel()

	session := &scriptedSession{replies: []reply{{err: errors.New("quota exceeded")}}}
	c := newTestController(session)

	snap, err := c.Submit(context.Background(), "Hello")
	require.NoError(t, err, "model failures are recovered locally")

	assert.Equal(t, []domain.TranscriptEntry{
		domain.AssistantEntry(testGreeting),
		domain.UserEntry("Hello"),
		domain.AssistantEntry(FallbackReply),
	}, snap.Transcript)
	assert.False(t, snap.InFlight)
	assert.Equal(t, FailureMessage, snap.Error)
}

func TestSubmitEmptyIsNoop(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"", "   ", "\n\t "} {
		session := &scriptedSession{}
		c := newTestController(session)
		before := c.Snapshot()

		snap, err := c.Submit(context.Background(), input)
		require.ErrorIs(t, err, ErrEmptyMessage)
		assert.Equal(t, before, snap)
		assert.Equal(t, before, c.Snapshot())
		assert.Empty(t, session.sent)
	}
}

func TestSubmitTrimsInput(t *testing.T) {
	t.Parallel()

	session := &scriptedSession{replies: []reply{{text: "ok"}}}
	c := newTestController(session)

	snap, err := c.Submit(context.Background(), "  Hello \n")
	require.NoError(t, err)
	assert.Equal(t, domain.UserEntry("Hello"), snap.Transcript[1])
	assert.Equal(t, []string{"Hello"}, session.sent)
}

func TestSubmitKeepsReplyUnmodified(t *testing.T) {
	t.Parallel()

	raw := "  **bold**\n\n- item  \n"
	c := newTestController(&scriptedSession{replies: []reply{{text: raw}}})

	snap, err := c.Submit(context.Background(), "format something")
	require.NoError(t, err)
	assert.Equal(t, raw, snap.Transcript[2].Text)
}

func TestSubmitWhileInFlightIsNoop(t *testing.T) {
	t.Parallel()

	session := newBlockingSession()
	c := newTestController(session)

	done := make(chan Snapshot, 1)
	go func() {
		snap, _ := c.Submit(context.Background(), "first")
		done <- snap
	}()
	<-session.started

	during := c.Snapshot()
	require.True(t, during.InFlight)
	require.Len(t, during.Transcript, 2)

	snap, err := c.Submit(context.Background(), "second")
	require.ErrorIs(t, err, ErrRequestInFlight)
	assert.Equal(t, during, snap)

	session.release <- reply{text: "answer"}
	final := <-done

	assert.False(t, final.InFlight)
	assert.Equal(t, []domain.TranscriptEntry{
		domain.AssistantEntry(testGreeting),
		domain.UserEntry("first"),
		domain.AssistantEntry("answer"),
	}, final.Transcript)
}

func TestErrorClearedByNextSubmit(t *testing.T) {
	t.Parallel()

	session := &scriptedSession{replies: []reply{
		{err: errors.New("network down")},
		{text: "back online"},
	}}
	c := newTestController(session)

	snap, err := c.Submit(context.Background(), "one")
	require.NoError(t, err)
	require.Equal(t, FailureMessage, snap.Error)
	assert.Equal(t, FailureMessage, c.Snapshot().Error, "error stays readable until the next submit")

	snap, err = c.Submit(context.Background(), "two")
	require.NoError(t, err)
	assert.Empty(t, snap.Error)
	assert.Len(t, snap.Transcript, 5)
	assert.Equal(t, "back online", snap.Transcript[4].Text)
}

func TestSubmitWithoutSessionFails(t *testing.T) {
	t.Parallel()

	c := newTestController(nil)

	snap, err := c.Submit(context.Background(), "Hello")
	require.NoError(t, err)
	assert.Equal(t, FailureMessage, snap.Error)
	assert.Equal(t, domain.AssistantEntry(FallbackReply), snap.Transcript[2])
}

func TestSubmitTimeout(t *testing.T) {
	t.Parallel()

	session := newBlockingSession()
	c := NewController(session, Options{Greeting: testGreeting, Timeout: 20 * time.Millisecond})

	snap, err := c.Submit(context.Background(), "slow")
	require.NoError(t, err)
	assert.False(t, snap.InFlight)
	assert.Equal(t, FailureMessage, snap.Error)
	assert.Equal(t, FallbackReply, snap.Transcript[2].Text)
}

func TestSubmitIgnoresCallerCancellation(t *testing.T) {
	t.Parallel()

	session := &scriptedSession{replies: []reply{{text: "still here"}}}
	c := newTestController(session)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snap, err := c.Submit(ctx, "Hello")
	require.NoError(t, err)
	assert.Equal(t, "still here", snap.Transcript[2].Text)
}

func TestTranscriptGrowsByTwoPerSubmit(t *testing.T) {
	t.Parallel()

	session := &scriptedSession{replies: []reply{
		{text: "a"}, {err: errors.New("x")}, {text: "c"},
	}}
	c := newTestController(session)

	for i, msg := range []string{"1", "2", "3"} {
		snap, err := c.Submit(context.Background(), msg)
		require.NoError(t, err)
		assert.Len(t, snap.Transcript, 1+2*(i+1))
		assert.False(t, snap.InFlight)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	c := newTestController(&scriptedSession{})
	snap := c.Snapshot()
	snap.Transcript[0].Text = "mutated"

	assert.Equal(t, testGreeting, c.Snapshot().Transcript[0].Text)
}

func TestSubscribeReceivesStateChanges(t *testing.T) {
	t.Parallel()

	session := newBlockingSession()
	c := newTestController(session)
	updates, unsubscribe := c.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Submit(context.Background(), "hi")
	}()
	<-session.started

	pending := <-updates
	assert.True(t, pending.InFlight)
	assert.Len(t, pending.Transcript, 2)

	session.release <- reply{text: "hello"}
	<-done

	settled := <-updates
	assert.False(t, settled.InFlight)
	assert.Len(t, settled.Transcript, 3)
	assert.Greater(t, settled.Version, pending.Version)
}

func TestSubscribeKeepsOnlyLatest(t *testing.T) {
	t.Parallel()

	c := newTestController(&scriptedSession{replies: []reply{{text: "a"}, {text: "b"}}})
	updates, unsubscribe := c.Subscribe()
	defer unsubscribe()

	_, err := c.Submit(context.Background(), "one")
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), "two")
	require.NoError(t, err)

	latest := <-updates
	assert.Len(t, latest.Transcript, 5)
	select {
	case extra := <-updates:
		t.Fatalf("unexpected queued snapshot: %+v", extra)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	c := newTestController(&scriptedSession{})
	updates, unsubscribe := c.Subscribe()
	unsubscribe()
	unsubscribe()

	_, ok := <-updates
	assert.False(t, ok)
}

func TestCloseReleasesSessionAndSubscribers(t *testing.T) {
	t.Parallel()

	session := &scriptedSession{}
	c := newTestController(session)
	updates, unsubscribe := c.Subscribe()
	defer unsubscribe()

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, ok := <-updates
	assert.False(t, ok)
	assert.True(t, session.closed)

	_, err := c.Submit(context.Background(), "late")
	require.ErrorIs(t, err, ErrClosed)

	late, _ := c.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}

func TestObserverOutcomes(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	c := NewController(&scriptedSession{replies: []reply{{text: "ok"}, {err: errors.New("boom")}}}, Options{
		Greeting: testGreeting,
		Observer: obs,
	})

	_, _ = c.Submit(context.Background(), "a")
	_, _ = c.Submit(context.Background(), "b")
	_, _ = c.Submit(context.Background(), " ")

	assert.Equal(t, []Outcome{OutcomeSuccess, OutcomeFailure, OutcomeEmpty}, obs.Outcomes())
	assert.Equal(t, 2, obs.latency)
}
