// Package chat implements the conversation controller: an ordered transcript,
// a single in-flight request flag, and the hosted model session it talks to.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
)

const (
	// FailureMessage is shown in the error banner when a reply could not be obtained.
	FailureMessage = "Failed to get a response from the assistant. Please try again."

	// FallbackReply is appended to the transcript in place of a reply on failure.
	FallbackReply = "Sorry, I couldn't process that request right now. Please try again."
)

var (
	// ErrEmptyMessage is returned when the submitted text is blank.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrRequestInFlight is returned when a reply is still pending.
	ErrRequestInFlight = errors.New("a request is already in flight")
	// ErrClosed is returned after the controller has been closed.
	ErrClosed = errors.New("conversation closed")
	// ErrSessionUninitialized is the cause recorded when no model session exists.
	ErrSessionUninitialized = errors.New("chat session is not initialized")
)

// Session is a started conversation with the hosted model. It keeps its own
// history and system instruction; callers only send text and read text back.
type Session interface {
	SendMessage(ctx context.Context, text string) (string, error)
}

// Outcome labels how a Submit call ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeEmpty   Outcome = "empty"
	OutcomeBusy    Outcome = "busy"
)

// Observer receives submit outcomes, typically for metrics.
type Observer interface {
	ObserveSubmit(outcome Outcome)
	ObserveReplyLatency(d time.Duration)
}

// Snapshot is an immutable copy of the conversation state.
type Snapshot struct {
	Transcript []domain.TranscriptEntry `json:"transcript"`
	InFlight   bool                     `json:"in_flight"`
	Error      string                   `json:"error,omitempty"`
	Version    uint64                   `json:"version"`
}

// HasError reports whether a failure message is pending display.
func (s Snapshot) HasError() bool {
	return s.Error != ""
}

// Options configures a Controller.
type Options struct {
	// Greeting seeds the transcript. It is never sent to the session.
	Greeting string
	// Timeout bounds each SendMessage call. Zero disables the bound.
	Timeout  time.Duration
	Observer Observer
	Logger   *slog.Logger
}

// Controller owns one conversation. It is safe for concurrent use; at most one
// SendMessage call is outstanding at any time.
type Controller struct {
	session  Session
	timeout  time.Duration
	observer Observer
	logger   *slog.Logger

	mu       sync.Mutex
	entries  []domain.TranscriptEntry
	inFlight bool
	errMsg   string
	version  uint64
	closed   bool
	subs     map[int]chan Snapshot
	nextSub  int
}

// NewController creates a controller seeded with the greeting. A nil session
// is accepted; every submit then records a failure.
func NewController(session Session, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		session:  session,
		timeout:  opts.Timeout,
		observer: opts.Observer,
		logger:   logger,
		subs:     make(map[int]chan Snapshot),
	}
	if opts.Greeting != "" {
		c.entries = append(c.entries, domain.AssistantEntry(opts.Greeting))
	}
	return c
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Submit sends text to the model and records the exchange. Blank text, a
// pending request, or a closed controller make it a no-op that returns the
// unchanged snapshot with ErrEmptyMessage, ErrRequestInFlight or ErrClosed.
//
// Model failures are not returned as errors: they append FallbackReply and set
// the snapshot's Error, and the conversation stays usable.
func (c *Controller) Submit(ctx context.Context, text string) (Snapshot, error) {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	switch {
	case c.closed:
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrClosed
	case text == "":
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.observe(OutcomeEmpty)
		return snap, ErrEmptyMessage
	case c.inFlight:
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.observe(OutcomeBusy)
		return snap, ErrRequestInFlight
	}

	c.entries = append(c.entries, domain.UserEntry(text))
	c.errMsg = ""
	c.inFlight = true
	c.publishLocked()
	session := c.session
	c.mu.Unlock()

	start := time.Now()
	reply, err := c.send(ctx, session, text)
	if c.observer != nil {
		c.observer.ObserveReplyLatency(time.Since(start))
	}

	c.mu.Lock()
	if err != nil {
		c.logger.Warn("chat reply failed", "error", err, "duration", time.Since(start))
		c.errMsg = FailureMessage
		c.entries = append(c.entries, domain.AssistantEntry(FallbackReply))
	} else {
		c.entries = append(c.entries, domain.AssistantEntry(reply))
	}
	c.inFlight = false
	c.publishLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if err != nil {
		c.observe(OutcomeFailure)
	} else {
		c.observe(OutcomeSuccess)
	}
	return snap, nil
}

// send runs the model call detached from the caller's cancellation so a
// dropped browser connection does not abandon a half-recorded exchange. The
// configured timeout still applies.
func (c *Controller) send(ctx context.Context, session Session, text string) (string, error) {
	if session == nil {
		return "", ErrSessionUninitialized
	}

	ctx = context.WithoutCancel(ctx)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	reply, err := session.SendMessage(ctx, text)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return reply, nil
}

// Subscribe returns a channel that receives the latest snapshot after every
// state change. A slow reader only ever sees the newest state. The returned
// function unsubscribes; the channel is closed on unsubscribe or Close.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// Close ends the conversation, closes subscriber channels and releases the
// model session if it holds resources. A pending Submit still settles.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	session := c.session
	c.mu.Unlock()

	if closer, ok := session.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("close chat session: %w", err)
		}
	}
	return nil
}

func (c *Controller) observe(outcome Outcome) {
	if c.observer != nil {
		c.observer.ObserveSubmit(outcome)
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	transcript := make([]domain.TranscriptEntry, len(c.entries))
	copy(transcript, c.entries)
	return Snapshot{
		Transcript: transcript,
		InFlight:   c.inFlight,
		Error:      c.errMsg,
		Version:    c.version,
	}
}

// publishLocked bumps the version and hands the new snapshot to every
// subscriber, replacing any snapshot they have not read yet.
func (c *Controller) publishLocked() {
	c.version++
	if len(c.subs) == 0 {
		return
	}
	snap := c.snapshotLocked()
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
