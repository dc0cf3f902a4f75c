package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yangwenmai/cadence/internal/model"
)

const stubName = "stub"

// Sent is one message recorded by the stub.
type Sent struct {
	ChannelRef string
	Message    Message
	At         time.Time
}

// Stub is an in-memory channel with native scheduling (for development/testing).
type Stub struct {
	mu        sync.Mutex
	now       func() time.Time
	seq       int
	sent      []Sent
	scheduled map[string]time.Time
	failures  []error
}

// NewStub creates an empty stub channel.
func NewStub() *Stub {
	return &Stub{now: time.Now, scheduled: make(map[string]time.Time)}
}

// SetClock replaces the stub's clock.
func (s *Stub) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailNext makes the next n Send calls fail.
func (s *Stub) FailNext(n int, retryable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures = append(s.failures, &model.ChannelError{Channel: stubName, Retryable: retryable, Err: errors.New("injected failure")})
	}
}

// Send records msg.
func (s *Stub) Send(ctx context.Context, channelRef string, msg Message) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, &model.ChannelError{Channel: stubName, Retryable: true, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return Receipt{}, err
	}
	s.seq++
	s.sent = append(s.sent, Sent{ChannelRef: channelRef, Message: msg, At: s.now()})
	return Receipt{ExternalID: fmt.Sprintf("msg-%d", s.seq)}, nil
}

// ScheduleNative registers msg for delivery at at.
func (s *Stub) ScheduleNative(ctx context.Context, channelRef string, msg Message, at time.Time) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, &model.ChannelError{Channel: stubName, Retryable: true, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("sched-%d", s.seq)
	s.scheduled[id] = at
	return Receipt{ExternalID: id}, nil
}

// Confirm reports a scheduled message delivered once its time has passed.
func (s *Stub) Confirm(_ context.Context, _, externalID string) (Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.scheduled[externalID]
	if !ok {
		return Confirmation{}, &model.ChannelError{Channel: stubName, Err: fmt.Errorf("unknown schedule %q", externalID)}
	}
	if at.After(s.now()) {
		return Confirmation{}, nil
	}
	return Confirmation{Delivered: true, DeliveredAt: at}, nil
}

// Sent returns a copy of everything sent so far.
func (s *Stub) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sent, len(s.sent))
	copy(out, s.sent)
	return out
}

var (
	_ Adapter = (*Stub)(nil)
	_ Adapter = (*Telegram)(nil)
)
