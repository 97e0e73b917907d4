// Package impersonate implements the impersonation session lifecycle: who
// may impersonate whom, starting and stopping sessions, and notifying the
// receivers that record each session.
package impersonate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Event describes the beginning or end of one impersonation session.
type Event struct {
	ImpersonatorID     uuid.UUID
	ImpersonatorEmail  string
	ImpersonatingID    uuid.UUID
	ImpersonatingName  string
	ImpersonatingEmail string
	SessionKey         string
	Reason             string
	IPAddress          string
	UserAgent          string

	// StartedAt is when the session began. For a begin event it equals At.
	StartedAt time.Time
	// At is when the event happened.
	At time.Time
	// Expired marks an end event caused by the maximum duration.
	Expired bool
}

// Duration is how long the session lasted at the time of the event.
func (e Event) Duration() time.Duration {
	if e.StartedAt.IsZero() || e.At.Before(e.StartedAt) {
		return 0
	}
	return e.At.Sub(e.StartedAt)
}

// Receiver is notified when sessions begin and end.
type Receiver interface {
	ImpersonationBegan(ctx context.Context, ev Event) error
	ImpersonationEnded(ctx context.Context, ev Event) error
}

type namedReceiver struct {
	name     string
	receiver Receiver
}

// Signals dispatches session events to the connected receivers in
// connection order.
type Signals struct {
	mu        sync.RWMutex
	receivers []namedReceiver
}

// NewSignals returns a dispatcher with no receivers.
func NewSignals() *Signals {
	return &Signals{}
}

// Connect adds r under name. Connecting a name twice replaces the earlier
// receiver in place.
func (s *Signals) Connect(name string, r Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.receivers {
		if s.receivers[i].name == name {
			s.receivers[i].receiver = r
			return
		}
	}
	s.receivers = append(s.receivers, namedReceiver{name: name, receiver: r})
}

// Disconnect removes the receiver connected under name and reports whether
// there was one.
func (s *Signals) Disconnect(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.receivers {
		if s.receivers[i].name == name {
			s.receivers = append(s.receivers[:i], s.receivers[i+1:]...)
			return true
		}
	}
	return false
}

// Receivers returns the connected receiver names.
func (s *Signals) Receivers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, len(s.receivers))
	for i, nr := range s.receivers {
		names[i] = nr.name
	}
	return names
}

// SendBegin delivers a begin event to every receiver.
func (s *Signals) SendBegin(ctx context.Context, ev Event) error {
	return s.send(ctx, "begin", ev, Receiver.ImpersonationBegan)
}

// SendEnd delivers an end event to every receiver.
func (s *Signals) SendEnd(ctx context.Context, ev Event) error {
	return s.send(ctx, "end", ev, Receiver.ImpersonationEnded)
}

func (s *Signals) send(ctx context.Context, signal string, ev Event, deliver func(Receiver, context.Context, Event) error) error {
	s.mu.RLock()
	receivers := make([]namedReceiver, len(s.receivers))
	copy(receivers, s.receivers)
	s.mu.RUnlock()

	var errs []error
	for _, nr := range receivers {
		if err := deliver(nr.receiver, ctx, ev); err != nil {
			log.Error().
				Err(err).
				Str("signal", signal).
				Str("receiver", nr.name).
				Str("session_key", ev.SessionKey).
				Msg("Impersonation receiver failed")
			errs = append(errs, fmt.Errorf("%s: %w", nr.name, err))
		}
	}
	return errors.Join(errs...)
}
