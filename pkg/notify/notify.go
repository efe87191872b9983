package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventKind identifies a notification the core emits. Delivery channel
// (email, SMS) is the consuming collaborator's concern.
type EventKind string

const (
	GuardianInvited         EventKind = "guardian_invited"
	CheckInReminderDue      EventKind = "check_in_reminder_due"
	VaultTriggered          EventKind = "vault_triggered"
	BeneficiaryReleaseReady EventKind = "beneficiary_release_ready"
	EscalationRequested     EventKind = "escalation_requested"
)

// Event is an abstract notification emitted by the core.
type Event struct {
	Kind    EventKind `json:"kind"`
	VaultID string    `json:"vault_id,omitempty"`
	UserID  string    `json:"user_id,omitempty"`
	PartyID string    `json:"party_id,omitempty"`
	At      time.Time `json:"at"`
	Detail  string    `json:"detail,omitempty"`
}

// Sink consumes notification events. Implementations must not block the
// caller beyond the passed context.
type Sink interface {
	Notify(ctx context.Context, ev Event) error
}

// LogSink logs every event; used when no delivery collaborator is wired.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Notify(_ context.Context, ev Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification emitted",
		"kind", ev.Kind, "vaultID", ev.VaultID, "userID", ev.UserID, "partyID", ev.PartyID, "detail", ev.Detail)
	return nil
}

// Recorder captures events for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of the given kind were recorded.
func (r *Recorder) Count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
