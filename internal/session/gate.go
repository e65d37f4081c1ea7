package session

import (
	"sync"

	"github.com/controlsuite/rag-assistant/internal/domain"
)

// PendingAction is a candidate mutating statement awaiting human approval.
// It exists only between the assistant proposing it and the user deciding,
// and is consumed exactly once.
type PendingAction struct {
	// MessageID is the assistant message displaying the proposal. Confirm
	// and cancel must reference it; anything else is stale.
	MessageID      string
	Statement      string
	Application    domain.Application
	Classification *domain.Classification
	// User is the context under which the statement was proposed. Execution
	// runs under this same context, not whatever is bound at confirm time.
	User domain.UserContext
}

// ConfirmationGate enforces explicit human approval before a classified
// mutating statement is executed. At most one action may be pending per
// session; a second proposal is rejected until the first resolves, so a
// confirm can never be ambiguous about what it executes.
type ConfirmationGate struct {
	mu      sync.Mutex
	pending *PendingAction
}

// NewConfirmationGate creates an idle gate.
func NewConfirmationGate() *ConfirmationGate {
	return &ConfirmationGate{}
}

// Propose arms the gate with a candidate action. Fails with a
// confirmation_pending error if another action is already awaiting a
// decision.
func (g *ConfirmationGate) Propose(action PendingAction) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending != nil {
		return domain.ErrConfirmationPending("a confirmation is already pending; confirm or cancel it first")
	}
	a := action
	g.pending = &a
	return nil
}

// Confirm consumes the pending action if messageID matches it. A stale id
// (an older, superseded proposal) is rejected without side effects and must
// never silently execute.
func (g *ConfirmationGate) Confirm(messageID string) (PendingAction, error) {
	return g.take(messageID)
}

// Cancel consumes the pending action without execution. Stale ids are
// rejected the same way as Confirm.
func (g *ConfirmationGate) Cancel(messageID string) (PendingAction, error) {
	return g.take(messageID)
}

func (g *ConfirmationGate) take(messageID string) (PendingAction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return PendingAction{}, domain.ErrStaleConfirmation("no confirmation is pending")
	}
	if g.pending.MessageID != messageID {
		return PendingAction{}, domain.ErrStaleConfirmation("message %s is not the pending confirmation", messageID)
	}
	action := *g.pending
	g.pending = nil
	return action, nil
}

// Pending returns the current candidate, if any.
func (g *ConfirmationGate) Pending() (PendingAction, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return PendingAction{}, false
	}
	return *g.pending, true
}
