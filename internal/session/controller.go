package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/controlsuite/rag-assistant/internal/api"
	"github.com/controlsuite/rag-assistant/internal/audit"
	"github.com/controlsuite/rag-assistant/internal/domain"
)

// ChatClient is the transport the session drives. *api.Client satisfies it.
type ChatClient interface {
	Chat(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error)
	ChatStream(ctx context.Context, req *domain.ChatRequest) (<-chan api.StreamResult, error)
	ExecuteConfirmed(ctx context.Context, statement string, user *domain.UserContext) (*domain.ChatResponse, error)
}

// AuditRecorder receives confirmation-decision records. Audit failures are
// logged and swallowed; they never fail a turn.
type AuditRecorder interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Config carries the per-session settings.
type Config struct {
	// Streaming selects the incremental transport for submissions.
	Streaming bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithAudit attaches an audit recorder for confirmation decisions.
func WithAudit(rec AuditRecorder) Option {
	return func(s *Session) {
		s.audit = rec
	}
}

// Session drives one conversation with the backend: it owns the message log
// and the confirmation gate, dispatches each submission over the configured
// transport, and keeps itself usable after any error. One outbound query may
// be in flight at a time; a second submission is rejected, not queued.
//
// A Session is an explicit instance owned by the caller; run several
// side by side by creating several.
type Session struct {
	client ChatClient
	log    *MessageLog
	gate   *ConfirmationGate
	logger *slog.Logger
	audit  AuditRecorder

	streaming atomic.Bool
	busy      atomic.Bool

	user atomic.Pointer[domain.UserContext]
}

// New creates a session over the given transport.
func New(client ChatClient, cfg Config, opts ...Option) *Session {
	s := &Session{
		client: client,
		log:    NewMessageLog(),
		gate:   NewConfirmationGate(),
		logger: slog.Default(),
	}
	s.streaming.Store(cfg.Streaming)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Log returns the session's message log.
func (s *Session) Log() *MessageLog {
	return s.log
}

// Gate returns the session's confirmation gate.
func (s *Session) Gate() *ConfirmationGate {
	return s.gate
}

// SetUserContext binds the identity attached to every query.
func (s *Session) SetUserContext(u *domain.UserContext) {
	s.user.Store(u)
}

// UserContext returns the bound identity, or nil.
func (s *Session) UserContext() *domain.UserContext {
	return s.user.Load()
}

// SetStreaming toggles the transport mode for subsequent submissions.
func (s *Session) SetStreaming(v bool) {
	s.streaming.Store(v)
}

// Streaming reports the current transport mode.
func (s *Session) Streaming() bool {
	return s.streaming.Load()
}

// Busy reports whether a query is in flight.
func (s *Session) Busy() bool {
	return s.busy.Load()
}

// Submit runs one query turn. Empty input and a missing user context are
// rejected before any state mutation or network call.
func (s *Session) Submit(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return domain.ErrInvalidSubmission("empty query")
	}
	user := s.user.Load()
	if user == nil {
		return domain.ErrInvalidSubmission("no user context bound")
	}
	if !s.busy.CompareAndSwap(false, true) {
		return domain.ErrSessionBusy("a query is already in flight")
	}
	defer s.busy.Store(false)

	s.log.Append(domain.NewMessage(domain.RoleUser, text))

	if s.streaming.Load() {
		return s.streamingTurn(ctx, text, user)
	}
	return s.completeTurn(ctx, text, user)
}

func (s *Session) completeTurn(ctx context.Context, text string, user *domain.UserContext) error {
	resp, err := s.client.Chat(ctx, &domain.ChatRequest{Query: text, UserContext: user})
	if err != nil {
		s.recordFailure(err)
		return err
	}

	if resp.RequiresConfirmation {
		return s.proposeConfirmation(ctx, resp, user)
	}

	msg := domain.NewMessage(domain.RoleAssistant, resp.Response)
	msg.Data = resp.Data
	msg.Sources = resp.Sources
	msg.Classification = resp.Classification
	s.log.Append(msg)
	return nil
}

func (s *Session) proposeConfirmation(ctx context.Context, resp *domain.ChatResponse, user *domain.UserContext) error {
	content := resp.Message
	if content == "" {
		content = "This operation requires confirmation."
	}

	msg := domain.NewMessage(domain.RoleAssistant, content)
	msg.Classification = resp.Classification
	msg.RequiresConfirmation = true
	msg.PendingQuery = resp.SQLQuery
	msg.Application = resp.Application

	action := PendingAction{
		MessageID:      msg.ID,
		Statement:      resp.SQLQuery,
		Application:    resp.Application,
		Classification: resp.Classification,
		User:           *user,
	}
	if err := s.gate.Propose(action); err != nil {
		s.log.Append(domain.NewMessage(domain.RoleSystem,
			"A confirmation is already pending. Confirm or cancel it before submitting another mutating query."))
		return err
	}

	s.log.Append(msg)
	s.recordDecision(ctx, audit.DecisionProposed, action, true, "")
	return nil
}

func (s *Session) streamingTurn(ctx context.Context, text string, user *domain.UserContext) error {
	// Placeholder goes in before any data arrives so the log shows an
	// in-progress turn.
	s.log.Append(domain.NewMessage(domain.RoleAssistant, ""))

	results, err := s.client.ChatStream(ctx, &domain.ChatRequest{Query: text, UserContext: user})
	if err != nil {
		s.recordFailure(err)
		return err
	}

	var (
		turnErrs        []error
		statusShown     bool
		contentStarted  bool
		awaitingStmt    *domain.Classification
		pendingConflict bool
	)

	for res := range results {
		if res.Err != nil {
			if domain.IsKind(res.Err, domain.ErrorKindStreamTruncated) {
				s.log.MarkTailTruncated()
			}
			turnErrs = append(turnErrs, res.Err)
			continue
		}

		ev := res.Event
		switch ev.Type {
		case domain.EventStatus:
			// Provisional text until real content arrives.
			if !contentStarted {
				s.log.ReplaceTailContent(ev.Message)
				statusShown = true
			}

		case domain.EventContent:
			if statusShown && !contentStarted {
				s.log.ReplaceTailContent(ev.Chunk)
			} else {
				s.log.AppendChunk(ev.Chunk)
			}
			contentStarted = true

		case domain.EventClassification:
			cls, err := ev.ClassificationPayload()
			if err != nil {
				s.logger.Warn("dropping undecodable classification event",
					slog.String("error", err.Error()))
				continue
			}
			s.log.SetTailClassification(cls)
			if cls.RequiresConfirmation {
				// Statement arrives in a later data event.
				awaitingStmt = cls
			}

		case domain.EventData:
			if stmt, ok := statementPayload(ev); ok && awaitingStmt != nil {
				if err := s.armStreamedConfirmation(ctx, stmt, awaitingStmt, user); err != nil {
					pendingConflict = true
					turnErrs = append(turnErrs, err)
				}
				awaitingStmt = nil
				continue
			}
			payload, err := ev.ResultPayload()
			if err != nil {
				s.logger.Warn("dropping undecodable data event",
					slog.String("error", err.Error()))
				continue
			}
			s.log.SetTailData(payload)

		case domain.EventError:
			// Surfaced to the caller, never terminal: buffered partial
			// content stays in the log.
			turnErrs = append(turnErrs, domain.ErrBackend("%s", ev.Message))
		}
	}

	// Appended after the loop so later events cannot mutate it as the tail.
	if pendingConflict {
		s.log.Append(domain.NewMessage(domain.RoleSystem,
			"A confirmation is already pending. Confirm or cancel it before submitting another mutating query."))
	}

	return errors.Join(turnErrs...)
}

// armStreamedConfirmation flags the streaming tail message and arms the gate
// once both the classification and the candidate statement have arrived. A
// proposal while another confirmation is pending is rejected and reported,
// matching the non-streaming path.
func (s *Session) armStreamedConfirmation(ctx context.Context, statement string, cls *domain.Classification, user *domain.UserContext) error {
	tail, ok := s.log.Tail()
	if !ok {
		return nil
	}
	action := PendingAction{
		MessageID:      tail.ID,
		Statement:      statement,
		Application:    cls.Application,
		Classification: cls,
		User:           *user,
	}
	if err := s.gate.Propose(action); err != nil {
		return err
	}
	s.log.FlagTailConfirmation(statement, cls.Application)
	s.recordDecision(ctx, audit.DecisionProposed, action, true, "")
	return nil
}

// Confirm executes the pending statement if messageID still identifies it.
// Stale confirmations are rejected without touching the log or the network.
func (s *Session) Confirm(ctx context.Context, messageID string) error {
	if !s.busy.CompareAndSwap(false, true) {
		return domain.ErrSessionBusy("a query is already in flight")
	}
	defer s.busy.Store(false)

	action, err := s.gate.Confirm(messageID)
	if err != nil {
		return err
	}
	s.log.ClearConfirmation(messageID)

	resp, execErr := s.client.ExecuteConfirmed(ctx, action.Statement, &action.User)
	if execErr != nil {
		s.recordFailure(execErr)
		s.recordDecision(ctx, audit.DecisionConfirmed, action, false, execErr.Error())
		return execErr
	}

	msg := domain.NewMessage(domain.RoleAssistant, resp.Response)
	msg.Data = resp.Data
	msg.Sources = resp.Sources
	msg.Classification = resp.Classification
	s.log.Append(msg)

	s.recordDecision(ctx, audit.DecisionConfirmed, action, true, "")
	return nil
}

// Cancel discards the pending statement without any backend call.
func (s *Session) Cancel(ctx context.Context, messageID string) error {
	action, err := s.gate.Cancel(messageID)
	if err != nil {
		return err
	}
	s.log.ClearConfirmation(messageID)
	s.recordDecision(ctx, audit.DecisionCancelled, action, true, "")
	return nil
}

// recordFailure keeps a visible trace of a failed turn in the conversation.
func (s *Session) recordFailure(err error) {
	s.log.Append(domain.NewMessage(domain.RoleSystem, "Error: "+err.Error()))
}

func (s *Session) recordDecision(ctx context.Context, decision audit.Decision, action PendingAction, success bool, errMsg string) {
	if s.audit == nil {
		return
	}
	entry := audit.Entry{
		UserID:       action.User.UserID,
		Username:     action.User.Username,
		Application:  action.Application,
		Statement:    action.Statement,
		Decision:     decision,
		Success:      success,
		ErrorMessage: errMsg,
	}
	if action.Classification != nil {
		entry.Operation = action.Classification.Intent
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Error("failed to record audit entry",
			slog.String("error", err.Error()))
	}
}

// statementPayload extracts a candidate statement from a data event, if the
// payload carries one.
func statementPayload(ev *domain.StreamEvent) (string, bool) {
	raw := ev.Result
	if len(raw) == 0 {
		raw = ev.Data
	}
	if len(raw) == 0 {
		return "", false
	}
	var payload struct {
		SQLQuery string `json:"sql_query"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", false
	}
	return payload.SQLQuery, payload.SQLQuery != ""
}
