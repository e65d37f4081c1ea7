package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/controlsuite/rag-assistant/internal/api"
	"github.com/controlsuite/rag-assistant/internal/audit"
	"github.com/controlsuite/rag-assistant/internal/domain"
)

// fakeClient is a scripted transport. It records every chat request so tests
// can assert exactly what went over the wire.
type fakeClient struct {
	mu        sync.Mutex
	chatCalls []domain.ChatRequest

	chatFn   func(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error)
	streamFn func(ctx context.Context, req *domain.ChatRequest) (<-chan api.StreamResult, error)
}

func (f *fakeClient) Chat(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	f.mu.Lock()
	f.chatCalls = append(f.chatCalls, *req)
	f.mu.Unlock()
	return f.chatFn(ctx, req)
}

func (f *fakeClient) ChatStream(ctx context.Context, req *domain.ChatRequest) (<-chan api.StreamResult, error) {
	return f.streamFn(ctx, req)
}

func (f *fakeClient) ExecuteConfirmed(ctx context.Context, statement string, user *domain.UserContext) (*domain.ChatResponse, error) {
	return f.Chat(ctx, &domain.ChatRequest{Query: statement, UserContext: user, Confirmed: true})
}

func (f *fakeClient) calls() []domain.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ChatRequest, len(f.chatCalls))
	copy(out, f.chatCalls)
	return out
}

func streamOf(results ...api.StreamResult) func(context.Context, *domain.ChatRequest) (<-chan api.StreamResult, error) {
	return func(context.Context, *domain.ChatRequest) (<-chan api.StreamResult, error) {
		ch := make(chan api.StreamResult, len(results))
		for _, r := range results {
			ch <- r
		}
		close(ch)
		return ch, nil
	}
}

func contentEvent(chunk string) api.StreamResult {
	return api.StreamResult{Event: &domain.StreamEvent{Type: domain.EventContent, Chunk: chunk}}
}

func statusEvent(message string) api.StreamResult {
	return api.StreamResult{Event: &domain.StreamEvent{Type: domain.EventStatus, Message: message}}
}

func classificationEvent(t *testing.T, cls *domain.Classification) api.StreamResult {
	t.Helper()
	raw, err := json.Marshal(cls)
	if err != nil {
		t.Fatalf("marshaling classification: %v", err)
	}
	return api.StreamResult{Event: &domain.StreamEvent{Type: domain.EventClassification, Data: raw}}
}

func dataEvent(t *testing.T, payload any) api.StreamResult {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshaling payload: %v", err)
	}
	return api.StreamResult{Event: &domain.StreamEvent{Type: domain.EventData, Result: raw}}
}

func newTestSession(client ChatClient, streaming bool) *Session {
	s := New(client, Config{Streaming: streaming},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.SetUserContext(&domain.UserContext{
		UserID: 1, Username: "asmith", OU: "Operational Risk",
		LRE: "US-01", Country: "US", Role: domain.UserRoleUser,
	})
	return s
}

func TestSession_SubmitEmpty(t *testing.T) {
	client := &fakeClient{chatFn: func(context.Context, *domain.ChatRequest) (*domain.ChatResponse, error) {
		t.Fatal("no network call expected")
		return nil, nil
	}}
	s := newTestSession(client, false)

	for _, input := range []string{"", "   ", "\n\t"} {
		err := s.Submit(context.Background(), input)
		if !domain.IsKind(err, domain.ErrorKindInvalidSubmission) {
			t.Errorf("Submit(%q) error = %v, want invalid_submission", input, err)
		}
	}
	if s.Log().Len() != 0 {
		t.Errorf("log length = %d, want 0", s.Log().Len())
	}
}

func TestSession_SubmitWithoutUserContext(t *testing.T) {
	client := &fakeClient{chatFn: func(context.Context, *domain.ChatRequest) (*domain.ChatResponse, error) {
		t.Fatal("no network call expected")
		return nil, nil
	}}
	s := New(client, Config{}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	err := s.Submit(context.Background(), "list controls")
	if !domain.IsKind(err, domain.ErrorKindInvalidSubmission) {
		t.Fatalf("Submit() error = %v, want invalid_submission", err)
	}
	if s.Log().Len() != 0 {
		t.Errorf("log length = %d, want 0", s.Log().Len())
	}
}

func TestSession_NonStreamingTurn(t *testing.T) {
	rows := []any{map[string]any{"control_id": "C-101"}, map[string]any{"control_id": "C-102"}, map[string]any{"control_id": "C-103"}}
	client := &fakeClient{chatFn: func(_ context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
		return &domain.ChatResponse{
			Response:       "3 controls found",
			Data:           rows,
			Classification: &domain.Classification{Application: domain.AppEControls, Intent: domain.IntentRead},
		}, nil
	}}
	s := newTestSession(client, false)

	if err := s.Submit(context.Background(), "list controls"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	msgs := s.Log().Messages()
	if len(msgs) != 2 {
		t.Fatalf("log length = %d, want 2 (user + assistant)", len(msgs))
	}
	if msgs[0].Role != domain.RoleUser || msgs[0].Content != "list controls" {
		t.Errorf("user message = %+v", msgs[0])
	}
	assistant := msgs[1]
	if assistant.Role != domain.RoleAssistant || assistant.Content != "3 controls found" {
		t.Errorf("assistant message = %+v", assistant)
	}
	if assistant.Data == nil || assistant.Classification == nil {
		t.Error("data/classification not attached")
	}
	if _, ok := s.Gate().Pending(); ok {
		t.Error("read query must not arm the confirmation gate")
	}
}

func TestSession_TransportFailureRecordsSystemMessage(t *testing.T) {
	client := &fakeClient{chatFn: func(context.Context, *domain.ChatRequest) (*domain.ChatResponse, error) {
		return nil, domain.ErrTransport("connection refused")
	}}
	s := newTestSession(client, false)

	err := s.Submit(context.Background(), "list controls")
	if !domain.IsKind(err, domain.ErrorKindTransport) {
		t.Fatalf("Submit() error = %v, want transport", err)
	}

	msgs := s.Log().Messages()
	if len(msgs) != 2 {
		t.Fatalf("log length = %d, want 2 (user + system)", len(msgs))
	}
	if msgs[1].Role != domain.RoleSystem {
		t.Errorf("failure record role = %v, want system", msgs[1].Role)
	}

	// The session stays usable after a failed turn.
	if s.Busy() {
		t.Error("session still busy after failed turn")
	}
}

func TestSession_ConfirmationFlow(t *testing.T) {
	statement := "DELETE FROM controls WHERE status = 'retired';"
	client := &fakeClient{}
	client.chatFn = func(_ context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
		if req.Confirmed {
			return &domain.ChatResponse{Response: "1 row deleted", Data: map[string]any{"affected_rows": 1}}, nil
		}
		return &domain.ChatResponse{
			RequiresConfirmation: true,
			SQLQuery:             statement,
			Application:          domain.AppEControls,
			Message:              "This operation will modify data in eControls. Please confirm to proceed.",
			Classification: &domain.Classification{
				Application: domain.AppEControls, Intent: domain.IntentDelete, RequiresConfirmation: true,
			},
		}, nil
	}
	s := newTestSession(client, false)

	if err := s.Submit(context.Background(), "delete retired controls"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	pending, ok := s.Gate().Pending()
	if !ok {
		t.Fatal("gate not armed")
	}
	if pending.Statement != statement {
		t.Errorf("pending statement = %q", pending.Statement)
	}
	tail, _ := s.Log().Tail()
	if !tail.RequiresConfirmation || tail.PendingQuery != statement {
		t.Errorf("proposal message = %+v", tail)
	}

	if err := s.Confirm(context.Background(), pending.MessageID); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}

	calls := client.calls()
	if len(calls) != 2 {
		t.Fatalf("chat calls = %d, want 2 (classify + execute)", len(calls))
	}
	exec := calls[1]
	if !exec.Confirmed {
		t.Error("execute request missing confirmed flag")
	}
	if exec.Query != statement {
		t.Errorf("execute query = %q, want the proposed statement", exec.Query)
	}
	if exec.UserContext.Username != "asmith" {
		t.Error("execute request must run under the proposing user context")
	}

	tail, _ = s.Log().Tail()
	if tail.Content != "1 row deleted" {
		t.Errorf("result message = %q", tail.Content)
	}
	if _, ok := s.Gate().Pending(); ok {
		t.Error("gate still armed after confirm")
	}
}

func TestSession_CancelIssuesNoNetworkCall(t *testing.T) {
	client := &fakeClient{}
	client.chatFn = func(context.Context, *domain.ChatRequest) (*domain.ChatResponse, error) {
		return &domain.ChatResponse{
			RequiresConfirmation: true,
			SQLQuery:             "DELETE FROM kris;",
			Application:          domain.AppMyKRI,
			Classification:       &domain.Classification{Application: domain.AppMyKRI, Intent: domain.IntentDelete, RequiresConfirmation: true},
		}, nil
	}
	s := newTestSession(client, false)

	if err := s.Submit(context.Background(), "delete all kris"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	pending, _ := s.Gate().Pending()

	if err := s.Cancel(context.Background(), pending.MessageID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	if got := len(client.calls()); got != 1 {
		t.Errorf("chat calls = %d, want 1 (cancel must not touch the backend)", got)
	}
	tail, _ := s.Log().Tail()
	if tail.RequiresConfirmation {
		t.Error("pending flag not cleared on cancel")
	}
	if _, ok := s.Gate().Pending(); ok {
		t.Error("gate still armed after cancel")
	}
}

func TestSession_StaleConfirmationIsNoOp(t *testing.T) {
	client := &fakeClient{}
	client.chatFn = func(context.Context, *domain.ChatRequest) (*domain.ChatResponse, error) {
		return &domain.ChatResponse{
			RequiresConfirmation: true,
			SQLQuery:             "DELETE FROM controls;",
			Classification:       &domain.Classification{Intent: domain.IntentDelete, RequiresConfirmation: true},
		}, nil
	}
	s := newTestSession(client, false)

	if err := s.Submit(context.Background(), "delete controls"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	before := s.Log().Messages()

	err := s.Confirm(context.Background(), "not-the-pending-message")
	if !domain.IsKind(err, domain.ErrorKindStaleConfirmation) {
		t.Fatalf("Confirm(stale) error = %v, want stale_confirmation", err)
	}

	if got := len(client.calls()); got != 1 {
		t.Errorf("chat calls = %d, want 1 (stale confirm must not execute)", got)
	}
	after := s.Log().Messages()
	if len(after) != len(before) {
		t.Error("stale confirm mutated the log")
	}
	if _, ok := s.Gate().Pending(); !ok {
		t.Error("pending action lost on stale confirm")
	}
}

func TestSession_StreamingTurn(t *testing.T) {
	cls := &domain.Classification{Application: domain.AppEControls, Intent: domain.IntentRead}
	rows := []map[string]any{{"control_id": "C-101"}}
	client := &fakeClient{streamFn: streamOf(
		statusEvent("Analyzing query..."),
		classificationEvent(t, cls),
		statusEvent("Executing query..."),
		contentEvent("Hel"),
		contentEvent("lo"),
		dataEvent(t, rows),
	)}
	s := newTestSession(client, true)

	if err := s.Submit(context.Background(), "list controls"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	msgs := s.Log().Messages()
	if len(msgs) != 2 {
		t.Fatalf("log length = %d, want 2", len(msgs))
	}
	tail := msgs[1]
	if tail.Content != "Hello" {
		t.Errorf("content = %q, want %q (status text must not leak into the answer)", tail.Content, "Hello")
	}
	if tail.Classification == nil || tail.Classification.Application != domain.AppEControls {
		t.Errorf("classification = %+v", tail.Classification)
	}
	if tail.Data == nil {
		t.Error("data event not applied")
	}
	if tail.Truncated {
		t.Error("complete stream marked truncated")
	}
}

func TestSession_StreamingPlaceholderBeforeData(t *testing.T) {
	client := &fakeClient{}
	client.streamFn = func(context.Context, *domain.ChatRequest) (<-chan api.StreamResult, error) {
		// By the time the transport is invoked the placeholder must
		// already be in the log.
		ch := make(chan api.StreamResult)
		close(ch)
		return ch, nil
	}
	s := newTestSession(client, true)

	var placeholderSeen bool
	s.Log().Subscribe(func() {
		if tail, ok := s.Log().Tail(); ok && tail.Role == domain.RoleAssistant && tail.Content == "" {
			placeholderSeen = true
		}
	})

	if err := s.Submit(context.Background(), "list controls"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !placeholderSeen {
		t.Error("no empty assistant placeholder observed during the turn")
	}
}

func TestSession_StreamingMidStreamError(t *testing.T) {
	client := &fakeClient{streamFn: streamOf(
		contentEvent("Hel"),
		api.StreamResult{Event: &domain.StreamEvent{Type: domain.EventError, Message: "retrieval backend unavailable"}},
		contentEvent("lo"),
	)}
	s := newTestSession(client, true)

	err := s.Submit(context.Background(), "list controls")
	if err == nil {
		t.Fatal("mid-stream error must be surfaced")
	}
	if !domain.IsKind(err, domain.ErrorKindBackend) {
		t.Errorf("error = %v, want backend kind", err)
	}

	tail, _ := s.Log().Tail()
	if tail.Content != "Hello" {
		t.Errorf("content = %q, want %q (partial content preserved across error)", tail.Content, "Hello")
	}
}

func TestSession_StreamingTruncation(t *testing.T) {
	client := &fakeClient{streamFn: streamOf(
		contentEvent("partial answer"),
		api.StreamResult{Err: domain.ErrStreamTruncated("stream ended without sentinel")},
	)}
	s := newTestSession(client, true)

	err := s.Submit(context.Background(), "list controls")
	if !domain.IsKind(err, domain.ErrorKindStreamTruncated) {
		t.Fatalf("Submit() error = %v, want stream_truncated", err)
	}

	tail, _ := s.Log().Tail()
	if tail.Content != "partial answer" {
		t.Errorf("content = %q (partial content must survive truncation)", tail.Content)
	}
	if !tail.Truncated {
		t.Error("tail not marked truncated")
	}
}

func TestSession_StreamingConfirmationArmsGate(t *testing.T) {
	statement := "UPDATE controls SET status = 'inactive';"
	cls := &domain.Classification{
		Application: domain.AppEControls, Intent: domain.IntentWrite, RequiresConfirmation: true,
	}
	client := &fakeClient{streamFn: streamOf(
		classificationEvent(t, cls),
		contentEvent("This operation will modify data in eControls. "),
		dataEvent(t, map[string]any{"sql_query": statement, "requires_confirmation": true}),
	)}
	s := newTestSession(client, true)

	if err := s.Submit(context.Background(), "deactivate all controls"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	pending, ok := s.Gate().Pending()
	if !ok {
		t.Fatal("gate not armed from streamed classification")
	}
	if pending.Statement != statement {
		t.Errorf("pending statement = %q", pending.Statement)
	}
	tail, _ := s.Log().Tail()
	if !tail.RequiresConfirmation || tail.PendingQuery != statement {
		t.Errorf("tail = %+v", tail)
	}
}

func TestSession_StreamingProposalRejectedWhilePending(t *testing.T) {
	firstStmt := "DELETE FROM controls WHERE status = 'retired';"
	cls := &domain.Classification{
		Application: domain.AppEControls, Intent: domain.IntentDelete, RequiresConfirmation: true,
	}
	client := &fakeClient{
		chatFn: func(context.Context, *domain.ChatRequest) (*domain.ChatResponse, error) {
			return &domain.ChatResponse{
				RequiresConfirmation: true,
				SQLQuery:             firstStmt,
				Classification:       cls,
			}, nil
		},
		streamFn: streamOf(
			classificationEvent(t, cls),
			contentEvent("This operation will modify data in eControls. "),
			dataEvent(t, map[string]any{"sql_query": "DELETE FROM kris;", "requires_confirmation": true}),
		),
	}
	s := newTestSession(client, false)

	if err := s.Submit(context.Background(), "delete retired controls"); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	first, _ := s.Gate().Pending()

	s.SetStreaming(true)
	err := s.Submit(context.Background(), "delete all kris")
	if !domain.IsKind(err, domain.ErrorKindConfirmationPending) {
		t.Fatalf("streamed second Submit() error = %v, want confirmation_pending", err)
	}

	pending, ok := s.Gate().Pending()
	if !ok || pending.MessageID != first.MessageID || pending.Statement != firstStmt {
		t.Error("original pending action was displaced by the streamed proposal")
	}
	tail, _ := s.Log().Tail()
	if tail.Role != domain.RoleSystem {
		t.Errorf("tail role = %v, want a system message explaining the rejection", tail.Role)
	}
	if tail.RequiresConfirmation {
		t.Error("rejected streamed proposal must not flag a message for confirmation")
	}
}

func TestSession_BusyRejectsSecondSubmit(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	client := &fakeClient{chatFn: func(context.Context, *domain.ChatRequest) (*domain.ChatResponse, error) {
		close(started)
		<-release
		return &domain.ChatResponse{Response: "ok"}, nil
	}}
	s := newTestSession(client, false)

	done := make(chan error, 1)
	go func() {
		done <- s.Submit(context.Background(), "first query")
	}()

	<-started
	err := s.Submit(context.Background(), "second query")
	if !domain.IsKind(err, domain.ErrorKindSessionBusy) {
		t.Errorf("second Submit() error = %v, want session_busy", err)
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("first Submit() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first submission did not finish")
	}

	// Only the first query reached the backend.
	if got := len(client.calls()); got != 1 {
		t.Errorf("chat calls = %d, want 1", got)
	}
}

func TestSession_SecondProposalRejectedWhilePending(t *testing.T) {
	client := &fakeClient{}
	client.chatFn = func(context.Context, *domain.ChatRequest) (*domain.ChatResponse, error) {
		return &domain.ChatResponse{
			RequiresConfirmation: true,
			SQLQuery:             "DELETE FROM controls;",
			Classification:       &domain.Classification{Intent: domain.IntentDelete, RequiresConfirmation: true},
		}, nil
	}
	s := newTestSession(client, false)

	if err := s.Submit(context.Background(), "delete controls"); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	first, _ := s.Gate().Pending()

	err := s.Submit(context.Background(), "delete kris too")
	if !domain.IsKind(err, domain.ErrorKindConfirmationPending) {
		t.Fatalf("second Submit() error = %v, want confirmation_pending", err)
	}

	pending, ok := s.Gate().Pending()
	if !ok || pending.MessageID != first.MessageID {
		t.Error("original pending action was displaced")
	}
}

// recordingAudit captures audit entries in memory.
type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
	err     error
}

func (r *recordingAudit) Record(_ context.Context, e audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingAudit) decisions() []audit.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.Decision, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Decision
	}
	return out
}

func TestSession_AuditTrail(t *testing.T) {
	client := &fakeClient{}
	client.chatFn = func(_ context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
		if req.Confirmed {
			return &domain.ChatResponse{Response: "done"}, nil
		}
		return &domain.ChatResponse{
			RequiresConfirmation: true,
			SQLQuery:             "DELETE FROM controls;",
			Application:          domain.AppEControls,
			Classification:       &domain.Classification{Application: domain.AppEControls, Intent: domain.IntentDelete, RequiresConfirmation: true},
		}, nil
	}

	rec := &recordingAudit{}
	s := New(client, Config{}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithAudit(rec))
	s.SetUserContext(&domain.UserContext{UserID: 1, Username: "asmith"})

	if err := s.Submit(context.Background(), "delete controls"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	pending, _ := s.Gate().Pending()
	if err := s.Confirm(context.Background(), pending.MessageID); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}

	decisions := rec.decisions()
	if len(decisions) != 2 || decisions[0] != audit.DecisionProposed || decisions[1] != audit.DecisionConfirmed {
		t.Errorf("decisions = %v, want [proposed confirmed]", decisions)
	}
}

func TestSession_AuditFailureDoesNotFailTurn(t *testing.T) {
	client := &fakeClient{}
	client.chatFn = func(context.Context, *domain.ChatRequest) (*domain.ChatResponse, error) {
		return &domain.ChatResponse{
			RequiresConfirmation: true,
			SQLQuery:             "DELETE FROM controls;",
			Classification:       &domain.Classification{Intent: domain.IntentDelete, RequiresConfirmation: true},
		}, nil
	}

	rec := &recordingAudit{err: errors.New("disk full")}
	s := New(client, Config{}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithAudit(rec))
	s.SetUserContext(&domain.UserContext{UserID: 1, Username: "asmith"})

	if err := s.Submit(context.Background(), "delete controls"); err != nil {
		t.Fatalf("Submit() must not fail on audit errors, got %v", err)
	}
}
