// ragchat is a terminal client for the assistant backend. It binds a user
// context, then runs a read-eval loop over the session engine: queries go to
// the backend, streamed answers render incrementally, and classified
// mutating statements stop at the confirmation gate until the operator types
// confirm or cancel.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/controlsuite/rag-assistant/internal/api"
	"github.com/controlsuite/rag-assistant/internal/audit"
	"github.com/controlsuite/rag-assistant/internal/config"
	"github.com/controlsuite/rag-assistant/internal/domain"
	"github.com/controlsuite/rag-assistant/internal/session"
	"github.com/controlsuite/rag-assistant/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdown, err := telemetry.Init("ragchat", "0.3.0", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer shutdown(context.Background())

	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
	}
	clientOpts := []api.ClientOption{
		api.WithBaseURL(cfg.Backend.BaseURL),
		api.WithHTTPClient(httpClient),
		api.WithLogger(logger),
	}
	if cfg.Backend.APIToken != "" {
		clientOpts = append(clientOpts, api.WithBearerToken(cfg.Backend.APIToken))
	}
	client := api.NewClient(clientOpts...)

	ctx := context.Background()

	user, err := client.UserContext(ctx, cfg.User.ID, domain.Application(cfg.Session.Application))
	if err != nil {
		log.Fatalf("Failed to fetch user context: %v", err)
	}
	if cfg.User.Role != "" {
		user.Role = domain.UserRole(cfg.User.Role)
	}

	opts := []session.Option{session.WithLogger(logger)}

	var store *audit.Store
	if cfg.Audit.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Audit.Path), 0o755); err != nil {
			log.Fatalf("Failed to create audit directory: %v", err)
		}
		store, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			log.Fatalf("Failed to open audit store: %v", err)
		}
		defer store.Close()
		opts = append(opts, session.WithAudit(store))
	}

	sess := session.New(client, session.Config{Streaming: cfg.Session.Streaming}, opts...)
	sess.SetUserContext(user)

	r := newRenderer(sess.Log())
	sess.Log().Subscribe(r.render)

	fmt.Printf("Enterprise RAG Assistant - %s (%s, role %s)\n", user.Username, user.OU, strings.ToUpper(string(user.Role)))
	fmt.Println(`Type a question, "confirm"/"cancel" for pending operations, or /help.`)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return
		case line == "/help":
			printHelp()
		case line == "/clear":
			sess.Log().Clear()
			fmt.Println("Conversation cleared.")
		case strings.HasPrefix(line, "/stream"):
			toggleStreaming(sess, line)
		case line == "/health":
			showHealth(ctx, client)
		case line == "/docs":
			showDocuments(ctx, client)
		case strings.HasPrefix(line, "/upload "):
			uploadDocument(ctx, client, strings.TrimPrefix(line, "/upload "), cfg.Session.Application)
		case line == "/history":
			showHistory(ctx, store, user.UserID)
		case line == "confirm":
			decide(ctx, sess, true)
		case line == "cancel":
			decide(ctx, sess, false)
		default:
			if err := sess.Submit(ctx, line); err != nil {
				fmt.Printf("\n! %v\n", err)
			}
			r.finishTurn()
		}
	}
}

func toggleStreaming(sess *session.Session, line string) {
	switch strings.TrimSpace(strings.TrimPrefix(line, "/stream")) {
	case "on":
		sess.SetStreaming(true)
	case "off":
		sess.SetStreaming(false)
	}
	fmt.Printf("Streaming: %v\n", sess.Streaming())
}

func decide(ctx context.Context, sess *session.Session, approve bool) {
	pending, ok := sess.Gate().Pending()
	if !ok {
		fmt.Println("Nothing is pending confirmation.")
		return
	}
	var err error
	if approve {
		err = sess.Confirm(ctx, pending.MessageID)
	} else {
		err = sess.Cancel(ctx, pending.MessageID)
		if err == nil {
			fmt.Println("Operation cancelled.")
		}
	}
	if err != nil {
		fmt.Printf("! %v\n", err)
	}
}

func showHealth(ctx context.Context, client *api.Client) {
	hs, err := client.Health(ctx)
	if err != nil {
		fmt.Printf("! %v\n", err)
		return
	}
	fmt.Printf("Backend %s (v%s), RAG connected: %v\n", hs.Status, hs.Version, hs.RAGAPIConnected)
}

func showDocuments(ctx context.Context, client *api.Client) {
	docs, err := client.ListDocuments(ctx)
	if err != nil {
		fmt.Printf("! %v\n", err)
		return
	}
	for _, d := range docs {
		fmt.Printf("  %-32s %-12s %8d bytes  %s\n", d.Name, d.Application, d.Size, d.UploadDate.Format("2006-01-02"))
	}
}

func uploadDocument(ctx context.Context, client *api.Client, path, application string) {
	f, err := os.Open(path)
	if err != nil {
		fmt.Printf("! %v\n", err)
		return
	}
	defer f.Close()

	result, err := client.UploadDocument(ctx, filepath.Base(path), f, domain.Application(application), nil)
	if err != nil {
		fmt.Printf("! %v\n", err)
		return
	}
	fmt.Printf("Uploaded: %v\n", result["document_name"])
}

func showHistory(ctx context.Context, store *audit.Store, userID int) {
	if store == nil {
		fmt.Println("Audit trail is disabled.")
		return
	}
	entries, err := store.History(ctx, userID, 20)
	if err != nil {
		fmt.Printf("! %v\n", err)
		return
	}
	for _, e := range entries {
		fmt.Printf("  %s  %-9s %-6s %s\n", e.CreatedAt.Format(time.RFC3339), e.Decision, e.Operation, e.Statement)
	}
}

func printHelp() {
	fmt.Println(`Commands:
  confirm / cancel   decide a pending mutating operation
  /stream on|off     toggle incremental streaming
  /clear             clear the conversation
  /health            backend liveness
  /docs              list indexed documents
  /upload <path>     upload a document
  /history           recent confirmation decisions
  /quit              exit`)
}

// renderer prints log mutations incrementally: new messages get a header,
// growth of the streaming tail prints as a delta.
type renderer struct {
	log         *session.MessageLog
	seen        int
	lastID      string
	lastContent string
}

func newRenderer(log *session.MessageLog) *renderer {
	return &renderer{log: log}
}

func (r *renderer) render() {
	msgs := r.log.Messages()
	if len(msgs) < r.seen {
		// Log was cleared or a message removed; restart tracking.
		r.seen = len(msgs)
		r.lastID = ""
		r.lastContent = ""
		return
	}

	for i := r.seen; i < len(msgs); i++ {
		m := msgs[i]
		if m.Role != domain.RoleUser {
			// User input was just typed by the operator; no echo.
			fmt.Printf("\n[%s] %s", m.Role, m.Content)
		}
		r.seen++
		r.lastID = m.ID
		r.lastContent = m.Content
	}

	if len(msgs) == 0 {
		return
	}
	tail := msgs[len(msgs)-1]
	if tail.ID != r.lastID || tail.Content == r.lastContent {
		return
	}
	if strings.HasPrefix(tail.Content, r.lastContent) {
		fmt.Print(tail.Content[len(r.lastContent):])
	} else {
		// Content was replaced, not appended (status update).
		fmt.Printf("\n[%s] %s", tail.Role, tail.Content)
	}
	r.lastContent = tail.Content
}

// finishTurn prints the metadata of the completed turn's final message.
func (r *renderer) finishTurn() {
	tail, ok := r.log.Tail()
	if !ok {
		return
	}
	fmt.Println()

	if tail.Classification != nil {
		fmt.Printf("  [%s | %s]\n", tail.Classification.Application, tail.Classification.Intent)
	}
	if tail.Truncated {
		fmt.Println("  (response may be incomplete: stream was cut off)")
	}
	if tail.Data != nil {
		printData(tail.Data)
	}
	for _, s := range tail.Sources {
		fmt.Printf("  source: %s (%.2f)\n", s.DocumentName, s.RelevanceScore)
	}
	if tail.RequiresConfirmation {
		fmt.Printf("  pending statement: %s\n", tail.PendingQuery)
		fmt.Println(`  type "confirm" to execute or "cancel" to discard`)
	}
}

func printData(data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil || len(rows) == 0 {
		fmt.Printf("  data: %s\n", raw)
		return
	}

	shown := rows
	if len(shown) > 10 {
		shown = shown[:10]
	}
	for _, row := range shown {
		pairs := make([]string, 0, len(row))
		for k, v := range row {
			pairs = append(pairs, fmt.Sprintf("%s=%v", k, v))
		}
		fmt.Printf("  - %s\n", strings.Join(pairs, "  "))
	}
	if len(rows) > 10 {
		fmt.Printf("  (showing 10 of %d rows)\n", len(rows))
	}
}
