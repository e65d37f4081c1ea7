package backend

import (
	"fmt"
	"strings"

	"github.com/controlsuite/rag-assistant/internal/domain"
)

var (
	deleteWords = []string{"delete", "remove", "drop", "purge"}
	writeWords  = []string{"update", "insert", "create", "set ", "add ", "modify", "change"}
)

// classify buckets a query by keyword. The real engine classifies with a
// retrieval-augmented model; this stand-in only has to produce plausible,
// deterministic classifications for development and tests.
func classify(query string) *domain.Classification {
	q := strings.ToLower(query)

	intent := domain.IntentRead
	switch {
	case containsAny(q, deleteWords):
		intent = domain.IntentDelete
	case containsAny(q, writeWords):
		intent = domain.IntentWrite
	}

	var entities []string
	hasControls := strings.Contains(q, "control")
	hasKRI := strings.Contains(q, "kri") || strings.Contains(q, "risk indicator")
	if hasControls {
		entities = append(entities, "controls")
	}
	if hasKRI {
		entities = append(entities, "kris")
	}

	var app domain.Application
	switch {
	case hasControls && hasKRI:
		app = domain.AppBoth
	case hasControls:
		app = domain.AppEControls
	case hasKRI:
		app = domain.AppMyKRI
	default:
		app = domain.AppRAGOnly
	}

	if app == domain.AppRAGOnly {
		intent = domain.IntentInformation
	}

	return &domain.Classification{
		Application:          app,
		Intent:               intent,
		RequiresConfirmation: intent.Mutating(),
		Entities:             entities,
		Reasoning:            fmt.Sprintf("keyword match routed query to %s with intent %s", app, intent),
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// generateSQL renders a canned statement scoped to the caller's
// organizational unit, mimicking the context filtering the real engine
// applies.
func generateSQL(cls *domain.Classification, user *domain.UserContext) string {
	table := "controls"
	if cls.Application == domain.AppMyKRI {
		table = "kris"
	}

	switch cls.Intent {
	case domain.IntentDelete:
		return fmt.Sprintf("DELETE FROM %s WHERE status = 'retired' AND owner_ou = '%s';", table, user.OU)
	case domain.IntentWrite:
		return fmt.Sprintf("UPDATE %s SET status = 'inactive' WHERE owner_ou = '%s';", table, user.OU)
	default:
		return fmt.Sprintf("SELECT * FROM %s WHERE owner_ou = '%s' AND lre = '%s';", table, user.OU, user.LRE)
	}
}

// queryRows returns canned tabular results for READ queries.
func queryRows(cls *domain.Classification, user *domain.UserContext) []map[string]any {
	if cls.Application == domain.AppMyKRI {
		return []map[string]any{
			{"kri_id": "KRI-001", "name": "Open audit findings", "value": 4, "threshold": 10, "owner_ou": user.OU},
			{"kri_id": "KRI-007", "name": "Failed control tests", "value": 2, "threshold": 5, "owner_ou": user.OU},
		}
	}
	return []map[string]any{
		{"control_id": "C-101", "control_name": "Access review", "status": "active", "owner_ou": user.OU},
		{"control_id": "C-102", "control_name": "Change approval", "status": "active", "owner_ou": user.OU},
		{"control_id": "C-103", "control_name": "Backup verification", "status": "retired", "owner_ou": user.OU},
	}
}

func cannedSources() []domain.Source {
	return []domain.Source{
		{DocumentName: "controls-handbook.pdf", RelevanceScore: 0.91, Content: "Controls must be reviewed quarterly by the owning OU."},
		{DocumentName: "kri-methodology.docx", RelevanceScore: 0.78, Content: "A KRI breach requires escalation within two business days."},
	}
}
