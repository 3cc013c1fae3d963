package notify

import (
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/SirClappington/relay/internal/domain"
)

// ErrUnknownTemplate is returned for keys the table does not know.
// Callers treat it as a logged no-op, never a hard failure.
var ErrUnknownTemplate = errors.New("notify: unknown template key")

type template struct {
	Category string
	Priority string
	Title    string
	Body     string
	LinkURL  string
}

// Templates is the validated lookup table for notification rendering.
// Meta values substitute into {{placeholder}} tokens.
type Templates struct {
	byKey map[string]template
}

func NewTemplates() *Templates {
	return &Templates{byKey: map[string]template{
		"task.assigned": {
			Category: "tasks", Priority: "normal",
			Title:   "New task: {{taskTitle}}",
			Body:    "{{assignerName}} assigned you a task on lead {{leadName}}.",
			LinkURL: "/tasks/{{taskId}}",
		},
		"task.due": {
			Category: "tasks", Priority: "high",
			Title:   "Task due: {{taskTitle}}",
			Body:    "Your task on lead {{leadName}} is due.",
			LinkURL: "/tasks/{{taskId}}",
		},
		"lead.assigned": {
			Category: "leads", Priority: "normal",
			Title:   "Lead assigned: {{leadName}}",
			Body:    "You are now the owner of {{leadName}}.",
			LinkURL: "/leads/{{leadId}}",
		},
		"lead.reply": {
			Category: "leads", Priority: "high",
			Title:   "{{leadName}} replied",
			Body:    "A new inbound message arrived from {{leadName}}.",
			LinkURL: "/leads/{{leadId}}",
		},
		"listing.approved": {
			Category: "listings", Priority: "normal",
			Title:   "Listing approved",
			Body:    "Your listing {{listingTitle}} passed moderation.",
			LinkURL: "/listings/{{listingId}}",
		},
		"subscription.expiring": {
			Category: "billing", Priority: "high",
			Title:   "Subscription expiring",
			Body:    "Your plan expires in {{daysLeft}} days.",
			LinkURL: "/billing",
		},
	}}
}

func (t *Templates) Render(key string, meta map[string]string) (*domain.RenderedTemplate, error) {
	tpl, ok := t.byKey[key]
	if !ok {
		return nil, ErrUnknownTemplate
	}
	return &domain.RenderedTemplate{
		Category: tpl.Category,
		Priority: tpl.Priority,
		Title:    substitute(tpl.Title, meta),
		Body:     substitute(tpl.Body, meta),
		LinkURL:  substitute(tpl.LinkURL, meta),
	}, nil
}

func substitute(s string, meta map[string]string) string {
	for k, v := range meta {
		s = strings.ReplaceAll(s, "{{"+k+"}}", v)
	}
	return s
}

// truncate caps the string at max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
