package llm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Template is one named prompt. Placeholders use {{ var }} syntax with
// dotted paths into the variable map. Substitution is purely textual:
// ticket content is data, never instructions to evaluate.
type Template struct {
	ID       string   `yaml:"id"`
	System   string   `yaml:"system"`
	User     string   `yaml:"user"`
	Required []string `yaml:"required"`
}

// TemplateError reports a render failure (unknown template or missing
// required variable).
type TemplateError struct {
	TemplateID string
	Reason     string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %s: %s", e.TemplateID, e.Reason)
}

var placeholderRegex = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// TemplateStore holds prompt templates by id.
type TemplateStore struct {
	templates map[string]Template
}

// NewTemplateStore returns an empty store.
func NewTemplateStore() *TemplateStore {
	return &TemplateStore{templates: make(map[string]Template)}
}

// DefaultTemplateStore returns a store preloaded with the built-in triage
// and field-validate prompts. LoadDir overrides entries by id.
func DefaultTemplateStore() *TemplateStore {
	store := NewTemplateStore()
	for _, t := range builtinTemplates {
		store.templates[t.ID] = t
	}
	return store
}

// Has reports whether a template with the given id is loaded.
func (s *TemplateStore) Has(id string) bool {
	_, ok := s.templates[id]
	return ok
}

// LoadDir loads every .yml/.yaml template in dir into the store,
// overriding built-ins with matching ids.
func (s *TemplateStore) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading template dir: %w", err)
	}
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("reading template %s: %w", entry.Name(), err)
		}
		var tmpl Template
		if err := yaml.Unmarshal(data, &tmpl); err != nil {
			return fmt.Errorf("parsing template %s: %w", entry.Name(), err)
		}
		if tmpl.ID == "" {
			tmpl.ID = strings.TrimSuffix(entry.Name(), ext)
		}
		s.templates[tmpl.ID] = tmpl
	}
	return nil
}

// Render substitutes variables into the named template. Every variable in
// the template's Required list must resolve to a non-empty value or a
// TemplateError is returned.
func (s *TemplateStore) Render(id string, vars map[string]any) (Prompt, error) {
	tmpl, ok := s.templates[id]
	if !ok {
		return Prompt{}, &TemplateError{TemplateID: id, Reason: "not found"}
	}
	for _, req := range tmpl.Required {
		if lookupVar(req, vars) == "" {
			return Prompt{}, &TemplateError{
				TemplateID: id,
				Reason:     fmt.Sprintf("missing required variable %q", req),
			}
		}
	}
	sub := func(text string) string {
		return placeholderRegex.ReplaceAllStringFunc(text, func(m string) string {
			path := placeholderRegex.FindStringSubmatch(m)[1]
			return lookupVar(path, vars)
		})
	}
	return Prompt{System: sub(tmpl.System), User: sub(tmpl.User)}, nil
}

// lookupVar resolves a dotted path into the variable map. Maps and slices
// are JSON-stringified; nil and missing paths resolve to "".
func lookupVar(path string, vars map[string]any) string {
	var cur any = vars
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[part]
		if !ok {
			return ""
		}
	}
	switch v := cur.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any, []any, []string:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", v)
	}
}

var builtinTemplates = []Template{
	{
		ID: "triage",
		System: `You are an expert IT support technician who provides clear, actionable solutions.

Give step-by-step troubleshooting advice. If you see similar recent tickets, mention if this might be part of a larger issue.

Respond with ONLY this JSON format:
{"steps": ["first step", "second step"], "pattern_note": "optional note about related tickets"}`,
		User: `Here is all the ticket info:

{{ ticket.summary }}

{{ ticket.description }}

{{ recent_context }}

How do I go about fixing this user's issue?`,
		Required: []string{"ticket.key", "ticket.summary"},
	},
	{
		ID: "field-validate",
		System: `Respond with ONLY this JSON format:
{"approved": true, "reason": "explanation", "auto_create": true}

Rules:
- approved: true only if duplicates_found is 0
- auto_create: true if approved
- reason: brief explanation

JSON only. No other text.`,
		User: `Admin Request Validation:

Field Name: {{ field.name }}
Field Type: {{ field.type }}

Duplicate Check Results:
- Exact duplicates found: {{ duplicates_found }}
- Similar fields found: {{ similar_found }}

Request: {{ ticket.summary }}
Details: {{ ticket.description }}

Should this field be created?`,
		Required: []string{"ticket.key", "field.name"},
	},
}
