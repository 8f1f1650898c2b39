package schema

import "fmt"

// Task is one unit of content generation.
//
// Fields are serialized without omitempty so that every record carries its
// full field set; the delta codec relies on that to express cleared values.
type Task struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"projectId"`
	Title      string         `json:"title"`
	Prompt     string         `json:"prompt"`
	Status     Status         `json:"status"`
	Output     string         `json:"output"`
	History    []HistoryEntry `json:"history"`
	Tags       []string       `json:"tags"`
	TokenUsage *TokenUsage    `json:"tokenUsage"`
	Parameters *Parameters    `json:"parameters"`
	Evaluation *Evaluation    `json:"evaluation"`
	Error      string         `json:"error"`
	// RunID names the orchestrator run holding the generating claim.
	RunID      string         `json:"runId"`
	CreatedAt  Stamp          `json:"createdAt"`
	UpdatedAt  Stamp          `json:"updatedAt"`
}

// HistoryEntry records one lifecycle event.
type HistoryEntry struct {
	At     Stamp       `json:"at"`
	Kind   HistoryKind `json:"kind"`
	Detail string      `json:"detail,omitempty"`
}

// TokenUsage is what a generation run consumed.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// Parameters tune a generation run.
type Parameters struct {
	Model       string  `json:"model,omitempty"`
	MaxTokens   int64   `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// Evaluation is a reviewer's verdict on the output.
type Evaluation struct {
	Score  float64 `json:"score"`
	Passed bool    `json:"passed"`
	Notes  string  `json:"notes,omitempty"`
}

func (t *Task) Kind() Kind { return KindTask }
func (t *Task) Key() string { return t.ID }
func (t *Task) Version() Stamp { return t.UpdatedAt }
func (t *Task) SetVersion(s Stamp) { t.UpdatedAt = s }

// Validate checks required fields, the status vocabulary and stamp formats.
func (t *Task) Validate() error {
	if t.ID == "" {
		return &ValidationError{Kind: KindTask, Field: "id", Reason: "is required"}
	}
	if t.ProjectID == "" {
		return &ValidationError{Kind: KindTask, Field: "projectId", Reason: "is required"}
	}
	if t.Title == "" {
		return &ValidationError{Kind: KindTask, Field: "title", Reason: "is required"}
	}
	if !t.Status.Valid() {
		return &ValidationError{Kind: KindTask, Field: "status", Reason: "unknown status " + string(t.Status)}
	}
	if err := validateStamp("createdAt", t.CreatedAt, true); err != nil {
		return withKind(err, KindTask)
	}
	if err := validateStamp("updatedAt", t.UpdatedAt, true); err != nil {
		return withKind(err, KindTask)
	}
	for i, h := range t.History {
		if err := validateStamp("history.at", h.At, true); err != nil {
			return withKind(err, KindTask)
		}
		if h.Kind == "" {
			return &ValidationError{Kind: KindTask, Field: "history", Reason: fmt.Sprintf("entry %d has no kind", i)}
		}
	}
	if p := t.Parameters; p != nil {
		if p.MaxTokens < 0 {
			return &ValidationError{Kind: KindTask, Field: "parameters.maxTokens", Reason: "must not be negative"}
		}
		if p.Temperature < 0 || p.Temperature > 2 {
			return &ValidationError{Kind: KindTask, Field: "parameters.temperature", Reason: "must be within [0, 2]"}
		}
	}
	return nil
}

// Record appends a history entry.
func (t *Task) Record(at Stamp, kind HistoryKind, detail string) {
	t.History = append(t.History, HistoryEntry{At: at, Kind: kind, Detail: detail})
}
