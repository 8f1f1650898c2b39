package schema

import "fmt"

// Status is a task lifecycle state.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusQueued     Status = "queued"
	StatusGenerating Status = "generating"
	StatusDeployed   Status = "deployed"
)

// Valid reports whether s is part of the lifecycle vocabulary.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusQueued, StatusGenerating, StatusDeployed:
		return true
	}
	return false
}

// transitions lists the allowed lifecycle edges.
//
//	draft      -> queued       user queues the task
//	queued     -> generating   orchestrator claims it
//	generating -> deployed     generation succeeded
//	generating -> draft        generation failed
//	generating -> queued       stale claim reclaimed
//	deployed   -> queued       user starts a new cycle
var transitions = map[Status]map[Status]bool{
	StatusDraft:      {StatusQueued: true},
	StatusQueued:     {StatusGenerating: true},
	StatusGenerating: {StatusDeployed: true, StatusDraft: true, StatusQueued: true},
	StatusDeployed:   {StatusQueued: true},
}

// ValidTransition reports whether a task may move from one status to another.
func ValidTransition(from, to Status) bool {
	return transitions[from][to]
}

// CheckTransition is ValidTransition with an error describing the rejected edge.
func CheckTransition(from, to Status) error {
	if !ValidTransition(from, to) {
		return &ValidationError{Kind: KindTask, Field: "status", Reason: fmt.Sprintf("cannot move from %s to %s", from, to)}
	}
	return nil
}

// HistoryKind classifies a HistoryEntry.
type HistoryKind string

const (
	HistoryCreated       HistoryKind = "created"
	HistoryQueued        HistoryKind = "queued"
	HistoryGenerating    HistoryKind = "generating"
	HistoryDeployed      HistoryKind = "deployed"
	HistoryFailed        HistoryKind = "failed"
	HistoryPublished     HistoryKind = "published"
	HistoryPublishFailed HistoryKind = "publish_failed"
	HistoryReclaimed     HistoryKind = "reclaimed"
)
