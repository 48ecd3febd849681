// Package events implements the SSE Event Stream & Transport: the
// typed event taxonomy, a direct http.Flusher-based writer, a
// liveness-guarded heartbeat, session_restore replay, and per-user/global
// connection caps.
package events

// Event type strings, framed on the wire as the SSE `event:` field with
// `data:` holding the JSON payload.
const (
	TypeConnected               = "connected"
	TypeSessionRestore          = "session_restore"
	TypeStageStart              = "stage_start"
	TypeStageComplete           = "stage_complete"
	TypeTransparency            = "transparency"
	TypeQuestionnaire           = "questionnaire"
	TypeQualityScores           = "quality_scores"
	TypeRevisionStart           = "revision_start"
	TypeBlueprintReady          = "blueprint_ready"
	TypeWorkflowReplanRequested = "workflow_replan_requested"
	TypeWorkflowReplanStarted   = "workflow_replan_started"
	TypeWorkflowReplanCompleted = "workflow_replan_completed"
	TypePipelineComplete        = "pipeline_complete"
	TypePipelineError           = "pipeline_error"
	TypeHeartbeat               = "heartbeat"
)

// ConnectedPayload is sent immediately on stream open.
type ConnectedPayload struct {
	SessionID string `json:"session_id"`
}

// SessionRestorePayload replays recent state immediately after connected so
// a reconnecting client can repaint without re-running the pipeline.
// Messages that are internal tool-result payloads are excluded by the
// caller before this is built.
type SessionRestorePayload struct {
	Messages               []any  `json:"messages"`
	CurrentPhase           string `json:"current_phase"`
	PendingToolCallID      string `json:"pending_tool_call_id,omitempty"`
	PendingPhaseTransition string `json:"pending_phase_transition,omitempty"`
	LastPanelType          string `json:"last_panel_type,omitempty"`
	LastPanelData          any    `json:"last_panel_data,omitempty"`
	PipelineStatus         string `json:"pipeline_status,omitempty"`
}

// MaxReplayMessages bounds session_restore's replayed message history.
const MaxReplayMessages = 20

// StageStartPayload/StageCompletePayload announce phase boundaries.
type StageStartPayload struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

type StageCompletePayload struct {
	Stage      string `json:"stage"`
	Message    string `json:"message"`
	DurationMs int64  `json:"duration_ms"`
}

// TransparencyPayload surfaces a non-fatal, user-facing note about pipeline
// internals (e.g. a dropped revision request).
type TransparencyPayload struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// QualityScoresPayload is the Producer's structured review outcome.
type QualityScoresPayload struct {
	Scores  map[string]int `json:"scores"`
	Details map[string]any `json:"details,omitempty"`
}

// WorkflowReplanPayload covers all three workflow_replan_* events.
type WorkflowReplanPayload struct {
	Reason              string `json:"reason"`
	BenchmarkEditVersion int   `json:"benchmark_edit_version"`
	RebuildFromStage    string `json:"rebuild_from_stage"`
	RequiresRestart     bool   `json:"requires_restart"`
	CurrentStage        string `json:"current_stage"`
}

// PipelineCompletePayload closes out a successful run.
type PipelineCompletePayload struct {
	SessionID        string           `json:"session_id"`
	ContactInfo      map[string]any   `json:"contact_info,omitempty"`
	CompanyName      string           `json:"company_name"`
	Resume           map[string]any   `json:"resume"`
	ExportValidation ExportValidation `json:"export_validation"`
}

// ExportValidation reports the final ATS-compliance pass/fail.
type ExportValidation struct {
	Passed   bool     `json:"passed"`
	Findings []string `json:"findings,omitempty"`
}

// PipelineErrorPayload reports a fatal, run-ending error.
type PipelineErrorPayload struct {
	Stage string `json:"stage"`
	Error string `json:"error"`
}
