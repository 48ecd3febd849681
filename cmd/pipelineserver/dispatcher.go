package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/resume-agent/pipeline/pkg/agent"
	"github.com/resume-agent/pipeline/pkg/bus"
	"github.com/resume-agent/pipeline/pkg/config"
	"github.com/resume-agent/pipeline/pkg/coordinator"
	"github.com/resume-agent/pipeline/pkg/events"
	"github.com/resume-agent/pipeline/pkg/gate"
	"github.com/resume-agent/pipeline/pkg/persistence"
	"github.com/resume-agent/pipeline/pkg/state"
	"github.com/resume-agent/pipeline/pkg/usage"
)

// startRequest is the first message a session submits: the pipeline's
// inputs. A plain-text body is treated as the raw resume alone.
type startRequest struct {
	RawResumeText  string            `json:"raw_resume_text"`
	JobDescription string            `json:"job_description"`
	CompanyName    string            `json:"company_name"`
	WorkflowMode   string            `json:"workflow_mode,omitempty"`
	Preferences    state.Preferences `json:"preferences,omitempty"`
}

// pipelineDispatcher runs one coordinator pipeline per dispatched message.
// It satisfies api.Dispatcher; the session lock serializing dispatches is
// held by the API layer around each Dispatch call.
type pipelineDispatcher struct {
	cfg      config.Config
	store    *persistence.Store
	broker   *events.Broker
	running  *events.RunningSet
	bus      *bus.Bus
	waiter   *gate.Waiter
	usage    *usage.Accumulator
	rates    usage.RateCard
	llm      agent.LLMClient
	notifier coordinator.Notifier
}

// agent loop bounds per phase. The Strategist spans five sub-stages in one
// loop, so it gets the deepest round budget.
var (
	strategistLoop = agent.Config{MaxRounds: 40, RoundTimeout: agent.DefaultConfig().RoundTimeout}
	craftsmanLoop  = agent.Config{MaxRounds: 30, RoundTimeout: agent.DefaultConfig().RoundTimeout}
	producerLoop   = agent.Config{MaxRounds: 20, RoundTimeout: agent.DefaultConfig().RoundTimeout}
)

func (d *pipelineDispatcher) Dispatch(ctx context.Context, sessionID, userID, content string) error {
	logger := slog.With("session_id", sessionID, "user_id", userID)

	req := parseStartRequest(content)
	if d.store != nil {
		artifact := map[string]any{
			"raw_resume_text": req.RawResumeText,
			"job_description": req.JobDescription,
			"company_name":    req.CompanyName,
			"workflow_mode":   req.WorkflowMode,
		}
		if err := d.store.SaveWorkflowArtifact(ctx, sessionID, "pipeline_start_request", artifact); err != nil {
			logger.Warn("dispatcher: failed to persist start request", "error", err)
		}
	}

	deps := toolDeps{sessionID: sessionID, broker: d.broker, bus: d.bus, waiter: d.waiter}
	llm := agent.NewAccountingClient(d.llm, d.usage)

	var master *persistence.MasterResume
	if d.store != nil {
		if loaded, err := d.store.LoadDefaultMasterResume(ctx, userID); err == nil {
			master = loaded
		}
	}

	mode := state.WorkflowMode(req.WorkflowMode)
	if mode == "" {
		mode = state.WorkflowBalanced
	}
	prefs := req.Preferences
	if prefs.WorkflowMode == "" {
		prefs.WorkflowMode = mode
	}

	runCfg := coordinator.Config{
		SessionID:      sessionID,
		UserID:         userID,
		RawResumeText:  req.RawResumeText,
		JobDescription: req.JobDescription,
		CompanyName:    req.CompanyName,
		WorkflowMode:   mode,
		Preferences:    prefs,
		MasterResume:   master,

		Strategist: agent.NewPhaseRunner(agent.RunnerConfig{
			Name:         "strategist",
			SystemPrompt: strategistPrompt,
			Model:        "primary",
			Loop:         strategistLoop,
		}, llm, strategistTools(deps), sessionID),
		Craftsman: agent.NewPhaseRunner(agent.RunnerConfig{
			Name:         "craftsman",
			SystemPrompt: craftsmanPrompt,
			Model:        "mid",
			Loop:         craftsmanLoop,
		}, llm, craftsmanTools(deps), sessionID),
		Producer: agent.NewPhaseRunner(agent.RunnerConfig{
			Name:         "producer",
			SystemPrompt: producerPrompt,
			Model:        d.producerModel(),
			Loop:         producerLoop,
		}, llm, producerTools(deps), sessionID),

		Emit:        d.broker.Publish,
		WaitForUser: func(ctx context.Context, gateName string) (map[string]any, error) {
			return d.waiter.Wait(ctx, sessionID, gateName)
		},

		BlueprintApprovalEnabled: d.cfg.BlueprintApprovalEnabled,

		Bus:      d.bus,
		Running:  d.running,
		Usage:    d.usage,
		Rates:    d.rates,
		Store:    d.store,
		ATS:      coordinator.StubATSChecker{},
		Notifier: d.notifier,
	}

	defer d.waiter.Forget(sessionID)

	st, err := coordinator.Run(ctx, runCfg)

	// Checkpoint the turn's durable fields regardless of outcome; the
	// in-memory state stays authoritative if this write fails.
	if d.store != nil && st != nil {
		snap := st.Snapshot()
		status := "complete"
		if err != nil {
			status = "failed"
		}
		if cpErr := d.store.SaveCheckpoint(ctx, persistence.Checkpoint{
			SessionID:      sessionID,
			CurrentStage:   snap.CurrentStage,
			PipelineStatus: status,
		}); cpErr != nil {
			logger.Warn("dispatcher: checkpoint save failed", "error", cpErr)
		}
	}

	if err != nil {
		logger.Error("dispatcher: pipeline run failed", "error", err)
		return err
	}
	return nil
}

// producerModel honors the self-review model-routing feature gate: when
// enabled, the Producer reviews on the primary tier instead of mid.
func (d *pipelineDispatcher) producerModel() string {
	if d.cfg.SelfReviewModelRouting {
		return "primary"
	}
	return "mid"
}

func parseStartRequest(content string) startRequest {
	var req startRequest
	if err := json.Unmarshal([]byte(content), &req); err != nil || req.RawResumeText == "" {
		return startRequest{RawResumeText: content}
	}
	return req
}

const strategistPrompt = `You are the Strategist. Work through intake, research, positioning,
gap analysis, and the resume blueprint for the target role. Record each
completed sub-stage with record_output and announce boundaries with
emit_stage_event. Ask the user positioning questions through
request_user_input when the workflow mode allows.`

const craftsmanPrompt = `You are the Craftsman. Write each section the blueprint calls for with
write_section, grounding every claim in the evidence library. Preserve
approved content; apply targeted edits when asked to revise.`

const producerPrompt = `You are the Producer. Review the drafted sections for quality, ATS
fitness, and narrative coherence. Record your verdict with
record_quality_review; request targeted rewrites through
request_section_revision when a section falls short.`
