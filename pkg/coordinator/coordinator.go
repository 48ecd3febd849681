// Package coordinator implements the Coordinator: the single
// long-lived task that drives the Strategist, Craftsman, and Producer
// agent loops through the pipeline's phases, persists the outcome, and
// owns the run's shared cancellation token and usage accounting.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/resume-agent/pipeline/pkg/bus"
	"github.com/resume-agent/pipeline/pkg/events"
	"github.com/resume-agent/pipeline/pkg/persistence"
	"github.com/resume-agent/pipeline/pkg/state"
	"github.com/resume-agent/pipeline/pkg/usage"
)

// MaxBulletsPerRole bounds the projection of a master resume's per-role
// bullets injected into the Strategist's initial message.
const MaxBulletsPerRole = 15

// MaxEvidenceItemsInjected bounds the total evidence items across all
// sources injected into the Strategist's initial message.
const MaxEvidenceItemsInjected = 50

// AgentRunner drives one phase's agent loop against shared session state
// and returns the run's scratchpad contents, typically backed by
// agent.Loop plus an agent.Scratchpad the concrete runner owns internally.
// Tool content and LLM wiring live behind the runner — the coordinator
// only needs the narrow phase-in/phase-out contract below.
type AgentRunner interface {
	Run(ctx context.Context, st *state.State, message string) (scratchpad map[string]any, err error)
}

// EmitFunc writes one typed SSE event for a session. Implementations are
// expected to be non-blocking and to treat write failures as the client's
// problem (see pkg/events.Stream), never the coordinator's.
type EmitFunc func(ctx context.Context, sessionID, eventType string, payload any) error

// WaitForUserFunc suspends the run until a gate response lands (or ctx is
// cancelled). gate is the pending-gate name the caller should write to the
// session's pending-gate payload before suspending.
type WaitForUserFunc func(ctx context.Context, gate string) (map[string]any, error)

// Notifier is the best-effort external fan-out invoked on a fatal pipeline
// error (e.g. Slack), satisfied by pkg/notify.
type Notifier interface {
	NotifyPipelineError(ctx context.Context, sessionID, userID, stage, errMsg string) error
}

// Config supplies everything one Run call needs. Every field except the
// three AgentRunners and Emit is optional and degrades gracefully when
// zero-valued (nil Store skips persistence, nil Notifier skips alerting).
type Config struct {
	SessionID       string
	UserID          string
	RawResumeText   string
	JobDescription  string
	CompanyName     string
	WorkflowMode    state.WorkflowMode
	Preferences     state.Preferences
	MasterResume    *persistence.MasterResume

	Strategist AgentRunner
	Craftsman  AgentRunner
	Producer   AgentRunner

	Emit        EmitFunc
	WaitForUser WaitForUserFunc

	BlueprintApprovalEnabled bool

	Bus      *bus.Bus
	Running  *events.RunningSet
	Usage    *usage.Accumulator
	Rates    usage.RateCard
	Store    *persistence.Store
	ATS      ATSComplianceChecker
	Notifier Notifier
}

// Run executes the full pipeline for one session and returns the
// final state on success. On any fatal error, the shared cancellation
// token is aborted, usage tracking stops, a pipeline_error event is
// emitted, and the error is returned to the caller.
func Run(ctx context.Context, cfg Config) (*state.State, error) {
	runCtx, abort := context.WithCancel(ctx)
	defer abort()

	st := state.New(cfg.SessionID, cfg.UserID, cfg.Preferences)

	if cfg.Usage != nil {
		cfg.Usage.Start(cfg.SessionID, cfg.UserID)
	}
	if cfg.Running != nil {
		cfg.Running.Add(cfg.SessionID)
		defer cfg.Running.Remove(cfg.SessionID)
	}

	logger := slog.With("session_id", cfg.SessionID, "user_id", cfg.UserID)

	if err := runPhases(runCtx, cfg, st, logger); err != nil {
		abort()
		if cfg.Usage != nil {
			cfg.Usage.Stop(cfg.SessionID)
		}
		stage := string(st.CurrentStage)
		if emitErr := cfg.emit(ctx, events.TypePipelineError, events.PipelineErrorPayload{
			Stage: stage,
			Error: err.Error(),
		}); emitErr != nil {
			logger.Warn("coordinator: failed to emit pipeline_error", "error", emitErr)
		}
		if cfg.Notifier != nil {
			if notifyErr := cfg.Notifier.NotifyPipelineError(ctx, cfg.SessionID, cfg.UserID, stage, err.Error()); notifyErr != nil {
				logger.Warn("coordinator: notifier failed", "error", notifyErr)
			}
		}
		return st, fmt.Errorf("coordinator: pipeline run failed at stage %s: %w", stage, err)
	}

	return st, nil
}

func (c Config) emit(ctx context.Context, eventType string, payload any) error {
	if c.Emit == nil {
		return nil
	}
	return c.Emit(ctx, c.SessionID, eventType, payload)
}

func runPhases(ctx context.Context, cfg Config, st *state.State, logger *slog.Logger) error {
	if err := runStrategistPhase(ctx, cfg, st, logger); err != nil {
		return err
	}

	if cfg.BlueprintApprovalEnabled && cfg.WorkflowMode != state.WorkflowFastDraft {
		if err := runBlueprintGate(ctx, cfg, st); err != nil {
			return err
		}
	}

	if err := runCraftsmanPhase(ctx, cfg, st, logger); err != nil {
		// A Craftsman loop error is logged inside runCraftsmanPhase and the
		// Producer still runs; only a failed stage advance is fatal.
		return err
	}

	if err := runProducerPhase(ctx, cfg, st, logger); err != nil {
		return err
	}

	return finalize(ctx, cfg, st, logger)
}

func runStrategistPhase(ctx context.Context, cfg Config, st *state.State, logger *slog.Logger) error {
	phaseStart := time.Now()
	if err := st.AdvanceStage(state.StageIntake); err != nil {
		return fmt.Errorf("advance to intake: %w", err)
	}
	if err := cfg.emit(ctx, events.TypeStageStart, events.StageStartPayload{
		Stage:   string(state.StageIntake),
		Message: "Reviewing your background and the target role.",
	}); err != nil {
		logger.Warn("coordinator: failed to emit stage_start", "error", err)
	}

	message := buildStrategistMessage(cfg)
	scratchpad, err := cfg.Strategist.Run(ctx, st, message)
	if err != nil {
		return fmt.Errorf("strategist phase: %w", err)
	}
	harvestStrategistOutputs(st, scratchpad)

	snap := st.Snapshot()
	if snap.Intake == nil || snap.Architect == nil {
		return fmt.Errorf("strategist phase: missing required output (intake=%v architect=%v)", snap.Intake != nil, snap.Architect != nil)
	}

	if cfg.Store != nil && snap.Positioning != nil {
		if err := cfg.Store.SavePositioningProfile(ctx, cfg.UserID, snap.Positioning); err != nil {
			logger.Warn("coordinator: failed to save positioning profile", "error", err)
			if emitErr := cfg.emit(ctx, events.TypeTransparency, events.TransparencyPayload{
				Stage:   string(state.StageArchitect),
				Message: "Your progress was processed but changes may not persist. Please retry.",
			}); emitErr != nil {
				logger.Warn("coordinator: failed to emit transparency note", "error", emitErr)
			}
		}
	}

	if err := st.AdvanceStage(state.StageArchitect); err != nil {
		return fmt.Errorf("advance to architect: %w", err)
	}
	if err := cfg.emit(ctx, events.TypeStageComplete, events.StageCompletePayload{
		Stage:      string(state.StageArchitect),
		Message:    "Positioning and section plan ready.",
		DurationMs: time.Since(phaseStart).Milliseconds(),
	}); err != nil {
		logger.Warn("coordinator: failed to emit stage_complete", "error", err)
	}
	return nil
}

// harvestStrategistOutputs copies the Strategist's scratchpad keys into
// the phase-scoped state fields the coordinator asserts against at the
// end of runStrategistPhase. These fields are written only from the
// coordinator's main thread between phases, so a direct field assignment
// is safe without the state mutex.
func harvestStrategistOutputs(st *state.State, scratchpad map[string]any) {
	if v, ok := scratchpad["intake"].(map[string]any); ok {
		st.Intake = v
	}
	if v, ok := scratchpad["research"].(map[string]any); ok {
		st.Research = v
	}
	if v, ok := scratchpad["positioning"].(map[string]any); ok {
		st.Positioning = v
	}
	if v, ok := scratchpad["gap_analysis"].(map[string]any); ok {
		st.GapAnalysis = v
	}
	if v, ok := scratchpad["architect"].(map[string]any); ok {
		st.Architect = v
	}
	if entries, ok := scratchpad["interview_transcript"].([]state.InterviewEntry); ok {
		for _, e := range entries {
			st.AppendInterviewEntry(e)
		}
	}
}

func buildStrategistMessage(cfg Config) string {
	msg := fmt.Sprintf(
		"RESUME:\n%s\n\nJOB DESCRIPTION:\n%s\n\nCOMPANY: %s\n\nPREFERENCES: workflow_mode=%s resume_priority=%s seniority_delta=%d minimum_evidence_target=%d\n",
		cfg.RawResumeText, cfg.JobDescription, cfg.CompanyName,
		cfg.Preferences.WorkflowMode, cfg.Preferences.ResumePriority,
		cfg.Preferences.SeniorityDelta, cfg.Preferences.MinimumEvidenceTarget,
	)
	if cfg.MasterResume != nil {
		items := projectEvidence(cfg.MasterResume.Evidence)
		msg += fmt.Sprintf("\nMASTER RESUME EVIDENCE (%d items, capped at %d total / %d per category):\n", len(items), MaxEvidenceItemsInjected, MaxBulletsPerRole)
		for _, e := range items {
			msg += fmt.Sprintf("- [%s/%s] %s\n", e.Category, e.Source, e.Text)
		}
	}
	return msg
}

// projectEvidence bounds the master resume's evidence injected into the
// Strategist's initial message: at most MaxBulletsPerRole items per
// category (the closest analogue this module's flat evidence list has to
// "bullets per role"), and MaxEvidenceItemsInjected items overall.
func projectEvidence(items []state.EvidenceItem) []state.EvidenceItem {
	perCategory := make(map[string]int)
	out := make([]state.EvidenceItem, 0, len(items))
	for _, e := range items {
		if perCategory[e.Category] >= MaxBulletsPerRole {
			continue
		}
		perCategory[e.Category]++
		out = append(out, e)
		if len(out) >= MaxEvidenceItemsInjected {
			break
		}
	}
	return out
}

func runBlueprintGate(ctx context.Context, cfg Config, st *state.State) error {
	if cfg.WaitForUser == nil {
		return nil
	}
	response, err := cfg.WaitForUser(ctx, "architect_review")
	if err != nil {
		return fmt.Errorf("blueprint gate: %w", err)
	}
	applyBlueprintEdits(st, response)
	return nil
}

// applyBlueprintEdits merges user-supplied edits into the positioning
// angle and section order without touching any other architect field.
func applyBlueprintEdits(st *state.State, response map[string]any) {
	if response == nil {
		return
	}
	snap := st.Snapshot()
	if snap.Architect == nil {
		return
	}
	architect := make(map[string]any, len(snap.Architect))
	for k, v := range snap.Architect {
		architect[k] = v
	}
	if angle, ok := response["positioning_angle"]; ok {
		architect["positioning_angle"] = angle
	}
	if plan, ok := architect["section_plan"].(map[string]any); ok {
		if order, ok := response["section_order"]; ok {
			plan = cloneMap(plan)
			plan["order"] = order
			architect["section_plan"] = plan
		}
	}
	st.Architect = architect
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func runCraftsmanPhase(ctx context.Context, cfg Config, st *state.State, logger *slog.Logger) error {
	if err := st.AdvanceStage(state.StageSectionWriting); err != nil {
		return fmt.Errorf("advance to section_writing: %w", err)
	}
	if err := cfg.emit(ctx, events.TypeStageStart, events.StageStartPayload{
		Stage:   string(state.StageSectionWriting),
		Message: "Drafting resume sections.",
	}); err != nil {
		logger.Warn("coordinator: failed to emit stage_start", "error", err)
	}

	message := buildCraftsmanMessage(st)
	scratchpad, err := cfg.Craftsman.Run(ctx, st, message)
	if err != nil {
		logger.Warn("coordinator: craftsman phase failed, producer still runs", "error", err)
		return nil
	}

	harvestSections(st, scratchpad)
	return nil
}

func buildCraftsmanMessage(st *state.State) string {
	snap := st.Snapshot()
	return fmt.Sprintf(
		"BLUEPRINT:\n%v\n\nPOSITIONING PROFILE:\n%v\n\nINTERVIEW TRANSCRIPT:\n%v\n\nGAP ANALYSIS:\n%v\n",
		snap.Architect, snap.Positioning, snap.InterviewTranscript, snap.GapAnalysis,
	)
}

// harvestSections merges every scratchpad key prefixed "section_" whose
// value carries a "content" field into state.Sections.
func harvestSections(st *state.State, scratchpad map[string]any) {
	const sectionPrefix = "section_"
	for key, value := range scratchpad {
		if len(key) <= len(sectionPrefix) || key[:len(sectionPrefix)] != sectionPrefix {
			continue
		}
		m, ok := value.(map[string]any)
		if !ok {
			continue
		}
		content, ok := m["content"].(string)
		if !ok {
			continue
		}
		name := key[len(sectionPrefix):]
		sec := state.Section{Content: content}
		if kw, ok := m["keywords_used"].([]string); ok {
			sec.KeywordsUsed = kw
		}
		if req, ok := m["requirements_addressed"].([]string); ok {
			sec.RequirementsAddressed = req
		}
		if ev, ok := m["evidence_ids_used"].([]string); ok {
			sec.EvidenceIDsUsed = ev
		}
		_ = st.SetSection(name, sec) // approved-section immutability enforced by SetSection
	}
}

func runProducerPhase(ctx context.Context, cfg Config, st *state.State, logger *slog.Logger) error {
	if err := st.AdvanceStage(state.StageQualityReview); err != nil {
		return fmt.Errorf("advance to quality_review: %w", err)
	}
	if err := cfg.emit(ctx, events.TypeStageStart, events.StageStartPayload{
		Stage:   string(state.StageQualityReview),
		Message: "Reviewing draft quality.",
	}); err != nil {
		logger.Warn("coordinator: failed to emit stage_start", "error", err)
	}

	stopRevisionListener := func() {}
	if cfg.Bus != nil && cfg.Craftsman != nil {
		stopRevisionListener = startRevisionListener(ctx, cfg, st)
	}
	defer stopRevisionListener()

	message := fmt.Sprintf("DRAFT SECTIONS:\n%v\n", st.Snapshot().Sections)
	scratchpad, err := cfg.Producer.Run(ctx, st, message)
	if err != nil {
		return fmt.Errorf("producer phase: %w", err)
	}

	emitQualityScores(ctx, cfg, st, scratchpad, logger)
	return nil
}

// startRevisionListener subscribes to craftsman-addressed bus messages and
// runs each through a bus.RevisionHandler for the duration of the Producer
// phase, returning a stop func that unsubscribes.
func startRevisionListener(ctx context.Context, cfg Config, st *state.State) func() {
	sink := &emitSink{cfg: cfg}
	invoke := func(ctx context.Context, message string) error {
		_, err := cfg.Craftsman.Run(ctx, st, message)
		return err
	}
	handler := bus.NewRevisionHandler(cfg.SessionID, st, sink, invoke)

	msgs := cfg.Bus.Subscribe("craftsman")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if msg.From != "producer" || msg.Type != "request" {
					continue
				}
				handler.Handle(ctx, msg)
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		cfg.Bus.Close("craftsman")
		<-done
	}
}

// emitSink adapts Config.Emit to bus.EventSink.
type emitSink struct {
	cfg Config
}

func (s *emitSink) EmitTransparency(ctx context.Context, sessionID, message string) error {
	return s.cfg.emit(ctx, events.TypeTransparency, events.TransparencyPayload{
		Stage:   string(state.StageQualityReview),
		Message: message,
	})
}

func (s *emitSink) EmitRevisionStart(ctx context.Context, sessionID string, instructions []bus.Instruction) error {
	return s.cfg.emit(ctx, events.TypeRevisionStart, instructions)
}

func emitQualityScores(ctx context.Context, cfg Config, st *state.State, scratchpad map[string]any, logger *slog.Logger) {
	review, ok := scratchpad["quality_review"].(map[string]any)
	if !ok {
		return
	}
	scores := intScores(review["scores"])
	details, _ := review["details"].(map[string]any)

	if decision, ok := review["decision"].(string); ok {
		st.QualityReview = &state.QualityReview{Decision: decision, Scores: scores}
	}

	if err := cfg.emit(ctx, events.TypeQualityScores, events.QualityScoresPayload{
		Scores:  scores,
		Details: details,
	}); err != nil {
		logger.Warn("coordinator: failed to emit quality_scores", "error", err)
	}
}

// intScores tolerates both the in-memory map[string]int shape and the
// map[string]any-with-float64 shape JSON-decoded tool arguments produce.
func intScores(raw any) map[string]int {
	switch v := raw.(type) {
	case map[string]int:
		return v
	case map[string]any:
		out := make(map[string]int, len(v))
		for k, val := range v {
			switch n := val.(type) {
			case int:
				out[k] = n
			case float64:
				out[k] = int(n)
			}
		}
		return out
	default:
		return nil
	}
}

func finalize(ctx context.Context, cfg Config, st *state.State, logger *slog.Logger) error {
	snap := st.Snapshot()

	order := sectionOrderFromArchitect(snap.Architect)
	expanded := ExpandSectionOrder(order, snap.Sections)

	now := time.Now()
	ageFlags := ageProtectionFlags(snap.UserPreferences)
	clean := auditClean(&snap)
	for name, sec := range snap.Sections {
		sec.Content = SanitizeEducationYears(sec.Content, ageFlags, clean, now)
		_ = st.SetSection(name, sec)
	}
	snap = st.Snapshot()

	var findings []string
	passed := true
	if cfg.ATS != nil {
		result := cfg.ATS.Check(snap.Sections)
		passed = result.Passed
		findings = result.Findings
	}

	resume := make(map[string]any, len(expanded))
	for _, name := range expanded {
		sec, ok := snap.Sections[name]
		if !ok {
			continue
		}
		if name == "skills" {
			resume[name] = ParseSkillsCategories(sec.Content)
			continue
		}
		resume[name] = sec.Content
	}

	if err := st.AdvanceStage(state.StageComplete); err != nil {
		return fmt.Errorf("advance to complete: %w", err)
	}

	totals := usage.Totals{}
	if cfg.Usage != nil {
		if t, ok := cfg.Usage.Stop(cfg.SessionID); ok {
			totals = t
		}
	}
	_ = st.AddTokenUsage(totals.InputTokens, totals.OutputTokens)
	st.SetEstimatedCost(usage.BlendedCost(totals, cfg.Rates))

	if cfg.Store != nil {
		finalSnap := st.Snapshot()
		if err := cfg.Store.SaveCheckpoint(ctx, persistence.Checkpoint{
			SessionID:      cfg.SessionID,
			CurrentStage:   finalSnap.CurrentStage,
			PipelineStatus: "complete",
		}); err != nil {
			logger.Warn("coordinator: checkpoint save failed", "error", err)
			if emitErr := cfg.emit(ctx, events.TypeTransparency, events.TransparencyPayload{
				Stage:   string(state.StageComplete),
				Message: "Your message was processed but changes may not persist. Please retry.",
			}); emitErr != nil {
				logger.Warn("coordinator: failed to emit transparency note", "error", emitErr)
			}
		}

		linkedID, err := cfg.Store.SessionMasterResumeID(ctx, cfg.SessionID)
		if err != nil {
			logger.Warn("coordinator: failed to look up linked master resume", "error", err)
		} else {
			newEvidence := collectEvidence(&finalSnap, cfg.SessionID, now)
			if _, err := cfg.Store.SaveMasterResume(ctx, cfg.SessionID, cfg.UserID, linkedID, newEvidence, finalSnap.Sections); err != nil {
				logger.Warn("coordinator: master resume save failed (best-effort)", "error", err)
			}
		}
	}

	var contactInfo map[string]any
	if snap.Intake != nil {
		contactInfo, _ = snap.Intake["contact"].(map[string]any)
	}

	if err := cfg.emit(ctx, events.TypePipelineComplete, events.PipelineCompletePayload{
		SessionID:   cfg.SessionID,
		ContactInfo: contactInfo,
		CompanyName: cfg.CompanyName,
		Resume:      resume,
		ExportValidation: events.ExportValidation{
			Passed:   passed,
			Findings: findings,
		},
	}); err != nil {
		logger.Warn("coordinator: failed to emit pipeline_complete", "error", err)
	}

	return nil
}

func sectionOrderFromArchitect(architect map[string]any) []string {
	if architect == nil {
		return nil
	}
	plan, ok := architect["section_plan"].(map[string]any)
	if !ok {
		return nil
	}
	rawOrder, ok := plan["order"].([]any)
	if !ok {
		return nil
	}
	order := make([]string, 0, len(rawOrder))
	for _, v := range rawOrder {
		if s, ok := v.(string); ok {
			order = append(order, s)
		}
	}
	return order
}

func ageProtectionFlags(prefs state.Preferences) map[string]bool {
	// The age-protection flag set is user-scoped configuration out of this
	// module's scope; an empty set here degrades to the ">= 20 years"
	// rule only, which SanitizeEducationYears applies only when the audit
	// is not clean.
	_ = prefs
	return nil
}

func auditClean(snap *state.State) bool {
	return snap.QualityReview != nil && snap.QualityReview.Decision == "approve"
}

func collectEvidence(snap *state.State, sessionID string, now time.Time) []state.EvidenceItem {
	var out []state.EvidenceItem
	for name, sec := range snap.Sections {
		item, ok := state.NewEvidenceItem(sec.Content, state.EvidenceSourceCrafted, name, sessionID, now)
		if ok {
			out = append(out, item)
		}
	}
	return out
}
