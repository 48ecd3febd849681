package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/resume-agent/pipeline/pkg/events"
	"github.com/resume-agent/pipeline/pkg/gate"
	"github.com/resume-agent/pipeline/pkg/persistence"
)

// sseHandler handles GET /sessions/:id/sse.
func (s *Server) sseHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	userID, ok := s.authenticate(c)
	if !ok {
		return nil
	}
	if err := s.checkOwnership(c, sessionID, userID); err != nil {
		return err
	}

	if s.attempts != nil && !s.attempts.Allow(userID, time.Now()) {
		return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "sse connect rate exceeded"})
	}

	if s.events != nil {
		if err := s.events.Connect(userID); err != nil {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": err.Error()})
		}
		defer s.events.Disconnect(userID)
	}

	stream, err := events.NewStream(c.Response())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming unsupported")
	}

	if err := stream.Write(events.TypeConnected, events.ConnectedPayload{SessionID: sessionID}); err != nil {
		return nil
	}

	if s.store != nil {
		restore, err := s.store.LoadSessionRestore(c.Request().Context(), sessionID)
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			_ = stream.Write(events.TypeTransparency, events.TransparencyPayload{Message: "failed to load session history"})
		} else if err == nil {
			if err := stream.Write(events.TypeSessionRestore, restore); err != nil {
				return nil
			}
		}
	}

	// Forward pipeline events published for this session until the client
	// disconnects. A write failure stops the forwarder; the heartbeat loop
	// below notices the same failure on its next tick and cleans up.
	if s.broker != nil {
		envelopes, cancel := s.broker.Subscribe(sessionID)
		defer cancel()
		go func() {
			for env := range envelopes {
				if err := stream.Write(env.Type, env.Payload); err != nil {
					return
				}
			}
		}()
	}

	if s.running != nil {
		_ = events.RunHeartbeat(c.Request().Context(), sessionID, s.running, stream, s.touchLiveness)
	} else {
		<-c.Request().Context().Done()
	}
	return nil
}

// checkOwnership rejects requests against sessions the authenticated user
// does not own. A missing session and a foreign session both read as 404
// so existence is not leaked across users.
func (s *Server) checkOwnership(c *echo.Context, sessionID, userID string) error {
	if s.store == nil {
		return nil
	}
	owner, err := s.store.SessionUserID(c.Request().Context(), sessionID)
	if errors.Is(err, persistence.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load session")
	}
	if owner != userID {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return nil
}

// touchLiveness refreshes the session row's updated_at so a crashed-worker
// detector can distinguish a live run from an abandoned one. The heartbeat
// loop only calls it while the session is in the running set.
func (s *Server) touchLiveness(ctx context.Context, sessionID string) error {
	if s.store == nil {
		return nil
	}
	return s.store.TouchSession(ctx, sessionID)
}

// submitMessageHandler handles POST /sessions/:id/messages.
func (s *Server) submitMessageHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	userID, ok := s.authenticate(c)
	if !ok {
		return nil
	}
	if err := s.checkOwnership(c, sessionID, userID); err != nil {
		return err
	}

	if s.msgLimiter != nil {
		allowed, err := s.msgLimiter.Allow(c.Request().Context(), userID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "rate limit check failed")
		}
		if !allowed {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "message rate exceeded"})
		}
	}

	body := io.LimitReader(c.Request().Body, s.maxMessageBodyBytes+1)
	var req SubmitMessageRequest
	if err := decodeJSONBody(body, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Content) > MaxMessageContentChars {
		return echo.NewHTTPError(http.StatusBadRequest, "content exceeds maximum length")
	}

	if req.IdempotencyKey != "" && s.idempotency != nil {
		dup, err := s.idempotency.CheckAndRecord(userID, req.IdempotencyKey, time.Now())
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if dup {
			return c.JSON(http.StatusOK, SubmitMessageResponse{Status: "duplicate"})
		}
	}

	if s.store != nil {
		_ = s.store.AppendSessionMessage(c.Request().Context(), sessionID, events.ChatMessage{Role: "user", Content: req.Content})
	}

	release, err := s.acquireLock(c, sessionID, userID)
	if err != nil {
		return mapLockError(err)
	}

	go func() {
		defer release()
		if s.dispatcher != nil {
			_ = s.dispatcher.Dispatch(detachedContext(), sessionID, userID, req.Content)
		}
	}()

	return c.JSON(http.StatusAccepted, SubmitMessageResponse{Status: "processing"})
}

// batchSubmitQuestionsHandler handles
// POST /workflow/:sessionId/questions/batch-submit.
func (s *Server) batchSubmitQuestionsHandler(c *echo.Context) error {
	sessionID := c.Param("sessionId")
	if _, ok := s.authenticate(c); !ok {
		return nil
	}

	var req BatchSubmitQuestionsRequest
	if err := decodeJSONBody(c.Request().Body, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	answers := make(map[string]any, len(req.Answers))
	for _, a := range req.Answers {
		answers[a.QuestionID] = a.Answer
	}
	if err := s.respondToGate(c, sessionID, "questionnaire", answers); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// deferQuestionsHandler handles POST /workflow/:sessionId/questions/defer.
func (s *Server) deferQuestionsHandler(c *echo.Context) error {
	sessionID := c.Param("sessionId")
	if _, ok := s.authenticate(c); !ok {
		return nil
	}

	var req DeferQuestionsRequest
	if err := decodeJSONBody(c.Request().Body, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.respondToGate(c, sessionID, "questionnaire", map[string]any{"deferred": true, "question_ids": req.QuestionIDs}); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// updatePreferencesHandler handles POST /workflow/:sessionId/preferences.
func (s *Server) updatePreferencesHandler(c *echo.Context) error {
	sessionID := c.Param("sessionId")
	if _, ok := s.authenticate(c); !ok {
		return nil
	}

	var req UpdatePreferencesRequest
	if err := decodeJSONBody(c.Request().Body, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	update := map[string]any{}
	if req.WorkflowMode != nil {
		update["workflow_mode"] = *req.WorkflowMode
	}
	if req.MinimumEvidenceTarget != nil {
		update["minimum_evidence_target"] = *req.MinimumEvidenceTarget
	}

	if s.store != nil {
		if err := s.store.SaveWorkflowArtifact(c.Request().Context(), sessionID, "preferences_update", update); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to persist preferences")
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// editBenchmarkAssumptionsHandler handles
// POST /workflow/:sessionId/benchmark/assumptions. If called
// after section writing has started, the caller must pass
// confirm_rebuild=true to acknowledge the replan/restart it triggers.
func (s *Server) editBenchmarkAssumptionsHandler(c *echo.Context) error {
	sessionID := c.Param("sessionId")
	if _, ok := s.authenticate(c); !ok {
		return nil
	}

	var req EditBenchmarkAssumptionsRequest
	if err := decodeJSONBody(c.Request().Body, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	sectionWritingStarted := false
	if s.store != nil {
		if _, err := s.store.LoadLatestWorkflowArtifact(ctx, sessionID, "section_written"); err == nil {
			sectionWritingStarted = true
		}
	}
	if sectionWritingStarted && !req.ConfirmRebuild {
		return echo.NewHTTPError(http.StatusConflict, "section writing has started; confirm_rebuild=true is required")
	}

	replan := events.WorkflowReplanPayload{
		Reason:           "benchmark_assumptions_edited",
		RebuildFromStage: "section_writing",
		RequiresRestart:  sectionWritingStarted,
	}
	if s.broker != nil && sectionWritingStarted {
		_ = s.broker.Publish(ctx, sessionID, events.TypeWorkflowReplanRequested, replan)
		_ = s.broker.Publish(ctx, sessionID, events.TypeWorkflowReplanStarted, replan)
	}

	if s.store != nil {
		if err := s.store.SaveWorkflowArtifact(ctx, sessionID, "benchmark_assumptions_edit", req.Assumptions); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to persist benchmark edit")
		}
	}

	if s.broker != nil && sectionWritingStarted {
		_ = s.broker.Publish(ctx, sessionID, events.TypeWorkflowReplanCompleted, replan)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// draftNowAutoResponse computes the synthesized auto-response for
// generate-draft-now, keyed on the pending gate's name.
func draftNowAutoResponse(pendingGate string) any {
	switch {
	case hasPrefix(pendingGate, "positioning_q_"):
		return map[string]any{"deferred": true, "draft_now": true}
	case hasPrefix(pendingGate, "questionnaire_"):
		return map[string]any{"deferred": true, "all_skipped": true}
	case pendingGate == "architect_review":
		return true
	case hasPrefix(pendingGate, "section_review_"):
		return true
	case pendingGate == "positioning_profile_choice":
		return "fresh"
	default:
		return nil
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// generateDraftNowHandler handles POST /workflow/:sessionId/generate-draft-now.
func (s *Server) generateDraftNowHandler(c *echo.Context) error {
	sessionID := c.Param("sessionId")
	if _, ok := s.authenticate(c); !ok {
		return nil
	}
	if s.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "persistence not configured")
	}

	payload, err := s.store.PendingGatePayload(c.Request().Context(), sessionID)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load pending gate")
	}
	payload = gate.Parse(payload)

	pendingGate := gate.CurrentGate(payload)
	if pendingGate == "" {
		return echo.NewHTTPError(http.StatusConflict, "no pending gate for this session")
	}

	response := draftNowAutoResponse(pendingGate)
	if err := s.writeGateResponse(c, sessionID, pendingGate, response); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, GenerateDraftNowResponse{Gate: pendingGate, Response: response})
}

// restartHandler handles POST /workflow/:sessionId/restart: loads the most
// recent pipeline_start_request artifact and re-dispatches with the same
// inputs.
func (s *Server) restartHandler(c *echo.Context) error {
	sessionID := c.Param("sessionId")
	userID, ok := s.authenticate(c)
	if !ok {
		return nil
	}
	if s.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "persistence not configured")
	}

	artifact, err := s.store.LoadLatestWorkflowArtifact(c.Request().Context(), sessionID, "pipeline_start_request")
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no prior pipeline_start_request to restart from")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load restart artifact")
	}

	encoded, err := json.Marshal(artifact)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to encode restart artifact")
	}
	content := string(encoded)

	release, err := s.acquireLock(c, sessionID, userID)
	if err != nil {
		return mapLockError(err)
	}
	go func() {
		defer release()
		if s.dispatcher != nil {
			_ = s.dispatcher.Dispatch(detachedContext(), sessionID, userID, content)
		}
	}()

	return c.JSON(http.StatusAccepted, map[string]string{"status": "processing"})
}

// respondToGate is the shared helper behind the questionnaire batch-submit
// and defer endpoints, both of which answer a "questionnaire" gate.
func (s *Server) respondToGate(c *echo.Context, sessionID, gateName string, response any) error {
	return s.writeGateResponse(c, sessionID, gateName, response)
}

// writeGateResponse implements the idempotent gate-response protocol. A
// response addressed to the currently-pending gate answers it
// in place, guarded by the conditional update so a concurrent duplicate is
// a no-op; an already-answered gate silently drops the second response;
// anything else lands in the bounded response queue for the waiter to
// consume when the pipeline reaches that gate.
func (s *Server) writeGateResponse(c *echo.Context, sessionID, gateName string, response any) error {
	if s.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "persistence not configured")
	}
	ctx := c.Request().Context()

	payload, err := s.store.PendingGatePayload(ctx, sessionID)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load pending gate")
	}
	payload = gate.Parse(payload)
	now := time.Now()

	if gate.CurrentGate(payload) == gateName {
		if gate.IsAnswered(payload) {
			return nil
		}
		answered := gate.Answer(payload, response, now)
		if _, err := s.store.AnswerPendingGate(ctx, sessionID, gateName, answered); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to persist gate response")
		}
	} else {
		queue := gate.GetResponseQueue(payload)
		queue = append(queue, gate.Item{Gate: gateName, RespondedAt: now, Response: response})
		updated := gate.WithResponseQueue(payload, queue)
		if err := s.store.SavePendingGatePayload(ctx, sessionID, updated); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to persist gate response")
		}
	}

	if s.waiter != nil {
		s.waiter.Notify(sessionID)
	}
	return nil
}
