package controller

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cat-ai-factory/caf-pipeline/internal/obs"
	"github.com/cat-ai-factory/caf-pipeline/pkg/auditindex"
	"github.com/cat-ai-factory/caf-pipeline/pkg/jobcontract"
	"github.com/cat-ai-factory/caf-pipeline/pkg/journal"
	"github.com/cat-ai-factory/caf-pipeline/pkg/lineage"
	"github.com/cat-ai-factory/caf-pipeline/pkg/lock"
	"github.com/cat-ai-factory/caf-pipeline/pkg/notify"
	"github.com/cat-ai-factory/caf-pipeline/pkg/quality"
	"github.com/cat-ai-factory/caf-pipeline/pkg/sandbox"
)

// Config holds the controller's filesystem root and retry budget. Root is
// the directory containing both sandbox/ and repo/ (spec.md §6.1) — the
// same root quality.Engine is constructed against.
type Config struct {
	Root       string
	MaxRetries int
}

// Controller drives one job_id through the state machine in spec.md §4.7.
type Controller struct {
	Cfg     Config
	Locker  lock.Locker
	Quality *quality.Engine
	Log     *zap.Logger
	Metrics *obs.Metrics

	Runner            CmdRunner
	WorkerArgv        func(jobPath string) []string
	LineageVerifyArgv func(jobPath string) []string
	TwoPassArgv       func(jobID string) []string

	// Notifier fires a best-effort Slack message on escalation. Nil is a
	// safe no-op (NewController leaves it unset; cmd/controller wires one
	// from config.Slack).
	Notifier *notify.Notifier

	// Mirror best-effort mirrors every journal event to Postgres. Nil is a
	// safe no-op (NewController leaves it unset; cmd/controller wires one
	// from config.Postgres).
	Mirror *auditindex.Mirror
}

func NewController(cfg Config, locker lock.Locker, qe *quality.Engine, log *zap.Logger, metrics *obs.Metrics) *Controller {
	return &Controller{
		Cfg:     cfg,
		Locker:  locker,
		Quality: qe,
		Log:     log,
		Metrics: metrics,
		Runner:  RunCommand,
		WorkerArgv: func(jobPath string) []string {
			return []string{"python3", "repo/worker/render_ffmpeg.py", "--job", jobPath}
		},
		LineageVerifyArgv: func(jobPath string) []string {
			return []string{"python3", "repo/tools/lineage_verify.py", jobPath}
		},
		TwoPassArgv: func(jobID string) []string {
			return []string{"python3", "repo/tools/derive_two_pass_orchestration.py", "--job-id", jobID}
		},
	}
}

func jobIDFromFilename(jobPath string) string {
	name := filepath.Base(jobPath)
	if strings.HasSuffix(name, ".job.json") {
		return strings.TrimSuffix(name, ".job.json")
	}
	if strings.HasSuffix(name, ".json") {
		return strings.TrimSuffix(name, ".json")
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// run carries the mutable state a single Run call threads through its
// nested closures — current state-machine node, pointers, and the journal.
type run struct {
	jrnl     *journal.Journal
	jobID    string
	state    string
	pointers map[string]string
	mirror   *auditindex.Mirror
}

func (r *run) transition(jrnl *journal.Journal, toState, event, attemptID, reason, errStr string, details map[string]any) {
	fromState := r.state
	_ = jrnl.AppendEvent(event, fromState, toState, attemptID, details)
	r.mirrorEvent(event, fromState, toState, attemptID, details)
	r.state = toState
	_ = jrnl.WriteState(r.jobID, toState, attemptID, reason, errStr, r.pointers)
}

func (r *run) warn(jrnl *journal.Journal, event, attemptID string, details map[string]any) {
	_ = jrnl.AppendEvent(event, r.state, r.state, attemptID, details)
	r.mirrorEvent(event, r.state, r.state, attemptID, details)
}

// mirrorEvent best-effort forwards the just-appended event to the optional
// Postgres mirror (pkg/auditindex). NDJSON remains the source of truth;
// this is a write-only sidecar, never read back.
func (r *run) mirrorEvent(event, fromState, toState, attemptID string, details map[string]any) {
	if r.mirror == nil {
		return
	}
	r.mirror.Record(context.Background(), r.jobID, journal.Event{
		Ts: nowTSForLineage(), Event: event, FromState: fromState, ToState: toState,
		AttemptID: attemptID, Details: details,
	})
}

// countAttempt increments the attempts-by-outcome counter; Metrics is nil in
// tests that don't construct a registry, so this is a no-op there.
func (c *Controller) countAttempt(outcome string) {
	if c.Metrics == nil {
		return
	}
	c.Metrics.Attempts.WithLabelValues(outcome).Inc()
}

func (c *Controller) countQualityDecision(action string) {
	if c.Metrics == nil {
		return
	}
	c.Metrics.QualityDecisions.WithLabelValues(action).Inc()
}

// Run executes the full controller algorithm against the job contract at
// jobPath and returns the process exit code (0 or 1).
func (c *Controller) Run(ctx context.Context, jobPath string) int {
	filenameJobID := jobIDFromFilename(jobPath)

	// The validator collaborator is bound in-process (spec.md §9 explicitly
	// allows this for the validator and decision engine); a failure here
	// creates no log directory at all, matching the "invalidation is total"
	// invariant.
	data, err := os.ReadFile(jobPath)
	if err != nil {
		c.Log.Error("reading job contract", zap.Error(err))
		return 1
	}
	var job jobcontract.Job
	validationErr := json.Unmarshal(data, &job)
	var validationMsg string
	if validationErr == nil {
		if verr := jobcontract.Validate(&job); verr != nil {
			validationErr = verr
		}
	}
	if validationErr != nil {
		validationMsg = validationErr.Error()
		c.Log.Error("job contract failed validation", zap.String("job", jobPath), zap.Error(validationErr))
		return 1
	}
	validationMsg = "OK"

	canonicalJobID := job.JobID
	if canonicalJobID == "" {
		return 1
	}

	sandboxRoot := filepath.Join(c.Cfg.Root, "sandbox")
	logsDir := filepath.Join(sandboxRoot, "logs", canonicalJobID)
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		c.Log.Error("creating logs dir", zap.Error(err))
		return 1
	}

	res, err := c.Locker.TryAcquire(canonicalJobID)
	if err != nil {
		c.Log.Error("acquiring lock", zap.Error(err))
		return 1
	}
	if res == lock.Busy {
		c.Log.Info("lock held by another instance; exiting", zap.String("job_id", canonicalJobID))
		return 0
	}
	defer c.Locker.Release(canonicalJobID)

	jrnl := journal.New(logsDir)
	r := &run{jrnl: jrnl, jobID: canonicalJobID, pointers: map[string]string{}, mirror: c.Mirror}

	validateLog := filepath.Join(logsDir, "validate_job.log")
	_ = os.WriteFile(validateLog, []byte(validationMsg+"\n"), 0o644)
	r.pointers[PointerValidateLog] = validateLog

	r.transition(jrnl, string(StateDiscovered), EventDiscovered, "", "", "", nil)
	r.transition(jrnl, string(StateValidated), EventValidated, "", "", "", nil)

	if canonicalJobID != filenameJobID {
		r.warn(jrnl, EventJobIDMismatch, "", map[string]any{
			"filename_job_id":  filenameJobID,
			"job_json_job_id":  canonicalJobID,
		})
	}

	outputDir := filepath.Join(sandboxRoot, "output", canonicalJobID)
	resultJSON := filepath.Join(outputDir, "result.json")
	r.pointers[PointerResultJSON] = resultJSON
	forceRetryFromExisting := false
	lineageContractPath := filepath.Join(qcDirOf(logsDir), "retry_attempt_lineage.v1.json")
	lineageRecorder := lineage.New(lineageContractPath)

	status := CheckOutputs(outputDir)
	if status.AnyPresent && !status.AllPresent {
		r.transition(jrnl, string(StateFailOutputs), EventOutputsPartial, "", "partial outputs present", "",
			map[string]any{"present": status.Present, "missing": status.Missing})
	}

	maxRetries := c.Cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	if status.AllPresent {
		r.transition(jrnl, string(StateOutputsPresent), EventOutputsPresent, "", "", "", nil)
		r.transition(jrnl, string(StateLineageReady), EventLineageReady, "", "", "", nil)

		lineageLog := filepath.Join(logsDir, "lineage_verify.log")
		r.pointers[PointerLineageLog] = lineageLog
		rc, rerr := c.Runner(ctx, c.LineageVerifyArgv(jobPath), lineageLog, nil)

		if rerr == nil && rc == 0 {
			r.transition(jrnl, string(StateVerified), EventLineageOK, "", "", "", nil)
			action, reason, decCtx := c.qualityDecision(ctx, jrnl, r, logsDir, canonicalJobID, "", maxRetries)
			actionClass := ClassifyAction(action)

			_ = lineageRecorder.AppendAttempt(canonicalJobID, lineage.Attempt{
				Ts:             nowTSForLineage(),
				AttemptID:      "preexisting-output",
				DecisionAction: action,
				DecisionReason: reason,
				Resolution:     string(actionClass),
				RetryType:      decCtx.RetryType,
				SegmentRetry:   decCtx.SegmentRetry,
				Artifacts: lineage.Artifacts{
					QualityDecisionRelpath: decCtx.QualityDecisionRelpath,
					RetryPlanRelpath:       decCtx.RetryPlanRelpath,
					ResultRelpath:          relOrNilIfExists(resultJSON, c.Cfg.Root),
					OutputFinalRelpath:     relOrNilIfExists(filepath.Join(outputDir, "final.mp4"), c.Cfg.Root),
				},
			})

			switch actionClass {
			case ClassRetry:
				r.transition(jrnl, string(StateFailQuality), EventQualityRetry, "", reason, "", nil)
				if maxRetries == 0 {
					return 1
				}
				forceRetryFromExisting = true
				r.warn(jrnl, EventQualityRetryExecution, "", map[string]any{
					"reason": "retry requested on existing outputs; entering bounded retry loop",
				})
			case ClassEscalate:
				r.transition(jrnl, string(StateFailQuality), EventQualityEscalated, "", reason, "", nil)
				c.Notifier.NotifyEscalation(canonicalJobID, action, reason)
				return 1
			case ClassFinalize:
				if !forceRetryFromExisting {
					r.transition(jrnl, string(StateCompleted), EventCompleted, "", "", "", nil)
					return 0
				}
			}
		} else {
			r.transition(jrnl, string(StateFailVerify), EventLineageFailed, "", "lineage verification failed on existing outputs", "",
				map[string]any{"exit_code": rc})
		}
	}

	ok, msg := VerifyInputs(job.Render.BackgroundAsset, sandboxRoot)
	if !ok {
		r.transition(jrnl, string(StateFailMissingInputs), EventMissingInputs, "", msg, "", nil)
		return 1
	}

	attemptsRoot := filepath.Join(logsDir, "attempts")
	totalAttempts := maxRetries + 1

	var sourceAttempt *string
	if forceRetryFromExisting {
		s := "preexisting-output"
		sourceAttempt = &s
	}

	for attemptIndex := 0; attemptIndex < totalAttempts; attemptIndex++ {
		attemptID, err := NextAttemptID(attemptsRoot)
		if err != nil {
			c.Log.Error("allocating attempt id", zap.Error(err))
			return 1
		}
		attemptDir := filepath.Join(attemptsRoot, attemptID)
		if err := os.MkdirAll(attemptDir, 0o755); err != nil {
			c.Log.Error("creating attempt dir", zap.Error(err))
			return 1
		}
		r.pointers[PointerAttemptDir] = attemptDir

		r.transition(jrnl, string(StateRunning), EventAttemptStart, attemptID, "", "", nil)

		workerLog := filepath.Join(attemptDir, "worker.log")
		r.pointers[PointerWorkerLog] = workerLog
		retryPlanPath := filepath.Join(qcDirOf(logsDir), "retry_plan.v1.json")
		env := map[string]string{"CAF_RETRY_ATTEMPT_ID": attemptID}
		if _, err := os.Stat(retryPlanPath); err == nil {
			env["CAF_RETRY_PLAN_PATH"] = retryPlanPath
		}

		rc, rerr := c.Runner(ctx, c.WorkerArgv(jobPath), workerLog, env)
		if rerr != nil || rc != 0 {
			c.countAttempt("worker_failed")
			r.transition(jrnl, string(StateFailWorker), EventWorkerFailed, attemptID, "worker failed", "",
				map[string]any{"exit_code": rc})
			if attemptIndex < totalAttempts-1 {
				continue
			}
			return 1
		}

		status = CheckOutputs(outputDir)
		if !status.AllPresent {
			r.transition(jrnl, string(StateFailOutputs), EventOutputsMissing, attemptID, "outputs missing after worker", "",
				map[string]any{"present": status.Present, "missing": status.Missing})
			if attemptIndex < totalAttempts-1 {
				continue
			}
			return 1
		}

		r.transition(jrnl, string(StateOutputsPresent), EventOutputsPresent, attemptID, "", "", nil)
		r.transition(jrnl, string(StateLineageReady), EventLineageReady, attemptID, "", "", nil)

		lineageLog := filepath.Join(attemptDir, "lineage_verify.log")
		r.pointers[PointerLineageLog] = lineageLog
		rc, rerr = c.Runner(ctx, c.LineageVerifyArgv(jobPath), lineageLog, nil)

		if rerr == nil && rc == 0 {
			r.transition(jrnl, string(StateVerified), EventLineageOK, attemptID, "", "", nil)
			action, reason, decCtx := c.qualityDecision(ctx, jrnl, r, logsDir, canonicalJobID, attemptID, maxRetries)
			actionClass := ClassifyAction(action)

			_ = lineageRecorder.AppendAttempt(canonicalJobID, lineage.Attempt{
				Ts:              nowTSForLineage(),
				AttemptID:       attemptID,
				SourceAttemptID: sourceAttempt,
				DecisionAction:  action,
				DecisionReason:  reason,
				Resolution:      string(actionClass),
				RetryType:       decCtx.RetryType,
				SegmentRetry:    decCtx.SegmentRetry,
				Artifacts: lineage.Artifacts{
					QualityDecisionRelpath: decCtx.QualityDecisionRelpath,
					RetryPlanRelpath:       decCtx.RetryPlanRelpath,
					ResultRelpath:          relOrNilIfExists(resultJSON, c.Cfg.Root),
					OutputFinalRelpath:     relOrNilIfExists(filepath.Join(outputDir, "final.mp4"), c.Cfg.Root),
				},
			})
			prevAttempt := attemptID
			sourceAttempt = &prevAttempt

			switch actionClass {
			case ClassRetry:
				r.transition(jrnl, string(StateFailQuality), EventQualityRetry, attemptID, reason, "", nil)
				if attemptIndex < totalAttempts-1 {
					continue
				}
				return 1
			case ClassEscalate:
				c.countAttempt("quality_escalated")
				r.transition(jrnl, string(StateFailQuality), EventQualityEscalated, attemptID, reason, "", nil)
				c.Notifier.NotifyEscalation(canonicalJobID, action, reason)
				return 1
			default:
				c.countAttempt("completed")
				r.transition(jrnl, string(StateCompleted), EventCompleted, attemptID, "", "", nil)
				return 0
			}
		}

		c.countAttempt("lineage_failed")
		r.transition(jrnl, string(StateFailVerify), EventLineageFailed, attemptID, "lineage verification failed", "",
			map[string]any{"exit_code": rc})
		if attemptIndex < totalAttempts-1 {
			continue
		}
		return 1
	}

	return 1
}

// qualityDecision replicates ralph_loop.py's quality_decision closure: it
// runs the (subprocess) two-pass orchestrator as a best-effort warning
// source, computes the in-process quality decision, logs it, then lets two
// optional overlay artifacts — qc_route_advice (non-authoritative) and
// retry_plan (authoritative override) — refine or replace the action
// before the finalize gate gets a last, veto-only say.
func (c *Controller) qualityDecision(ctx context.Context, jrnl *journal.Journal, r *run, logsDir, jobID, attemptID string, maxRetries int) (string, string, decisionContext) {
	qcDir := qcDirOf(logsDir)

	twoPassLog := filepath.Join(qcDir, "two_pass_orchestration.log")
	rc, rerr := c.Runner(ctx, c.TwoPassArgv(jobID), twoPassLog, nil)
	if rerr != nil || rc != 0 {
		r.warn(jrnl, EventTwoPassOrchestrationFail, attemptID, map[string]any{"exit_code": rc})
	}

	doc, err := c.Quality.Decide(ctx, jobID, maxRetries)
	if err != nil {
		r.warn(jrnl, EventQualityDecisionFailed, attemptID, map[string]any{"error": err.Error()})
		return "escalate_hitl", "quality decision tool failed; finalize gate is fail-closed", decisionContext{}
	}

	actionS := doc.Decision.Action
	if actionS == "" {
		actionS = "proceed_finalize"
	}
	reasonS := doc.Decision.Reason
	if reasonS == "" {
		reasonS = "quality decision unavailable"
	}
	c.countQualityDecision(actionS)
	decisionPath := filepath.Join(qcDir, "quality_decision.v1.json")
	r.warn(jrnl, EventQualityDecision, attemptID, map[string]any{
		"action":   actionS,
		"reason":   reasonS,
		"artifact": decisionPath,
	})

	advicePath := filepath.Join(qcDir, "qc_route_advice.v1.json")
	var advice qcRouteAdviceDocument
	if sandbox.ReadJSONIfExists(advicePath, &advice, nil) && advice.Version == "qc_route_advice.v1" {
		r.warn(jrnl, EventQualityAdvisory, attemptID, map[string]any{
			"advice_action":        advice.Advice.RecommendedAction,
			"advice_reason":        advice.Advice.Reason,
			"authoritative_action": actionS,
			"authority_mode":       "policy_authoritative",
			"artifact":             advicePath,
		})
	}

	decCtx := decisionContext{
		QualityDecisionRelpath: relOrNilIfExists(decisionPath, c.Cfg.Root),
	}

	retryPlanPath := filepath.Join(qcDir, "retry_plan.v1.json")
	var plan retryPlanDocument
	if sandbox.ReadJSONIfExists(retryPlanPath, &plan, nil) {
		decCtx.RetryPlanRelpath = relOrNilIfExists(retryPlanPath, c.Cfg.Root)
		sourceAction := plan.Source.Action
		if sourceAction == "" {
			sourceAction = actionS
		}
		sourceReason := plan.Source.Reason
		if sourceReason == "" {
			sourceReason = reasonS
		}

		if plan.Retry.Enabled &&
			(plan.Retry.RetryType == "motion" || plan.Retry.RetryType == "recast") &&
			plan.Retry.MaxRetries != nil && plan.Retry.NextAttempt != nil &&
			*plan.Retry.NextAttempt <= *plan.Retry.MaxRetries {
			mappedAction := "retry_recast"
			if plan.Retry.RetryType == "motion" {
				mappedAction = "retry_motion"
			}
			r.warn(jrnl, EventQualityRetryPlan, attemptID, map[string]any{
				"mapped_action": mappedAction,
				"source_action": sourceAction,
				"next_attempt":  *plan.Retry.NextAttempt,
				"max_retries":   *plan.Retry.MaxRetries,
				"artifact":      retryPlanPath,
			})
			decCtx.RetryType = &plan.Retry.RetryType
			decCtx.SegmentRetry = plan.Retry.SegmentRetry
			return mappedAction, sourceReason, decCtx
		}

		switch plan.State.TerminalState {
		case "block_for_costume":
			decCtx.SegmentRetry = plan.Retry.SegmentRetry
			return "block_for_costume", sourceReason, decCtx
		case "escalate_hitl":
			decCtx.SegmentRetry = plan.Retry.SegmentRetry
			return "escalate_hitl", sourceReason, decCtx
		}
	}

	finalizeGatePath := filepath.Join(qcDir, "finalize_gate.v1.json")
	gate, ok := quality.ReadFinalizeGate(finalizeGatePath)
	if actionS == "proceed_finalize" && quality.VetoesFinalize(gate, ok) {
		return "escalate_hitl", "Finalize gate blocked completion.", decCtx
	}

	return actionS, reasonS, decCtx
}

func nowTSForLineage() string {
	return lineage.NowFn().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}
