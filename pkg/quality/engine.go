package quality

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/cat-ai-factory/caf-pipeline/pkg/quality/policy"
	"github.com/cat-ai-factory/caf-pipeline/pkg/sandbox"
)

// NowFn is overridable for deterministic tests, matching journal.NowFn and
// lineage.NowFn.
var NowFn = func() time.Time { return time.Now().UTC() }

func nowTS() string {
	return NowFn().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}

// Engine is the Quality Decision Engine. Root is the project root
// containing both "sandbox/" (job state) and "repo/" (contract documents),
// matching decide_quality_action.py's project_root.
type Engine struct {
	Root      string
	Evaluator *policy.Evaluator
}

// NewEngine wires the embedded Rego policy at policyPath (typically
// pkg/quality/policy/rules/decision.rego, shipped alongside the binary) and
// starts its hot-reload watch.
func NewEngine(root, policyPath string, log logr.Logger) *Engine {
	ev := policy.NewEvaluator(policy.Config{PolicyPath: policyPath}, log)
	_ = ev.StartHotReload(context.Background())
	return &Engine{Root: root, Evaluator: ev}
}

func (e *Engine) qcDir(jobID string) string {
	return filepath.Join(e.Root, "sandbox", "logs", jobID, "qc")
}

func (e *Engine) jobPath(jobID string) string {
	return filepath.Join(e.Root, "sandbox", "jobs", jobID+".job.json")
}

func relIfExists(path, root string) *string {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	rel, err := sandbox.SafeRelpath(path, root)
	if err != nil {
		return nil
	}
	return &rel
}

// loadQualityTargets reads the job's optional quality_target contract,
// falling back to DefaultQualityTargets and returning a non-empty error
// string on any malformed contract (contract presence is optional; contract
// malformation is not).
func (e *Engine) loadQualityTargets(jobID string) (map[string]float64, string, string) {
	targets := make(map[string]float64, len(DefaultQualityTargets))
	for k, v := range DefaultQualityTargets {
		targets[k] = v
	}

	var job struct {
		QualityTarget *struct {
			Relpath string `json:"relpath"`
		} `json:"quality_target"`
	}
	if ok := sandbox.ReadJSONIfExists(e.jobPath(jobID), &job, nil); !ok {
		return targets, "", ""
	}
	if job.QualityTarget == nil {
		return targets, "", ""
	}
	if !strings.HasPrefix(job.QualityTarget.Relpath, "repo/") {
		return targets, "", "quality_target.relpath must be repo-relative"
	}

	contractPath := filepath.Join(e.Root, job.QualityTarget.Relpath)
	if _, err := os.Stat(contractPath); err != nil {
		return targets, contractPath, "quality target contract missing"
	}

	var contract QualityTargetContract
	if ok := sandbox.ReadJSONIfExists(contractPath, &contract, nil); !ok {
		return targets, contractPath, "quality target contract unreadable"
	}
	if contract.Version != "quality_target.v1" {
		return targets, contractPath, "quality target contract version mismatch"
	}
	if contract.Thresholds == nil {
		return targets, contractPath, "quality target thresholds missing"
	}
	parsed := make(map[string]float64, len(DefaultQualityTargets))
	for key := range DefaultQualityTargets {
		v, ok := contract.Thresholds[key]
		if !ok {
			return targets, contractPath, fmt.Sprintf("quality target threshold missing: %s", key)
		}
		if v < 0.0 || v > 1.0 {
			return targets, contractPath, fmt.Sprintf("quality target threshold out of range: %s", key)
		}
		parsed[key] = v
	}
	return parsed, contractPath, ""
}

func (e *Engine) loadContinuityPack(jobID string) (*ContinuityPackContract, string, string) {
	var job struct {
		ContinuityPack *struct {
			Relpath string `json:"relpath"`
		} `json:"continuity_pack"`
	}
	if ok := sandbox.ReadJSONIfExists(e.jobPath(jobID), &job, nil); !ok {
		return nil, "", ""
	}
	if job.ContinuityPack == nil {
		return nil, "", ""
	}
	if !strings.HasPrefix(job.ContinuityPack.Relpath, "repo/") {
		return nil, "", "continuity_pack.relpath must be repo-relative"
	}

	packPath := filepath.Join(e.Root, job.ContinuityPack.Relpath)
	if _, err := os.Stat(packPath); err != nil {
		return nil, packPath, "continuity pack missing"
	}

	var pack ContinuityPackContract
	if ok := sandbox.ReadJSONIfExists(packPath, &pack, nil); !ok {
		return nil, packPath, "continuity pack unreadable"
	}
	if pack.Version != "episode_continuity_pack.v1" {
		return nil, packPath, "continuity pack version mismatch"
	}
	if pack.Rules.RequireCostumeFidelity == nil {
		return nil, packPath, "continuity rules require_costume_fidelity missing"
	}
	if pack.Rules.RequireIdentityConsistency == nil {
		return nil, packPath, "continuity rules require_identity_consistency missing"
	}
	return &pack, packPath, ""
}

func (e *Engine) loadSegmentReport(jobID string) *SegmentStitchReport {
	path := filepath.Join(e.Root, "sandbox", "output", jobID, "segments", "segment_stitch_report.v1.json")
	var rep SegmentStitchReport
	if ok := sandbox.ReadJSONIfExists(path, &rep, nil); ok {
		return &rep
	}
	return nil
}

// findSegmentPlan searches repo/canon/demo_analyses then repo/examples, in
// sorted file order, for the first document tagged segment_stitch_plan.v1.
func (e *Engine) findSegmentPlan() *string {
	candidates := []string{
		filepath.Join(e.Root, "repo", "canon", "demo_analyses"),
		filepath.Join(e.Root, "repo", "examples"),
	}
	for _, dir := range candidates {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		names := make([]string, 0, len(entries))
		for _, ent := range entries {
			if !ent.IsDir() && strings.HasSuffix(ent.Name(), ".json") {
				names = append(names, ent.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			full := filepath.Join(dir, name)
			var doc struct {
				Version string `json:"version"`
			}
			if ok := sandbox.ReadJSONIfExists(full, &doc, nil); ok && doc.Version == "segment_stitch_plan.v1" {
				return &full
			}
		}
	}
	return nil
}

func segmentRetryPlan(report *SegmentStitchReport, failedMetrics []string) SegmentRetryPlan {
	triggerSet := map[string]bool{}
	for _, m := range failedMetrics {
		if motionMetrics[m] {
			triggerSet[m] = true
		}
	}
	if len(triggerSet) == 0 {
		return SegmentRetryPlan{Mode: "none", TargetSegments: []string{}, TriggerMetrics: []string{}}
	}
	trigger := make([]string, 0, len(triggerSet))
	for m := range triggerSet {
		trigger = append(trigger, m)
	}
	sort.Strings(trigger)

	if report == nil {
		return SegmentRetryPlan{Mode: "retry_all", TargetSegments: []string{}, TriggerMetrics: trigger}
	}

	segSet := map[string]bool{}
	if triggerSet["loop_seam"] {
		for _, seam := range report.Seams {
			if strings.HasPrefix(seam.FromSegment, "seg_") {
				segSet[seam.FromSegment] = true
			}
			if strings.HasPrefix(seam.ToSegment, "seg_") {
				segSet[seam.ToSegment] = true
			}
		}
	}
	if len(segSet) == 0 && triggerSet["temporal_stability"] {
		for _, seg := range report.Segments {
			if strings.HasPrefix(seg.SegmentID, "seg_") {
				segSet[seg.SegmentID] = true
			}
		}
	}
	if len(segSet) > 0 {
		ids := make([]string, 0, len(segSet))
		for id := range segSet {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return SegmentRetryPlan{Mode: "retry_selected", TargetSegments: ids, TriggerMetrics: trigger}
	}
	return SegmentRetryPlan{Mode: "retry_all", TargetSegments: []string{}, TriggerMetrics: trigger}
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func passStatus(s string) string {
	if s == "pass" || s == "fail" {
		return s
	}
	return "unknown"
}

func clampMaxRetries(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// Decide runs the full decision table against jobID's current artifacts and
// atomically persists the resulting quality_decision.v1.json, returning the
// document it wrote.
func (e *Engine) Decide(ctx context.Context, jobID string, maxRetries int) (*Document, error) {
	maxRetries = clampMaxRetries(maxRetries)
	qcDir := e.qcDir(jobID)
	qualityPath := filepath.Join(qcDir, "recast_quality_report.v1.json")
	costumePath := filepath.Join(qcDir, "costume_fidelity.v1.json")
	twoPassPath := filepath.Join(qcDir, "two_pass_orchestration.v1.json")
	decisionPath := filepath.Join(qcDir, "quality_decision.v1.json")

	var quality QualityReport
	hasQuality := sandbox.ReadJSONIfExists(qualityPath, &quality, nil)

	var costume CostumeReport
	hasCostume := sandbox.ReadJSONIfExists(costumePath, &costume, nil)

	var twoPass TwoPassOrchestration
	hasTwoPass := sandbox.ReadJSONIfExists(twoPassPath, &twoPass, nil)

	segmentReport := e.loadSegmentReport(jobID)
	targets, targetContractPath, targetErr := e.loadQualityTargets(jobID)
	continuity, continuityPath, continuityErr := e.loadContinuityPack(jobID)

	var prior Document
	retryAttempt := 0
	if ok := sandbox.ReadJSONIfExists(decisionPath, &prior, nil); ok && prior.Policy.RetryAttempt >= 0 {
		retryAttempt = prior.Policy.RetryAttempt
	}

	rawFailed := []string{}
	metricScores := map[string]float64{}
	if hasQuality {
		rawFailed = append(rawFailed, quality.Overall.FailedMetrics...)
		for k, m := range quality.Metrics {
			metricScores[k] = m.Score
		}
	}

	polResult, err := e.Evaluator.Evaluate(ctx, &policy.Input{
		QualityTargetError:  targetErr,
		ContinuityPackError: continuityErr,
		Metrics:             metricScores,
		QualityTargets:      targets,
	})
	if err != nil {
		return nil, err
	}

	failedSet := map[string]bool{}
	for _, m := range rawFailed {
		failedSet[m] = true
	}
	for _, m := range polResult.FailedMetrics {
		failedSet[m] = true
	}
	failedMetrics := make([]string, 0, len(failedSet))
	for m := range failedSet {
		failedMetrics = append(failedMetrics, m)
	}
	sort.Strings(failedMetrics)

	segmentRetry := segmentRetryPlan(segmentReport, failedMetrics)

	action := ActionProceedFinalize
	reason := "No blocking quality findings."

	costumeFail := hasCostume && !costume.Pass

	motionStatus, identityStatus := "", ""

	switch {
	case targetErr != "" || continuityErr != "":
		action = ActionEscalateHITL
		reason = polResult.Reason
	case hasTwoPass:
		motionStatus = twoPass.Passes.Motion.Status
		identityStatus = twoPass.Passes.Identity.Status
		switch {
		case identityStatus == "fail":
			next := retryAttempt + 1
			if next <= maxRetries {
				action, retryAttempt, reason = ActionRetryRecast, next, "Identity pass failed within retry budget; deterministic recast retry requested."
			} else {
				action, retryAttempt, reason = ActionEscalateHITL, next, "Identity pass failed beyond retry budget; escalate to explicit HITL."
			}
		case motionStatus == "fail":
			next := retryAttempt + 1
			if next <= maxRetries {
				action, retryAttempt, reason = ActionRetryMotion, next, "Motion pass failed within retry budget; deterministic motion retry requested."
			} else {
				action, retryAttempt, reason = ActionEscalateHITL, next, "Motion pass failed beyond retry budget; escalate to explicit HITL."
			}
		}
	}

	// Rules 5-7 only apply if no higher-priority rule (1-4) has already
	// chosen an action — the two-pass identity/motion checks above outrank
	// costume fidelity, which outranks quality metrics.
	continuityRequiresCostume := continuity != nil && continuity.Rules.RequireCostumeFidelity != nil && *continuity.Rules.RequireCostumeFidelity
	switch {
	case action != ActionProceedFinalize:
		// rule 3/4 already decided; leave it alone.
	case continuityRequiresCostume && !hasCostume:
		action = ActionBlockForCostume
		reason = "Continuity pack requires costume fidelity report; report is missing."
	case costumeFail:
		action = ActionBlockForCostume
		reason = "Costume fidelity gate failed; require corrected recast input."
	case hasQuality:
		if !quality.Overall.Pass || len(failedMetrics) > 0 {
			next := retryAttempt + 1
			if next <= maxRetries {
				if len(failedMetrics) > 0 && allMotionMetrics(failedMetrics) {
					action, reason = ActionRetryMotion, "Motion quality metrics failed within retry budget; deterministic motion retry requested."
				} else {
					action, reason = ActionRetryRecast, "Quality metrics failed within retry budget; deterministic retry requested."
				}
				retryAttempt = next
			} else {
				action, retryAttempt, reason = ActionEscalateHITL, next, "Quality metrics failed beyond retry budget; escalate to explicit HITL."
			}
		}
	}

	segmentPlanRel := e.findSegmentPlan()
	var segmentPlanRelpath *string
	if segmentPlanRel != nil {
		if rel, err := sandbox.SafeRelpath(*segmentPlanRel, e.Root); err == nil {
			segmentPlanRelpath = &rel
		}
	}

	doc := Document{
		Version:     "quality_decision.v1",
		JobID:       jobID,
		GeneratedAt: nowTS(),
		Inputs: Inputs{
			QualityReportRelpath:        relIfExists(qualityPath, e.Root),
			CostumeReportRelpath:        relIfExists(costumePath, e.Root),
			TwoPassOrchestrationRelpath: relIfExists(twoPassPath, e.Root),
			QualityTargetRelpath:        relIfExists(targetContractPath, e.Root),
			QualityTargetContractError:  strPtrOrNil(targetErr),
			ContinuityPackRelpath:       relIfExists(continuityPath, e.Root),
			ContinuityPackError:         strPtrOrNil(continuityErr),
			SegmentStitchPlanRelpath:    segmentPlanRelpath,
			FailedMetrics:               failedMetrics,
		},
		Policy: Policy{
			MaxRetries:     maxRetries,
			RetryAttempt:   retryAttempt,
			QualityTargets: targets,
		},
		SegmentRetry: segmentRetry,
		Passes: Passes{
			MotionStatus:   passStatus(motionStatus),
			IdentityStatus: passStatus(identityStatus),
		},
		Decision: Decision{Action: action, Reason: reason},
	}

	if err := sandbox.WriteJSONAtomic(decisionPath, doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func allMotionMetrics(metrics []string) bool {
	for _, m := range metrics {
		if !motionMetrics[m] {
			return false
		}
	}
	return true
}
