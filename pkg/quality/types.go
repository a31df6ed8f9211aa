// Package quality implements the Quality Decision Engine (C4) and the
// Finalize Gate Reader (C5): a deterministic, first-rule-wins policy that
// reads the quality/costume/two-pass artifacts a worker produced and
// decides whether a job proceeds to finalize, retries, blocks, or
// escalates to a human. Grounded on tools/decide_quality_action.py, with
// the contract-sanity and threshold rules (#1, #2, #7) evaluated through
// the embedded policy/rules/decision.rego via pkg/quality/policy.
package quality

// Metric is one scored dimension inside a recast_quality_report.v1.json.
type Metric struct {
	Score float64 `json:"score"`
}

// QualityReport is sandbox/logs/<job_id>/qc/recast_quality_report.v1.json.
type QualityReport struct {
	Overall struct {
		Pass          bool     `json:"pass"`
		FailedMetrics []string `json:"failed_metrics"`
	} `json:"overall"`
	Metrics map[string]Metric `json:"metrics"`
}

// CostumeReport is sandbox/logs/<job_id>/qc/costume_fidelity.v1.json.
type CostumeReport struct {
	Pass bool `json:"pass"`
}

// PassResult is one entry of a TwoPassOrchestration's passes map.
type PassResult struct {
	Status string `json:"status"`
}

// TwoPassOrchestration is sandbox/logs/<job_id>/qc/two_pass_orchestration.v1.json.
type TwoPassOrchestration struct {
	Passes struct {
		Motion   PassResult `json:"motion"`
		Identity PassResult `json:"identity"`
	} `json:"passes"`
}

// Seam is one entry in a SegmentStitchReport's seams array.
type Seam struct {
	FromSegment string `json:"from_segment"`
	ToSegment   string `json:"to_segment"`
}

// Segment is one entry in a SegmentStitchReport's segments array.
type Segment struct {
	SegmentID string `json:"segment_id"`
}

// SegmentStitchReport is sandbox/output/<job_id>/segments/segment_stitch_report.v1.json.
type SegmentStitchReport struct {
	Seams    []Seam    `json:"seams"`
	Segments []Segment `json:"segments"`
}

// QualityTargetContract is the repo-relative document a job's
// quality_target.relpath points at.
type QualityTargetContract struct {
	Version    string             `json:"version"`
	Thresholds map[string]float64 `json:"thresholds"`
}

// ContinuityRules is the rules block of a ContinuityPackContract.
type ContinuityRules struct {
	RequireCostumeFidelity     *bool `json:"require_costume_fidelity"`
	RequireIdentityConsistency *bool `json:"require_identity_consistency"`
}

// ContinuityPackContract is the repo-relative document a job's
// continuity_pack.relpath points at.
type ContinuityPackContract struct {
	Version string          `json:"version"`
	Rules   ContinuityRules `json:"rules"`
}

// SegmentRetryPlan narrows a motion-metric retry to the affected segments
// when the segment stitch report identifies them.
type SegmentRetryPlan struct {
	Mode           string   `json:"mode"`
	TargetSegments []string `json:"target_segments"`
	TriggerMetrics []string `json:"trigger_metrics"`
}

// Passes summarizes the two-pass orchestration's outcome for the decision
// document; "unknown" when no two-pass orchestration ran.
type Passes struct {
	MotionStatus   string `json:"motion_status"`
	IdentityStatus string `json:"identity_status"`
}

// Decision is the action the engine settled on.
type Decision struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

// Action values, unchanged from decide_quality_action.py.
const (
	ActionProceedFinalize = "proceed_finalize"
	ActionRetryRecast     = "retry_recast"
	ActionRetryMotion     = "retry_motion"
	ActionBlockForCostume = "block_for_costume"
	ActionEscalateHITL    = "escalate_hitl"
)

// Inputs records which artifacts the engine actually read, for audit.
type Inputs struct {
	QualityReportRelpath        *string  `json:"quality_report_relpath"`
	CostumeReportRelpath        *string  `json:"costume_report_relpath"`
	TwoPassOrchestrationRelpath *string  `json:"two_pass_orchestration_relpath"`
	QualityTargetRelpath        *string  `json:"quality_target_relpath"`
	QualityTargetContractError  *string  `json:"quality_target_contract_error"`
	ContinuityPackRelpath       *string  `json:"continuity_pack_relpath"`
	ContinuityPackError         *string  `json:"continuity_pack_error"`
	SegmentStitchPlanRelpath    *string  `json:"segment_stitch_plan_relpath"`
	FailedMetrics               []string `json:"failed_metrics"`
}

// Policy records the retry budget this decision was made under.
type Policy struct {
	MaxRetries     int                `json:"max_retries"`
	RetryAttempt   int                `json:"retry_attempt"`
	QualityTargets map[string]float64 `json:"quality_targets"`
}

// Document is sandbox/logs/<job_id>/qc/quality_decision.v1.json.
type Document struct {
	Version      string           `json:"version"`
	JobID        string           `json:"job_id"`
	GeneratedAt  string           `json:"generated_at"`
	Inputs       Inputs           `json:"inputs"`
	Policy       Policy           `json:"policy"`
	SegmentRetry SegmentRetryPlan `json:"segment_retry"`
	Passes       Passes           `json:"passes"`
	Decision     Decision         `json:"decision"`
}

// DefaultQualityTargets mirrors DEFAULT_QUALITY_TARGETS.
var DefaultQualityTargets = map[string]float64{
	"identity_consistency": 0.70,
	"mask_edge_bleed":      0.60,
	"temporal_stability":   0.70,
	"loop_seam":            0.70,
	"audio_video":          0.95,
}

var identityMetrics = map[string]bool{
	"identity_consistency": true,
	"mask_edge_bleed":      true,
}

var motionMetrics = map[string]bool{
	"temporal_stability": true,
	"loop_seam":          true,
}

// FinalizeGateDocument is the artifact C5 reads to decide whether finalize
// may proceed; an unreadable or missing document is advisory-silence (spec
// §9's Open Question: treated as "no gate recorded", never fatal).
type FinalizeGateDocument struct {
	Version       string `json:"version"`
	AllowFinalize bool   `json:"allow_finalize"`
	Reason        string `json:"reason"`
}
