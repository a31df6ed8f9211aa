package quality

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cat-ai-factory/caf-pipeline/pkg/sandbox"
)

func TestQuality(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "quality Suite")
}

const testPolicyPath = "policy/rules/decision.rego"

func newEngine(root string) *Engine {
	p, _ := filepath.Abs(testPolicyPath)
	return NewEngine(root, p, logr.Discard())
}

var _ = Describe("Engine.Decide", func() {
	var root string

	BeforeEach(func() {
		root = GinkgoT().TempDir()
		NowFn = func() time.Time { return time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC) }
	})

	It("proceeds to finalize when there are no artifacts at all", func() {
		e := newEngine(root)
		doc, err := e.Decide(context.Background(), "job-abc123", 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(doc.Decision.Action).To(Equal(ActionProceedFinalize))
	})

	It("requests retry_motion when only a motion metric fails, within budget", func() {
		qcDir := filepath.Join(root, "sandbox", "logs", "job-abc123", "qc")
		Expect(sandbox.WriteJSONAtomic(filepath.Join(qcDir, "recast_quality_report.v1.json"), map[string]any{
			"overall": map[string]any{"pass": false, "failed_metrics": []string{"temporal_stability"}},
			"metrics": map[string]any{"temporal_stability": map[string]any{"score": 0.5}},
		})).To(Succeed())

		e := newEngine(root)
		doc, err := e.Decide(context.Background(), "job-abc123", 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(doc.Decision.Action).To(Equal(ActionRetryMotion))
		Expect(doc.Policy.RetryAttempt).To(Equal(1))
	})

	It("escalates once the retry budget is exhausted", func() {
		qcDir := filepath.Join(root, "sandbox", "logs", "job-abc123", "qc")
		qualityPath := filepath.Join(qcDir, "recast_quality_report.v1.json")
		Expect(sandbox.WriteJSONAtomic(qualityPath, map[string]any{
			"overall": map[string]any{"pass": false, "failed_metrics": []string{"identity_consistency"}},
		})).To(Succeed())

		e := newEngine(root)
		doc1, err := e.Decide(context.Background(), "job-abc123", 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(doc1.Decision.Action).To(Equal(ActionEscalateHITL))
		Expect(doc1.Policy.RetryAttempt).To(Equal(1))
	})

	It("blocks for costume when the costume gate fails", func() {
		qcDir := filepath.Join(root, "sandbox", "logs", "job-abc123", "qc")
		Expect(sandbox.WriteJSONAtomic(filepath.Join(qcDir, "costume_fidelity.v1.json"), map[string]any{
			"pass": false,
		})).To(Succeed())

		e := newEngine(root)
		doc, err := e.Decide(context.Background(), "job-abc123", 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(doc.Decision.Action).To(Equal(ActionBlockForCostume))
	})

	It("escalates when the quality target contract is missing", func() {
		jobsDir := filepath.Join(root, "sandbox", "jobs")
		Expect(sandbox.WriteJSONAtomic(filepath.Join(jobsDir, "job-abc123.job.json"), map[string]any{
			"quality_target": map[string]any{"relpath": "repo/contracts/missing.json"},
		})).To(Succeed())

		e := newEngine(root)
		doc, err := e.Decide(context.Background(), "job-abc123", 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(doc.Decision.Action).To(Equal(ActionEscalateHITL))
		Expect(*doc.Inputs.QualityTargetContractError).To(ContainSubstring("missing"))
	})

	It("overrides identity-pass failure ahead of a passing motion pass, retrying recast", func() {
		qcDir := filepath.Join(root, "sandbox", "logs", "job-abc123", "qc")
		Expect(sandbox.WriteJSONAtomic(filepath.Join(qcDir, "two_pass_orchestration.v1.json"), map[string]any{
			"passes": map[string]any{
				"motion":   map[string]any{"status": "pass"},
				"identity": map[string]any{"status": "fail"},
			},
		})).To(Succeed())

		e := newEngine(root)
		doc, err := e.Decide(context.Background(), "job-abc123", 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(doc.Decision.Action).To(Equal(ActionRetryRecast))
		Expect(doc.Passes.IdentityStatus).To(Equal("fail"))
		Expect(doc.Passes.MotionStatus).To(Equal("pass"))
	})
})

var _ = Describe("segmentRetryPlan", func() {
	It("reports none when no motion metric failed", func() {
		plan := segmentRetryPlan(nil, []string{"audio_video"})
		Expect(plan.Mode).To(Equal("none"))
	})

	It("targets the seam's segments when loop_seam fails and a report exists", func() {
		report := &SegmentStitchReport{
			Seams: []Seam{{FromSegment: "seg_001", ToSegment: "seg_002"}},
		}
		plan := segmentRetryPlan(report, []string{"loop_seam"})
		Expect(plan.Mode).To(Equal("retry_selected"))
		Expect(plan.TargetSegments).To(Equal([]string{"seg_001", "seg_002"}))
	})

	It("retries all when temporal_stability fails without a report", func() {
		plan := segmentRetryPlan(nil, []string{"temporal_stability"})
		Expect(plan.Mode).To(Equal("retry_all"))
	})
})

var _ = Describe("ReadFinalizeGate / VetoesFinalize", func() {
	It("does not veto when the gate file is absent", func() {
		gate, ok := ReadFinalizeGate(filepath.Join(GinkgoT().TempDir(), "missing.json"))
		Expect(VetoesFinalize(gate, ok)).To(BeFalse())
	})

	It("vetoes a proceed_finalize decision when allow_finalize is false", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "finalize_gate.v1.json")
		Expect(sandbox.WriteJSONAtomic(path, FinalizeGateDocument{Version: "finalize_gate.v1", AllowFinalize: false})).To(Succeed())

		gate, ok := ReadFinalizeGate(path)
		Expect(VetoesFinalize(gate, ok)).To(BeTrue())
	})
})
