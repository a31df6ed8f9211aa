package policy

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestPolicy(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "policy Suite")
}

func testdataPath(subpath string) string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "testdata", subpath)
}

var _ = Describe("Evaluator", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		if cancel != nil {
			cancel()
		}
	})

	Context("with a valid policy", func() {
		var evaluator *Evaluator

		BeforeEach(func() {
			evaluator = NewEvaluator(Config{PolicyPath: testdataPath("policies/decision.rego")}, logr.Discard())
			Expect(evaluator.StartHotReload(ctx)).To(Succeed())
		})

		It("does not escalate when there are no contract errors", func() {
			result, err := evaluator.Evaluate(ctx, &Input{
				Metrics:        map[string]float64{"identity_consistency": 0.9},
				QualityTargets: map[string]float64{"identity_consistency": 0.7},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Escalate).To(BeFalse())
			Expect(result.Degraded).To(BeFalse())
		})

		It("escalates on a quality target contract error, ahead of a continuity error", func() {
			result, err := evaluator.Evaluate(ctx, &Input{
				QualityTargetError:  "quality target contract unreadable",
				ContinuityPackError: "continuity pack missing",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Escalate).To(BeTrue())
			Expect(result.Reason).To(ContainSubstring("Quality target contract invalid"))
		})

		It("escalates on a continuity pack error when there is no quality target error", func() {
			result, err := evaluator.Evaluate(ctx, &Input{ContinuityPackError: "continuity pack missing"})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Escalate).To(BeTrue())
			Expect(result.Reason).To(ContainSubstring("Continuity pack invalid"))
		})

		It("flags metrics that fall below their tuned target", func() {
			result, err := evaluator.Evaluate(ctx, &Input{
				Metrics: map[string]float64{
					"identity_consistency": 0.5,
					"loop_seam":             0.9,
				},
				QualityTargets: map[string]float64{
					"identity_consistency": 0.7,
					"loop_seam":             0.7,
				},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.FailedMetrics).To(ConsistOf("identity_consistency"))
		})
	})

	Context("when the policy file is missing", func() {
		It("defaults to fail-safe escalation", func() {
			evaluator := NewEvaluator(Config{PolicyPath: "nonexistent/path/policy.rego"}, logr.Discard())
			Expect(evaluator.StartHotReload(ctx)).To(Succeed())

			result, err := evaluator.Evaluate(ctx, &Input{})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Escalate).To(BeTrue())
			Expect(result.Degraded).To(BeTrue())
		})
	})

	Context("when the policy has a syntax error", func() {
		It("defaults to fail-safe escalation", func() {
			evaluator := NewEvaluator(Config{PolicyPath: testdataPath("invalid_policies/invalid.rego")}, logr.Discard())
			Expect(evaluator.StartHotReload(ctx)).To(Succeed())

			result, err := evaluator.Evaluate(ctx, &Input{})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Escalate).To(BeTrue())
			Expect(result.Degraded).To(BeTrue())
			Expect(result.Reason).To(ContainSubstring("Policy unavailable"))
		})
	})
})
