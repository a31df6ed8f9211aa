package lineage

import (
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cat-ai-factory/caf-pipeline/pkg/sandbox"
)

func TestLineage(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "lineage Suite")
}

var _ = Describe("Recorder.AppendAttempt", func() {
	var (
		dir  string
		path string
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		path = filepath.Join(dir, "retry_attempt_lineage.v1.json")
		NowFn = func() time.Time { return time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC) }
	})

	It("creates a fresh document on first write", func() {
		r := New(path)
		err := r.AppendAttempt("job-abc123", Attempt{
			Ts:             "2026-07-29T12:00:00Z",
			AttemptID:      "run-0001",
			DecisionAction: "ACCEPT",
			DecisionReason: "meets_target",
			Resolution:     "accepted",
		})
		Expect(err).NotTo(HaveOccurred())

		var doc Document
		ok := sandbox.ReadJSONIfExists(path, &doc, nil)
		Expect(ok).To(BeTrue())
		Expect(doc.Version).To(Equal(version))
		Expect(doc.JobID).To(Equal("job-abc123"))
		Expect(doc.Attempts).To(HaveLen(1))
		Expect(doc.Attempts[0].AttemptID).To(Equal("run-0001"))
	})

	It("preserves prior attempts and appends new ones", func() {
		r := New(path)
		Expect(r.AppendAttempt("job-abc123", Attempt{AttemptID: "run-0001", DecisionAction: "RETRY"})).To(Succeed())

		NowFn = func() time.Time { return time.Date(2026, 7, 29, 12, 5, 0, 0, time.UTC) }
		src := "run-0001"
		Expect(r.AppendAttempt("job-abc123", Attempt{
			AttemptID:       "run-0002",
			SourceAttemptID: &src,
			DecisionAction:  "ACCEPT",
		})).To(Succeed())

		var doc Document
		ok := sandbox.ReadJSONIfExists(path, &doc, nil)
		Expect(ok).To(BeTrue())
		Expect(doc.Attempts).To(HaveLen(2))
		Expect(doc.Attempts[0].AttemptID).To(Equal("run-0001"))
		Expect(doc.Attempts[1].AttemptID).To(Equal("run-0002"))
		Expect(*doc.Attempts[1].SourceAttemptID).To(Equal("run-0001"))
		Expect(doc.UpdatedAt).To(Equal("2026-07-29T12:05:00Z"))
	})

	It("starts fresh when the existing document has the wrong version", func() {
		Expect(sandbox.WriteJSONAtomic(path, map[string]any{
			"version":  "retry_attempt_lineage.v0",
			"job_id":   "job-abc123",
			"attempts": []any{map[string]any{"attempt_id": "stale-run"}},
		})).To(Succeed())

		r := New(path)
		Expect(r.AppendAttempt("job-abc123", Attempt{AttemptID: "run-0001"})).To(Succeed())

		var doc Document
		sandbox.ReadJSONIfExists(path, &doc, nil)
		Expect(doc.Attempts).To(HaveLen(1))
		Expect(doc.Attempts[0].AttemptID).To(Equal("run-0001"))
	})

	It("starts fresh when the existing document is unparseable", func() {
		Expect(sandbox.WriteJSONAtomic(path, "not-an-object")).To(Succeed())

		r := New(path)
		Expect(r.AppendAttempt("job-abc123", Attempt{AttemptID: "run-0001"})).To(Succeed())

		var doc Document
		sandbox.ReadJSONIfExists(path, &doc, nil)
		Expect(doc.Attempts).To(HaveLen(1))
	})
})
