package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cat-ai-factory/caf-pipeline/pkg/jobcontract"
)

func TestLineageVerify(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "lineage-verify Suite")
}

func writeJob(root, jobID string, lengthSeconds int) string {
	jobsDir := filepath.Join(root, "sandbox", "jobs")
	Expect(os.MkdirAll(jobsDir, 0o755)).To(Succeed())
	job := jobcontract.Job{JobID: jobID, Video: jobcontract.Video{LengthSeconds: lengthSeconds}}
	data, err := json.Marshal(job)
	Expect(err).NotTo(HaveOccurred())
	p := filepath.Join(jobsDir, jobID+".job.json")
	Expect(os.WriteFile(p, data, 0o644)).To(Succeed())
	return p
}

func writeOutputs(root, jobID string, result map[string]any) {
	outDir := filepath.Join(root, "sandbox", "output", jobID)
	Expect(os.MkdirAll(outDir, 0o755)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(outDir, "final.mp4"), []byte("mp4"), 0o644)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(outDir, "final.srt"), []byte("srt"), 0o644)).To(Succeed())
	data, err := json.Marshal(result)
	Expect(err).NotTo(HaveOccurred())
	Expect(os.WriteFile(filepath.Join(outDir, "result.json"), data, 0o644)).To(Succeed())
}

var _ = Describe("run", func() {
	It("exits 0 when outputs are present and coherent", func() {
		root := GinkgoT().TempDir()
		jobPath := writeJob(root, "job-coh0001", 30)
		writeOutputs(root, "job-coh0001", map[string]any{"job_id": "job-coh0001", "duration_seconds": 30.4})
		Expect(run([]string{jobPath})).To(Equal(0))
	})

	It("exits 1 when an output file is missing", func() {
		root := GinkgoT().TempDir()
		jobPath := writeJob(root, "job-miss001", 30)
		Expect(run([]string{jobPath})).To(Equal(1))
	})

	It("exits 1 when result.json job_id disagrees with the contract", func() {
		root := GinkgoT().TempDir()
		jobPath := writeJob(root, "job-mism001", 30)
		writeOutputs(root, "job-mism001", map[string]any{"job_id": "job-other", "duration_seconds": 30.0})
		Expect(run([]string{jobPath})).To(Equal(1))
	})

	It("exits 1 when duration_seconds falls outside the contract's tolerance", func() {
		root := GinkgoT().TempDir()
		jobPath := writeJob(root, "job-dur0001", 30)
		writeOutputs(root, "job-dur0001", map[string]any{"job_id": "job-dur0001", "duration_seconds": 90.0})
		Expect(run([]string{jobPath})).To(Equal(1))
	})

	It("exits 2 when not given exactly one argument", func() {
		Expect(run(nil)).To(Equal(2))
	})
})
