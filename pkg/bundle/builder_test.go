package bundle

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestBundle(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "bundle Suite")
}

func mustWrite(t interface{ Helper() }, path, content string) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		panic(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		panic(err)
	}
}

var _ = Describe("Builder.Build", func() {
	var root, distRoot, jobID string

	BeforeEach(func() {
		root = GinkgoT().TempDir()
		jobID = "job-abc123"
		distRoot = filepath.Join(root, "sandbox", "dist_artifacts")
		outDir := filepath.Join(root, "sandbox", "output", jobID)
		mustWrite(GinkgoT(), filepath.Join(outDir, "final.mp4"), "video-bytes")
		mustWrite(GinkgoT(), filepath.Join(outDir, "final.srt"), "1\n00:00:00,000 --> 00:00:01,000\nhi\n")
	})

	plan := func() *PublishPlan {
		return &PublishPlan{
			JobID: "job-abc123",
			PlatformPlans: map[string]PlatformPlan{
				"youtube": {
					Title:       map[string]string{"en": "Title"},
					Description: map[string]string{"en": "Desc"},
					Tags:        []string{"one", "two"},
					PublishTime: "2026-07-29T12:00:00Z",
					Clips: []Clip{
						{
							ID:         "clip1",
							VideoPath:  "output/job-abc123/final.mp4",
							AudioPlan:  map[string]any{"kind": "voiceover"},
							AudioNotes: "notes",
						},
					},
				},
			},
		}
	}

	It("builds a v1 bundle with the expected tree", func() {
		b := NewBuilder(root)
		path, err := b.Build(jobID, "youtube", plan(), "checklist text", distRoot)
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal(filepath.Join(distRoot, jobID, "bundles", "youtube", "v1")))

		Expect(filepath.Join(path, "clips", "clip1", "video", "final.mp4")).To(BeAnExistingFile())
		Expect(filepath.Join(path, "clips", "clip1", "captions", "final.srt")).To(BeAnExistingFile())
		Expect(filepath.Join(path, "clips", "clip1", "copy", "copy.en.txt")).To(BeAnExistingFile())
		Expect(filepath.Join(path, "clips", "clip1", "copy", "copy.zh-Hans.txt")).To(BeAnExistingFile())
		Expect(filepath.Join(path, "clips", "clip1", "audio", "audio_plan.json")).To(BeAnExistingFile())
		Expect(filepath.Join(path, "clips", "clip1", "audio", "audio_notes.txt")).To(BeAnExistingFile())
		Expect(filepath.Join(path, "checklists", "posting_checklist_youtube.txt")).To(BeAnExistingFile())

		tmpEntries, _ := filepath.Glob(filepath.Join(distRoot, jobID, "bundles", "youtube", "v1.__tmp__*"))
		Expect(tmpEntries).To(BeEmpty())
	})

	It("returns no path and no error when the platform is absent from the plan", func() {
		b := NewBuilder(root)
		path, err := b.Build(jobID, "tiktok", plan(), "checklist", distRoot)
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal(""))
	})

	It("fails hard when the platform's clips array is empty", func() {
		p := plan()
		p.PlatformPlans["empty"] = PlatformPlan{Clips: []Clip{}}
		b := NewBuilder(root)
		_, err := b.Build(jobID, "empty", p, "checklist", distRoot)
		Expect(err).To(HaveOccurred())
	})

	It("fails hard when the publish plan contains a secret-shaped key", func() {
		p := plan()
		p.PlatformPlans["youtube"].Clips[0].AudioPlan = map[string]any{"api_key": "shh"}
		b := NewBuilder(root)
		_, err := b.Build(jobID, "youtube", p, "checklist", distRoot)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("secret"))
	})

	It("rejects a dist_root that does not resolve to sandbox/dist_artifacts", func() {
		b := NewBuilder(root)
		_, err := b.Build(jobID, "youtube", plan(), "checklist", filepath.Join(root, "elsewhere"))
		Expect(err).To(HaveOccurred())
	})

	It("rejects a video path escaping sandbox/output/<job_id>", func() {
		p := plan()
		p.PlatformPlans["youtube"].Clips[0].VideoPath = "../assets/evil.mp4"
		b := NewBuilder(root)
		_, err := b.Build(jobID, "youtube", p, "checklist", distRoot)
		Expect(err).To(HaveOccurred())
	})

	It("is idempotent on rebuild: a second build overwrites v1 in place", func() {
		b := NewBuilder(root)
		_, err := b.Build(jobID, "youtube", plan(), "checklist", distRoot)
		Expect(err).NotTo(HaveOccurred())
		path, err := b.Build(jobID, "youtube", plan(), "checklist v2", distRoot)
		Expect(err).NotTo(HaveOccurred())
		data, _ := os.ReadFile(filepath.Join(path, "checklists", "posting_checklist_youtube.txt"))
		Expect(string(data)).To(Equal("checklist v2"))
	})
})

var _ = Describe("clipDirName", func() {
	It("uses the clip id when it matches the safe pattern", func() {
		Expect(clipDirName(Clip{ID: "intro-1"}, 1)).To(Equal("intro-1"))
	})

	It("falls back to a zero-padded index when the id is unsafe or absent", func() {
		Expect(clipDirName(Clip{ID: "bad/id"}, 2)).To(Equal("clip-002"))
		Expect(clipDirName(Clip{}, 3)).To(Equal("clip-003"))
	})
})
