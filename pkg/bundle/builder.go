package bundle

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/cat-ai-factory/caf-pipeline/internal/apperr"
	"github.com/cat-ai-factory/caf-pipeline/pkg/copyformat"
	"github.com/cat-ai-factory/caf-pipeline/pkg/sandbox"
)

var jobIDRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
var clipIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Builder builds a platform's v1/ bundle directory under
// sandbox/dist_artifacts/<job_id>/bundles/<platform>/. Root is the project
// root containing sandbox/. A single Builder may be shared across
// concurrent runner instances: Build collapses concurrent calls for the
// same (job_id, platform) into one execution via singleflight, matching
// two runner processes racing on the same approval.
type Builder struct {
	Root string

	sf singleflight.Group
}

func NewBuilder(root string) *Builder {
	return &Builder{Root: root}
}

// Build validates every safety rule, then delegates to the singleflight-
// deduplicated buildOnce. Returns ("", nil) when the platform has no slice
// in the plan (caller records SKIPPED), a non-nil error on any safety or
// filesystem failure, and on success the bundle's v1 path under distRoot
// (relative when distRoot is relative).
func (b *Builder) Build(jobID, platform string, plan *PublishPlan, checklistText, distRoot string) (string, error) {
	key := jobID + "/" + platform
	v, err, _ := b.sf.Do(key, func() (any, error) {
		return b.buildOnce(jobID, platform, plan, checklistText, distRoot)
	})
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", nil
	}
	return v.(string), nil
}

func (b *Builder) buildOnce(jobID, platform string, plan *PublishPlan, checklistText, distRoot string) (any, error) {
	if !jobIDRe.MatchString(jobID) || strings.Contains(jobID, "..") {
		return nil, apperr.Newf(apperr.TypePathEscape, "invalid job_id %q", jobID)
	}

	wantDistRoot := filepath.Join(b.Root, "sandbox", "dist_artifacts")
	absDistRoot, err := filepath.Abs(distRoot)
	if err != nil {
		return nil, apperr.Wrapf(err, apperr.TypeFsFailure, "resolving dist_root %s", distRoot)
	}
	absWant, err := filepath.Abs(wantDistRoot)
	if err != nil {
		return nil, apperr.Wrapf(err, apperr.TypeFsFailure, "resolving expected dist_root")
	}
	if absDistRoot != absWant {
		return nil, apperr.Newf(apperr.TypePathEscape, "dist_root %s must resolve to %s", distRoot, wantDistRoot)
	}

	if err := ScanPlanForSecrets(plan); err != nil {
		return nil, err
	}

	platPlan, ok := plan.PlatformPlans[platform]
	if !ok {
		return nil, nil
	}
	if len(platPlan.Clips) == 0 {
		return nil, apperr.Newf(apperr.TypeValidation, "platform %s has an empty clips array", platform)
	}

	sandboxRoot := filepath.Join(b.Root, "sandbox")
	outputRoot := filepath.Join(sandboxRoot, "output", jobID)

	platformDir := filepath.Join(distRoot, jobID, "bundles", platform)
	if err := os.MkdirAll(platformDir, 0o755); err != nil {
		return nil, apperr.Wrapf(err, apperr.TypeFsFailure, "creating platform dir %s", platformDir)
	}

	nonce := uuid.New().String()[:8]
	tmpDir := filepath.Join(platformDir, "v1.__tmp__"+nonce)
	finalDir := filepath.Join(platformDir, "v1")

	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	if err := buildTree(tmpDir, jobID, platform, platPlan, checklistText, sandboxRoot, outputRoot); err != nil {
		return nil, err
	}

	oldDir := filepath.Join(platformDir, "v1.__old__"+uuid.New().String()[:8])
	hadOld := false
	if _, statErr := os.Stat(finalDir); statErr == nil {
		if err := os.Rename(finalDir, oldDir); err != nil {
			return nil, apperr.Wrapf(err, apperr.TypeFsFailure, "moving existing %s aside", finalDir)
		}
		hadOld = true
	}

	if err := os.Rename(tmpDir, finalDir); err != nil {
		if hadOld {
			_ = os.Rename(oldDir, finalDir) // best effort restore; a double fault here is not recoverable
		}
		return nil, apperr.Wrapf(err, apperr.TypeFsFailure, "swapping %s into place", finalDir)
	}
	cleanupTmp = false

	if hadOld {
		_ = os.RemoveAll(oldDir)
	}

	return finalDir, nil
}

func buildTree(tmpDir, jobID, platform string, plan PlatformPlan, checklistText, sandboxRoot, outputRoot string) error {
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return apperr.Wrapf(err, apperr.TypeFsFailure, "creating temp bundle dir %s", tmpDir)
	}

	clipsDir := filepath.Join(tmpDir, "clips")
	if err := os.MkdirAll(clipsDir, 0o755); err != nil {
		return apperr.Wrapf(err, apperr.TypeFsFailure, "creating clips dir %s", clipsDir)
	}

	for i, clip := range plan.Clips {
		clipDir := filepath.Join(clipsDir, clipDirName(clip, i+1))
		if err := buildClip(clipDir, platform, clip, plan, sandboxRoot, outputRoot); err != nil {
			return err
		}
	}

	checklistDir := filepath.Join(tmpDir, "checklists")
	if err := os.MkdirAll(checklistDir, 0o755); err != nil {
		return apperr.Wrapf(err, apperr.TypeFsFailure, "creating checklists dir")
	}
	checklistPath := filepath.Join(checklistDir, fmt.Sprintf("posting_checklist_%s.txt", platform))
	if err := os.WriteFile(checklistPath, []byte(checklistText), 0o644); err != nil {
		return apperr.Wrapf(err, apperr.TypeFsFailure, "writing checklist")
	}
	return nil
}

func clipDirName(clip Clip, index int) string {
	if clip.ID != "" && clipIDRe.MatchString(clip.ID) {
		return clip.ID
	}
	return fmt.Sprintf("clip-%03d", index)
}

func buildClip(clipDir, platform string, clip Clip, plan PlatformPlan, sandboxRoot, outputRoot string) error {
	videoSrc := filepath.Join(sandboxRoot, clip.VideoPath)
	if !sandbox.EnsureUnder(videoSrc, outputRoot) {
		return apperr.Newf(apperr.TypePathEscape, "clip video path %s must resolve under %s", clip.VideoPath, outputRoot)
	}
	if _, err := os.Stat(videoSrc); err != nil {
		return apperr.Wrapf(err, apperr.TypeMissingInputs, "source video missing: %s", videoSrc)
	}

	videoDir := filepath.Join(clipDir, "video")
	if err := os.MkdirAll(videoDir, 0o755); err != nil {
		return apperr.Wrapf(err, apperr.TypeFsFailure, "creating %s", videoDir)
	}
	if err := copyFile(videoSrc, filepath.Join(videoDir, "final.mp4")); err != nil {
		return err
	}

	srtSrc := filepath.Join(filepath.Dir(videoSrc), "final.srt")
	if _, err := os.Stat(srtSrc); err == nil {
		capDir := filepath.Join(clipDir, "captions")
		if err := os.MkdirAll(capDir, 0o755); err != nil {
			return apperr.Wrapf(err, apperr.TypeFsFailure, "creating %s", capDir)
		}
		if err := copyFile(srtSrc, filepath.Join(capDir, "final.srt")); err != nil {
			return err
		}
	}

	copyDir := filepath.Join(clipDir, "copy")
	if err := os.MkdirAll(copyDir, 0o755); err != nil {
		return apperr.Wrapf(err, apperr.TypeFsFailure, "creating %s", copyDir)
	}
	cfClip := copyformat.Clip{Caption: clip.Caption}
	cfPlan := copyformat.PlatformPlan{
		Title:       plan.Title,
		Description: plan.Description,
		Tags:        plan.Tags,
		PublishTime: plan.PublishTime,
	}
	for _, lang := range copyformat.Languages {
		body := copyformat.Format(platform, cfClip, cfPlan, lang)
		path := filepath.Join(copyDir, fmt.Sprintf("copy.%s.txt", lang))
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return apperr.Wrapf(err, apperr.TypeFsFailure, "writing %s", path)
		}
	}

	if clip.AudioPlan == nil {
		return apperr.Newf(apperr.TypeValidation, "clip %s: missing audio_plan", clip.ID)
	}
	if clip.AudioNotes == "" {
		return apperr.Newf(apperr.TypeValidation, "clip %s: missing audio_notes", clip.ID)
	}

	audioDir := filepath.Join(clipDir, "audio")
	if err := os.MkdirAll(audioDir, 0o755); err != nil {
		return apperr.Wrapf(err, apperr.TypeFsFailure, "creating %s", audioDir)
	}
	if err := sandbox.WriteJSONAtomic(filepath.Join(audioDir, "audio_plan.json"), clip.AudioPlan); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(audioDir, "audio_notes.txt"), []byte(clip.AudioNotes), 0o644); err != nil {
		return apperr.Wrapf(err, apperr.TypeFsFailure, "writing audio_notes.txt")
	}

	if len(clip.AudioAssets) > 0 {
		assetsDir := filepath.Join(audioDir, "assets")
		if err := os.MkdirAll(assetsDir, 0o755); err != nil {
			return apperr.Wrapf(err, apperr.TypeFsFailure, "creating %s", assetsDir)
		}
		for _, rel := range clip.AudioAssets {
			src := filepath.Join(sandboxRoot, rel)
			if !sandbox.EnsureUnder(src, sandboxRoot) {
				return apperr.Newf(apperr.TypePathEscape, "audio asset %s must resolve under sandbox", rel)
			}
			if _, err := os.Stat(src); err != nil {
				return apperr.Wrapf(err, apperr.TypeMissingInputs, "audio asset missing: %s", src)
			}
			if err := copyFile(src, filepath.Join(assetsDir, filepath.Base(src))); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return apperr.Wrapf(err, apperr.TypeFsFailure, "opening %s", src)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return apperr.Wrapf(err, apperr.TypeFsFailure, "creating %s", dst)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return apperr.Wrapf(err, apperr.TypeFsFailure, "copying %s to %s", src, dst)
	}
	return out.Sync()
}
