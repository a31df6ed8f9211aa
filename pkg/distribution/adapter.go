package distribution

import (
	"os"
	"path/filepath"

	"github.com/cat-ai-factory/caf-pipeline/pkg/bundle"
	"github.com/cat-ai-factory/caf-pipeline/pkg/sandbox"
)

// Adapter is the per-platform dispatch target: §4.8's
// generate_bundle(job_id, publish_plan_path, dist_root). It returns the
// built bundle's path, or ("", nil) when no plan slice exists for the
// platform (status SKIPPED), or a non-nil error on any hard failure.
type Adapter interface {
	GenerateBundle(jobID, platform, publishPlanPath, distRoot string) (string, error)
}

// BundleAdapter is the default Adapter: it reads the publish plan document
// and delegates the actual directory build to pkg/bundle.Builder.
type BundleAdapter struct {
	Builder       *bundle.Builder
	ChecklistText func(platform string) string
}

func NewBundleAdapter(root string) *BundleAdapter {
	return &BundleAdapter{
		Builder: bundle.NewBuilder(root),
		ChecklistText: func(platform string) string {
			return defaultChecklist(platform)
		},
	}
}

func defaultChecklist(platform string) string {
	return "Review captions, audio levels, and thumbnail before posting to " + platform + ".\n"
}

func (a *BundleAdapter) GenerateBundle(jobID, platform, publishPlanPath, distRoot string) (string, error) {
	if _, err := os.Stat(publishPlanPath); err != nil {
		return "", errMissingPlan
	}
	var plan bundle.PublishPlan
	if ok := sandbox.ReadJSONIfExists(publishPlanPath, &plan, nil); !ok {
		return "", errMissingPlan
	}
	checklist := defaultChecklist(platform)
	if a.ChecklistText != nil {
		checklist = a.ChecklistText(platform)
	}
	return a.Builder.Build(jobID, platform, &plan, checklist, distRoot)
}

func publishPlanPath(distRoot, jobID string) string {
	return filepath.Join(distRoot, jobID, "publish_plan.json")
}
