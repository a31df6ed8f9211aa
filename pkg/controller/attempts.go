package controller

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/cat-ai-factory/caf-pipeline/pkg/sandbox"
)

var runDirRe = regexp.MustCompile(`^run-(\d{4})$`)

// NextAttemptID allocates run-NNNN strictly greater than the numeric max of
// existing run directories under attemptsRoot, starting at run-0001 if none
// exist. Grounded on ralph_loop.py's next_attempt_id.
func NextAttemptID(attemptsRoot string) (string, error) {
	if err := os.MkdirAll(attemptsRoot, 0o755); err != nil {
		return "", err
	}
	entries, err := os.ReadDir(attemptsRoot)
	if err != nil {
		return "", err
	}
	max := 0
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		m := runDirRe.FindStringSubmatch(ent.Name())
		if m == nil {
			continue
		}
		var n int
		fmt.Sscanf(m[1], "%d", &n)
		if n > max {
			max = n
		}
	}
	return fmt.Sprintf("run-%04d", max+1), nil
}

var requiredOutputs = []string{"final.mp4", "final.srt", "result.json"}

// OutputsStatus reports which of the three required output files exist
// under outputDir, sorted for deterministic logging.
type OutputsStatus struct {
	AllPresent bool
	AnyPresent bool
	Present    []string
	Missing    []string
}

func CheckOutputs(outputDir string) OutputsStatus {
	var present, missing []string
	for _, name := range requiredOutputs {
		if _, err := os.Stat(filepath.Join(outputDir, name)); err == nil {
			present = append(present, name)
		} else {
			missing = append(missing, name)
		}
	}
	sort.Strings(present)
	sort.Strings(missing)
	return OutputsStatus{
		AllPresent: len(missing) == 0,
		AnyPresent: len(present) > 0,
		Present:    present,
		Missing:    missing,
	}
}

// VerifyInputs checks the contract's background asset exists and resolves
// strictly under sandboxRoot/assets. Grounded on ralph_loop.py's
// verify_inputs.
func VerifyInputs(backgroundAsset, sandboxRoot string) (bool, string) {
	if backgroundAsset == "" {
		return false, "render.background_asset missing"
	}
	bgPath := filepath.Join(sandboxRoot, backgroundAsset)
	assetsRoot := filepath.Join(sandboxRoot, "assets")
	if _, err := os.Stat(bgPath); err != nil {
		return false, fmt.Sprintf("missing background asset: %s", bgPath)
	}
	if !sandbox.EnsureUnder(bgPath, assetsRoot) {
		return false, fmt.Sprintf("background asset outside sandbox/assets: %s", bgPath)
	}
	return true, ""
}
