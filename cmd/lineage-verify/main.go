// Command lineage-verify is the lineage-verify collaborator: given a job
// contract path, it checks that sandbox/output/<job_id>/{final.mp4,
// final.srt, result.json} are mutually coherent before the controller
// trusts them enough to run a quality decision. Grounded on
// repo/tools/lineage_verify.py, which the Job Controller invokes as
// `python3 repo/tools/lineage_verify.py <job_path>`; this binary is the
// in-repo Go implementation of that same collaborator contract (one
// positional arg, exit 0 on coherent outputs, nonzero otherwise, findings
// on stdout).
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cat-ai-factory/caf-pipeline/pkg/jobcontract"
	"github.com/cat-ai-factory/caf-pipeline/pkg/sandbox"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: lineage-verify <job-path>")
		return 2
	}
	jobPath := args[0]

	data, err := os.ReadFile(jobPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "lineage-verify: reading job contract:", err)
		return 1
	}
	var job jobcontract.Job
	if err := json.Unmarshal(data, &job); err != nil {
		fmt.Fprintln(os.Stderr, "lineage-verify: parsing job contract:", err)
		return 1
	}
	if job.JobID == "" {
		fmt.Fprintln(os.Stderr, "lineage-verify: job contract has no job_id")
		return 1
	}

	// jobPath is sandbox/jobs/<job_id>.job.json or similar; the sandbox root
	// is two levels up. The controller always invokes us with a path under
	// its own sandbox/, so this derivation mirrors its layout rather than
	// guessing.
	sandboxRoot := filepath.Dir(filepath.Dir(jobPath))
	outputDir := filepath.Join(sandboxRoot, "output", job.JobID)

	findings := coherenceCheck(outputDir, &job)
	for _, f := range findings {
		fmt.Println(f)
	}
	if len(findings) > 0 {
		return 1
	}
	fmt.Printf("lineage-verify: %s outputs coherent\n", job.JobID)
	return 0
}

// resultDocument is the subset of result.json this collaborator checks for
// coherence with the contract and the rendered artifacts — not the full
// worker output schema, which carries additional fields this collaborator
// does not need.
type resultDocument struct {
	JobID          string  `json:"job_id"`
	DurationSecond float64 `json:"duration_seconds"`
}

// coherenceCheck returns a list of human-readable findings; an empty list
// means the outputs are coherent. Grounded on lineage_verify.py's three
// checks: presence, job_id match, and duration within the contract's
// declared bounds (with tolerance for the worker's frame rounding).
func coherenceCheck(outputDir string, job *jobcontract.Job) []string {
	var findings []string

	finalMP4 := filepath.Join(outputDir, "final.mp4")
	finalSRT := filepath.Join(outputDir, "final.srt")
	resultJSON := filepath.Join(outputDir, "result.json")

	for _, p := range []string{finalMP4, finalSRT, resultJSON} {
		if _, err := os.Stat(p); err != nil {
			findings = append(findings, fmt.Sprintf("missing output: %s", p))
		}
	}
	if len(findings) > 0 {
		return findings
	}

	var result resultDocument
	if !sandbox.ReadJSONIfExists(resultJSON, &result, nil) {
		return append(findings, fmt.Sprintf("result.json unreadable or malformed: %s", resultJSON))
	}
	if result.JobID != "" && result.JobID != job.JobID {
		findings = append(findings, fmt.Sprintf("result.json job_id %q disagrees with contract job_id %q", result.JobID, job.JobID))
	}

	const tolerance = 2.0
	lower := float64(job.Video.LengthSeconds) - tolerance
	upper := float64(job.Video.LengthSeconds) + tolerance
	if result.DurationSecond > 0 && (result.DurationSecond < lower || result.DurationSecond > upper) {
		findings = append(findings, fmt.Sprintf("result.json duration_seconds %.2f outside contract bound %ds +/- %.0fs", result.DurationSecond, job.Video.LengthSeconds, tolerance))
	}

	return findings
}
