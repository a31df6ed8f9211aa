// Command validate-job is the validator collaborator: given a job contract
// path, it applies jobcontract.Validate and reports the error it returns.
// Grounded on repo/tools/validate_job.py's CLI — the Job Controller
// validates in-process via the same jobcontract.Validate call (see
// pkg/controller/controller.go), so this binary exists for standalone use:
// CI linting of a staged job file, or manual debugging of a rejected job,
// without spinning up the full controller.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cat-ai-factory/caf-pipeline/pkg/jobcontract"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: validate-job <job-path>")
		return 2
	}
	jobPath := args[0]

	data, err := os.ReadFile(jobPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "validate-job: reading job contract:", err)
		return 1
	}

	var job jobcontract.Job
	if err := json.Unmarshal(data, &job); err != nil {
		fmt.Fprintln(os.Stderr, "validate-job: parsing job contract:", err)
		return 1
	}

	if err := jobcontract.Validate(&job); err != nil {
		fmt.Fprintln(os.Stderr, "validate-job: invalid:", err)
		return 1
	}

	fmt.Printf("validate-job: %s valid\n", job.JobID)
	return 0
}
