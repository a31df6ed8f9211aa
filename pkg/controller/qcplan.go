package controller

import (
	"os"
	"path/filepath"

	"github.com/cat-ai-factory/caf-pipeline/pkg/sandbox"
)

// retryPlanDocument is an optional, externally-produced overlay
// (qc/retry_plan.v1.json) that can redirect or veto the quality engine's
// own decision — e.g. narrowing a retry to a specific retry_type, or
// forcing a terminal state the engine itself didn't reach. Absence is the
// common case. A present plan replaces the engine's action only when it
// enables a motion or recast retry with next_attempt <= max_retries, or sets
// terminal_state to block_for_costume or escalate_hitl; otherwise the
// engine's action stands.
type retryPlanDocument struct {
	Retry struct {
		Enabled      bool   `json:"enabled"`
		RetryType    string `json:"retry_type"`
		MaxRetries   *int   `json:"max_retries"`
		NextAttempt  *int   `json:"next_attempt"`
		SegmentRetry any    `json:"segment_retry"`
	} `json:"retry"`
	Source struct {
		Action string `json:"action"`
		Reason string `json:"reason"`
	} `json:"source"`
	State struct {
		TerminalState string `json:"terminal_state"`
	} `json:"state"`
}

// qcRouteAdviceDocument is an optional, non-authoritative recommendation
// surfaced alongside the engine's decision; it is logged for audit but
// never changes the controller's branch.
type qcRouteAdviceDocument struct {
	Version string `json:"version"`
	Advice  struct {
		RecommendedAction string `json:"recommended_action"`
		Reason            string `json:"reason"`
	} `json:"advice"`
}

func relOrNilIfExists(path, root string) *string {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	rel, err := sandbox.SafeRelpath(path, root)
	if err != nil {
		return nil
	}
	return &rel
}

// qcDirOf returns logsDir/qc.
func qcDirOf(logsDir string) string {
	return filepath.Join(logsDir, "qc")
}
