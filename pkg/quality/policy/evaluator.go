// Package policy embeds the decision engine's contract-sanity and
// threshold rules (decision table rules #1, #2, #7) as a Rego policy,
// hot-reloaded from disk. Mirrors the teacher's
// pkg/aianalysis/rego.Evaluator shape (Config, NewEvaluator, StartHotReload,
// Evaluate) and its BR-AI-014 graceful-degradation contract: a missing or
// invalid policy never errors, it flips Evaluate into fail-safe escalation.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/open-policy-agent/opa/rego"
)

type Config struct {
	PolicyPath string
}

// Input is the evaluation input: the two contract-sanity error strings (empty
// means no error) plus the raw metric scores and their tuned targets.
type Input struct {
	QualityTargetError  string             `json:"quality_target_error"`
	ContinuityPackError string             `json:"continuity_pack_error"`
	Metrics             map[string]float64 `json:"metrics"`
	QualityTargets      map[string]float64 `json:"quality_targets"`
}

// Result is the policy's verdict: Escalate/Reason cover rules #1-#2,
// FailedMetrics covers rule #7. Degraded reports fail-safe mode.
type Result struct {
	Escalate      bool
	Reason        string
	FailedMetrics []string
	Degraded      bool
}

type Evaluator struct {
	cfg Config
	log logr.Logger

	mu            sync.RWMutex
	query         *rego.PreparedEvalQuery
	degraded      bool
	degradeReason string
}

func NewEvaluator(cfg Config, log logr.Logger) *Evaluator {
	return &Evaluator{cfg: cfg, log: log}
}

func (e *Evaluator) load(ctx context.Context) {
	data, err := os.ReadFile(e.cfg.PolicyPath)
	if err != nil {
		e.setDegraded(fmt.Sprintf("policy file unreadable: %v", err))
		return
	}
	q, err := rego.New(
		rego.Query("data.cafpipeline.quality"),
		rego.Module(e.cfg.PolicyPath, string(data)),
	).PrepareForEval(ctx)
	if err != nil {
		e.setDegraded(fmt.Sprintf("policy compile error: %v", err))
		return
	}
	e.mu.Lock()
	e.query = &q
	e.degraded = false
	e.degradeReason = ""
	e.mu.Unlock()
}

func (e *Evaluator) setDegraded(reason string) {
	e.mu.Lock()
	e.degraded = true
	e.degradeReason = reason
	e.query = nil
	e.mu.Unlock()
	e.log.Info("quality policy degraded", "reason", reason)
}

// StartHotReload loads the policy once, then watches its containing
// directory and recompiles on every write to PolicyPath. A watcher that
// fails to start is non-fatal: it only costs the hot-reload convenience.
func (e *Evaluator) StartHotReload(ctx context.Context) error {
	e.load(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil
	}
	dir := filepath.Dir(e.cfg.PolicyPath)
	_ = watcher.Add(dir)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == filepath.Clean(e.cfg.PolicyPath) {
					e.load(ctx)
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Evaluate runs the compiled policy against input. A nil/unavailable policy
// degrades to a fail-safe escalation rather than blocking the caller.
func (e *Evaluator) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	e.mu.RLock()
	q := e.query
	degraded := e.degraded
	degradeReason := e.degradeReason
	e.mu.RUnlock()

	if q == nil {
		reason := "Policy unavailable; defaulting to escalation (fail-safe)."
		if degraded && degradeReason != "" {
			reason = fmt.Sprintf("Policy unavailable (%s); defaulting to escalation (fail-safe).", degradeReason)
		}
		return &Result{Escalate: true, Reason: reason, Degraded: true}, nil
	}

	rs, err := q.Eval(ctx, rego.EvalInput(input))
	if err != nil || len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return &Result{Escalate: true, Reason: "policy evaluation failed; defaulting to escalation (fail-safe).", Degraded: true}, nil
	}

	obj, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return &Result{Escalate: true, Reason: "policy returned an unexpected shape; defaulting to escalation (fail-safe).", Degraded: true}, nil
	}

	result := &Result{}
	if v, ok := obj["escalate"].(bool); ok {
		result.Escalate = v
	}
	if v, ok := obj["reason"].(string); ok {
		result.Reason = v
	}
	if v, ok := obj["failed_metrics"].([]interface{}); ok {
		for _, m := range v {
			if s, ok := m.(string); ok {
				result.FailedMetrics = append(result.FailedMetrics, s)
			}
		}
		sort.Strings(result.FailedMetrics)
	}
	return result, nil
}
