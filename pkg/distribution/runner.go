package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/cat-ai-factory/caf-pipeline/internal/apperr"
	"github.com/cat-ai-factory/caf-pipeline/internal/obs"
	"github.com/cat-ai-factory/caf-pipeline/pkg/sandbox"
)

var errMissingPlan = apperr.New(apperr.TypeMissingInputs, "missing plan")

// NowFn is overridable in tests, matching the journal/lineage/quality
// convention of second-precision UTC timestamps.
var NowFn = func() time.Time { return time.Now().UTC() }

func nowTS() string {
	return NowFn().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}

// Runner is the single-threaded cooperative poller (spec.md §4.8 / §5): one
// polling loop, one approval processed to completion at a time.
type Runner struct {
	SandboxRoot  string
	DistRoot     string
	PollInterval time.Duration
	Adapter      Adapter
	Log          *zap.Logger
	Metrics      *obs.Metrics

	breakers map[string]*gobreaker.CircuitBreaker[string]
}

func NewRunner(sandboxRoot, distRoot string, pollInterval time.Duration, adapter Adapter, log *zap.Logger, metrics *obs.Metrics) *Runner {
	return &Runner{
		SandboxRoot:  sandboxRoot,
		DistRoot:     distRoot,
		PollInterval: pollInterval,
		Adapter:      adapter,
		Log:          log,
		Metrics:      metrics,
		breakers:     map[string]*gobreaker.CircuitBreaker[string]{},
	}
}

func (r *Runner) inboxDir() string {
	return filepath.Join(r.SandboxRoot, "inbox")
}

func (r *Runner) breaker(platform string) *gobreaker.CircuitBreaker[string] {
	if b, ok := r.breakers[platform]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "dist-" + platform,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	r.breakers[platform] = b
	return b
}

// Run polls the inbox every PollInterval until ctx is cancelled (SIGINT),
// fsnotify-waking early when possible. It never halts the loop on a
// per-approval error; those are logged and the approval's state is written
// as FAILED. Returns nil on clean shutdown.
func (r *Runner) Run(ctx context.Context) error {
	if err := os.MkdirAll(r.inboxDir(), 0o755); err != nil {
		return apperr.Wrapf(err, apperr.TypeFsFailure, "creating inbox dir")
	}

	watcher, werr := fsnotify.NewWatcher()
	var wakeCh <-chan fsnotify.Event
	if werr == nil {
		_ = watcher.Add(r.inboxDir())
		wakeCh = watcher.Events
		defer watcher.Close()
	} else if r.Log != nil {
		r.Log.Warn("fsnotify unavailable; falling back to the mandated poll ticker alone", zap.Error(werr))
	}

	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	for {
		r.pollOnce(ctx)
		select {
		case <-ctx.Done():
			if r.Log != nil {
				r.Log.Info("distribution runner stopping on context cancellation")
			}
			return nil
		case <-ticker.C:
		case <-wakeCh:
			// fsnotify only shortens average latency to the next pollOnce;
			// the ticker remains the correctness guarantee (spec.md §4.8).
		}
	}
}

// pollOnce scans the inbox for approve-*.json files in sorted order and
// processes each to completion before returning.
func (r *Runner) pollOnce(ctx context.Context) {
	entries, err := os.ReadDir(r.inboxDir())
	if err != nil {
		if r.Log != nil {
			r.Log.Error("reading inbox", zap.Error(err))
		}
		return
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "approve-") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		select {
		case <-ctx.Done():
			return
		default:
		}
		r.processApproval(ctx, filepath.Join(r.inboxDir(), name))
	}
}

func (r *Runner) processApproval(ctx context.Context, path string) {
	start := time.Now()
	defer func() {
		if r.Metrics != nil {
			r.Metrics.RunnerDispatchDur.Observe(time.Since(start).Seconds())
		}
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var approval Approval
	if err := json.Unmarshal(data, &approval); err != nil {
		if r.Log != nil {
			r.Log.Warn("malformed approval artifact; skipping", zap.String("path", path), zap.Error(err))
		}
		return
	}
	if !approval.Approved {
		return
	}
	log := r.Log
	if log != nil {
		log = log.With(zap.String("job_id", approval.JobID), zap.String("platform", approval.Platform), zap.String("nonce", approval.Nonce))
	}

	statePath := filepath.Join(r.DistRoot, approval.JobID, approval.Platform+".state.json")
	var existing PlatformState
	if ok := sandbox.ReadJSONIfExists(statePath, &existing, nil); ok {
		if existing.Nonce == approval.Nonce && (existing.Status == StatusBundleGenerated || existing.Status == StatusPosted) {
			return // already handled for this exact (job, platform, nonce); skip silently
		}
	}

	if !isKnownPlatform(approval.Platform) {
		r.writeState(statePath, approval, StatusFailed, "unknown platform")
		if log != nil {
			log.Error("unknown platform in approval")
		}
		r.countBundle(approval.Platform, "failed")
		return
	}

	planPath := publishPlanPath(r.DistRoot, approval.JobID)
	if _, err := os.Stat(planPath); err != nil {
		r.writeState(statePath, approval, StatusFailed, "missing plan")
		if log != nil {
			log.Error("missing publish plan", zap.String("plan_path", planPath))
		}
		r.countBundle(approval.Platform, "failed")
		return
	}

	breaker := r.breaker(approval.Platform)
	bundlePath, err := breaker.Execute(func() (string, error) {
		return r.Adapter.GenerateBundle(approval.JobID, approval.Platform, planPath, r.DistRoot)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			r.writeState(statePath, approval, StatusFailed, "platform circuit breaker open")
		} else {
			r.writeState(statePath, approval, StatusFailed, err.Error())
		}
		if log != nil {
			log.Error("bundle generation failed", zap.Error(err))
		}
		r.countBundle(approval.Platform, "failed")
		return
	}

	if bundlePath == "" {
		r.writeState(statePath, approval, StatusSkipped, "")
		r.countBundle(approval.Platform, "skipped")
		return
	}

	r.writeState(statePath, approval, StatusBundleGenerated, "")
	r.countBundle(approval.Platform, "generated")
	if log != nil {
		log.Info("bundle generated", zap.String("bundle_path", bundlePath))
	}
}

func (r *Runner) countBundle(platform, result string) {
	if r.Metrics == nil {
		return
	}
	r.Metrics.BundleBuilds.WithLabelValues(platform, result).Inc()
}

func (r *Runner) writeState(path string, approval Approval, status, errStr string) {
	doc := PlatformState{
		JobID:     approval.JobID,
		Platform:  approval.Platform,
		Nonce:     approval.Nonce,
		Status:    status,
		UpdatedAt: nowTS(),
		Error:     errStr,
	}
	if err := sandbox.WriteJSONAtomic(path, doc); err != nil && r.Log != nil {
		r.Log.Error("writing platform state", zap.Error(err))
	}
}
