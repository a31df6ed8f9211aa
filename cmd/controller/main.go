// Command controller is the Job Controller (C6) entrypoint: the "ralph
// loop" binary that drives one job_id from its contract on disk through
// validate -> input-check -> attempt loop -> verify -> quality decision ->
// terminal state. Grounded on services/orchestrator/ralph_loop.py's CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cat-ai-factory/caf-pipeline/internal/config"
	"github.com/cat-ai-factory/caf-pipeline/internal/obs"
	"github.com/cat-ai-factory/caf-pipeline/pkg/auditindex"
	"github.com/cat-ai-factory/caf-pipeline/pkg/controller"
	"github.com/cat-ai-factory/caf-pipeline/pkg/lock"
	"github.com/cat-ai-factory/caf-pipeline/pkg/notify"
	"github.com/cat-ai-factory/caf-pipeline/pkg/quality"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("controller", flag.ContinueOnError)
	jobPath := fs.String("job", "", "path to the job contract to drive (required)")
	maxRetries := fs.Int("max-retries", 2, "inclusive upper bound on retry count (clamped >= 0)")
	root := fs.String("root", ".", "project root containing sandbox/ and repo/")
	configPath := fs.String("config", "", "optional YAML config path")
	policyPath := fs.String("policy", "", "path to the embedded quality decision.rego policy")
	dev := fs.Bool("dev", false, "use a human-readable console logger instead of JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *jobPath == "" {
		fmt.Fprintln(os.Stderr, "controller: --job is required")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "controller: loading config:", err)
		return 1
	}
	if fs.Changed("max-retries") {
		cfg.MaxRetries = *maxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	log, err := obs.NewLogger(*dev)
	if err != nil {
		fmt.Fprintln(os.Stderr, "controller: building logger:", err)
		return 1
	}
	defer log.Sync()

	if *policyPath == "" {
		*policyPath = filepath.Join(*root, "pkg", "quality", "policy", "rules", "decision.rego")
	}

	metrics := obs.NewMetrics(prometheus.DefaultRegisterer)
	qe := quality.NewEngine(*root, *policyPath, obs.Logr(log))
	locker := lock.NewFSLock(filepath.Join(*root, "sandbox", "logs"))

	ctrl := controller.NewController(controller.Config{Root: *root, MaxRetries: cfg.MaxRetries}, locker, qe, log, metrics)
	ctrl.Notifier = notify.New(cfg.Slack.WebhookURL, cfg.Slack.Channel, cfg.Slack.Enabled, log)
	if cfg.Postgres.Enabled {
		if mig, err := auditindex.Open(cfg.Postgres.DSN); err == nil {
			if err := mig.Migrate(); err != nil {
				log.Warn("postgres mirror migration failed; continuing without it", zap.Error(err))
			} else {
				ctrl.Mirror = auditindex.NewMirror(mig, log)
			}
		} else {
			log.Warn("postgres mirror unavailable; continuing without it", zap.Error(err))
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return ctrl.Run(ctx, *jobPath)
}
