// Command dist-runner is the Distribution Runner (C7) entrypoint: a
// single-threaded cooperative poller over the approval inbox. Grounded on
// publisher_adapters/dist_runner.py's CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cat-ai-factory/caf-pipeline/internal/config"
	"github.com/cat-ai-factory/caf-pipeline/internal/obs"
	"github.com/cat-ai-factory/caf-pipeline/pkg/distribution"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("dist-runner", flag.ContinueOnError)
	root := fs.String("root", ".", "project root containing sandbox/")
	inbox := fs.String("inbox", "", "override for sandbox/inbox (defaults under --root)")
	distRoot := fs.String("dist-root", "", "override for sandbox/dist_artifacts (defaults under --root)")
	configPath := fs.String("config", "", "optional YAML config path")
	dev := fs.Bool("dev", false, "use a human-readable console logger instead of JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dist-runner: loading config:", err)
		return 1
	}

	log, err := obs.NewLogger(*dev)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dist-runner: building logger:", err)
		return 1
	}
	defer log.Sync()

	sandboxRoot := filepath.Join(*root, "sandbox")
	if *inbox != "" {
		sandboxRoot = filepath.Dir(*inbox)
	}
	resolvedDistRoot := filepath.Join(*root, "sandbox", "dist_artifacts")
	if *distRoot != "" {
		resolvedDistRoot = *distRoot
	}

	metrics := obs.NewMetrics(prometheus.DefaultRegisterer)
	adapter := distribution.NewBundleAdapter(*root)
	runner := distribution.NewRunner(sandboxRoot, resolvedDistRoot, time.Duration(cfg.PollIntervalSec)*time.Second, adapter, log, metrics)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := runner.Run(ctx); err != nil {
		log.Error("distribution runner terminated", zap.Error(err))
		return 1
	}
	log.Info("distribution runner stopped cleanly")
	return 0
}
