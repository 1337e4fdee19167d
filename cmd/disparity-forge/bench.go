package main

import (
	"context"
	"flag"

	"github.com/google/subcommands"
	"k8s.io/klog/v2"

	"disparity-forge/internal/config"
)

// BenchCommand is train with -performance forced on.
type BenchCommand struct {
	configPath string
	overrides  config.Overrides
}

var _ subcommands.Command = (*BenchCommand)(nil)

func (*BenchCommand) Name() string { return "bench" }

func (*BenchCommand) Synopsis() string { return "Measure steady-state forward latency" }

func (*BenchCommand) Usage() string {
	return `bench [-config run.yaml] [flags]:
  Warm up the engine, then time repeated forward passes on random input.
`
}

func (c *BenchCommand) SetFlags(f *flag.FlagSet) {
	bindFlags(f, &c.configPath, &c.overrides)
}

func (c *BenchCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	markSet(f, &c.overrides)
	c.overrides.Performance = true
	cfg, err := loadConfig(c.configPath, c.overrides)
	if err != nil {
		klog.Errorf("invalid config: %v", err)
		return subcommands.ExitFailure
	}
	if err := run(ctx, cfg); err != nil {
		klog.Errorf("benchmark failed: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
