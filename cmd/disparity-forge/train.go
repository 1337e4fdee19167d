package main

import (
	"context"
	"flag"

	"github.com/google/subcommands"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"disparity-forge/internal/bench"
	"disparity-forge/internal/config"
	"disparity-forge/internal/dataset"
	"disparity-forge/internal/engine"
	"disparity-forge/internal/model"
	"disparity-forge/internal/optim"
	"disparity-forge/internal/summary"
	"disparity-forge/internal/trainer"
)

type TrainCommand struct {
	configPath string
	overrides  config.Overrides
}

var _ subcommands.Command = (*TrainCommand)(nil)

func (*TrainCommand) Name() string { return "train" }

func (*TrainCommand) Synopsis() string { return "Train and evaluate a stereo disparity model" }

func (*TrainCommand) Usage() string {
	return `train [-config run.yaml] [flags]:
  Run the configured epochs, checkpointing into -logdir.
`
}

func (c *TrainCommand) SetFlags(f *flag.FlagSet) {
	bindFlags(f, &c.configPath, &c.overrides)
}

func (c *TrainCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	markSet(f, &c.overrides)
	cfg, err := loadConfig(c.configPath, c.overrides)
	if err != nil {
		klog.Errorf("invalid config: %v", err)
		return subcommands.ExitFailure
	}
	if err := run(ctx, cfg); err != nil {
		klog.Errorf("training failed: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func bindFlags(f *flag.FlagSet, path *string, o *config.Overrides) {
	f.StringVar(path, "config", "", "Path to YAML config")
	f.StringVar(&o.Model, "model", "", "Model variant")
	f.StringVar(&o.Backbone, "backbone", "", "Feature backbone")
	f.IntVar(&o.MaxDisp, "maxdisp", 0, "Maximum disparity")
	f.StringVar(&o.CostVolume, "cv", "", "Cost volume (norm_correlation or gwc)")
	f.IntVar(&o.CVScale, "cv_scale", 0, "Cost volume scale factor (4, 8 or 16)")
	f.StringVar(&o.Dataset, "dataset", "", "Dataset name")
	f.StringVar(&o.DataPath, "datapath", "", "Data root")
	f.StringVar(&o.TrainList, "trainlist", "", "Training list")
	f.StringVar(&o.TestList, "testlist", "", "Testing list")
	f.Float64Var(&o.LR, "lr", 0, "Base learning rate")
	f.IntVar(&o.BatchSize, "batch_size", 0, "Training batch size")
	f.IntVar(&o.TestBatchSize, "test_batch_size", 0, "Testing batch size")
	f.IntVar(&o.Epochs, "epochs", 0, "Number of epochs")
	f.StringVar(&o.LREpochs, "lrepochs", "", "Decay epochs and factor, e.g. 20,32,40:2")
	f.StringVar(&o.LogDir, "logdir", "", "Directory for logs and checkpoints")
	f.StringVar(&o.LoadCkpt, "loadckpt", "", "Checkpoint to transfer weights from")
	f.BoolVar(&o.Resume, "resume", false, "Continue from the latest checkpoint in logdir")
	f.BoolVar(&o.Performance, "performance", false, "Benchmark forward latency and exit")
	f.Int64Var(&o.Seed, "seed", 0, "Random seed")
	f.IntVar(&o.SummaryFreq, "summary_freq", 0, "Emit train/test summaries every N steps")
	f.IntVar(&o.SaveFreq, "save_freq", 0, "Save a checkpoint every N epochs")
	f.IntVar(&o.NumWorkers, "num_workers", 0, "Shard decoding workers")
	f.IntVar(&o.LogEvery, "log_every", 0, "Log every N batches")
}

// markSet records overrides whose zero value was given explicitly.
func markSet(f *flag.FlagSet, o *config.Overrides) {
	f.Visit(func(fl *flag.Flag) {
		if fl.Name == "seed" {
			o.SeedSet = true
		}
	})
}

func loadConfig(path string, o config.Overrides) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyOverrides(o)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newEngine(cfg *config.Config) (engine.Engine, error) {
	mdl, err := model.New(cfg.Model, model.Options{
		MaxDisp:    cfg.MaxDisp,
		Backbone:   cfg.Backbone,
		CostVolume: cfg.CostVolume,
		CVScale:    cfg.CVScale,
		Scales:     cfg.Scales(),
		Seed:       cfg.Seed,
	})
	if err != nil {
		return nil, &config.ConfigError{Field: "model", Reason: err.Error()}
	}
	adam := optim.DefaultAdamW(cfg.LR)
	adam.WeightDecay = cfg.WeightDecay
	eng := engine.NewCPU(mdl, optim.NewAdamW(adam))
	klog.Infof("number of model parameters: %d", eng.NumParameters())
	return eng, nil
}

func newLoader(cfg *config.Config, list string, batchSize int, dropLast bool) (*dataset.Loader, error) {
	shards, err := dataset.ReadList(list, cfg.DataPath)
	if err != nil {
		return nil, errors.Wrapf(err, "read list %s", list)
	}
	loader, err := dataset.NewLoader(dataset.LoaderOptions{
		Shards:     shards,
		BatchSize:  batchSize,
		DropLast:   dropLast,
		NumWorkers: cfg.NumWorkers,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "index %s", list)
	}
	klog.Infof("list=%s shards=%d samples=%d batches=%d", list, len(shards), loader.Samples(), loader.Len())
	return loader, nil
}

func runConfig(cfg *config.Config) trainer.RunConfig {
	return trainer.RunConfig{
		Epochs:      cfg.Epochs,
		BaseLR:      cfg.LR,
		Decay:       cfg.Decay,
		MaxDisp:     float64(cfg.MaxDisp),
		LossWeights: cfg.LossWeights,
		LogDir:      cfg.LogDir,
		Resume:      cfg.Resume,
		LoadCkpt:    cfg.LoadCkpt,
		SummaryFreq: cfg.SummaryFreq,
		SaveFreq:    cfg.SaveFreq,
		LogEvery:    cfg.LogEvery,
		Performance: cfg.Performance,
		Bench: bench.Options{
			Warmup:      cfg.BenchWarmup,
			Repetitions: cfg.BenchRepetitions,
			Mode:        engine.ModeTrain,
		},
		BenchHeight: cfg.BenchHeight,
		BenchWidth:  cfg.BenchWidth,
		Seed:        cfg.Seed,
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	runID := uuid.NewString()
	klog.Infof("run=%s model=%s backbone=%s cv=%s cv_scale=%d logdir=%s", runID, cfg.Model, cfg.Backbone, cfg.CostVolume, cfg.CVScale, cfg.LogDir)

	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	if cfg.Performance {
		tr, err := trainer.New(runConfig(cfg), eng, nil, nil, nil)
		if err != nil {
			return err
		}
		_, err = tr.Run(ctx)
		return err
	}

	train, err := newLoader(cfg, cfg.TrainList, cfg.BatchSize, true)
	if err != nil {
		return err
	}
	test, err := newLoader(cfg, cfg.TestList, cfg.TestBatchSize, false)
	if err != nil {
		return err
	}
	sink, err := summary.Create(cfg.LogDir, runID)
	if err != nil {
		return err
	}
	defer sink.Close()

	tr, err := trainer.New(runConfig(cfg), eng, train, test, sink)
	if err != nil {
		return err
	}
	res, err := tr.Run(ctx)
	if err != nil {
		return err
	}
	if res.Best.Found() {
		klog.Infof("MAX epoch %d total test error = %.5f", res.Best.Epoch, res.Best.EPE)
	} else {
		klog.Infof("no epoch ran (start epoch %d, epochs %d)", res.StartEpoch, cfg.Epochs)
	}
	return sink.Flush()
}
