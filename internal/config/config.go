package config

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"disparity-forge/internal/dataset"
	"disparity-forge/internal/model"
	"disparity-forge/internal/schedule"
)

// Config captures the runtime knobs for a training or benchmark run.
type Config struct {
	Model      string `yaml:"model"`
	Backbone   string `yaml:"backbone"`
	MaxDisp    int    `yaml:"maxdisp"`
	CostVolume string `yaml:"cv"`
	CVScale    int    `yaml:"cv_scale"`

	Dataset   string `yaml:"dataset"`
	DataPath  string `yaml:"datapath"`
	TrainList string `yaml:"trainlist"`
	TestList  string `yaml:"testlist"`

	LR            float64   `yaml:"lr"`
	WeightDecay   float64   `yaml:"weight_decay"`
	BatchSize     int       `yaml:"batch_size"`
	TestBatchSize int       `yaml:"test_batch_size"`
	Epochs        int       `yaml:"epochs"`
	LREpochs      string    `yaml:"lrepochs"`
	LossWeights   []float64 `yaml:"loss_weights"`

	LogDir      string `yaml:"logdir"`
	LoadCkpt    string `yaml:"loadckpt"`
	Resume      bool   `yaml:"resume"`
	Performance bool   `yaml:"performance"`
	Seed        int64  `yaml:"seed"`

	SummaryFreq int `yaml:"summary_freq"`
	SaveFreq    int `yaml:"save_freq"`
	NumWorkers  int `yaml:"num_workers"`
	LogEvery    int `yaml:"log_every"`

	BenchWarmup      int `yaml:"bench_warmup"`
	BenchRepetitions int `yaml:"bench_repetitions"`
	BenchHeight      int `yaml:"bench_height"`
	BenchWidth       int `yaml:"bench_width"`

	// Decay is LREpochs parsed by Validate.
	Decay schedule.Decay `yaml:"-"`
}

// Overrides captures CLI supplied values. Zero values leave the config as is.
type Overrides struct {
	Model         string
	Backbone      string
	MaxDisp       int
	CostVolume    string
	CVScale       int
	Dataset       string
	DataPath      string
	TrainList     string
	TestList      string
	LR            float64
	BatchSize     int
	TestBatchSize int
	Epochs        int
	LREpochs      string
	LogDir        string
	LoadCkpt      string
	Resume        bool
	Performance   bool
	Seed          int64
	SeedSet       bool // apply Seed even when it is zero
	SummaryFreq   int
	SaveFreq      int
	NumWorkers    int
	LogEvery      int
}

// ConfigError reports an invalid or missing option.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Model:            "baseline",
		Backbone:         "efficientnet_b2",
		MaxDisp:          192,
		CostVolume:       "gwc",
		CVScale:          4,
		Dataset:          "sceneflow",
		LR:               0.001,
		WeightDecay:      0.01,
		BatchSize:        4,
		TestBatchSize:    4,
		Epochs:           60,
		LREpochs:         "20,32,40,48,56:2",
		Seed:             1,
		SummaryFreq:      1,
		SaveFreq:         1,
		NumWorkers:       4,
		LogEvery:         10,
		BenchWarmup:      10,
		BenchRepetitions: 500,
		BenchHeight:      512,
		BenchWidth:       960,
	}
}

// defaultLossWeights are the per-scale weights for each cost volume scale,
// full resolution first.
var defaultLossWeights = map[int][]float64{
	4:  {1.0, 0.3},
	8:  {1.0, 0.5, 0.3},
	16: {1.0, 0.7, 0.5, 0.3},
}

// Load reads a YAML file over Default. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	cfg := Default()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, &ConfigError{Field: path, Reason: err.Error()}
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	setString(&c.Model, o.Model)
	setString(&c.Backbone, o.Backbone)
	setInt(&c.MaxDisp, o.MaxDisp)
	setString(&c.CostVolume, o.CostVolume)
	setInt(&c.CVScale, o.CVScale)
	setString(&c.Dataset, o.Dataset)
	setString(&c.DataPath, o.DataPath)
	setString(&c.TrainList, o.TrainList)
	setString(&c.TestList, o.TestList)
	if o.LR > 0 {
		c.LR = o.LR
	}
	setInt(&c.BatchSize, o.BatchSize)
	setInt(&c.TestBatchSize, o.TestBatchSize)
	setInt(&c.Epochs, o.Epochs)
	setString(&c.LREpochs, o.LREpochs)
	setString(&c.LogDir, o.LogDir)
	setString(&c.LoadCkpt, o.LoadCkpt)
	if o.Resume {
		c.Resume = true
	}
	if o.Performance {
		c.Performance = true
	}
	if o.Seed != 0 || o.SeedSet {
		c.Seed = o.Seed
	}
	setInt(&c.SummaryFreq, o.SummaryFreq)
	setInt(&c.SaveFreq, o.SaveFreq)
	setInt(&c.NumWorkers, o.NumWorkers)
	setInt(&c.LogEvery, o.LogEvery)
}

// Validate verifies the config is runnable and fills derived fields.
func (c *Config) Validate() error {
	if c == nil {
		return &ConfigError{Field: "config", Reason: "is nil"}
	}
	if !oneOf(c.Model, model.Names()) {
		return &ConfigError{Field: "model", Reason: fmt.Sprintf("unknown model %q (want one of %v)", c.Model, model.Names())}
	}
	if !oneOf(c.Backbone, model.Backbones) {
		return &ConfigError{Field: "backbone", Reason: fmt.Sprintf("unknown backbone %q (want one of %v)", c.Backbone, model.Backbones)}
	}
	if !oneOf(c.CostVolume, model.CostVolumes) {
		return &ConfigError{Field: "cv", Reason: fmt.Sprintf("unknown cost volume %q (want one of %v)", c.CostVolume, model.CostVolumes)}
	}
	if _, ok := defaultLossWeights[c.CVScale]; !ok {
		return &ConfigError{Field: "cv_scale", Reason: fmt.Sprintf("must be 4, 8 or 16 (got %d)", c.CVScale)}
	}
	if c.MaxDisp <= 0 {
		return &ConfigError{Field: "maxdisp", Reason: fmt.Sprintf("must be > 0 (got %d)", c.MaxDisp)}
	}
	if c.LogDir == "" {
		return &ConfigError{Field: "logdir", Reason: "must be set"}
	}
	if len(c.LossWeights) == 0 {
		c.LossWeights = append([]float64(nil), defaultLossWeights[c.CVScale]...)
	}
	for i, w := range c.LossWeights {
		if w < 0 {
			return &ConfigError{Field: "loss_weights", Reason: fmt.Sprintf("weight %d is negative", i)}
		}
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 1
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 10
	}
	if c.BenchWarmup < 0 {
		return &ConfigError{Field: "bench_warmup", Reason: "must be >= 0"}
	}
	if c.BenchRepetitions <= 0 || c.BenchHeight <= 0 || c.BenchWidth <= 0 {
		return &ConfigError{Field: "bench", Reason: "repetitions, height and width must be > 0"}
	}
	if c.Performance {
		return nil
	}

	if !dataset.Known(c.Dataset) {
		return &ConfigError{Field: "dataset", Reason: fmt.Sprintf("unknown dataset %q (want one of %v)", c.Dataset, dataset.Names())}
	}
	for field, v := range map[string]string{"datapath": c.DataPath, "trainlist": c.TrainList, "testlist": c.TestList} {
		if v == "" {
			return &ConfigError{Field: field, Reason: "must be set"}
		}
	}
	if !(c.LR > 0) {
		return &ConfigError{Field: "lr", Reason: fmt.Sprintf("must be > 0 (got %v)", c.LR)}
	}
	if c.WeightDecay < 0 {
		return &ConfigError{Field: "weight_decay", Reason: "must be >= 0"}
	}
	for field, v := range map[string]int{
		"batch_size":      c.BatchSize,
		"test_batch_size": c.TestBatchSize,
		"epochs":          c.Epochs,
		"summary_freq":    c.SummaryFreq,
		"save_freq":       c.SaveFreq,
	} {
		if v <= 0 {
			return &ConfigError{Field: field, Reason: fmt.Sprintf("must be > 0 (got %d)", v)}
		}
	}
	decay, err := schedule.Parse(c.LREpochs)
	if err != nil {
		return &ConfigError{Field: "lrepochs", Reason: err.Error()}
	}
	c.Decay = decay
	return nil
}

// Scales is the number of supervised output scales.
func (c *Config) Scales() int {
	return len(c.LossWeights)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func oneOf(v string, list []string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
