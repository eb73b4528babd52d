// Package config loads the train/eval configuration from defaults, an optional YAML file,
// WIDEDEEP_* environment variables and command line overrides, in that order of priority.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"widedeep/pkg/io"
	"widedeep/pkg/model"
	"widedeep/pkg/optimizers"
)

const (
	// EnvPrefix is the prefix of environment variables overriding config keys,
	// e.g. WIDEDEEP_BATCH_SIZE -> batch_size
	EnvPrefix = "WIDEDEEP_"

	// DeviceIDEnvVar selects the device of the process, as set by distributed launchers
	DeviceIDEnvVar = "DEVICE_ID"
)

type Config struct {
	DataPath     string `koanf:"data_path" validate:"required"`
	BatchSize    int    `koanf:"batch_size" validate:"gt=0"`
	Epochs       int    `koanf:"epochs" validate:"gt=0"`
	Sparse       bool   `koanf:"sparse"`
	DatasetType  string `koanf:"dataset_type" validate:"oneof=tfrecord mindrecord h5 csv"`
	CkptPath     string `koanf:"ckpt_path"`
	OutputPath   string `koanf:"output_path"`
	DeviceTarget string `koanf:"device_target" validate:"oneof=Ascend GPU CPU"`
	DeviceID     int    `koanf:"device_id" validate:"gte=0"`

	FieldSize    int     `koanf:"field_size" validate:"gt=0"`
	VocabSize    int     `koanf:"vocab_size" validate:"gt=0"`
	EmbDim       int     `koanf:"emb_dim" validate:"gt=0"`
	DeepLayerDim []int   `koanf:"deep_layer_dim" validate:"dive,gt=0"`
	DeepLayerAct string  `koanf:"deep_layer_act" validate:"oneof=relu sigmoid tanh identity"`
	KeepProb     float64 `koanf:"keep_prob" validate:"gt=0,lte=1"`
	DropoutFlag  bool    `koanf:"dropout_flag"`
	L2Coef       float64 `koanf:"l2_coef" validate:"gte=0"`

	FTRLLearningRate float64 `koanf:"ftrl_learning_rate" validate:"gt=0"`
	FTRLL1           float64 `koanf:"ftrl_l1" validate:"gte=0"`
	FTRLL2           float64 `koanf:"ftrl_l2" validate:"gte=0"`
	FTRLInitialAccum float64 `koanf:"ftrl_initial_accum" validate:"gt=0"`
	AdamLearningRate float64 `koanf:"adam_learning_rate" validate:"gt=0"`
	AdamEps          float64 `koanf:"adam_eps" validate:"gt=0"`

	LossFileName      string `koanf:"loss_file_name"`
	EvalFileName      string `koanf:"eval_file_name"`
	KeepCheckpointMax int    `koanf:"keep_checkpoint_max" validate:"gt=0"`
	Seed              uint64 `koanf:"seed"`
	EvalWorkers       int    `koanf:"eval_workers" validate:"gt=0"`

	// CSV datasets only. Columns other than the label and the categorical ones are continuous.
	LabelColumn        string   `koanf:"label_column"`
	CategoricalColumns []string `koanf:"categorical_columns"`

	// Resume restores the latest checkpoint under ckpt_path before training
	Resume bool `koanf:"resume"`
	// MetricsAddr, when set, exposes Prometheus metrics on this address
	MetricsAddr string `koanf:"metrics_addr"`
}

func Default() Config {
	return Config{
		DataPath:          "./test_raw_data/",
		BatchSize:         16000,
		Epochs:            15,
		DatasetType:       "tfrecord",
		CkptPath:          "./checkpoints",
		OutputPath:        "./output",
		DeviceTarget:      "CPU",
		FieldSize:         39,
		VocabSize:         200000,
		EmbDim:            80,
		DeepLayerDim:      []int{1024, 512, 256, 128},
		DeepLayerAct:      "relu",
		KeepProb:          1.0,
		L2Coef:            8e-5,
		FTRLLearningRate:  5e-2,
		FTRLL1:            1e-8,
		FTRLL2:            1e-8,
		FTRLInitialAccum:  1.0,
		AdamLearningRate:  3.5e-4,
		AdamEps:           1e-8,
		LossFileName:      "loss.log",
		EvalFileName:      "eval.log",
		KeepCheckpointMax: 5,
		Seed:              42,
		EvalWorkers:       4,
		LabelColumn:       "label",
	}
}

// Load builds the configuration. path may be empty, in which case no file is read.
// overrides are config keys set from the command line.
func Load(path string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := k.Set(key, overrides[key]); err != nil {
			return nil, fmt.Errorf("failed to set %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envTransformFunc maps WIDEDEEP_BATCH_SIZE to batch_size.
func envTransformFunc(key string) string {
	return strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.DataType() == io.CSV && c.LabelColumn == "" {
		return fmt.Errorf("label_column is required for csv datasets")
	}
	return nil
}

func (c *Config) DataType() io.DataType {
	return io.ParseDataType(c.DatasetType)
}

// CheckpointDir falls back to the output path when ckpt_path is empty.
func (c *Config) CheckpointDir() string {
	if c.CkptPath == "" {
		return c.OutputPath
	}
	return c.CkptPath
}

// OutputFile resolves a log file name against the output path. Absolute names are kept.
func (c *Config) OutputFile(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.OutputPath, name)
}

func (c *Config) WideDeepConfig() model.WideDeepConfig {
	return model.WideDeepConfig{
		FieldSize:           c.FieldSize,
		VocabSize:           c.VocabSize,
		EmbeddingDimension:  c.EmbDim,
		DeepLayerDimensions: c.DeepLayerDim,
		DeepLayerActivation: c.DeepLayerAct,
		KeepProb:            c.KeepProb,
		Dropout:             c.DropoutFlag,
		L2Coefficient:       c.L2Coef,
	}
}

func (c *Config) FTRLConfig() optimizers.FTRLConfig {
	return optimizers.FTRLConfig{
		LearningRate:       c.FTRLLearningRate,
		L1:                 c.FTRLL1,
		L2:                 c.FTRLL2,
		InitialAccumulator: c.FTRLInitialAccum,
	}
}

func (c *Config) AdamConfig() optimizers.AdamConfig {
	adam := optimizers.NewDefaultAdamConfig()
	adam.LearningRate = c.AdamLearningRate
	adam.Epsilon = c.AdamEps
	adam.Lazy = c.Sparse
	return adam
}

// DataParameters describes the train (trainMode) or eval split.
func (c *Config) DataParameters(trainMode bool) io.DataParameters {
	return io.DataParameters{
		DataPath:           c.DataPath,
		TrainMode:          trainMode,
		BatchSize:          c.BatchSize,
		DataType:           c.DataType(),
		Seed:               int64(c.Seed),
		FieldSize:          c.FieldSize,
		VocabSize:          c.VocabSize,
		LabelColumn:        c.LabelColumn,
		CategoricalColumns: io.NewSet(c.CategoricalColumns...),
		Workers:            c.EvalWorkers,
	}
}

// DeviceIDFromEnv reads DEVICE_ID. An unset variable means device 0.
func DeviceIDFromEnv() (int, error) {
	value, ok := os.LookupEnv(DeviceIDEnvVar)
	if !ok || value == "" {
		return 0, nil
	}
	id, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", DeviceIDEnvVar, value, err)
	}
	return id, nil
}
