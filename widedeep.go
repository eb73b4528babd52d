package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"widedeep/pkg"
	"widedeep/pkg/config"
)

var configFile string
var logLevel string
var logFormat string

// flagKeys maps command line flags to the config keys they override.
var flagKeys = map[string]string{
	"data-path":           "data_path",
	"batch-size":          "batch_size",
	"epochs":              "epochs",
	"sparse":              "sparse",
	"dataset-type":        "dataset_type",
	"ckpt-path":           "ckpt_path",
	"output-path":         "output_path",
	"device-target":       "device_target",
	"device-id":           "device_id",
	"resume":              "resume",
	"metrics-addr":        "metrics_addr",
	"label-column":        "label_column",
	"categorical-columns": "categorical_columns",
	"eval-workers":        "eval_workers",
}

// loadConfig reads the config file and applies the flags set on cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	overrides := map[string]any{}
	flags := cmd.Flags()
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil || !flags.Changed(name) {
			continue
		}
		var value any
		var err error
		switch f.Value.Type() {
		case "int":
			value, err = flags.GetInt(name)
		case "bool":
			value, err = flags.GetBool(name)
		case "stringSlice":
			value, err = flags.GetStringSlice(name)
		default:
			value = f.Value.String()
		}
		if err != nil {
			return nil, err
		}
		overrides[key] = value
	}
	return config.Load(configFile, overrides)
}

func addDataFlags(cmd *cobra.Command) {
	cmd.Flags().String("data-path", "", "directory holding the train* and test* dataset files")
	cmd.Flags().Int("batch-size", 0, "batch size")
	cmd.Flags().String("dataset-type", "", "dataset format: tfrecord, mindrecord, h5 or csv")
	cmd.Flags().String("label-column", "", "label column of csv datasets")
	cmd.Flags().StringSlice("categorical-columns", nil, "categorical columns of csv datasets")
	cmd.Flags().Int("eval-workers", 0, "number of concurrent evaluation workers")
}

func TrainCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "train [--config config.yaml]",
		Short: "Trains a Wide & Deep model, evaluating and checkpointing it after every epoch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return pkg.TrainWideAndDeep(cmd.Context(), cfg)
		},
	}

	addDataFlags(cmd)
	cmd.Flags().Int("epochs", 0, "number of epochs to train")
	cmd.Flags().Bool("sparse", false, "use LazyAdam for the deep part")
	cmd.Flags().String("ckpt-path", "", "directory to save checkpoints to")
	cmd.Flags().String("output-path", "", "directory of the loss and eval logs")
	cmd.Flags().String("device-target", "", "device target: Ascend, GPU or CPU")
	cmd.Flags().Int("device-id", 0, "device id")
	cmd.Flags().Bool("resume", false, "resume from the latest checkpoint in ckpt-path")
	cmd.Flags().String("metrics-addr", "", "address to expose Prometheus metrics on, e.g. :9090")

	return cmd
}

func EvalCommand() *cobra.Command {
	var checkpointFile string

	var cmd = &cobra.Command{
		Use:   "eval [--checkpoint file.ckpt]",
		Short: "Computes the AUC of a checkpoint on the evaluation split",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out, err := pkg.Evaluate(cmd.Context(), cfg, checkpointFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "auc: %.6f\n", out["auc"])
			return nil
		},
	}

	addDataFlags(cmd)
	cmd.Flags().StringVarP(&checkpointFile, "checkpoint", "m", "", "checkpoint to evaluate (optional, defaults to the latest in ckpt-path)")
	cmd.Flags().String("ckpt-path", "", "directory holding the checkpoints")

	return cmd
}

func ConvertCommand() *cobra.Command {
	var outputDir string
	var samplesPerRecord int

	var cmd = &cobra.Command{
		Use:   "convert -o outputDir",
		Short: "Converts a csv dataset into TFRecord files of tf.Example records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			metaData, err := pkg.Convert(cfg, outputDir, samplesPerRecord)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "field_size: %d\nvocab_size: %d\n", metaData.FieldSize, metaData.VocabSize)
			return nil
		},
	}

	addDataFlags(cmd)
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "directory to write train.tfrecord and test.tfrecord to")
	cmd.Flags().IntVarP(&samplesPerRecord, "samples-per-record", "n", 1000, "samples packed in each tf.Example")

	_ = cmd.MarkFlagRequired("output-dir")

	return cmd
}

func RootCommand() *cobra.Command {
	root := &cobra.Command{Use: "widedeep", PersistentPreRunE: setupLogging, SilenceUsage: true}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file (optional)")
	root.PersistentFlags().StringVarP(&logLevel, "log-level", "", "info", "Logging level: info error or debug")
	root.PersistentFlags().StringVarP(&logFormat, "log-format", "", "pretty", "Logging format: pretty or json")

	root.AddCommand(TrainCommand())
	root.AddCommand(EvalCommand())
	root.AddCommand(ConvertCommand())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := RootCommand().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("widedeep failed")
		stop()
		os.Exit(1)
	}
}

func setupLogging(cmd *cobra.Command, args []string) error {

	switch logLevel {
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	default:
		return fmt.Errorf("invalid logging level %q", logLevel)
	}

	switch logFormat {
	case "pretty":
		setupPrettyLogging()
	case "json":
	default:
		return fmt.Errorf("invalid log format %q", logFormat)
	}
	return nil
}

func setupPrettyLogging() {
	writer := zerolog.ConsoleWriter{Out: os.Stderr}
	writer.FormatFieldValue = func(i interface{}) string {
		switch v := i.(type) {
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return fmt.Sprintf("%d", n)
			}
			val, _ := v.Float64()
			return fmt.Sprintf("%.5f", val)
		default:
			return fmt.Sprintf("%v", i)
		}
	}
	log.Logger = log.Output(writer)
}
