package pkg

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"widedeep/pkg/checkpoint"
	"widedeep/pkg/config"
	"widedeep/pkg/io"
	"widedeep/pkg/metrics"
	"widedeep/pkg/model"
)

// Evaluate reports the AUC of a checkpoint on the eval split. An empty checkpointPath selects
// the latest checkpoint under the checkpoint directory.
func Evaluate(ctx context.Context, cfg *config.Config, checkpointPath string) (map[string]float64, error) {
	if checkpointPath == "" {
		latest, err := checkpoint.Latest(cfg.CheckpointDir(), checkpoint.DefaultPrefix)
		if err != nil {
			return nil, err
		}
		checkpointPath = latest
	}
	ckpt, err := checkpoint.Load(checkpointPath)
	if err != nil {
		return nil, err
	}
	net, err := ckpt.Network()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", checkpointPath, err)
	}

	metaData := ckpt.MetaData
	if metaData == nil {
		metaData = model.NewFixedMetadata(ckpt.Config.FieldSize, ckpt.Config.VocabSize)
	}
	ds, _, dataErrors, err := io.CreateDataset(cfg.DataParameters(false), metaData)
	if err != nil {
		return nil, fmt.Errorf("error reading evaluation data: %w", err)
	}
	printDataErrors(dataErrors)
	if ds.NumSamples() == 0 {
		return nil, errors.New("no data to evaluate")
	}

	m := NewModel(nil, &model.PredictWithSigmoid{Net: net}, metrics.NewAUCMetric(), cfg.EvalWorkers)
	out, err := m.Eval(ctx, ds)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("checkpoint", checkpointPath).
		Int("epoch", ckpt.Epoch).
		Int("step", ckpt.Step).
		Int("samples", ds.NumSamples()).
		Float64("auc", out["auc"]).
		Msg("Evaluation")
	return out, nil
}
