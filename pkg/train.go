package pkg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"widedeep/pkg/callbacks"
	"widedeep/pkg/checkpoint"
	"widedeep/pkg/config"
	"widedeep/pkg/io"
	"widedeep/pkg/metrics"
	"widedeep/pkg/model"
	"widedeep/pkg/optimizers"
)

// ModelBuilder builds the networks and default hooks of a run.
type ModelBuilder struct {
	Config *config.Config
}

// GetNet returns the training step and the evaluation network. Both share the same parameters.
func (b *ModelBuilder) GetNet() (*optimizers.TrainStep, *model.PredictWithSigmoid, error) {
	net, err := model.NewWideDeep(b.Config.WideDeepConfig())
	if err != nil {
		return nil, nil, err
	}
	net.Init(b.Config.Seed)
	lossNet := &model.NetWithLoss{Net: net}
	trainNet := optimizers.NewTrainStep(lossNet, b.Config.FTRLConfig(), b.Config.AdamConfig(), b.Config.Sparse, b.Config.Seed)
	return trainNet, &model.PredictWithSigmoid{Net: net}, nil
}

// GetTrainHooks returns a LossCallback. Device 0 also reports epoch times.
func (b *ModelBuilder) GetTrainHooks(dataSize int) ([]callbacks.Callback, error) {
	hooks := []callbacks.Callback{&callbacks.LossCallback{}}
	deviceID, err := config.DeviceIDFromEnv()
	if err != nil {
		return nil, err
	}
	if deviceID == 0 {
		hooks = append(hooks, callbacks.NewTimeMonitor(dataSize))
	}
	return hooks, nil
}

// Model drives training and evaluation of a network.
type Model struct {
	TrainNet *optimizers.TrainStep
	EvalNet  *model.PredictWithSigmoid
	AUC      *metrics.AUCMetric
	Workers  int
	RunID    string
	MetaData *model.Metadata

	// epoch and step are the last completed epoch and global step. They are non-zero after a resume.
	epoch int
	step  int
}

func NewModel(trainNet *optimizers.TrainStep, evalNet *model.PredictWithSigmoid, auc *metrics.AUCMetric, workers int) *Model {
	if workers <= 0 {
		workers = 1
	}
	return &Model{
		TrainNet: trainNet,
		EvalNet:  evalNet,
		AUC:      auc,
		Workers:  workers,
		RunID:    uuid.NewString(),
	}
}

// Train runs epochs epochs over ds, calling the callbacks in order. The context is checked
// before every step.
func (m *Model) Train(ctx context.Context, epochs int, ds *io.DataSet, cbs ...callbacks.Callback) error {
	if m.TrainNet == nil {
		return errors.New("model has no training network")
	}
	hooks := callbacks.List(cbs)
	rc := &callbacks.RunContext{
		RunID:         m.RunID,
		Epochs:        m.epoch + epochs,
		Step:          m.step,
		StepsPerEpoch: ds.Size(),
		Net:           m.TrainNet.Net.Net,
		MetaData:      m.MetaData,
	}
	if err := hooks.Begin(ctx, rc); err != nil {
		return err
	}
	for e := 0; e < epochs; e++ {
		rc.Epoch = m.epoch + 1
		rc.StepInEpoch = 0
		ds.Reset()
		if err := hooks.EpochBegin(ctx, rc); err != nil {
			return err
		}
		for batch := ds.Next(); len(batch) > 0; batch = ds.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			loss, err := m.TrainNet.Step(batch)
			if err != nil {
				return fmt.Errorf("epoch %d step %d: %w", rc.Epoch, rc.StepInEpoch+1, err)
			}
			m.step++
			rc.Step = m.step
			rc.StepInEpoch++
			rc.Loss = loss
			rc.StepDuration = time.Since(start)
			if err := hooks.StepEnd(ctx, rc); err != nil {
				return err
			}
		}
		m.epoch++
		if err := hooks.EpochEnd(ctx, rc); err != nil {
			return err
		}
	}
	return hooks.End(ctx, rc)
}

// Eval computes the AUC over ds. Batches are predicted concurrently by at most Workers
// goroutines, each on its own inference graph.
func (m *Model) Eval(ctx context.Context, ds *io.DataSet) (map[string]float64, error) {
	start := time.Now()
	m.AUC.Clear()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.Workers)
	for _, batch := range ds.Batches() {
		batch := batch
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			prediction, err := m.EvalNet.Predict(batch)
			if err != nil {
				return err
			}
			return m.AUC.Update(prediction.Probabilities, prediction.Labels)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	auc, err := m.AUC.Eval()
	if err != nil {
		return nil, err
	}
	metrics.RecordEval(auc, time.Since(start))
	return map[string]float64{"auc": auc}, nil
}

// Resume restores the parameters and counters of a checkpoint. Optimizer state starts afresh.
func (m *Model) Resume(path string) error {
	ckpt, err := checkpoint.Restore(path, m.TrainNet.Net.Net)
	if err != nil {
		return err
	}
	m.epoch = ckpt.Epoch
	m.step = ckpt.Step
	if ckpt.RunID != "" {
		m.RunID = ckpt.RunID
	}
	log.Info().Str("checkpoint", path).Int("epoch", m.epoch).Int("step", m.step).Msg("Resumed from checkpoint")
	return nil
}

// datasetEvaluator evaluates a model on a fixed dataset.
type datasetEvaluator struct {
	model *Model
	ds    *io.DataSet
}

func (d datasetEvaluator) Eval(ctx context.Context) (map[string]float64, error) {
	return d.model.Eval(ctx, d.ds)
}

// loadDatasets builds the train and eval splits. For CSV data the feature vocabulary of the
// train split is reused by the eval split, and it fixes the field and vocabulary sizes of cfg.
func loadDatasets(cfg *config.Config) (train, eval *io.DataSet, metaData *model.Metadata, err error) {
	train, metaData, dataErrors, err := io.CreateDataset(cfg.DataParameters(true), nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error reading training data: %w", err)
	}
	printDataErrors(dataErrors)
	eval, _, dataErrors, err = io.CreateDataset(cfg.DataParameters(false), metaData)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error reading evaluation data: %w", err)
	}
	printDataErrors(dataErrors)
	if metaData.HasVocabulary() {
		cfg.FieldSize = metaData.FieldSize
		cfg.VocabSize = metaData.VocabSize
	}
	return train, eval, metaData, nil
}

// TrainAndEval builds the datasets and networks, evaluates the initial network and trains
// it for cfg.Epochs epochs, evaluating and checkpointing after every epoch.
func TrainAndEval(ctx context.Context, cfg *config.Config) error {
	dsTrain, dsEval, metaData, err := loadDatasets(cfg)
	if err != nil {
		return err
	}
	log.Info().Int("ds_train.size", dsTrain.Size()).Int("ds_eval.size", dsEval.Size()).Msg("Datasets loaded")
	if dsTrain.NumSamples() == 0 {
		return errors.New("no data to train")
	}
	if dsEval.NumSamples() == 0 {
		return errors.New("no data to evaluate")
	}

	builder := &ModelBuilder{Config: cfg}
	trainNet, evalNet, err := builder.GetNet()
	if err != nil {
		return err
	}
	m := NewModel(trainNet, evalNet, metrics.NewAUCMetric(), cfg.EvalWorkers)
	m.MetaData = metaData

	if cfg.Resume {
		path, err := checkpoint.Latest(cfg.CheckpointDir(), checkpoint.DefaultPrefix)
		switch {
		case err == nil:
			if err := m.Resume(path); err != nil {
				return err
			}
		case errors.Is(err, checkpoint.ErrNoCheckpoint) || errors.Is(err, os.ErrNotExist):
			log.Warn().Str("dir", cfg.CheckpointDir()).Msg("No checkpoint to resume from, starting afresh")
		default:
			return err
		}
	}

	out, err := m.Eval(ctx, dsEval)
	if err != nil {
		return fmt.Errorf("initial evaluation: %w", err)
	}
	log.Info().Float64("auc", out["auc"]).Msg("model.eval() initialized")

	if err := os.MkdirAll(cfg.OutputPath, 0o755); err != nil {
		return fmt.Errorf("error creating output path: %w", err)
	}
	handler, err := checkpoint.New(checkpoint.Config{
		Dir:       cfg.CheckpointDir(),
		Prefix:    checkpoint.DefaultPrefix,
		SaveSteps: dsTrain.Size(),
		KeepMax:   cfg.KeepCheckpointMax,
	})
	if err != nil {
		return err
	}

	return m.Train(ctx, cfg.Epochs, dsTrain,
		callbacks.NewTimeMonitor(dsTrain.Size()),
		&callbacks.EvalCallback{Evaluator: datasetEvaluator{model: m, ds: dsEval}, FileName: cfg.OutputFile(cfg.EvalFileName)},
		&callbacks.LossCallback{FileName: cfg.OutputFile(cfg.LossFileName)},
		&callbacks.CheckpointCallback{Handler: handler},
		callbacks.MetricsCallback{},
	)
}

// TrainWideAndDeep sets up the device and the optional metrics endpoint, then runs TrainAndEval.
// Computation always runs on the CPU.
func TrainWideAndDeep(ctx context.Context, cfg *config.Config) error {
	if cfg.DeviceTarget != "CPU" {
		log.Warn().Str("device_target", cfg.DeviceTarget).Msg("Only CPU is supported, running on CPU")
	}
	log.Info().Int("device_id", cfg.DeviceID).Msg("Current device")

	if cfg.MetricsAddr == "" {
		return TrainAndEval(ctx, cfg)
	}

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServing := context.WithCancel(gctx)
	g.Go(func() error {
		return metrics.Serve(serveCtx, cfg.MetricsAddr)
	})
	g.Go(func() error {
		defer stopServing()
		return TrainAndEval(gctx, cfg)
	})
	return g.Wait()
}
