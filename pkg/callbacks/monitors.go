package callbacks

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"widedeep/pkg/checkpoint"
	"widedeep/pkg/metrics"
	"widedeep/pkg/model"
)

// TimeMonitor logs the duration of each epoch and the mean duration of its steps.
type TimeMonitor struct {
	Base
	DataSize   int
	epochStart time.Time
}

func NewTimeMonitor(dataSize int) *TimeMonitor {
	return &TimeMonitor{DataSize: dataSize}
}

func (t *TimeMonitor) EpochBegin(_ context.Context, _ *RunContext) error {
	t.epochStart = time.Now()
	return nil
}

func (t *TimeMonitor) EpochEnd(_ context.Context, rc *RunContext) error {
	elapsed := time.Since(t.epochStart)
	steps := t.DataSize
	if steps <= 0 {
		steps = rc.StepsPerEpoch
	}
	var perStep time.Duration
	if steps > 0 {
		perStep = elapsed / time.Duration(steps)
	}
	log.Info().Int("epoch", rc.Epoch).Dur("epoch_time", elapsed).Dur("per_step_time", perStep).Msg("Epoch time")
	return nil
}

// LossCallback logs the losses of every step. When FileName is set the same line is appended to it.
type LossCallback struct {
	Base
	FileName string
}

func (l *LossCallback) StepEnd(_ context.Context, rc *RunContext) error {
	log.Info().
		Int("epoch", rc.Epoch).
		Int("step", rc.StepInEpoch).
		Float64("wide_loss", rc.Loss.Wide).
		Float64("deep_loss", rc.Loss.Deep).
		Msg("Loss")
	if l.FileName == "" {
		return nil
	}
	return appendLine(l.FileName, fmt.Sprintf("epoch: %d, step: %d, wide_loss: %f, deep_loss: %f",
		rc.Epoch, rc.StepInEpoch, rc.Loss.Wide, rc.Loss.Deep))
}

// Evaluator computes named metrics over the evaluation split.
type Evaluator interface {
	Eval(ctx context.Context) (map[string]float64, error)
}

// EvalCallback evaluates the network at the end of every epoch and appends the result to FileName.
type EvalCallback struct {
	Base
	Evaluator Evaluator
	FileName  string

	// Results holds the metrics of every epoch, in order
	Results []map[string]float64
}

func (e *EvalCallback) EpochEnd(ctx context.Context, rc *RunContext) error {
	start := time.Now()
	result, err := e.Evaluator.Eval(ctx)
	if err != nil {
		return fmt.Errorf("evaluation after epoch %d: %w", rc.Epoch, err)
	}
	elapsed := time.Since(start)
	e.Results = append(e.Results, result)

	auc := result["auc"]
	log.Info().Int("epoch", rc.Epoch).Float64("auc", auc).Dur("eval_time", elapsed).Msg("EvalCallBack")
	if e.FileName == "" {
		return nil
	}
	return appendLine(e.FileName, fmt.Sprintf("%s EvalCallBack metricdict %v; cost time: %s",
		time.Now().Format("2006-01-02 15:04:05"), auc, elapsed))
}

// CheckpointCallback saves a checkpoint whenever the handler says one is due.
type CheckpointCallback struct {
	Base
	Handler *checkpoint.Handler
}

func (c *CheckpointCallback) StepEnd(_ context.Context, rc *RunContext) error {
	if !c.Handler.ShouldSave(rc.Step) {
		return nil
	}
	_, err := c.Handler.Save(model.NewModel(rc.RunID, rc.Epoch, rc.Step, rc.Net, rc.MetaData), rc.Epoch, rc.StepInEpoch)
	return err
}

// MetricsCallback feeds the Prometheus collectors.
type MetricsCallback struct {
	Base
}

func (MetricsCallback) EpochBegin(_ context.Context, rc *RunContext) error {
	metrics.TrainEpoch.Set(float64(rc.Epoch))
	return nil
}

func (MetricsCallback) StepEnd(_ context.Context, rc *RunContext) error {
	metrics.RecordStep(rc.Loss.Wide, rc.Loss.Deep, rc.StepDuration)
	return nil
}
