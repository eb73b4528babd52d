package optimizers

import (
	"fmt"
	"math"

	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"

	"widedeep/pkg/model"
)

// StepLoss holds the losses of one training step
type StepLoss struct {
	Wide float64
	Deep float64
}

// TrainStep wraps the loss network with its two optimizers: FTRL for the wide part and
// Adam (LazyAdam when sparse) for the deep part.
type TrainStep struct {
	Net  *model.NetWithLoss
	Wide *FTRL
	Deep *Adam
	rnd  *rand.LockedRand
}

func NewTrainStep(net *model.NetWithLoss, ftrl FTRLConfig, adam AdamConfig, sparse bool, seed uint64) *TrainStep {
	adam.Lazy = sparse
	return &TrainStep{
		Net:  net,
		Wide: NewFTRL(ftrl, ParamsFunc(net.Net.WideParams)),
		Deep: NewAdam(adam, ParamsFunc(net.Net.DeepParams)),
		rnd:  rand.NewLockedRand(seed),
	}
}

// Step runs forward and backward on a fresh graph, then applies both optimizers.
func (t *TrainStep) Step(batch []*model.Sample) (StepLoss, error) {
	g := ag.NewGraph(ag.Rand(t.rnd))
	s := model.NewSession(g, nn.Training)
	wideLoss, deepLoss, err := t.Net.Forward(s, batch)
	if err != nil {
		g.Clear()
		return StepLoss{}, err
	}
	loss := StepLoss{Wide: float64(wideLoss.ScalarValue()), Deep: float64(deepLoss.ScalarValue())}
	if math.IsNaN(loss.Deep) || math.IsInf(loss.Deep, 0) {
		g.Clear()
		return loss, fmt.Errorf("batch loss is %f, training interrupted", loss.Deep)
	}
	g.Backward(deepLoss)
	g.Clear()

	t.Wide.Update()
	t.Deep.Update()
	return loss, nil
}
