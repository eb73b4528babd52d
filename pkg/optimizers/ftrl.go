package optimizers

import (
	"math"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd"
)

type FTRLConfig struct {
	LearningRate       float64
	L1                 float64
	L2                 float64
	InitialAccumulator float64
}

// FTRLLabel identifies FTRL payloads among the gd method labels.
const FTRLLabel = gd.RMSProp + 1

const (
	ftrlAccum  int = 0
	ftrlLinear int = 1
	ftrlDelta  int = 2
)

var _ gd.Method = &FTRLMethod{}

// FTRLMethod implements the FTRL-Proximal update (learning rate power -0.5) from
// "Ad Click Prediction: a View from the Trenches" - https://research.google.com/pubs/archive/41159.pdf
type FTRLMethod struct {
	FTRLConfig
}

func (o *FTRLMethod) Label() int {
	return FTRLLabel
}

func (o *FTRLMethod) NewSupport(r, c int) *nn.Payload {
	supp := make([]mat.Matrix, 3)
	supp[ftrlAccum] = mat.NewInitDense(r, c, mat.Float(o.InitialAccumulator))
	supp[ftrlLinear] = mat.NewEmptyDense(r, c)
	supp[ftrlDelta] = mat.NewEmptyDense(r, c)
	return &nn.Payload{
		Label: o.Label(),
		Data:  supp,
	}
}

// Delta returns the difference between the current weights and their closed form FTRL solution.
func (o *FTRLMethod) Delta(param nn.Param) mat.Matrix {
	supp := gd.GetOrSetPayload(param, o).Data
	grads := param.Grad().Data()
	weights := param.Value().Data()
	accums := supp[ftrlAccum].Data()
	linears := supp[ftrlLinear].Data()
	deltas := supp[ftrlDelta].Data()
	for i, g := range grads {
		w := float64(weights[i])
		gv := float64(g)
		prev := float64(accums[i])
		accumNew := prev + gv*gv
		sigma := (math.Sqrt(accumNew) - math.Sqrt(prev)) / o.LearningRate
		l := float64(linears[i]) + gv - sigma*w
		linears[i] = mat.Float(l)
		accums[i] = mat.Float(accumNew)
		deltas[i] = mat.Float(w - o.proximal(l, accumNew))
	}
	return supp[ftrlDelta]
}

func (o *FTRLMethod) proximal(linear, accum float64) float64 {
	if math.Abs(linear) <= o.L1 {
		return 0
	}
	quadratic := math.Sqrt(accum)/o.LearningRate + 2*o.L2
	sign := 1.0
	if linear < 0 {
		sign = -1.0
	}
	return (sign*o.L1 - linear) / quadratic
}

// FTRL is the optimizer of the wide part. Params without a gradient are left untouched:
// with a zero gradient the closed form gives back the current weight.
type FTRL struct {
	optimizer *gd.GradientDescent
}

func NewFTRL(config FTRLConfig, params nn.ParamsGetter) *FTRL {
	return &FTRL{optimizer: gd.NewOptimizer(&FTRLMethod{FTRLConfig: config}, params)}
}

// Update applies one step to the gradients accumulated since the previous one.
func (o *FTRL) Update() {
	o.optimizer.Optimize()
}
