package optimizers

import (
	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd"
	"github.com/nlpodyssey/spago/pkg/ml/optimizers/gd/adam"
)

type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	// Lazy restricts each update to params that received a gradient in the step
	Lazy bool
}

func NewDefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 3.5e-4,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// ParamsFunc adapts a function to nn.ParamsGetter.
type ParamsFunc func() []nn.Param

func (f ParamsFunc) Params() []nn.Param {
	return f()
}

// Adam is the optimizer of the deep part. The gradient descent optimizer only updates
// params holding a gradient, which is LazyAdam: embedding rows that were not looked up in a
// step keep both their weights and their moments. Dense Adam also decays the moments of
// every param that already has them, by feeding it a zero gradient.
type Adam struct {
	AdamConfig
	method    *adam.Adam
	optimizer *gd.GradientDescent
	params    nn.ParamsGetter
}

func NewAdam(config AdamConfig, params nn.ParamsGetter) *Adam {
	method := adam.New(adam.Config{
		StepSize: mat.Float(config.LearningRate),
		Beta1:    mat.Float(config.Beta1),
		Beta2:    mat.Float(config.Beta2),
		Epsilon:  mat.Float(config.Epsilon),
	})
	return &Adam{
		AdamConfig: config,
		method:     method,
		optimizer:  gd.NewOptimizer(method, params),
		params:     params,
	}
}

// TimeStep is the number of updates applied so far.
func (o *Adam) TimeStep() int {
	return o.method.TimeStep - 1
}

// Update applies one step to the gradients accumulated since the previous one.
func (o *Adam) Update() {
	if !o.Lazy {
		for _, p := range o.params.Params() {
			if !p.HasGrad() && p.Payload() != nil {
				p.PropagateGrad(mat.NewEmptyDense(p.Value().Dims()))
			}
		}
	}
	o.optimizer.Optimize()
	o.optimizer.IncExample()
}
