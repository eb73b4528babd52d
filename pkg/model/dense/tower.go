package dense

import (
	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/nn/linear"
)

var _ nn.StandardModel = &Tower{}

// Tower is the deep part of the network: hidden layers followed by a linear output layer.
// Forward needs a tower reified with nn.Reify.
type Tower struct {
	nn.BaseModel
	Layers     []*linear.Model
	Activation Activation
	// DropoutRate drops hidden activations in training mode
	DropoutRate mat.Float
}

// New builds a tower inputDimension → hidden[0] → ... → hidden[n-1] → outputDimension.
func New(inputDimension int, hidden []int, outputDimension int, activation Activation) *Tower {
	layers := make([]*linear.Model, 0, len(hidden)+1)
	in := inputDimension
	for _, h := range hidden {
		layers = append(layers, linear.New(in, h))
		in = h
	}
	layers = append(layers, linear.New(in, outputDimension))
	return &Tower{Layers: layers, Activation: activation}
}

func (m *Tower) Init(generator *rand.LockedRand) {
	last := len(m.Layers) - 1
	for i, l := range m.Layers {
		gain := initializers.Gain(m.Activation.opName())
		if i == last {
			gain = initializers.Gain(ag.OpIdentity)
		}
		initializers.XavierUniform(l.W.Value(), gain, generator)
	}
}

func (m *Tower) Forward(xs ...ag.Node) []ag.Node {
	g := m.Graph()
	dropout := m.Mode() == nn.Training && m.DropoutRate > 0
	last := len(m.Layers) - 1
	for i, l := range m.Layers {
		xs = l.Forward(xs...)
		if i == last {
			break
		}
		xs = ag.Map(func(x ag.Node) ag.Node {
			x = m.Activation.apply(g, x)
			if dropout {
				x = g.Dropout(x, m.DropoutRate)
			}
			return x
		}, xs)
	}
	return xs
}

// Params returns the weights and biases of every layer, in layer order.
func (m *Tower) Params() []nn.Param {
	params := make([]nn.Param, 0, 2*len(m.Layers))
	nn.ForEachParam(m, func(p nn.Param) {
		params = append(params, p)
	})
	return params
}
