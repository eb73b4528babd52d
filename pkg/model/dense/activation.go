package dense

import (
	"fmt"

	"github.com/nlpodyssey/spago/pkg/ml/ag"
)

type Activation string

const (
	ReLU     Activation = "relu"
	Sigmoid  Activation = "sigmoid"
	Tanh     Activation = "tanh"
	Identity Activation = "identity"
)

func ParseActivation(name string) (Activation, error) {
	switch a := Activation(name); a {
	case ReLU, Sigmoid, Tanh, Identity:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported activation %q", name)
	}
}

func (a Activation) opName() ag.OpName {
	switch a {
	case ReLU:
		return ag.OpReLU
	case Sigmoid:
		return ag.OpSigmoid
	case Tanh:
		return ag.OpTanh
	default:
		return ag.OpIdentity
	}
}

func (a Activation) apply(g *ag.Graph, x ag.Node) ag.Node {
	switch a {
	case ReLU:
		return g.ReLU(x)
	case Sigmoid:
		return g.Sigmoid(x)
	case Tanh:
		return g.Tanh(x)
	default:
		return x
	}
}
