package dense

import (
	"testing"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/stretchr/testify/require"
)

func TestParseActivation(t *testing.T) {
	for _, name := range []string{"relu", "sigmoid", "tanh", "identity"} {
		a, err := ParseActivation(name)
		require.NoError(t, err)
		require.Equal(t, Activation(name), a)
	}
	_, err := ParseActivation("softmax")
	require.Error(t, err)
}

func newFixedTower() *Tower {
	tower := New(2, []int{2}, 1, ReLU)
	copy(tower.Layers[0].W.Value().Data(), []mat.Float{1, 2, -1, -1})
	copy(tower.Layers[0].B.Value().Data(), []mat.Float{0.5, 0})
	copy(tower.Layers[1].W.Value().Data(), []mat.Float{1, 1})
	return tower
}

func TestTower_Forward(t *testing.T) {
	tower := newFixedTower()
	// Dropout never applies at inference
	tower.DropoutRate = 0.5

	g := ag.NewGraph()
	defer g.Clear()
	proc := nn.ReifyForInference(tower, g).(*Tower)
	require.True(t, proc.IsProcessor())
	require.False(t, tower.IsProcessor())

	ys := proc.Forward(
		g.NewVariable(mat.NewVecDense([]mat.Float{1, 1}), false),
		g.NewVariable(mat.NewVecDense([]mat.Float{0, 1}), false),
	)
	require.Len(t, ys, 2)
	// relu([3.5, -2]) and relu([2.5, -1]), summed by the output layer
	require.Equal(t, []mat.Float{3.5}, ys[0].Value().Data())
	require.Equal(t, []mat.Float{2.5}, ys[1].Value().Data())
}

func TestTower_BackwardReachesParams(t *testing.T) {
	tower := newFixedTower()

	g := ag.NewGraph()
	proc := nn.ReifyForTraining(tower, g).(*Tower)
	y := proc.Forward(g.NewVariable(mat.NewVecDense([]mat.Float{1, 1}), false))[0]
	g.Backward(y)
	g.Clear()

	for _, p := range tower.Params() {
		require.True(t, p.HasGrad())
	}
	// The second hidden unit is inactive, so only the first row of W gets a gradient
	require.Equal(t, []mat.Float{1, 1, 0, 0}, tower.Layers[0].W.Grad().Data())
	nn.ZeroGrad(tower)
}

func TestTower(t *testing.T) {
	tower := New(6, []int{4, 3}, 1, Tanh)
	require.Len(t, tower.Layers, 3)
	require.Equal(t, 6, tower.Layers[0].W.Value().Columns())
	require.Equal(t, 1, tower.Layers[2].W.Value().Rows())
	params := tower.Params()
	require.Len(t, params, 6)
	require.Same(t, tower.Layers[0].W, params[0])
	require.Same(t, tower.Layers[2].B, params[5])

	tower.Init(rand.NewLockedRand(3))
	nonZero := false
	for _, v := range tower.Layers[0].W.Value().Data() {
		if v != 0 {
			nonZero = true
		}
	}
	require.True(t, nonZero)

	g := ag.NewGraph()
	defer g.Clear()
	proc := nn.ReifyForInference(tower, g).(*Tower)
	y := proc.Forward(g.NewVariable(mat.NewInitVecDense(6, 0.5), false))[0]
	require.Equal(t, 1, y.Value().Size())
}
