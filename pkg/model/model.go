package model

import (
	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"

	"widedeep/pkg/model/dense"
)

// Sample is a single click-through example: one (feature id, feature value) pair per field.
type Sample struct {
	IDs    []int
	Values []mat.Float
	Label  mat.Float
}

// Tensor is a named, row-major snapshot of a parameter group.
type Tensor struct {
	Name string
	Rows int
	Cols int
	Data []float32
}

// Session binds a network to a graph for a single forward pass. The deep tower is reified
// with nn.Reify once per session. Wide weights and embedding rows are wrapped one by one on
// first lookup, so only the rows a batch touches enter the graph, and gradients of repeated
// feature ids accumulate on the same node.
type Session struct {
	Graph   *ag.Graph
	Mode    nn.ProcessingMode
	wrapped map[nn.Param]ag.Node
	towers  map[*dense.Tower]*dense.Tower
}

func NewSession(g *ag.Graph, mode nn.ProcessingMode) *Session {
	return &Session{
		Graph:   g,
		Mode:    mode,
		wrapped: make(map[nn.Param]ag.Node),
		towers:  make(map[*dense.Tower]*dense.Tower),
	}
}

// Wrap returns the graph node of p. In inference mode no gradient is tracked.
func (s *Session) Wrap(p nn.Param) ag.Node {
	if n, ok := s.wrapped[p]; ok {
		return n
	}
	var n ag.Node
	if s.Mode == nn.Training {
		n = s.Graph.NewWrap(p)
	} else {
		n = s.Graph.NewWrapNoGrad(p)
	}
	s.wrapped[p] = n
	return n
}

// Tower returns t reified on the session graph.
func (s *Session) Tower(t *dense.Tower) *dense.Tower {
	proc, ok := s.towers[t]
	if !ok {
		proc = nn.Reify(t, s.Graph, s.Mode).(*dense.Tower)
		s.towers[t] = proc
	}
	return proc
}

// Model is the persisted form of a trained network: the parameter snapshot plus everything
// needed to rebuild the network and featurize new data.
type Model struct {
	RunID    string
	Epoch    int
	Step     int
	Config   WideDeepConfig
	MetaData *Metadata
	Tensors  []Tensor
}

// NewModel snapshots net at the given epoch and step.
func NewModel(runID string, epoch, step int, net *WideDeep, metaData *Metadata) *Model {
	return &Model{
		RunID:    runID,
		Epoch:    epoch,
		Step:     step,
		Config:   net.WideDeepConfig,
		MetaData: metaData,
		Tensors:  net.Tensors(),
	}
}

// Network rebuilds the network described by m.
func (m *Model) Network() (*WideDeep, error) {
	net, err := NewWideDeep(m.Config)
	if err != nil {
		return nil, err
	}
	if err := net.Restore(m.Tensors); err != nil {
		return nil, err
	}
	return net, nil
}
