package model

import (
	"fmt"
	stdrand "math/rand"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/nlpodyssey/spago/pkg/mat32/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/nn"

	"widedeep/pkg/model/dense"
)

// WideDeep is an implementation of:
// "Wide & Deep Learning for Recommender Systems" - https://arxiv.org/abs/1606.07792
type WideDeep struct {
	WideDeepConfig
	WideW     []nn.Param
	WideB     nn.Param
	Embedding []nn.Param
	Tower     *dense.Tower
}

type WideDeepConfig struct {
	FieldSize           int
	VocabSize           int
	EmbeddingDimension  int
	DeepLayerDimensions []int
	DeepLayerActivation string
	KeepProb            float64
	Dropout             bool
	L2Coefficient       float64
}

const embeddingInitStdDev = 0.01

func NewWideDeep(config WideDeepConfig) (*WideDeep, error) {
	if config.FieldSize <= 0 || config.VocabSize <= 0 || config.EmbeddingDimension <= 0 {
		return nil, fmt.Errorf("invalid network shape: field_size=%d vocab_size=%d emb_dim=%d",
			config.FieldSize, config.VocabSize, config.EmbeddingDimension)
	}
	activation, err := dense.ParseActivation(config.DeepLayerActivation)
	if err != nil {
		return nil, err
	}
	wideW := make([]nn.Param, config.VocabSize)
	embedding := make([]nn.Param, config.VocabSize)
	for i := range wideW {
		wideW[i] = nn.NewParam(mat.NewEmptyVecDense(1))
		embedding[i] = nn.NewParam(mat.NewEmptyVecDense(config.EmbeddingDimension))
	}
	tower := dense.New(config.FieldSize*config.EmbeddingDimension, config.DeepLayerDimensions, 1, activation)
	if config.Dropout && config.KeepProb < 1 {
		tower.DropoutRate = mat.Float(1 - config.KeepProb)
	}
	return &WideDeep{
		WideDeepConfig: config,
		WideW:          wideW,
		WideB:          nn.NewParam(mat.NewEmptyVecDense(1)),
		Embedding:      embedding,
		Tower:          tower,
	}, nil
}

// Init sets the deep tower with Xavier initialization and the embeddings with N(0, 0.01²).
// Wide weights start at zero.
func (m *WideDeep) Init(seed uint64) {
	m.Tower.Init(rand.NewLockedRand(seed))
	r := stdrand.New(stdrand.NewSource(int64(seed)))
	for _, p := range m.Embedding {
		data := p.Value().Data()
		for i := range data {
			data[i] = mat.Float(r.NormFloat64() * embeddingInitStdDev)
		}
	}
}

// Forward computes the logit of a single sample. It also returns the looked-up deep
// embeddings, one per field, which the loss regularizes.
func (m *WideDeep) Forward(s *Session, sample *Sample) (ag.Node, []ag.Node, error) {
	if len(sample.IDs) != m.FieldSize || len(sample.Values) != m.FieldSize {
		return nil, nil, fmt.Errorf("sample has %d ids and %d values, expected %d fields",
			len(sample.IDs), len(sample.Values), m.FieldSize)
	}
	g := s.Graph
	wide := s.Wrap(m.WideB)
	deepIn := make([]ag.Node, m.FieldSize)
	embeddings := make([]ag.Node, m.FieldSize)
	for f, id := range sample.IDs {
		if id < 0 || id >= m.VocabSize {
			return nil, nil, fmt.Errorf("feature id %d of field %d out of vocabulary [0, %d)", id, f, m.VocabSize)
		}
		value := g.Constant(sample.Values[f])
		wide = g.Add(wide, g.ProdScalar(s.Wrap(m.WideW[id]), value))
		embeddings[f] = s.Wrap(m.Embedding[id])
		deepIn[f] = g.ProdScalar(embeddings[f], value)
	}
	deep := s.Tower(m.Tower).Forward(g.Concat(deepIn...))[0]
	return g.Add(wide, deep), embeddings, nil
}

// WideParams are optimized with FTRL.
func (m *WideDeep) WideParams() []nn.Param {
	params := make([]nn.Param, 0, len(m.WideW)+1)
	params = append(params, m.WideW...)
	return append(params, m.WideB)
}

// DeepParams are optimized with Adam.
func (m *WideDeep) DeepParams() []nn.Param {
	params := make([]nn.Param, 0, len(m.Embedding)+2*len(m.Tower.Layers))
	params = append(params, m.Embedding...)
	return append(params, m.Tower.Params()...)
}

// LogLoss is the numerically stable sigmoid cross-entropy of a logit against a 0/1 label:
// max(x, 0) - x·y + log(1 + exp(-|x|))
func LogLoss(g *ag.Graph, logit ag.Node, label mat.Float) ag.Node {
	linear := g.Sub(g.ReLU(logit), g.ProdScalar(logit, g.Constant(label)))
	return g.Add(linear, g.Log(g.AddScalar(g.Exp(g.Neg(g.Abs(logit))), g.Constant(1))))
}

func accumulate(g *ag.Graph, sum, x ag.Node) ag.Node {
	if sum == nil {
		return x
	}
	return g.Add(sum, x)
}

// NetWithLoss attaches the training objective to the network.
type NetWithLoss struct {
	Net *WideDeep
}

// Forward returns the wide loss (mean log loss) and the deep loss, which adds
// l2_coef·Σe²/2 over the looked-up embeddings. The regularizer only reaches embedding
// params, so back-propagating the deep loss gives every param its own objective's gradient.
func (n *NetWithLoss) Forward(s *Session, batch []*Sample) (wideLoss, deepLoss ag.Node, err error) {
	if len(batch) == 0 {
		return nil, nil, fmt.Errorf("empty batch")
	}
	g := s.Graph
	var logLoss, l2 ag.Node
	for _, sample := range batch {
		logit, embeddings, err := n.Net.Forward(s, sample)
		if err != nil {
			return nil, nil, err
		}
		logLoss = accumulate(g, logLoss, LogLoss(g, logit, sample.Label))
		for _, e := range embeddings {
			l2 = accumulate(g, l2, g.ReduceSum(g.Square(e)))
		}
	}
	wideLoss = g.DivScalar(logLoss, g.Constant(mat.Float(len(batch))))
	deepLoss = g.Add(wideLoss, g.ProdScalar(l2, g.Constant(mat.Float(n.Net.L2Coefficient/2))))
	return wideLoss, deepLoss, nil
}

// PredictWithSigmoid is the evaluation network.
type PredictWithSigmoid struct {
	Net *WideDeep
}

type Prediction struct {
	Logits        []float64
	Probabilities []float64
	Labels        []float64
}

// Predict runs the batch on its own inference graph, so concurrent calls are safe as long
// as no training step runs at the same time.
func (p *PredictWithSigmoid) Predict(batch []*Sample) (Prediction, error) {
	g := ag.NewGraph()
	defer g.Clear()
	s := NewSession(g, nn.Inference)
	result := Prediction{
		Logits:        make([]float64, len(batch)),
		Probabilities: make([]float64, len(batch)),
		Labels:        make([]float64, len(batch)),
	}
	for i, sample := range batch {
		logit, _, err := p.Net.Forward(s, sample)
		if err != nil {
			return Prediction{}, err
		}
		result.Logits[i] = float64(logit.ScalarValue())
		result.Probabilities[i] = float64(g.Sigmoid(logit).ScalarValue())
		result.Labels[i] = float64(sample.Label)
	}
	return result, nil
}

func stack(name string, params []nn.Param, cols int) Tensor {
	t := Tensor{Name: name, Rows: len(params), Cols: cols, Data: make([]float32, 0, len(params)*cols)}
	for _, p := range params {
		for _, v := range p.Value().Data() {
			t.Data = append(t.Data, float32(v))
		}
	}
	return t
}

// Tensors snapshots every parameter group in a stable order.
func (m *WideDeep) Tensors() []Tensor {
	tensors := []Tensor{
		stack("wide_w", m.WideW, 1),
		stack("wide_b", []nn.Param{m.WideB}, 1),
		stack("deep_embedding", m.Embedding, m.EmbeddingDimension),
	}
	for i, l := range m.Tower.Layers {
		rows, cols := l.W.Value().Dims()
		w := Tensor{Name: fmt.Sprintf("dense_layer_%d.weight", i), Rows: rows, Cols: cols}
		for _, v := range l.W.Value().Data() {
			w.Data = append(w.Data, float32(v))
		}
		tensors = append(tensors, w, stack(fmt.Sprintf("dense_layer_%d.bias", i), []nn.Param{l.B}, rows))
	}
	return tensors
}

func unstack(t Tensor, params []nn.Param, cols int) error {
	if t.Rows != len(params) || t.Cols != cols || len(t.Data) != t.Rows*t.Cols {
		return fmt.Errorf("tensor %s has shape %dx%d, expected %dx%d", t.Name, t.Rows, t.Cols, len(params), cols)
	}
	for i, p := range params {
		data := p.Value().Data()
		for j := range data {
			data[j] = mat.Float(t.Data[i*cols+j])
		}
	}
	return nil
}

// Restore copies the tensors produced by Tensors back into the network.
func (m *WideDeep) Restore(tensors []Tensor) error {
	byName := make(map[string]Tensor, len(tensors))
	for _, t := range tensors {
		byName[t.Name] = t
	}
	for _, want := range m.Tensors() {
		t, ok := byName[want.Name]
		if !ok {
			return fmt.Errorf("tensor %s missing", want.Name)
		}
		if t.Rows != want.Rows || t.Cols != want.Cols || len(t.Data) != len(want.Data) {
			return fmt.Errorf("tensor %s has shape %dx%d, expected %dx%d", t.Name, t.Rows, t.Cols, want.Rows, want.Cols)
		}
	}
	if err := unstack(byName["wide_w"], m.WideW, 1); err != nil {
		return err
	}
	if err := unstack(byName["wide_b"], []nn.Param{m.WideB}, 1); err != nil {
		return err
	}
	if err := unstack(byName["deep_embedding"], m.Embedding, m.EmbeddingDimension); err != nil {
		return err
	}
	for i, l := range m.Tower.Layers {
		w := byName[fmt.Sprintf("dense_layer_%d.weight", i)]
		data := l.W.Value().Data()
		for j := range data {
			data[j] = mat.Float(w.Data[j])
		}
		if err := unstack(byName[fmt.Sprintf("dense_layer_%d.bias", i)], []nn.Param{l.B}, l.W.Value().Rows()); err != nil {
			return err
		}
	}
	return nil
}
