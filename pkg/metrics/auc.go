package metrics

import (
	"errors"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrNoPredictions is returned by Eval before any prediction was accumulated
	ErrNoPredictions = errors.New("auc: no predictions accumulated")

	// ErrSingleClass is returned by Eval when the labels hold a single class, where the ROC curve is undefined
	ErrSingleClass = errors.New("auc: labels contain a single class")
)

// AUCMetric accumulates predicted probabilities and 0/1 labels across batches and computes
// the area under the ROC curve over everything seen since the last Clear.
type AUCMetric struct {
	mu     sync.Mutex
	preds  []float64
	labels []float64
}

func NewAUCMetric() *AUCMetric {
	return &AUCMetric{}
}

func (a *AUCMetric) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.preds = a.preds[:0]
	a.labels = a.labels[:0]
}

// Update appends a batch of predictions. Update is safe for concurrent use.
func (a *AUCMetric) Update(preds, labels []float64) error {
	if len(preds) != len(labels) {
		return errors.New("auc: predictions and labels differ in length")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.preds = append(a.preds, preds...)
	a.labels = append(a.labels, labels...)
	return nil
}

// Count returns the number of accumulated predictions.
func (a *AUCMetric) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.preds)
}

func (a *AUCMetric) Eval() (float64, error) {
	a.mu.Lock()
	y := append([]float64(nil), a.preds...)
	labels := append([]float64(nil), a.labels...)
	a.mu.Unlock()

	if len(y) == 0 {
		return 0, ErrNoPredictions
	}

	// stat.ROC needs the scores sorted in increasing order
	inds := make([]int, len(y))
	floats.Argsort(y, inds)
	classes := make([]bool, len(y))
	positives := 0
	for i, ind := range inds {
		classes[i] = labels[ind] > 0.5
		if classes[i] {
			positives++
		}
	}
	if positives == 0 || positives == len(classes) {
		return 0, ErrSingleClass
	}

	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	return integrate.Trapezoidal(fpr, tpr), nil
}
