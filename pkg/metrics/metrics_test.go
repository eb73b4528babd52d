package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestAUCMetric_Eval(t *testing.T) {
	tests := []struct {
		name   string
		preds  []float64
		labels []float64
		want   float64
	}{
		{
			name:   "mixed ranking",
			preds:  []float64{0.1, 0.4, 0.35, 0.8},
			labels: []float64{0, 0, 1, 1},
			want:   0.75,
		},
		{
			name:   "perfect ranking",
			preds:  []float64{0.9, 0.2, 0.7, 0.1},
			labels: []float64{1, 0, 1, 0},
			want:   1,
		},
		{
			name:   "inverted ranking",
			preds:  []float64{0.1, 0.9},
			labels: []float64{1, 0},
			want:   0,
		},
		{
			name:   "all tied",
			preds:  []float64{0.5, 0.5, 0.5, 0.5},
			labels: []float64{1, 0, 1, 0},
			want:   0.5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auc := NewAUCMetric()
			require.NoError(t, auc.Update(tt.preds, tt.labels))
			got, err := auc.Eval()
			require.NoError(t, err)
			require.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestAUCMetric_Accumulates(t *testing.T) {
	auc := NewAUCMetric()
	require.NoError(t, auc.Update([]float64{0.1, 0.4}, []float64{0, 0}))
	require.NoError(t, auc.Update([]float64{0.35, 0.8}, []float64{1, 1}))
	require.Equal(t, 4, auc.Count())
	got, err := auc.Eval()
	require.NoError(t, err)
	require.InDelta(t, 0.75, got, 1e-9)

	auc.Clear()
	require.Equal(t, 0, auc.Count())
	_, err = auc.Eval()
	require.ErrorIs(t, err, ErrNoPredictions)
}

func TestAUCMetric_Errors(t *testing.T) {
	auc := NewAUCMetric()
	require.Error(t, auc.Update([]float64{0.1}, nil))

	require.NoError(t, auc.Update([]float64{0.1, 0.9}, []float64{1, 1}))
	_, err := auc.Eval()
	require.ErrorIs(t, err, ErrSingleClass)
}

func TestRecordStep(t *testing.T) {
	before := testutil.ToFloat64(TrainStepsTotal)
	RecordStep(0.5, 0.75, 10*time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(TrainStepsTotal))
	require.Equal(t, 0.5, testutil.ToFloat64(TrainLoss.WithLabelValues("wide")))
	require.Equal(t, 0.75, testutil.ToFloat64(TrainLoss.WithLabelValues("deep")))

	RecordEval(0.8, time.Second)
	require.Equal(t, 0.8, testutil.ToFloat64(EvalAUC))
}

func TestServe_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
