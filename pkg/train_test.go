package pkg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"widedeep/pkg/checkpoint"
	"widedeep/pkg/config"
	"widedeep/pkg/io"
	"widedeep/pkg/metrics"
)

// writeClickData writes train.csv and test.csv where the click label only depends on the genre.
func writeClickData(t *testing.T, dir string, trainRows, testRows int) {
	t.Helper()
	write := func(name string, rows, offset int) {
		var b strings.Builder
		b.WriteString("click,user,genre,age\n")
		for i := 0; i < rows; i++ {
			genre := (i + offset) % 4
			click := 0
			if genre < 2 {
				click = 1
			}
			fmt.Fprintf(&b, "%d,u%d,g%d,%.2f\n", click, (i+offset)%5, genre, float64(i%10)/10)
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0o644))
	}
	write("train.csv", trainRows, 0)
	write("test.csv", testRows, 1)
}

func testConfig(t *testing.T, dataDir string) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.DataPath = dataDir
	cfg.DatasetType = "csv"
	cfg.LabelColumn = "click"
	cfg.CategoricalColumns = []string{"user", "genre"}
	cfg.BatchSize = 8
	cfg.Epochs = 2
	cfg.EmbDim = 4
	cfg.DeepLayerDim = []int{8}
	cfg.AdamLearningRate = 0.01
	cfg.EvalWorkers = 2
	cfg.CkptPath = filepath.Join(root, "ckpt")
	cfg.OutputPath = filepath.Join(root, "out")
	require.NoError(t, cfg.Validate())
	return &cfg
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(content)), "\n")
}

func TestTrainAndEval_CSV(t *testing.T) {
	dataDir := t.TempDir()
	writeClickData(t, dataDir, 40, 12)
	cfg := testConfig(t, dataDir)

	require.NoError(t, TrainAndEval(context.Background(), cfg))

	// user, genre and age fields. 1 continuous id + 5 users + 4 genres
	require.Equal(t, 3, cfg.FieldSize)
	require.Equal(t, 10, cfg.VocabSize)

	list, err := checkpoint.List(cfg.CheckpointDir(), "")
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(cfg.CkptPath, "widedeep_train-1_5.ckpt"),
		filepath.Join(cfg.CkptPath, "widedeep_train-2_5.ckpt"),
	}, list)

	lossLines := readLines(t, cfg.OutputFile(cfg.LossFileName))
	require.Len(t, lossLines, 10)
	require.True(t, strings.HasPrefix(lossLines[0], "epoch: 1, step: 1, wide_loss: "))
	require.True(t, strings.HasPrefix(lossLines[9], "epoch: 2, step: 5, wide_loss: "))

	evalLines := readLines(t, cfg.OutputFile(cfg.EvalFileName))
	require.Len(t, evalLines, 2)
	require.Contains(t, evalLines[0], "EvalCallBack metricdict ")

	out, err := Evaluate(context.Background(), cfg, "")
	require.NoError(t, err)
	require.GreaterOrEqual(t, out["auc"], 0.0)
	require.LessOrEqual(t, out["auc"], 1.0)
}

func TestTrainAndEval_Resume(t *testing.T) {
	dataDir := t.TempDir()
	writeClickData(t, dataDir, 16, 8)
	cfg := testConfig(t, dataDir)
	cfg.Epochs = 1
	require.NoError(t, TrainAndEval(context.Background(), cfg))

	cfg.Resume = true
	require.NoError(t, TrainAndEval(context.Background(), cfg))

	latest, err := checkpoint.Latest(cfg.CheckpointDir(), "")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(cfg.CkptPath, "widedeep_train-2_2.ckpt"), latest)
	ckpt, err := checkpoint.Load(latest)
	require.NoError(t, err)
	require.Equal(t, 4, ckpt.Step)
}

func TestTrainAndEval_UnsupportedDataset(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.DatasetType = "mindrecord"
	require.ErrorIs(t, TrainAndEval(context.Background(), cfg), io.ErrUnsupportedDataType)
}

func TestConvert_ThenTrainOnTFRecord(t *testing.T) {
	dataDir := t.TempDir()
	writeClickData(t, dataDir, 24, 8)
	cfg := testConfig(t, dataDir)

	recordDir := t.TempDir()
	metaData, err := Convert(cfg, recordDir, 5)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(recordDir, "train.tfrecord"))
	require.FileExists(t, filepath.Join(recordDir, "test.tfrecord"))

	tfCfg := testConfig(t, recordDir)
	tfCfg.DatasetType = "tfrecord"
	tfCfg.FieldSize = metaData.FieldSize
	tfCfg.VocabSize = metaData.VocabSize
	tfCfg.Epochs = 1
	require.NoError(t, TrainAndEval(context.Background(), tfCfg))

	list, err := checkpoint.List(tfCfg.CheckpointDir(), "")
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = Convert(tfCfg, t.TempDir(), 5)
	require.Error(t, err)
}

func TestModel_TrainCancelled(t *testing.T) {
	dataDir := t.TempDir()
	writeClickData(t, dataDir, 16, 8)
	cfg := testConfig(t, dataDir)
	dsTrain, _, _, err := loadDatasets(cfg)
	require.NoError(t, err)

	trainNet, evalNet, err := (&ModelBuilder{Config: cfg}).GetNet()
	require.NoError(t, err)
	m := NewModel(trainNet, evalNet, metrics.NewAUCMetric(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, m.Train(ctx, 1, dsTrain), context.Canceled)
}

func TestModel_EvalIsIndependentOfWorkers(t *testing.T) {
	dataDir := t.TempDir()
	writeClickData(t, dataDir, 16, 30)
	cfg := testConfig(t, dataDir)
	cfg.BatchSize = 4
	_, dsEval, _, err := loadDatasets(cfg)
	require.NoError(t, err)

	trainNet, evalNet, err := (&ModelBuilder{Config: cfg}).GetNet()
	require.NoError(t, err)

	sequential, err := NewModel(trainNet, evalNet, metrics.NewAUCMetric(), 1).Eval(context.Background(), dsEval)
	require.NoError(t, err)
	concurrent, err := NewModel(trainNet, evalNet, metrics.NewAUCMetric(), 4).Eval(context.Background(), dsEval)
	require.NoError(t, err)
	require.InDelta(t, sequential["auc"], concurrent["auc"], 1e-12)
}

func TestModelBuilder_GetTrainHooks(t *testing.T) {
	b := &ModelBuilder{Config: testConfig(t, t.TempDir())}

	t.Setenv(config.DeviceIDEnvVar, "0")
	hooks, err := b.GetTrainHooks(10)
	require.NoError(t, err)
	require.Len(t, hooks, 2)

	t.Setenv(config.DeviceIDEnvVar, "1")
	hooks, err = b.GetTrainHooks(10)
	require.NoError(t, err)
	require.Len(t, hooks, 1)

	t.Setenv(config.DeviceIDEnvVar, "x")
	_, err = b.GetTrainHooks(10)
	require.Error(t, err)
}
