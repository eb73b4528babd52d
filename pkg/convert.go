package pkg

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"widedeep/pkg/config"
	"widedeep/pkg/io"
	"widedeep/pkg/model"
)

// Convert turns the CSV train and eval splits of cfg.DataPath into train.tfrecord and
// test.tfrecord under outputDir, samplesPerRecord samples per tf.Example. The returned
// metadata holds the field and vocabulary sizes to train the converted data with.
func Convert(cfg *config.Config, outputDir string, samplesPerRecord int) (*model.Metadata, error) {
	if cfg.DataType() != io.CSV {
		return nil, fmt.Errorf("convert reads csv datasets, got %s", cfg.DataType())
	}
	train, eval, metaData, err := loadDatasets(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating output directory: %w", err)
	}
	for _, split := range []struct {
		name string
		ds   *io.DataSet
	}{
		{"train", train},
		{"test", eval},
	} {
		fileName := filepath.Join(outputDir, split.name+".tfrecord")
		if err := writeTFRecordFile(fileName, split.ds.Data, samplesPerRecord); err != nil {
			return nil, err
		}
		log.Info().Str("file", fileName).Str("samples", humanize.Comma(int64(split.ds.NumSamples()))).Msg("Converted split")
	}
	log.Info().Int("field_size", metaData.FieldSize).Int("vocab_size", metaData.VocabSize).Msg("Use these sizes to train on the converted data")
	return metaData, nil
}

func writeTFRecordFile(fileName string, samples []*model.Sample, samplesPerRecord int) error {
	f, err := os.Create(fileName)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", fileName, err)
	}
	if err := io.WriteTFRecord(f, samples, samplesPerRecord); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", fileName, err)
	}
	return f.Close()
}
