package io

import (
	"encoding/csv"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"golang.org/x/sync/errgroup"

	"widedeep/pkg/model"
)

type DataType int

const (
	TFRecord DataType = iota
	MindRecord
	H5
	CSV
)

func (d DataType) String() string {
	switch d {
	case TFRecord:
		return "tfrecord"
	case MindRecord:
		return "mindrecord"
	case CSV:
		return "csv"
	default:
		return "h5"
	}
}

// ParseDataType maps a dataset_type name to its DataType. Unknown names fall back to H5.
func ParseDataType(name string) DataType {
	switch name {
	case "tfrecord":
		return TFRecord
	case "mindrecord":
		return MindRecord
	case "csv":
		return CSV
	default:
		return H5
	}
}

func (d DataType) extension() string {
	switch d {
	case TFRecord:
		return ".tfrecord"
	case MindRecord:
		return ".mindrecord"
	case CSV:
		return ".csv"
	default:
		return ".h5"
	}
}

// ErrUnsupportedDataType is returned for dataset formats without a reader
var ErrUnsupportedDataType = errors.New("unsupported dataset type")

type void struct{}

var Void = void{}

type Set map[string]void

func NewSet(values ...string) Set {
	set := Set{}
	for _, val := range values {
		set[val] = Void
	}
	return set
}

type DataParameters struct {
	DataPath  string
	TrainMode bool
	BatchSize int
	DataType  DataType
	Seed      int64

	// FieldSize and VocabSize describe datasets whose feature ids are already hashed
	FieldSize int
	VocabSize int

	// LabelColumn and CategoricalColumns describe CSV datasets. Every other column is continuous.
	LabelColumn        string
	CategoricalColumns Set

	// Workers bounds the number of files decoded concurrently
	Workers int
}

type DataError struct {
	File  string
	Line  int
	Error string
}

// CreateDataset loads the train (TrainMode) or eval split under DataPath. metaData is nil
// for the split that defines the feature vocabulary; the eval split must reuse it.
func CreateDataset(p DataParameters, metaData *model.Metadata) (*DataSet, *model.Metadata, []DataError, error) {
	if p.BatchSize <= 0 {
		return nil, nil, nil, fmt.Errorf("batch size must be > 0 (got %d)", p.BatchSize)
	}
	if p.DataType == MindRecord || p.DataType == H5 {
		return nil, nil, nil, fmt.Errorf("%s: %w", p.DataType, ErrUnsupportedDataType)
	}
	files, err := DiscoverFiles(p.DataPath, p.TrainMode, p.DataType)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(files) == 0 {
		return nil, nil, nil, fmt.Errorf("no %s files for split %s under %s", p.DataType, splitPrefix(p.TrainMode), p.DataPath)
	}

	var data []*model.Sample
	var dataErrors []DataError
	switch p.DataType {
	case TFRecord:
		if metaData == nil {
			metaData = model.NewFixedMetadata(p.FieldSize, p.VocabSize)
		}
		data, err = loadTFRecords(files, metaData, p.Workers)
	case CSV:
		metaData, data, dataErrors, err = loadCSV(files, p, metaData)
	}
	if err != nil {
		return nil, nil, nil, err
	}

	order := OriginalOrder
	if p.TrainMode {
		order = RandomOrder
	}
	return NewDataSet(data, p.BatchSize, order, p.Seed), metaData, dataErrors, nil
}

func splitPrefix(trainMode bool) string {
	if trainMode {
		return "train"
	}
	return "test"
}

// DiscoverFiles lists, sorted, the files of a split: names starting with "train" or "test"
// and ending with the format's extension.
func DiscoverFiles(dataPath string, trainMode bool, dataType DataType) ([]string, error) {
	entries, err := os.ReadDir(dataPath)
	if err != nil {
		return nil, fmt.Errorf("error listing data path: %w", err)
	}
	prefix := splitPrefix(trainMode)
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, dataType.extension()) {
			continue
		}
		files = append(files, filepath.Join(dataPath, name))
	}
	sort.Strings(files)
	return files, nil
}

func loadTFRecords(files []string, metaData *model.Metadata, workers int) ([]*model.Sample, error) {
	perFile := make([][]*model.Sample, len(files))
	var g errgroup.Group
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			samples, err := readTFRecordFile(file, metaData)
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
			perFile[i] = samples
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var data []*model.Sample
	for _, samples := range perFile {
		data = append(data, samples...)
	}
	return data, nil
}

func readTFRecordFile(file string, metaData *model.Metadata) ([]*model.Sample, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("error opening file: %w", err)
	}
	defer f.Close()

	var data []*model.Sample
	reader := NewTFRecordReader(f)
	for record := 0; ; record++ {
		payload, err := reader.Next()
		if err == io.EOF {
			return data, nil
		}
		if err != nil {
			return nil, err
		}
		example, err := DecodeExample(payload)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", record, err)
		}
		samples, err := SamplesFromExample(example, metaData)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", record, err)
		}
		data = append(data, samples...)
	}
}

// Feature names of a Wide & Deep tf.Example
const (
	FeatureIDsKey    = "feat_ids"
	FeatureValuesKey = "feat_vals"
	LabelKey         = "label"
)

// SamplesFromExample splits an Example holding len(label) samples of FieldSize fields each.
func SamplesFromExample(e *Example, metaData *model.Metadata) ([]*model.Sample, error) {
	ids := e.Int64Features[FeatureIDsKey]
	values := e.FloatFeatures[FeatureValuesKey]
	labels := e.FloatFeatures[LabelKey]
	fieldSize := metaData.FieldSize
	if fieldSize <= 0 {
		return nil, fmt.Errorf("field size must be > 0 (got %d)", fieldSize)
	}
	if len(ids) != len(labels)*fieldSize || len(values) != len(ids) {
		return nil, fmt.Errorf("%d labels need %d feature ids and values, found %d ids and %d values",
			len(labels), len(labels)*fieldSize, len(ids), len(values))
	}
	samples := make([]*model.Sample, len(labels))
	for i := range samples {
		sample := &model.Sample{
			IDs:    make([]int, fieldSize),
			Values: make([]mat.Float, fieldSize),
			Label:  mat.Float(labels[i]),
		}
		for f := 0; f < fieldSize; f++ {
			id := ids[i*fieldSize+f]
			if id < 0 || int(id) >= metaData.VocabSize {
				return nil, fmt.Errorf("feature id %d out of vocabulary [0, %d)", id, metaData.VocabSize)
			}
			sample.IDs[f] = int(id)
			sample.Values[f] = mat.Float(values[i*fieldSize+f])
		}
		samples[i] = sample
	}
	return samples, nil
}

// ExampleFromSamples packs samples into a single Example, the inverse of SamplesFromExample.
func ExampleFromSamples(samples []*model.Sample) *Example {
	e := NewExample()
	for _, s := range samples {
		for f, id := range s.IDs {
			e.Int64Features[FeatureIDsKey] = append(e.Int64Features[FeatureIDsKey], int64(id))
			e.FloatFeatures[FeatureValuesKey] = append(e.FloatFeatures[FeatureValuesKey], float32(s.Values[f]))
		}
		e.FloatFeatures[LabelKey] = append(e.FloatFeatures[LabelKey], float32(s.Label))
	}
	return e
}

// WriteTFRecord writes samples to w, samplesPerRecord samples per Example.
func WriteTFRecord(w io.Writer, samples []*model.Sample, samplesPerRecord int) error {
	if samplesPerRecord <= 0 {
		return fmt.Errorf("samples per record must be > 0 (got %d)", samplesPerRecord)
	}
	writer := NewTFRecordWriter(w)
	for start := 0; start < len(samples); start += samplesPerRecord {
		end := start + samplesPerRecord
		if end > len(samples) {
			end = len(samples)
		}
		if err := writer.Write(EncodeExample(ExampleFromSamples(samples[start:end]))); err != nil {
			return err
		}
	}
	return nil
}

func loadCSV(files []string, p DataParameters, metaData *model.Metadata) (*model.Metadata, []*model.Sample, []DataError, error) {
	var data []*model.Sample
	var dataErrors []DataError
	// Only the split that creates the metadata may grow the vocabulary
	grow := metaData == nil
	for _, file := range files {
		var err error
		var fileData []*model.Sample
		var fileErrors []DataError
		metaData, fileData, fileErrors, err = loadCSVFile(file, p, metaData, grow)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%s: %w", file, err)
		}
		data = append(data, fileData...)
		dataErrors = append(dataErrors, fileErrors...)
	}
	return metaData, data, dataErrors, nil
}

func loadCSVFile(file string, p DataParameters, metaData *model.Metadata, grow bool) (*model.Metadata, []*model.Sample, []DataError, error) {
	var dataErrors []DataError
	inputFile, err := os.Open(file)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error opening file: %w", err)
	}
	defer inputFile.Close()

	reader := csv.NewReader(inputFile)
	reader.Comma = ','

	//First line is expected to be a header
	record, err := reader.Read()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error reading data header: %w", err)
	}

	if metaData == nil {
		metaData = model.NewMetadata()
		metaData.Columns = record
		if err := setLabelColumn(p, metaData); err != nil {
			return nil, nil, nil, err
		}
		buildFeatureIndex(p, metaData)
	} else if !sameColumns(metaData.Columns, record) {
		return nil, nil, nil, fmt.Errorf("header %v does not match training header %v", record, metaData.Columns)
	}

	var result []*model.Sample
	// The header is line 1
	currentLine := 1
	for record, err = reader.Read(); err != io.EOF; record, err = reader.Read() {
		currentLine++
		if err != nil {
			dataErrors = append(dataErrors, DataError{File: file, Line: currentLine, Error: err.Error()})
			continue
		}
		sample, err := parseRecord(metaData, grow, record)
		if err != nil {
			dataErrors = append(dataErrors, DataError{File: file, Line: currentLine, Error: err.Error()})
			continue
		}
		result = append(result, sample)
	}

	return metaData, result, dataErrors, nil
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func parseRecord(metaData *model.Metadata, grow bool, record []string) (*model.Sample, error) {
	label, err := parseLabel(record[metaData.LabelColumn])
	if err != nil {
		return nil, err
	}
	sample := &model.Sample{
		IDs:    make([]int, metaData.FieldSize),
		Values: make([]mat.Float, metaData.FieldSize),
		Label:  label,
	}
	for column, field := range metaData.ContinuousFeaturesMap.ColumnToIndex {
		value, err := strconv.ParseFloat(record[column], 32)
		if err != nil {
			return nil, fmt.Errorf("error parsing feature %s: %w", metaData.Columns[column], err)
		}
		id, _ := metaData.ContinuousFeatureID(column)
		sample.IDs[field] = id
		sample.Values[field] = mat.Float(value)
	}
	for column, field := range metaData.CategoricalFeaturesMap.ColumnToIndex {
		var id int
		if grow {
			id = metaData.ParseOrAddCategoricalFeature(column, record[column])
		} else {
			id, err = metaData.ParseCategoricalFeature(column, record[column])
			if err != nil {
				return nil, err
			}
		}
		sample.IDs[field] = id
		sample.Values[field] = 1
	}
	return sample, nil
}

func parseLabel(value string) (mat.Float, error) {
	label, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return 0, fmt.Errorf("error parsing label: %w", err)
	}
	if label != 0 && label != 1 {
		return 0, fmt.Errorf("label must be 0 or 1 (got %s)", value)
	}
	return mat.Float(label), nil
}

func buildFeatureIndex(p DataParameters, metaData *model.Metadata) {
	field := 0
	for i, col := range metaData.Columns {
		if i == metaData.LabelColumn {
			continue
		}
		if _, isCategorical := p.CategoricalColumns[col]; isCategorical {
			metaData.CategoricalFeaturesMap.Set(i, field)
		} else {
			metaData.ContinuousFeaturesMap.Set(i, field)
			metaData.AddContinuousFeature(i)
		}
		field++
	}
	metaData.FieldSize = field
}

func setLabelColumn(p DataParameters, metaData *model.Metadata) error {
	for i, col := range metaData.Columns {
		if col == p.LabelColumn {
			metaData.LabelColumn = i
			return nil
		}
	}
	return fmt.Errorf("label column %s not found in data header", p.LabelColumn)
}

func SaveModel(model *model.Model, writer io.Writer) error {
	encoder := gob.NewEncoder(writer)
	err := encoder.Encode(model)
	if err != nil {
		return fmt.Errorf("error encoding model: %w", err)
	}
	return nil
}

func LoadModel(input io.Reader) (*model.Model, error) {
	decoder := gob.NewDecoder(input)
	m := model.Model{}
	err := decoder.Decode(&m)
	if err != nil {
		return nil, fmt.Errorf("error decoding model: %w", err)
	}
	return &m, nil
}
