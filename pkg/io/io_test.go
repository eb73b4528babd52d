package io

import (
	"bytes"
	"encoding/binary"
	"errors"
	gio "io"
	"math"
	"os"
	"path/filepath"
	"testing"

	mat "github.com/nlpodyssey/spago/pkg/mat32"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"widedeep/pkg/model"
)

const trainCSV = `click,user,genre,age
1,u1,drama,0.5
0,u2,comedy,0.1
1,u1,comedy,0.7
0,u3,drama,0.2
1,u2,drama,0.9
`

const testCSV = `click,user,genre,age
1,u1,drama,0.4
0,u9,comedy,0.3
1,u2,comedy,0.8
0,u3,drama,bad
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func csvParams(dir string, trainMode bool) DataParameters {
	return DataParameters{
		DataPath:           dir,
		TrainMode:          trainMode,
		BatchSize:          2,
		DataType:           CSV,
		Seed:               1,
		LabelColumn:        "click",
		CategoricalColumns: NewSet("user", "genre"),
	}
}

func TestCreateDataset_CSV(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "train.csv", trainCSV)
	writeFile(t, dir, "test.csv", testCSV)

	train, metaData, dataErrors, err := CreateDataset(csvParams(dir, true), nil)
	require.NoError(t, err)
	require.Empty(t, dataErrors)
	require.Equal(t, 5, train.NumSamples())
	require.Equal(t, 3, train.Size())
	require.Equal(t, 3, metaData.FieldSize)
	// 1 continuous column + 3 users + 2 genres
	require.Equal(t, 6, metaData.VocabSize)
	require.Equal(t, RandomOrder, train.Order)

	eval, evalMetaData, dataErrors, err := CreateDataset(csvParams(dir, false), metaData)
	require.NoError(t, err)
	require.Same(t, metaData, evalMetaData)
	require.Equal(t, 6, evalMetaData.VocabSize)
	// Line 3 has a user unseen in training, line 5 an unparsable age
	require.Len(t, dataErrors, 2)
	require.Equal(t, 3, dataErrors[0].Line)
	require.Equal(t, 5, dataErrors[1].Line)
	require.Equal(t, 2, eval.NumSamples())

	first := eval.Next()
	require.Len(t, first, 2)
	require.Equal(t, mat.Float(1), first[0].Label)
	require.Equal(t, mat.Float(1), first[0].Values[metaData.CategoricalFeaturesMap.ColumnToIndex[1]])
	require.Equal(t, mat.Float(0.4), first[0].Values[metaData.ContinuousFeaturesMap.ColumnToIndex[3]])
}

func TestCreateDataset_UnsupportedTypes(t *testing.T) {
	for _, dataType := range []DataType{MindRecord, H5} {
		p := csvParams(t.TempDir(), true)
		p.DataType = dataType
		_, _, _, err := CreateDataset(p, nil)
		require.True(t, errors.Is(err, ErrUnsupportedDataType))
	}
}

func TestCreateDataset_NoFiles(t *testing.T) {
	_, _, _, err := CreateDataset(csvParams(t.TempDir(), true), nil)
	require.Error(t, err)
}

func TestParseDataType(t *testing.T) {
	require.Equal(t, TFRecord, ParseDataType("tfrecord"))
	require.Equal(t, MindRecord, ParseDataType("mindrecord"))
	require.Equal(t, CSV, ParseDataType("csv"))
	require.Equal(t, H5, ParseDataType("h5"))
	require.Equal(t, H5, ParseDataType("anything"))
}

func TestTFRecord_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewTFRecordWriter(&buf)
	payloads := [][]byte{[]byte("first"), {}, []byte("third record")}
	for _, p := range payloads {
		require.NoError(t, w.Write(p))
	}

	r := NewTFRecordReader(bytes.NewReader(buf.Bytes()))
	for _, p := range payloads {
		got, err := r.Next()
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
	_, err := r.Next()
	require.Equal(t, gio.EOF, err)
}

func TestTFRecord_CorruptPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewTFRecordWriter(&buf).Write([]byte("payload")))
	data := buf.Bytes()
	data[13] ^= 0xff

	_, err := NewTFRecordReader(bytes.NewReader(data)).Next()
	require.True(t, errors.Is(err, ErrCorruptRecord))
}

func TestTFRecord_Truncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewTFRecordWriter(&buf).Write([]byte("payload")))
	data := buf.Bytes()[:15]

	_, err := NewTFRecordReader(bytes.NewReader(data)).Next()
	require.Error(t, err)
	require.NotEqual(t, gio.EOF, err)
}

func TestTFRecord_OversizedLength(t *testing.T) {
	for _, length := range []uint64{maxRecordLength + 1, 1 << 62, math.MaxUint64} {
		var header [12]byte
		binary.LittleEndian.PutUint64(header[:8], length)
		binary.LittleEndian.PutUint32(header[8:], maskedCRC(header[:8]))

		_, err := NewTFRecordReader(bytes.NewReader(header[:])).Next()
		require.True(t, errors.Is(err, ErrCorruptRecord), "length %d", length)
	}
}

func TestExample_RoundTrip(t *testing.T) {
	e := NewExample()
	e.Int64Features[FeatureIDsKey] = []int64{0, 3, 150000, 7}
	e.FloatFeatures[FeatureValuesKey] = []float32{1, 0.25, 1, -2}
	e.FloatFeatures[LabelKey] = []float32{1, 0}

	decoded, err := DecodeExample(EncodeExample(e))
	require.NoError(t, err)
	require.Equal(t, e, decoded)
}

func TestExample_UnpackedLists(t *testing.T) {
	var list []byte
	for _, v := range []uint64{5, 9} {
		list = protowire.AppendTag(list, listValue, protowire.VarintType)
		list = protowire.AppendVarint(list, v)
	}
	var feature []byte
	feature = protowire.AppendTag(feature, featureInt64List, protowire.BytesType)
	feature = protowire.AppendBytes(feature, list)
	var entry []byte
	entry = protowire.AppendTag(entry, mapEntryKey, protowire.BytesType)
	entry = protowire.AppendString(entry, "ids")
	entry = protowire.AppendTag(entry, mapEntryValue, protowire.BytesType)
	entry = protowire.AppendBytes(entry, feature)
	var features []byte
	features = protowire.AppendTag(features, featuresFeature, protowire.BytesType)
	features = protowire.AppendBytes(features, entry)
	var example []byte
	example = protowire.AppendTag(example, exampleFeatures, protowire.BytesType)
	example = protowire.AppendBytes(example, features)

	decoded, err := DecodeExample(example)
	require.NoError(t, err)
	require.Equal(t, []int64{5, 9}, decoded.Int64Features["ids"])
}

func TestCreateDataset_TFRecord(t *testing.T) {
	dir := t.TempDir()
	samples := []*model.Sample{
		{IDs: []int{0, 4}, Values: []mat.Float{1, 0.5}, Label: 1},
		{IDs: []int{1, 5}, Values: []mat.Float{1, 0.25}, Label: 0},
		{IDs: []int{2, 6}, Values: []mat.Float{1, 1}, Label: 1},
	}
	for _, name := range []string{"train_part_0.tfrecord", "test_part_0.tfrecord"} {
		f, err := os.Create(filepath.Join(dir, name))
		require.NoError(t, err)
		require.NoError(t, WriteTFRecord(f, samples, 2))
		require.NoError(t, f.Close())
	}

	p := DataParameters{
		DataPath:  dir,
		TrainMode: false,
		BatchSize: 2,
		DataType:  TFRecord,
		FieldSize: 2,
		VocabSize: 8,
		Workers:   2,
	}
	ds, metaData, dataErrors, err := CreateDataset(p, nil)
	require.NoError(t, err)
	require.Empty(t, dataErrors)
	require.Equal(t, 8, metaData.VocabSize)
	require.False(t, metaData.HasVocabulary())
	require.Equal(t, 3, ds.NumSamples())
	require.Equal(t, 2, ds.Size())
	require.Equal(t, samples, ds.Data)

	p.VocabSize = 4
	_, _, _, err = CreateDataset(p, nil)
	require.Error(t, err)
}

func TestSamplesFromExample_ShapeMismatch(t *testing.T) {
	e := NewExample()
	e.Int64Features[FeatureIDsKey] = []int64{0, 1, 2}
	e.FloatFeatures[FeatureValuesKey] = []float32{1, 1, 1}
	e.FloatFeatures[LabelKey] = []float32{1, 0}
	_, err := SamplesFromExample(e, model.NewFixedMetadata(2, 10))
	require.Error(t, err)
}

func TestDataSet_Batches(t *testing.T) {
	data := make([]*model.Sample, 5)
	for i := range data {
		data[i] = &model.Sample{Label: mat.Float(i % 2)}
	}
	ds := NewDataSet(data, 2, RandomOrder, 7)
	require.Equal(t, 3, ds.Size())

	seen := map[*model.Sample]bool{}
	for batch := ds.Next(); len(batch) > 0; batch = ds.Next() {
		for _, s := range batch {
			seen[s] = true
		}
	}
	require.Len(t, seen, 5)

	batches := ds.Batches()
	require.Len(t, batches, 3)
	require.Same(t, data[0], batches[0][0])
	require.Len(t, batches[2], 1)
}
