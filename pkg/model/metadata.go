package model

import (
	"fmt"
	"strconv"
)

// NameMap implements a bidirectional mapping between a name and an index
type NameMap struct {
	NameToIndex map[string]int
	IndexToName map[int]string
}

func (f NameMap) Set(name string, index int) {
	f.NameToIndex[name] = index
	f.IndexToName[index] = name
}

func (f NameMap) Size() int {
	return len(f.IndexToName)
}

func (f NameMap) ContainsName(name string) (int, bool) {
	index, ok := f.NameToIndex[name]
	return index, ok
}

func NewNameMap() NameMap {
	return NameMap{
		NameToIndex: map[string]int{},
		IndexToName: map[int]string{},
	}
}

// ColumnMap is a bidirectional mapping between a data row column index and a field index
type ColumnMap struct {
	ColumnToIndex map[int]int
	IndexToColumn map[int]int
}

func (f ColumnMap) Set(column int, index int) {
	f.ColumnToIndex[column] = index
	f.IndexToColumn[index] = column
}

func (f ColumnMap) Size() int {
	return len(f.ColumnToIndex)
}

func (f ColumnMap) GetColumn(column int) (int, bool) {
	index, ok := f.ColumnToIndex[column]
	return index, ok
}

func NewColumnMap() ColumnMap {
	return ColumnMap{
		ColumnToIndex: map[int]int{},
		IndexToColumn: map[int]int{},
	}
}

// Metadata describes how raw data rows are turned into (feature id, feature value) fields.
// Datasets that already carry feature ids (TFRecord) only fill FieldSize and VocabSize.
type Metadata struct {
	Columns []string

	// LabelColumn points to the column in the data row that contains the click label
	LabelColumn int

	// ContinuousFeaturesMap maps a data row column index to its field index
	ContinuousFeaturesMap ColumnMap

	// CategoricalFeaturesMap maps a data row column index to its field index
	CategoricalFeaturesMap ColumnMap

	// FeatureIDs maps the quoted column name, followed by "=value" for categorical features,
	// to the feature id used by the embedding tables
	FeatureIDs NameMap

	FieldSize int
	VocabSize int
}

func NewMetadata() *Metadata {
	return &Metadata{
		LabelColumn:            -1,
		ContinuousFeaturesMap:  NewColumnMap(),
		CategoricalFeaturesMap: NewColumnMap(),
		FeatureIDs:             NewNameMap(),
	}
}

// NewFixedMetadata returns the metadata of a dataset whose feature ids are already hashed.
func NewFixedMetadata(fieldSize, vocabSize int) *Metadata {
	m := NewMetadata()
	m.FieldSize = fieldSize
	m.VocabSize = vocabSize
	return m
}

func (d *Metadata) FieldCount() int {
	return d.CategoricalFeaturesMap.Size() + d.ContinuousFeaturesMap.Size()
}

// HasVocabulary reports whether feature ids are assigned from raw column values.
func (d *Metadata) HasVocabulary() bool {
	return d.FeatureIDs.Size() > 0
}

// Quoting makes the column part of a key self-delimiting, so no column name or value can
// produce the key of another feature.
func continuousKey(column string) string {
	return strconv.Quote(column)
}

func categoricalKey(column, value string) string {
	return strconv.Quote(column) + "=" + value
}

// AddContinuousFeature registers a continuous column and assigns it a feature id.
func (d *Metadata) AddContinuousFeature(column int) int {
	id := d.FeatureIDs.Size()
	d.FeatureIDs.Set(continuousKey(d.Columns[column]), id)
	d.VocabSize = d.FeatureIDs.Size()
	return id
}

// ContinuousFeatureID returns the feature id of a continuous column.
func (d *Metadata) ContinuousFeatureID(column int) (int, bool) {
	return d.FeatureIDs.ContainsName(continuousKey(d.Columns[column]))
}

// ParseOrAddCategoricalFeature returns the feature id of value in column, assigning a new one if unseen.
func (d *Metadata) ParseOrAddCategoricalFeature(column int, value string) int {
	key := categoricalKey(d.Columns[column], value)
	id, ok := d.FeatureIDs.ContainsName(key)
	if !ok {
		id = d.FeatureIDs.Size()
		d.FeatureIDs.Set(key, id)
		d.VocabSize = d.FeatureIDs.Size()
	}
	return id
}

// ParseCategoricalFeature returns the feature id of value in column.
func (d *Metadata) ParseCategoricalFeature(column int, value string) (int, error) {
	id, ok := d.FeatureIDs.ContainsName(categoricalKey(d.Columns[column], value))
	if !ok {
		return 0, fmt.Errorf("unknown value %s for categorical attribute %s", value, d.Columns[column])
	}
	return id, nil
}
