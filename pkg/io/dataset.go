package io

import (
	"math/rand"

	"widedeep/pkg/model"
)

// DataBatch is a group of at most BatchSize samples fed to a single training step
type DataBatch []*model.Sample

type DataSet struct {
	Data         []*model.Sample
	BatchSize    int
	Rand         *rand.Rand
	Order        DatasetOrder
	dataIndices  []int
	currentOrder []int
	currentIndex int
}

type DatasetOrder int

const (
	OriginalOrder DatasetOrder = iota
	RandomOrder
)

func (d *DataSet) ResetOrder(order DatasetOrder) {
	if d.currentOrder == nil {
		d.currentOrder = make([]int, len(d.dataIndices))
	}
	switch order {
	case OriginalOrder:
		copy(d.currentOrder, d.dataIndices)
	case RandomOrder:
		ind := d.Rand.Perm(len(d.currentOrder))
		for i := range ind {
			d.currentOrder[i] = d.dataIndices[ind[i]]
		}
	}

	d.currentIndex = 0
}

// Reset starts a new epoch in the dataset's configured order.
func (d *DataSet) Reset() {
	d.ResetOrder(d.Order)
}

// Next returns the next batch of the epoch, or an empty batch once the epoch is over.
func (d *DataSet) Next() DataBatch {
	batch := make(DataBatch, 0, d.BatchSize)
	for ; d.currentIndex < len(d.currentOrder) && len(batch) < d.BatchSize; d.currentIndex++ {
		batch = append(batch, d.Data[d.currentOrder[d.currentIndex]])
	}
	return batch
}

// Batches returns every batch of an epoch in the original order.
func (d *DataSet) Batches() []DataBatch {
	d.ResetOrder(OriginalOrder)
	batches := make([]DataBatch, 0, d.Size())
	for batch := d.Next(); len(batch) > 0; batch = d.Next() {
		batches = append(batches, batch)
	}
	d.Reset()
	return batches
}

// Size returns the number of batches per epoch.
func (d *DataSet) Size() int {
	if d.BatchSize <= 0 {
		return 0
	}
	return (len(d.dataIndices) + d.BatchSize - 1) / d.BatchSize
}

// NumSamples returns the number of samples per epoch.
func (d *DataSet) NumSamples() int {
	return len(d.dataIndices)
}

func NewDataSet(data []*model.Sample, batchSize int, order DatasetOrder, seed int64) *DataSet {
	dataIndices := make([]int, len(data))
	for i := range dataIndices {
		dataIndices[i] = i
	}
	ds := &DataSet{
		Data:        data,
		BatchSize:   batchSize,
		Rand:        rand.New(rand.NewSource(seed)),
		Order:       order,
		dataIndices: dataIndices,
	}
	ds.Reset()
	return ds
}
