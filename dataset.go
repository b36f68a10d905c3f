// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vrae

import (
	"math/rand"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

var _ train.Dataset = (*BucketedDataset)(nil)

// BucketedDataset adapts bucketed pairs to the train.Dataset interface:
// each Yield picks a bucket with probability proportional to its number of
// pairs, samples a batch from it and returns the three batch tensors as
// inputs. The spec is the *Batch itself (its BucketID selects the graph).
//
// The dataset is infinite: Reset is a no-op and Yield never returns io.EOF.
type BucketedDataset struct {
	name  string
	model *Model
	data  [][]Pair
	rng   *rand.Rand

	// cumulative[i] is the number of pairs in buckets <= i.
	cumulative []int
	total      int
}

// NewBucketedDataset builds a dataset over pairs already split by bucket
// (see Config.BucketData). Buckets without pairs are never picked.
func (m *Model) NewBucketedDataset(name string, data [][]Pair) (*BucketedDataset, error) {
	if len(data) != len(m.cfg.Buckets) {
		return nil, errors.Errorf("dataset has %d buckets, model expects %d", len(data), len(m.cfg.Buckets))
	}
	ds := &BucketedDataset{
		name:       name,
		model:      m,
		data:       data,
		rng:        m.cfg.newRNG(),
		cumulative: make([]int, len(data)),
	}
	for i, pairs := range data {
		ds.total += len(pairs)
		ds.cumulative[i] = ds.total
	}
	if ds.total == 0 {
		return nil, errors.New("dataset has no pairs in any bucket")
	}
	return ds, nil
}

// Name implements train.Dataset.
func (ds *BucketedDataset) Name() string { return ds.name }

// Reset implements train.Dataset. The dataset samples with replacement and
// has no epochs, so there is nothing to reset.
func (ds *BucketedDataset) Reset() {}

// Yield implements train.Dataset. The returned inputs are the batch's
// encoder inputs, decoder inputs and weights; labels are nil (the decoder
// inputs carry the targets). The spec is the *Batch.
func (ds *BucketedDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	pick := ds.rng.Intn(ds.total)
	bucketID := 0
	for pick >= ds.cumulative[bucketID] {
		bucketID++
	}
	batch, err := ds.model.GetBatch(ds.data, bucketID)
	if err != nil {
		return nil, nil, nil, err
	}
	return batch, []*tensors.Tensor{batch.EncoderInputs, batch.DecoderInputs, batch.Weights}, nil, nil
}
