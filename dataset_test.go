// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vrae

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketedDataset(t *testing.T) {
	cfg := testConfig()
	cfg.Buckets = []Bucket{{In: 2, Out: 4}, {In: 5, Out: 8}}
	m := newTestModel(t, cfg)
	cfg = m.Config()

	data, dropped := cfg.BucketData([]Pair{
		{Source: []int32{7}, Target: []int32{5, DefaultEOSID}},
		{Source: []int32{8, 9, 10}, Target: []int32{11, DefaultEOSID}},
	})
	require.Zero(t, dropped)

	ds, err := m.NewBucketedDataset("train", data)
	require.NoError(t, err)
	assert.Equal(t, "train", ds.Name())

	seen := make(map[int]bool)
	for range 20 {
		spec, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		batch, ok := spec.(*Batch)
		require.True(t, ok, "spec must be the yielded *Batch")
		require.Len(t, inputs, 3)
		assert.Nil(t, labels)

		bucket := cfg.Buckets[batch.BucketID]
		assert.Equal(t, []int{cfg.BatchSize, bucket.In}, inputs[0].Shape().Dimensions)
		assert.Equal(t, []int{cfg.BatchSize, bucket.Out + 1}, inputs[1].Shape().Dimensions)
		assert.Equal(t, []int{cfg.BatchSize, bucket.Out}, inputs[2].Shape().Dimensions)
		seen[batch.BucketID] = true
	}
	// Both buckets hold pairs, so 20 draws all but surely hit both.
	assert.Len(t, seen, 2)

	// A batch straight from the dataset must be steppable.
	spec, _, _, err := ds.Yield()
	require.NoError(t, err)
	res, err := m.Step(spec.(*Batch), StepOptions{})
	require.NoError(t, err)
	requireFinite(t, "reconstruction loss", res.ReconstructionLoss)

	ds.Reset() // No-op, must not panic.

	_, err = m.NewBucketedDataset("empty", make([][]Pair, len(cfg.Buckets)))
	assert.ErrorContains(t, err, "no pairs")
}

func TestBucketedDatasetBucketCountMismatch(t *testing.T) {
	m := newTestModel(t, testConfig())
	_, err := m.NewBucketedDataset("bad", make([][]Pair, 3))
	assert.ErrorContains(t, err, "expects")
}
