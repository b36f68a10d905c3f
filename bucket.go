// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vrae

import (
	"math/rand"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Bucket fixes the padded encoder length (In) and decoder length (Out) of
// one group of sequence pairs.
type Bucket struct {
	In, Out int
}

// Fits reports whether a pair with the given source and target lengths can
// be packed into the bucket. The target needs one extra slot for the
// leading GO symbol.
func (b Bucket) Fits(sourceLen, targetLen int) bool {
	return sourceLen <= b.In && targetLen < b.Out
}

// Pair is one training example: a source token sequence and its target
// token sequence. Target is expected to already end with the EOS symbol;
// neither includes padding or the GO symbol.
type Pair struct {
	Source, Target []int32
}

// BucketFor returns the index of the smallest configured bucket that fits
// the pair, or an error when none does.
func (c *Config) BucketFor(p Pair) (int, error) {
	for i, b := range c.Buckets {
		if b.Fits(len(p.Source), len(p.Target)) {
			return i, nil
		}
	}
	return 0, errors.Errorf("no bucket fits pair with source length %d and target length %d (largest bucket is (%d, %d))",
		len(p.Source), len(p.Target), c.Buckets[len(c.Buckets)-1].In, c.Buckets[len(c.Buckets)-1].Out)
}

// Batch is a fixed-shape batch of examples packed for one bucket, in the
// layout the computation graphs consume:
//
//   - EncoderInputs is [batchSize, bucket.In] int32, each row the source
//     sequence right-padded with PAD and then reversed, so padding comes
//     first and the sequence ends at the row's last element.
//   - DecoderInputs is [batchSize, bucket.Out+1] int32, each row the GO
//     symbol, the target sequence, PAD up to bucket.Out, and one extra
//     all-PAD slot. Training targets are the same row shifted left by one.
//   - Weights is [batchSize, bucket.Out] float32, 1 where the shifted
//     target is a real token and 0 where it is padding. The last step's
//     weight is always 0: its target is the extra slot.
type Batch struct {
	BucketID int

	EncoderInputs *tensors.Tensor
	DecoderInputs *tensors.Tensor
	Weights       *tensors.Tensor
}

// BatchSize returns the leading dimension of the batch tensors.
func (b *Batch) BatchSize() int {
	return b.EncoderInputs.Shape().Dim(0)
}

// PackBatch packs the given pairs into a Batch for the bucket, in order.
// Every pair must fit the bucket.
func (c *Config) PackBatch(bucketID int, pairs []Pair) (*Batch, error) {
	if bucketID < 0 || bucketID >= len(c.Buckets) {
		return nil, errors.Errorf("bucket id %d out of range, model has %d buckets", bucketID, len(c.Buckets))
	}
	if len(pairs) == 0 {
		return nil, errors.New("cannot pack an empty batch")
	}
	bucket := c.Buckets[bucketID]
	batchSize := len(pairs)

	encoder := make([]int32, batchSize*bucket.In)
	decoder := make([]int32, batchSize*(bucket.Out+1))
	weights := make([]float32, batchSize*bucket.Out)
	if c.PadID != 0 {
		for i := range encoder {
			encoder[i] = c.PadID
		}
		for i := range decoder {
			decoder[i] = c.PadID
		}
	}

	for row, p := range pairs {
		if !bucket.Fits(len(p.Source), len(p.Target)) {
			return nil, errors.Errorf("pair #%d (source length %d, target length %d) does not fit bucket #%d (%d, %d)",
				row, len(p.Source), len(p.Target), bucketID, bucket.In, bucket.Out)
		}

		// Source right-padded then reversed: encoder[i] = padded[In-1-i].
		encRow := encoder[row*bucket.In : (row+1)*bucket.In]
		for i, tok := range p.Source {
			encRow[bucket.In-1-i] = tok
		}

		decRow := decoder[row*(bucket.Out+1) : (row+1)*(bucket.Out+1)]
		decRow[0] = c.GoID
		copy(decRow[1:], p.Target)

		// Weight t is 1 iff target t (= decoder input t+1) is a real token.
		wRow := weights[row*bucket.Out : (row+1)*bucket.Out]
		for t := range len(p.Target) {
			wRow[t] = 1
		}
	}

	return &Batch{
		BucketID:      bucketID,
		EncoderInputs: tensors.FromFlatDataAndDimensions(encoder, batchSize, bucket.In),
		DecoderInputs: tensors.FromFlatDataAndDimensions(decoder, batchSize, bucket.Out+1),
		Weights:       tensors.FromFlatDataAndDimensions(weights, batchSize, bucket.Out),
	}, nil
}

// GetBatch samples Config.BatchSize pairs uniformly (with replacement) from
// data[bucketID] and packs them. data is indexed by bucket, as produced by
// BucketData.
func (m *Model) GetBatch(data [][]Pair, bucketID int) (*Batch, error) {
	if bucketID < 0 || bucketID >= len(m.cfg.Buckets) {
		return nil, errors.Errorf("bucket id %d out of range, model has %d buckets", bucketID, len(m.cfg.Buckets))
	}
	if bucketID >= len(data) || len(data[bucketID]) == 0 {
		return nil, errors.Errorf("no data for bucket #%d", bucketID)
	}
	pool := data[bucketID]
	pairs := make([]Pair, m.cfg.BatchSize)
	for i := range pairs {
		pairs[i] = pool[m.rng.Intn(len(pool))]
	}
	return m.cfg.PackBatch(bucketID, pairs)
}

// BucketData splits pairs by the smallest bucket that fits each of them.
// Pairs too long for every bucket are dropped, and their count returned.
func (c *Config) BucketData(pairs []Pair) (data [][]Pair, dropped int) {
	data = make([][]Pair, len(c.Buckets))
	for _, p := range pairs {
		id, err := c.BucketFor(p)
		if err != nil {
			dropped++
			continue
		}
		data[id] = append(data[id], p)
	}
	return
}

// newRNG builds the sampling RNG from the configured seed.
func (c *Config) newRNG() *rand.Rand {
	seed := c.Seed
	if seed == 0 {
		return rand.New(rand.NewSource(rand.Int63()))
	}
	return rand.New(rand.NewSource(seed))
}
