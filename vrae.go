// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vrae implements a variational recurrent autoencoder for token
// sequences, organized around length buckets.
//
// A recurrent encoder reads a (reversed, padded) source sequence and its final
// state is projected to the mean and log-variance of a diagonal Gaussian
// posterior. A latent vector sampled with the reparameterization trick is
// projected back into the initial state of a recurrent decoder, which
// reconstructs the target sequence. The training objective is the
// reconstruction cross-entropy plus the KL divergence from the prior, with
// optional free-bits flooring, KL annealing and an inverse autoregressive
// flow on the posterior sample.
//
// Sequences are grouped in length buckets: each bucket fixes the padded
// encoder and decoder lengths, so each (operation, bucket) pair compiles to
// its own computation graph. Graphs are built lazily, on the first batch seen
// for a bucket.
//
// A Model is not safe for concurrent use; the caller serializes access.
package vrae

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"

	"github.com/gomlx/vrae/rnn"
)

// Default ids of the special symbols in both vocabularies.
const (
	DefaultPadID     = 0
	DefaultGoID      = 1
	DefaultEOSID     = 2
	DefaultUnknownID = 3
)

// LatentFlow selects a posterior transformation applied to the sampled
// latent vector.
type LatentFlow int

const (
	// FlowNone uses the reparameterized Gaussian sample directly.
	FlowNone LatentFlow = iota

	// FlowIAF applies one inverse autoregressive flow step to the sample,
	// tightening the posterior; the log-determinant is credited against the
	// KL objective.
	FlowIAF
)

// String implements fmt.Stringer.
func (f LatentFlow) String() string {
	switch f {
	case FlowNone:
		return "none"
	case FlowIAF:
		return "iaf"
	}
	return "invalid"
}

// Config holds the model hyperparameters. The zero value is not usable;
// fill in at least the vocabulary sizes, Buckets, Size, NumLayers, LatentDim
// and BatchSize. New validates it and fills in defaults.
type Config struct {
	// SourceVocabSize and TargetVocabSize are the number of tokens in the
	// encoder and decoder vocabularies, special symbols included.
	SourceVocabSize, TargetVocabSize int

	// Buckets lists the padded (encoder, decoder) lengths, one computation
	// graph per bucket. It must be sorted by increasing size.
	Buckets []Bucket

	// Size is the number of units per recurrent layer, and the embedding
	// dimension.
	Size int

	// NumLayers is the number of stacked recurrent layers in the encoder
	// and in the decoder.
	NumLayers int

	// LatentDim is the dimension of the latent Gaussian.
	LatentDim int

	// BatchSize used by GetBatch. Step and friends accept any leading batch
	// dimension.
	BatchSize int

	// Cell selects the recurrent cell. Defaults to rnn.GRU.
	Cell rnn.Type

	// Bidirectional adds a backward encoder pass whose final state is
	// concatenated with the forward one.
	Bidirectional bool

	// Activation used by the latent projection layers and the
	// latent-to-decoder-state projection. Defaults to ReLU.
	Activation activations.Type

	// Flow selects the posterior flow, FlowNone by default.
	Flow LatentFlow

	// KLMin is the free-bits floor: the total KL objective is kept at or
	// above this value, distributed uniformly over the latent dimensions.
	// Zero disables the floor.
	KLMin float64

	// AnnealKL multiplies the KL objective by a rate in [0, 1] that the
	// caller drives through Model.SetKLRate. The rate starts at 0.
	AnnealKL bool

	// WordDropoutKeepProb is the probability of keeping a decoder input
	// token during training; dropped tokens are replaced by UnknownID.
	// Values <= 0 or >= 1 disable word dropout.
	WordDropoutKeepProb float64

	// FeedPrevious feeds the decoder's own previous prediction instead of
	// the ground-truth token, after the first step. Implied by ForwardOnly.
	FeedPrevious bool

	// NumSamples enables sampled softmax with this many negative candidates
	// when 0 < NumSamples < TargetVocabSize. Otherwise the full softmax
	// is used.
	NumSamples int

	// MaxGradientNorm clips gradients by their global norm before applying
	// them. Values <= 0 disable clipping.
	MaxGradientNorm float64

	// LearningRate is the initial SGD learning rate.
	LearningRate float64

	// LearningRateDecayFactor is applied by Model.DecayLearningRate.
	LearningRateDecayFactor float64

	// ForwardOnly builds a model that never updates parameters: Step
	// behaves as if StepOptions.ForwardOnly was always set.
	ForwardOnly bool

	// DType of the model parameters and activations. Defaults to Float32.
	// Loss and gradient-norm arithmetic always runs in at least Float32.
	DType dtypes.DType

	// Special symbol ids. If GoID, EOSID and UnknownID are all zero the
	// default layout (0=PAD, 1=GO, 2=EOS, 3=UNK) is used.
	PadID, GoID, EOSID, UnknownID int32

	// Seed for batch sampling and parameter initialization. Zero picks a
	// time-based seed.
	Seed int64
}

// setDefaults fills in the defaulted fields, in place.
func (c *Config) setDefaults() {
	if c.DType == dtypes.InvalidDType {
		c.DType = dtypes.Float32
	}
	if c.Activation == activations.TypeNone {
		c.Activation = activations.TypeRelu
	}
	if c.LearningRate == 0 {
		c.LearningRate = 0.5
	}
	if c.LearningRateDecayFactor == 0 {
		c.LearningRateDecayFactor = 0.99
	}
	if c.ForwardOnly {
		// A model that never trains decodes autoregressively.
		c.FeedPrevious = true
	}
	if c.GoID == 0 && c.EOSID == 0 && c.UnknownID == 0 {
		c.PadID = DefaultPadID
		c.GoID = DefaultGoID
		c.EOSID = DefaultEOSID
		c.UnknownID = DefaultUnknownID
	}
}

// Validate returns an error describing the first invalid field, if any.
// It does not modify the config.
func (c *Config) Validate() error {
	if c.SourceVocabSize <= 0 || c.TargetVocabSize <= 0 {
		return errors.Errorf("vocabulary sizes must be positive, got source=%d, target=%d",
			c.SourceVocabSize, c.TargetVocabSize)
	}
	if len(c.Buckets) == 0 {
		return errors.New("at least one bucket is required")
	}
	for i, b := range c.Buckets {
		if b.In <= 0 || b.Out <= 0 {
			return errors.Errorf("bucket #%d has non-positive lengths (%d, %d)", i, b.In, b.Out)
		}
		if i > 0 {
			prev := c.Buckets[i-1]
			if b.In < prev.In || b.Out < prev.Out {
				return errors.Errorf("buckets must be sorted by increasing size, bucket #%d (%d, %d) after (%d, %d)",
					i, b.In, b.Out, prev.In, prev.Out)
			}
		}
	}
	if c.Size <= 0 {
		return errors.Errorf("size (units per layer) must be positive, got %d", c.Size)
	}
	if c.NumLayers <= 0 {
		return errors.Errorf("number of layers must be positive, got %d", c.NumLayers)
	}
	if c.LatentDim <= 0 {
		return errors.Errorf("latent dimension must be positive, got %d", c.LatentDim)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.KLMin < 0 {
		return errors.Errorf("kl floor must be non-negative, got %g", c.KLMin)
	}
	if c.NumSamples < 0 {
		return errors.Errorf("number of softmax samples must be non-negative, got %d", c.NumSamples)
	}
	if c.LearningRate < 0 {
		return errors.Errorf("learning rate must be non-negative, got %g", c.LearningRate)
	}
	if !c.DType.IsFloat() && c.DType != dtypes.InvalidDType {
		return errors.Errorf("dtype must be a float type, got %s", c.DType)
	}
	switch c.Flow {
	case FlowNone, FlowIAF:
	default:
		return errors.Errorf("unknown latent flow %d", int(c.Flow))
	}
	switch c.Cell {
	case rnn.GRU, rnn.LSTM:
	default:
		return errors.Errorf("unknown cell type %d", int(c.Cell))
	}
	return nil
}

// sampledSoftmax reports whether training uses sampled softmax.
func (c *Config) sampledSoftmax() bool {
	return c.NumSamples > 0 && c.NumSamples < c.TargetVocabSize
}

// wordDropout reports whether decoder inputs are dropped during training.
func (c *Config) wordDropout() bool {
	return c.WordDropoutKeepProb > 0 && c.WordDropoutKeepProb < 1
}
