// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vrae

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/vrae/rnn"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

func testBackend(t *testing.T) backends.Backend {
	backend, err := backends.NewWithConfig("go")
	require.NoError(t, err)
	return backend
}

func newTestModel(t *testing.T, cfg Config) *Model {
	m, err := New(testBackend(t), cfg)
	require.NoError(t, err)
	return m
}

func testBatch(t *testing.T, m *Model) *Batch {
	cfg := m.Config()
	batch, err := cfg.PackBatch(0, []Pair{
		{Source: []int32{7}, Target: []int32{5, DefaultEOSID}},
		{Source: []int32{8, 9}, Target: []int32{10, 11, DefaultEOSID}},
	})
	require.NoError(t, err)
	return batch
}

func requireFinite(t *testing.T, name string, value float64) {
	require.False(t, math.IsNaN(value) || math.IsInf(value, 0), "%s is not finite: %v", name, value)
}

func TestNewConfigErrors(t *testing.T) {
	backend := testBackend(t)

	cfg := testConfig()
	cfg.BatchSize = 0
	_, err := New(backend, cfg)
	assert.ErrorContains(t, err, "batch size")

	cfg = testConfig()
	cfg.Buckets = nil
	_, err = New(backend, cfg)
	assert.ErrorContains(t, err, "bucket")

	cfg = testConfig()
	cfg.Buckets = []Bucket{{In: 5, Out: 8}, {In: 2, Out: 4}}
	_, err = New(backend, cfg)
	assert.ErrorContains(t, err, "sorted")

	cfg = testConfig()
	cfg.LatentDim = -1
	_, err = New(backend, cfg)
	assert.ErrorContains(t, err, "latent dimension")
}

func TestConfigDefaults(t *testing.T) {
	m := newTestModel(t, testConfig())
	cfg := m.Config()
	assert.Equal(t, activations.TypeRelu, cfg.Activation)
	assert.EqualValues(t, DefaultPadID, cfg.PadID)
	assert.EqualValues(t, DefaultGoID, cfg.GoID)
	assert.EqualValues(t, DefaultEOSID, cfg.EOSID)
	assert.EqualValues(t, DefaultUnknownID, cfg.UnknownID)

	fwd := testConfig()
	fwd.ForwardOnly = true
	assert.True(t, newTestModel(t, fwd).Config().FeedPrevious)
}

// A bucket with decoder length 1 only fits empty targets: its single decoder
// step targets the trailing all-PAD slot, so every weight is zero and
// batches from it train on the KL term alone.
func TestDegenerateOutputBucket(t *testing.T) {
	cfg := testConfig()
	cfg.Buckets = []Bucket{{In: 2, Out: 1}}
	m := newTestModel(t, cfg)
	cfg = m.Config()

	_, err := cfg.PackBatch(0, []Pair{{Source: []int32{4}, Target: []int32{5}}})
	assert.ErrorContains(t, err, "does not fit")

	batch, err := cfg.PackBatch(0, []Pair{
		{Source: []int32{7}},
		{Source: []int32{8, 9}},
	})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, tensors.MustCopyFlatData[float32](batch.Weights))

	res, err := m.Step(batch, StepOptions{})
	require.NoError(t, err)
	requireFinite(t, "gradient norm", res.GradientNorm)
	requireFinite(t, "kl divergence", res.KLDivergence)
	assert.Zero(t, res.ReconstructionLoss)
	assert.EqualValues(t, 1, m.GlobalStep())
}

func TestStepTrains(t *testing.T) {
	m := newTestModel(t, testConfig())
	batch := testBatch(t, m)

	require.EqualValues(t, 0, m.GlobalStep())
	res, err := m.Step(batch, StepOptions{})
	require.NoError(t, err)
	requireFinite(t, "gradient norm", res.GradientNorm)
	requireFinite(t, "reconstruction loss", res.ReconstructionLoss)
	requireFinite(t, "kl divergence", res.KLDivergence)
	assert.Greater(t, res.GradientNorm, 0.0)
	assert.Greater(t, res.ReconstructionLoss, 0.0)
	assert.Nil(t, res.Logits)
	assert.EqualValues(t, 1, m.GlobalStep())

	_, err = m.Step(batch, StepOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, m.GlobalStep())
}

func TestStepForwardOnly(t *testing.T) {
	m := newTestModel(t, testConfig())
	batch := testBatch(t, m)

	res, err := m.Step(batch, StepOptions{ForwardOnly: true})
	require.NoError(t, err)
	requireFinite(t, "reconstruction loss", res.ReconstructionLoss)
	assert.Zero(t, res.GradientNorm)
	require.NotNil(t, res.Logits)
	cfg := m.Config()
	assert.Equal(t, []int{2, cfg.Buckets[0].Out, cfg.TargetVocabSize}, res.Logits.Shape().Dimensions)
	assert.EqualValues(t, 0, m.GlobalStep(), "forward-only step must not update parameters")
}

func TestStepShapeMismatch(t *testing.T) {
	m := newTestModel(t, testConfig())
	good := testBatch(t, m)

	bad := &Batch{
		BucketID:      0,
		EncoderInputs: tensors.FromFlatDataAndDimensions(make([]int32, 2*3), 2, 3),
		DecoderInputs: good.DecoderInputs,
		Weights:       good.Weights,
	}
	_, err := m.Step(bad, StepOptions{})
	assert.ErrorContains(t, err, "encoder length must be equal to the one in bucket")

	bad = &Batch{
		BucketID:      0,
		EncoderInputs: good.EncoderInputs,
		DecoderInputs: tensors.FromFlatDataAndDimensions(make([]int32, 2*4), 2, 4),
		Weights:       good.Weights,
	}
	_, err = m.Step(bad, StepOptions{})
	assert.ErrorContains(t, err, "decoder length must be equal to the one in bucket")

	bad = &Batch{BucketID: 7, EncoderInputs: good.EncoderInputs, DecoderInputs: good.DecoderInputs, Weights: good.Weights}
	_, err = m.Step(bad, StepOptions{})
	assert.ErrorContains(t, err, "out of range")

	// Wrong-rank tensors report an error instead of panicking on a missing
	// dimension.
	bad = &Batch{
		BucketID:      0,
		EncoderInputs: tensors.FromFlatDataAndDimensions(make([]int32, 2), 2),
		DecoderInputs: good.DecoderInputs,
		Weights:       good.Weights,
	}
	_, err = m.Step(bad, StepOptions{})
	assert.ErrorContains(t, err, "rank 2")

	bad = &Batch{BucketID: 0, EncoderInputs: good.EncoderInputs, DecoderInputs: good.DecoderInputs}
	_, err = m.Step(bad, StepOptions{})
	assert.ErrorContains(t, err, "nil")

	_, _, err = m.EncodeToLatent(tensors.FromFlatDataAndDimensions(make([]int32, 2), 2), 0)
	assert.ErrorContains(t, err, "rank 2")
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := newTestModel(t, testConfig())
	batch := testBatch(t, m)
	cfg := m.Config()

	mean, logVar, err := m.EncodeToLatent(batch.EncoderInputs, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{2, cfg.LatentDim}, mean.Shape().Dimensions)
	assert.Equal(t, []int{2, cfg.LatentDim}, logVar.Shape().Dimensions)

	// A deterministic forward step decodes from z = mean; decoding from the
	// same mean with a hugely negative log-variance reproduces its logits.
	forward, err := m.Step(batch, StepOptions{ForwardOnly: true, Deterministic: true})
	require.NoError(t, err)

	frozen := make([]float32, 2*cfg.LatentDim)
	for i := range frozen {
		frozen[i] = -800
	}
	decoded, err := m.DecodeFromLatent(mean, tensors.FromFlatDataAndDimensions(frozen, 2, cfg.LatentDim), batch)
	require.NoError(t, err)
	requireFinite(t, "reconstruction loss", decoded.ReconstructionLoss)

	want := tensors.MustCopyFlatData[float32](forward.Logits)
	got := tensors.MustCopyFlatData[float32](decoded.Logits)
	require.Equal(t, len(want), len(got))
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-4)
	}
	assert.InDelta(t, forward.ReconstructionLoss, decoded.ReconstructionLoss, 1e-5)
}

func TestDecodeFromLatentValidation(t *testing.T) {
	m := newTestModel(t, testConfig())
	batch := testBatch(t, m)
	cfg := m.Config()

	bad := tensors.FromFlatDataAndDimensions(make([]float32, 2*(cfg.LatentDim+1)), 2, cfg.LatentDim+1)
	good := tensors.FromFlatDataAndDimensions(make([]float32, 2*cfg.LatentDim), 2, cfg.LatentDim)
	_, err := m.DecodeFromLatent(bad, good, batch)
	assert.ErrorContains(t, err, "must be shaped")
	_, err = m.DecodeFromLatent(good, bad, batch)
	assert.ErrorContains(t, err, "must be shaped")

	flat := tensors.FromFlatDataAndDimensions(make([]float32, 2*cfg.LatentDim), 2*cfg.LatentDim)
	_, err = m.DecodeFromLatent(flat, good, batch)
	assert.ErrorContains(t, err, "must be shaped")
	_, err = m.DecodeFromLatent(nil, good, batch)
	assert.ErrorContains(t, err, "nil")
}

// Every supported variant must train and evaluate to finite losses.
func TestModelVariants(t *testing.T) {
	variants := map[string]func(cfg *Config){
		"lstm_bidirectional": func(cfg *Config) {
			cfg.Cell = rnn.LSTM
			cfg.Bidirectional = true
		},
		"iaf": func(cfg *Config) {
			cfg.Flow = FlowIAF
		},
		"sampled_softmax": func(cfg *Config) {
			cfg.NumSamples = 5
		},
		"annealed_free_bits": func(cfg *Config) {
			cfg.AnnealKL = true
			cfg.KLMin = 1
		},
		"word_dropout_feed_previous": func(cfg *Config) {
			cfg.WordDropoutKeepProb = 0.75
			cfg.FeedPrevious = true
		},
		"two_layers": func(cfg *Config) {
			cfg.NumLayers = 2
		},
	}
	for name, modify := range variants {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			modify(&cfg)
			m := newTestModel(t, cfg)
			if cfg.AnnealKL {
				require.NoError(t, m.SetKLRate(0.5))
			}
			batch := testBatch(t, m)

			res, err := m.Step(batch, StepOptions{})
			require.NoError(t, err)
			requireFinite(t, "gradient norm", res.GradientNorm)
			requireFinite(t, "reconstruction loss", res.ReconstructionLoss)
			requireFinite(t, "kl divergence", res.KLDivergence)

			res, err = m.Step(batch, StepOptions{ForwardOnly: true})
			require.NoError(t, err)
			requireFinite(t, "reconstruction loss", res.ReconstructionLoss)
		})
	}
}

func TestLearningRateControls(t *testing.T) {
	cfg := testConfig()
	cfg.LearningRate = 0.5
	cfg.LearningRateDecayFactor = 0.5
	m := newTestModel(t, cfg)

	assert.InDelta(t, 0.5, m.LearningRate(), 1e-6)
	assert.InDelta(t, 0.25, m.DecayLearningRate(), 1e-6)
	assert.InDelta(t, 0.25, m.LearningRate(), 1e-6)

	require.NoError(t, m.SetLearningRate(0.1))
	assert.InDelta(t, 0.1, m.LearningRate(), 1e-6)
	assert.Error(t, m.SetLearningRate(-1))
}

func TestKLRateControls(t *testing.T) {
	m := newTestModel(t, testConfig())
	assert.Error(t, m.SetKLRate(0.5), "annealing disabled")

	cfg := testConfig()
	cfg.AnnealKL = true
	m = newTestModel(t, cfg)
	assert.Zero(t, m.KLRate())
	require.NoError(t, m.SetKLRate(0.5))
	assert.InDelta(t, 0.5, m.KLRate(), 1e-6)
	assert.Error(t, m.SetKLRate(1.5))
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	m := newTestModel(t, cfg)
	require.NoError(t, m.AttachCheckpoint(dir, 2))
	batch := testBatch(t, m)
	_, err := m.Step(batch, StepOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Save())

	restored := newTestModel(t, cfg)
	require.NoError(t, restored.AttachCheckpoint(dir, 2))
	assert.EqualValues(t, 1, restored.GlobalStep())

	// The restored parameters continue training where the original stopped.
	_, err = restored.Step(batch, StepOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, restored.GlobalStep())
}

func TestGetBatch(t *testing.T) {
	m := newTestModel(t, testConfig())
	cfg := m.Config()
	data, dropped := cfg.BucketData([]Pair{
		{Source: []int32{7}, Target: []int32{5, DefaultEOSID}},
		{Source: []int32{8, 9}, Target: []int32{10, DefaultEOSID}},
	})
	require.Zero(t, dropped)

	batch, err := m.GetBatch(data, 0)
	require.NoError(t, err)
	assert.Equal(t, cfg.BatchSize, batch.BatchSize())
	assert.Equal(t, []int{cfg.BatchSize, cfg.Buckets[0].In}, batch.EncoderInputs.Shape().Dimensions)

	_, err = m.GetBatch(make([][]Pair, 1), 0)
	assert.ErrorContains(t, err, "no data for bucket")
}
