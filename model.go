// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vrae

import (
	"math/rand"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Model is the variational recurrent autoencoder: it owns the parameter
// store (a context.Context) and one lazily compiled computation graph per
// (operation, bucket) pair.
//
// Not safe for concurrent use.
type Model struct {
	cfg     Config
	backend backends.Backend
	ctx     *context.Context
	rng     *rand.Rand

	lrVar     *context.Variable
	klRateVar *context.Variable

	trainExec, forwardExec *context.Exec
	encodeExec, decodeExec *context.Exec

	checkpoint *checkpoints.Handler
	logOnce    sync.Once
}

// New validates the configuration, fills in its defaults and builds a
// Model on the given backend. Parameters materialize on the first executed
// step (or when a checkpoint is loaded).
func New(backend backends.Backend, cfg Config) (*Model, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid model configuration")
	}
	for i, b := range cfg.Buckets {
		if b.Out == 1 {
			// The only decoder step of such a bucket targets the extra
			// all-PAD slot, so its weights are all zero and it contributes
			// no reconstruction signal.
			klog.Warningf("bucket #%d has decoder length 1; batches from it train on KL alone", i)
		}
	}

	m := &Model{
		cfg:     cfg,
		backend: backend,
		ctx:     context.New(),
		rng:     cfg.newRNG(),
	}
	if cfg.Seed != 0 {
		m.ctx.SetRNGStateFromSeed(cfg.Seed)
	}
	m.lrVar = optimizers.LearningRateVarWithValue(m.ctx, m.lossDType(), cfg.LearningRate)
	if cfg.AnnealKL {
		m.klRateVar = m.ctx.Checked(false).VariableWithValue("kl_rate", float32(0))
		m.klRateVar.SetTrainable(false)
	}

	var err error
	m.trainExec, err = context.NewExec(backend, m.ctx,
		func(ctx *context.Context, encoderInputs, decoderInputs, weights, noiseScale *Node) []*Node {
			recon, klObj, klCost, _, _ := m.forwardGraph(ctx, encoderInputs, decoderInputs, weights, noiseScale, true)
			loss := Add(recon, klObj)
			gradNorm := m.updateGraph(ctx, loss)
			return toFloat64(gradNorm, recon, klCost)
		})
	if err != nil {
		return nil, errors.WithMessage(err, "building training step")
	}
	m.forwardExec, err = context.NewExec(backend, m.ctx,
		func(ctx *context.Context, encoderInputs, decoderInputs, weights, noiseScale *Node) []*Node {
			recon, _, klCost, hidden, proj := m.forwardGraph(ctx, encoderInputs, decoderInputs, weights, noiseScale, false)
			outs := toFloat64(recon, klCost)
			return append(outs, proj.sequenceLogits(hidden))
		})
	if err != nil {
		return nil, errors.WithMessage(err, "building forward step")
	}
	m.encodeExec, err = context.NewExec(backend, m.ctx,
		func(ctx *context.Context, encoderInputs *Node) (mean, logVar *Node) {
			return m.latentGraph(ctx, m.encoderGraph(ctx, encoderInputs))
		})
	if err != nil {
		return nil, errors.WithMessage(err, "building encoder")
	}
	m.decodeExec, err = context.NewExec(backend, m.ctx,
		func(ctx *context.Context, mean, logVar, decoderInputs, weights *Node) []*Node {
			g := mean.Graph()
			z, _, _ := m.sampleGraph(ctx, mean, logVar, ScalarOne(g, mean.DType()))
			proj := m.outputProjectionGraph(ctx, g)
			hidden := m.decoderGraph(ctx, z, decoderInputs, proj, false)
			recon := m.reconstructionGraph(ctx, hidden, decoderInputs, weights, proj, false)
			return []*Node{proj.sequenceLogits(hidden), ConvertDType(recon, dtypes.Float64)}
		})
	if err != nil {
		return nil, errors.WithMessage(err, "building decoder")
	}
	return m, nil
}

// forwardGraph assembles the full encoder -> latent -> decoder pass and the
// two loss terms, all scalars except hidden ([batch, Out, Size]).
func (m *Model) forwardGraph(ctx *context.Context, encoderInputs, decoderInputs, weights, noiseScale *Node, training bool) (recon, klObj, klCost, hidden *Node, proj outputProjection) {
	g := encoderInputs.Graph()
	encoded := m.encoderGraph(ctx, encoderInputs)
	mean, logVar := m.latentGraph(ctx, encoded)
	z, klObjEx, klCostEx := m.sampleGraph(ctx, mean, logVar, noiseScale)
	proj = m.outputProjectionGraph(ctx, g)
	hidden = m.decoderGraph(ctx, z, decoderInputs, proj, training)
	recon = m.reconstructionGraph(ctx, hidden, decoderInputs, weights, proj, training && m.cfg.sampledSoftmax())
	klObj = m.normalizeKL(klObjEx, weights)
	klCost = m.normalizeKL(klCostEx, weights)
	return
}

// sequenceLogits projects a [batch, steps, Size] stack of hidden states to
// [batch, steps, TargetVocabSize].
func (p outputProjection) sequenceLogits(hidden *Node) *Node {
	return Add(Einsum("bth,vh->btv", hidden, p.weights), ExpandLeftToRank(p.biases, 3))
}

// toFloat64 converts scalar loss nodes for uniform extraction on the host.
func toFloat64(nodes ...*Node) []*Node {
	out := make([]*Node, len(nodes))
	for i, n := range nodes {
		out[i] = ConvertDType(n, dtypes.Float64)
	}
	return out
}

// StepOptions modify a single call to Step.
type StepOptions struct {
	// ForwardOnly computes the losses without updating any parameter.
	ForwardOnly bool

	// Deterministic disables the latent sampling noise, making z the
	// posterior mean.
	Deterministic bool
}

// StepResult reports one step's losses. GradientNorm is the global norm of
// the gradients before clipping; it is zero on forward-only steps. Logits
// is only set on forward-only steps, shaped
// [batch, bucket.Out, TargetVocabSize].
type StepResult struct {
	GradientNorm       float64
	ReconstructionLoss float64
	KLDivergence       float64
	Logits             *tensors.Tensor
}

// Step runs one training (or evaluation) step on the batch. On a training
// step the parameters are updated in place and the global step incremented.
func (m *Model) Step(batch *Batch, opts StepOptions) (*StepResult, error) {
	if err := m.checkBatch(batch); err != nil {
		return nil, err
	}
	noiseScale := float32(1)
	if opts.Deterministic {
		noiseScale = 0
	}
	forwardOnly := opts.ForwardOnly || m.cfg.ForwardOnly

	if forwardOnly {
		results, err := m.forwardExec.Exec(batch.EncoderInputs, batch.DecoderInputs, batch.Weights, noiseScale)
		if err != nil {
			return nil, errors.WithMessagef(err, "forward step on bucket #%d", batch.BucketID)
		}
		m.logParams()
		return &StepResult{
			ReconstructionLoss: tensors.ToScalar[float64](results[0]),
			KLDivergence:       tensors.ToScalar[float64](results[1]),
			Logits:             results[2],
		}, nil
	}

	results, err := m.trainExec.Exec(batch.EncoderInputs, batch.DecoderInputs, batch.Weights, noiseScale)
	if err != nil {
		return nil, errors.WithMessagef(err, "training step on bucket #%d", batch.BucketID)
	}
	m.logParams()
	return &StepResult{
		GradientNorm:       tensors.ToScalar[float64](results[0]),
		ReconstructionLoss: tensors.ToScalar[float64](results[1]),
		KLDivergence:       tensors.ToScalar[float64](results[2]),
	}, nil
}

// checkBatch validates the batch tensors against the bucket's lengths.
func (m *Model) checkBatch(batch *Batch) error {
	if batch == nil {
		return errors.New("nil batch")
	}
	if batch.BucketID < 0 || batch.BucketID >= len(m.cfg.Buckets) {
		return errors.Errorf("bucket id %d out of range, model has %d buckets", batch.BucketID, len(m.cfg.Buckets))
	}
	bucket := m.cfg.Buckets[batch.BucketID]
	for name, t := range map[string]*tensors.Tensor{
		"encoder inputs": batch.EncoderInputs, "decoder inputs": batch.DecoderInputs, "weights": batch.Weights,
	} {
		if t == nil {
			return errors.Errorf("batch %s tensor is nil", name)
		}
		if t.Shape().Rank() != 2 {
			return errors.Errorf("batch %s must be rank 2 ([batch, steps]), got shape %s", name, t.Shape())
		}
	}
	if got := batch.EncoderInputs.Shape().Dim(1); got != bucket.In {
		return errors.Errorf("encoder length must be equal to the one in bucket, %d != %d", got, bucket.In)
	}
	if got := batch.DecoderInputs.Shape().Dim(1); got != bucket.Out+1 {
		return errors.Errorf("decoder length must be equal to the one in bucket plus one, %d != %d", got, bucket.Out+1)
	}
	if got := batch.Weights.Shape().Dim(1); got != bucket.Out {
		return errors.Errorf("weights length must be equal to the one in bucket, %d != %d", got, bucket.Out)
	}
	batchSize := batch.EncoderInputs.Shape().Dim(0)
	if batch.DecoderInputs.Shape().Dim(0) != batchSize || batch.Weights.Shape().Dim(0) != batchSize {
		return errors.Errorf("batch tensors disagree on the batch size: %d, %d and %d",
			batchSize, batch.DecoderInputs.Shape().Dim(0), batch.Weights.Shape().Dim(0))
	}
	return nil
}

// EncodeToLatent encodes a [batch, bucket.In] int32 tensor of reversed,
// padded source sequences to the posterior mean and log-variance, both
// [batch, LatentDim].
func (m *Model) EncodeToLatent(encoderInputs *tensors.Tensor, bucketID int) (mean, logVar *tensors.Tensor, err error) {
	if bucketID < 0 || bucketID >= len(m.cfg.Buckets) {
		return nil, nil, errors.Errorf("bucket id %d out of range, model has %d buckets", bucketID, len(m.cfg.Buckets))
	}
	if encoderInputs == nil || encoderInputs.Shape().Rank() != 2 {
		return nil, nil, errors.New("encoder inputs must be a rank 2 ([batch, steps]) tensor")
	}
	if got := encoderInputs.Shape().Dim(1); got != m.cfg.Buckets[bucketID].In {
		return nil, nil, errors.Errorf("encoder length must be equal to the one in bucket, %d != %d", got, m.cfg.Buckets[bucketID].In)
	}
	mean, logVar, err = m.encodeExec.Exec2(encoderInputs)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "encoding on bucket #%d", bucketID)
	}
	m.logParams()
	return
}

// DecodeResult is the outcome of DecodeFromLatent.
type DecodeResult struct {
	// Logits over the target vocabulary, [batch, bucket.Out, TargetVocabSize].
	Logits *tensors.Tensor

	// ReconstructionLoss of the decoded sequences against the batch's
	// targets, masked by its weights.
	ReconstructionLoss float64
}

// DecodeFromLatent samples z from the given posterior parameters (both
// [batch, LatentDim]) and decodes it against the batch's decoder inputs.
// A very negative logVar (e.g. -800) makes the sample deterministic.
// The batch's encoder inputs are not used.
func (m *Model) DecodeFromLatent(mean, logVar *tensors.Tensor, batch *Batch) (*DecodeResult, error) {
	if err := m.checkBatch(batch); err != nil {
		return nil, err
	}
	batchSize := batch.DecoderInputs.Shape().Dim(0)
	for name, t := range map[string]*tensors.Tensor{"mean": mean, "log-variance": logVar} {
		if t == nil {
			return nil, errors.Errorf("latent %s tensor is nil", name)
		}
		if t.Shape().Rank() != 2 || t.Shape().Dim(0) != batchSize || t.Shape().Dim(1) != m.cfg.LatentDim {
			return nil, errors.Errorf("latent %s must be shaped [%d, %d], got %s", name, batchSize, m.cfg.LatentDim, t.Shape())
		}
		if t.DType() != m.cfg.DType {
			return nil, errors.Errorf("latent %s must have dtype %s, got %s", name, m.cfg.DType, t.DType())
		}
	}
	logits, recon, err := m.decodeExec.Exec2(mean, logVar, batch.DecoderInputs, batch.Weights)
	if err != nil {
		return nil, errors.WithMessagef(err, "decoding on bucket #%d", batch.BucketID)
	}
	m.logParams()
	return &DecodeResult{
		Logits:             logits,
		ReconstructionLoss: tensors.ToScalar[float64](recon),
	}, nil
}

// GlobalStep returns the number of parameter updates applied so far.
func (m *Model) GlobalStep() int64 {
	return optimizers.GetGlobalStep(m.ctx)
}

// LearningRate returns the current learning rate.
func (m *Model) LearningRate() float64 {
	return scalarToFloat64(m.lrVar.MustValue())
}

// SetLearningRate overrides the learning rate.
func (m *Model) SetLearningRate(value float64) error {
	if value < 0 {
		return errors.Errorf("learning rate must be non-negative, got %g", value)
	}
	m.lrVar.MustSetValue(tensors.FromAnyValue(shapes.CastAsDType(value, m.lossDType())))
	return nil
}

// DecayLearningRate multiplies the learning rate by
// LearningRateDecayFactor and returns the new value.
func (m *Model) DecayLearningRate() float64 {
	value := m.LearningRate() * m.cfg.LearningRateDecayFactor
	m.lrVar.MustSetValue(tensors.FromAnyValue(shapes.CastAsDType(value, m.lossDType())))
	return value
}

// KLRate returns the current KL annealing rate, 0 when annealing is
// disabled.
func (m *Model) KLRate() float64 {
	if m.klRateVar == nil {
		return 0
	}
	return scalarToFloat64(m.klRateVar.MustValue())
}

// SetKLRate sets the KL annealing rate in [0, 1]. The caller drives the
// schedule, typically ramping the rate up over the first training steps.
func (m *Model) SetKLRate(rate float64) error {
	if !m.cfg.AnnealKL {
		return errors.New("KL annealing is disabled in the model configuration")
	}
	if rate < 0 || rate > 1 {
		return errors.Errorf("KL annealing rate must be in [0, 1], got %g", rate)
	}
	m.klRateVar.MustSetValue(tensors.FromScalar(float32(rate)))
	return nil
}

// AttachCheckpoint directs the model to save to (and immediately load any
// existing checkpoint from) dir, keeping the last keep checkpoints.
func (m *Model) AttachCheckpoint(dir string, keep int) error {
	if m.checkpoint != nil {
		return errors.New("a checkpoint is already attached")
	}
	handler, err := checkpoints.Build(m.ctx).Dir(dir).Keep(keep).Done()
	if err != nil {
		return errors.WithMessagef(err, "attaching checkpoint directory %q", dir)
	}
	m.checkpoint = handler
	return nil
}

// Save writes a checkpoint. AttachCheckpoint must have been called.
func (m *Model) Save() error {
	if m.checkpoint == nil {
		return errors.New("no checkpoint attached, call AttachCheckpoint first")
	}
	return m.checkpoint.Save()
}

// Config returns a copy of the model's (defaulted) configuration.
func (m *Model) Config() Config { return m.cfg }

// Context exposes the underlying parameter store.
func (m *Model) Context() *context.Context { return m.ctx }

// logParams logs the parameter count once, after the first executed graph
// has materialized the variables.
func (m *Model) logParams() {
	m.logOnce.Do(func() {
		klog.V(1).Infof("model has %s parameters in %d variables",
			humanize.Comma(int64(m.ctx.NumParameters())), m.ctx.NumVariables())
	})
}

func scalarToFloat64(t *tensors.Tensor) float64 {
	if t.DType() == dtypes.Float64 {
		return tensors.ToScalar[float64](t)
	}
	return float64(tensors.ToScalar[float32](t))
}
