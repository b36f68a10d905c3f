// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vrae

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// lossDType is the dtype the loss terms are computed in: at least Float32,
// whatever the model parameters use.
func (m *Model) lossDType() dtypes.DType {
	if m.cfg.DType == dtypes.Float64 {
		return dtypes.Float64
	}
	return dtypes.Float32
}

// targetsGraph extracts the training targets from the decoder inputs row:
// the same tokens shifted left by one, [batchSize, Out] int32. The last
// target is the row's extra all-PAD slot, whose weight is always 0.
func targetsGraph(decoderInputs *Node) *Node {
	numSteps := decoderInputs.Shape().Dim(1) - 1
	return Slice(decoderInputs, AxisRange(), AxisRange(1, numSteps+1))
}

// reconstructionGraph computes the per-batch reconstruction loss from the
// decoder hidden states, as the weight-masked cross-entropy between the
// projected logits and the shifted targets, averaged per example over the
// real (weight 1) steps and then over the batch. It returns a scalar.
//
// With sampled set, the cross-entropy is approximated with sampled softmax
// over NumSamples log-uniform negative candidates shared by the whole batch.
func (m *Model) reconstructionGraph(ctx *context.Context, hidden, decoderInputs, weights *Node, proj outputProjection, sampled bool) *Node {
	batchSize := hidden.Shape().Dim(0)
	numSteps := hidden.Shape().Dim(1)
	lossDType := m.lossDType()

	flatHidden := ConvertDType(Reshape(hidden, batchSize*numSteps, m.cfg.Size), lossDType)
	flatTargets := Reshape(targetsGraph(decoderInputs), batchSize*numSteps)
	projWeights := ConvertDType(proj.weights, lossDType)
	projBiases := ConvertDType(proj.biases, lossDType)

	var xent *Node // [batchSize*numSteps]
	if sampled {
		xent = m.sampledSoftmaxXent(ctx, flatHidden, flatTargets, projWeights, projBiases)
	} else {
		logits := Add(Einsum("bh,vh->bv", flatHidden, projWeights), ExpandLeftToRank(projBiases, 2))
		logProbs := LogSoftmax(logits, -1)
		picked := ReduceSum(Mul(OneHot(flatTargets, m.cfg.TargetVocabSize, lossDType), logProbs), -1)
		xent = Neg(picked)
	}

	xent = Reshape(xent, batchSize, numSteps)
	w := ConvertDType(weights, lossDType)
	perExample := Div(
		ReduceSum(Mul(w, xent), -1),
		AddScalar(ReduceSum(w, -1), 1e-12))
	return ReduceAllMean(perExample)
}

// sampledSoftmaxXent approximates the softmax cross-entropy of each target
// against NumSamples negative candidates drawn from a log-uniform (Zipfian)
// distribution over the target vocabulary. Candidates are drawn with
// replacement and shared across the batch; no correction for accidental
// hits of the true target is applied.
func (m *Model) sampledSoftmaxXent(ctx *context.Context, flatHidden, flatTargets, projWeights, projBiases *Node) *Node {
	g := flatHidden.Graph()
	lossDType := flatHidden.DType()
	numSamples := m.cfg.NumSamples

	// id = floor(exp(u*log(V+1))) - 1 samples id in [0, V) with
	// P(id) ~ log((id+2)/(id+1)), favoring frequent (low) token ids.
	u := ctx.RandomUniform(g, shapes.Make(lossDType, numSamples))
	ids := AddScalar(Floor(Exp(MulScalar(u, math.Log(float64(m.cfg.TargetVocabSize)+1)))), -1)
	candidates := ConvertDType(ids, flatTargets.DType())
	candidates = ClipScalar(candidates, 0, float64(m.cfg.TargetVocabSize-1))

	trueWeights := Gather(projWeights, ExpandAxes(flatTargets, -1))  // [b*steps, Size]
	trueBiases := Gather(projBiases, ExpandAxes(flatTargets, -1))    // [b*steps]
	candWeights := Gather(projWeights, ExpandAxes(candidates, -1))   // [numSamples, Size]
	candBiases := Gather(projBiases, ExpandAxes(candidates, -1))     // [numSamples]

	trueLogits := Add(ReduceSum(Mul(flatHidden, trueWeights), -1), trueBiases)
	candLogits := Add(Einsum("bh,sh->bs", flatHidden, candWeights), ExpandLeftToRank(candBiases, 2))

	// Class 0 of the reduced problem is the true target.
	logits := Concatenate([]*Node{ExpandAxes(trueLogits, -1), candLogits}, -1)
	logProbs := LogSoftmax(logits, -1)
	return Neg(Reshape(Slice(logProbs, AxisRange(), AxisElem(0)), flatHidden.Shape().Dim(0)))
}

// normalizeKL scales a per-example KL term by each example's real step
// count, matching the per-step normalization of the reconstruction loss,
// and averages over the batch. It returns a scalar in the loss dtype.
func (m *Model) normalizeKL(kl, weights *Node) *Node {
	kl = ConvertDType(kl, m.lossDType())
	w := ConvertDType(weights, m.lossDType())
	return ReduceAllMean(Div(kl, AddScalar(ReduceSum(w, -1), 1e-9)))
}
