// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vrae

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"

	"github.com/gomlx/vrae/rnn"
)

// latentGraph projects the flattened encoder state to the posterior
// parameters, each shaped [batchSize, LatentDim].
func (m *Model) latentGraph(ctx *context.Context, encoded *Node) (mean, logVar *Node) {
	scope := ctx.In("latent").Checked(false)
	hidden := m.denseLayer(scope.In("hidden"), encoded, m.cfg.LatentDim, m.cfg.Activation)
	mean = m.denseLayer(scope.In("mean"), hidden, m.cfg.LatentDim, activations.TypeNone)
	logVar = m.denseLayer(scope.In("logvar"), hidden, m.cfg.LatentDim, activations.TypeNone)
	return
}

// sampleGraph draws z ~ N(mean, diag(exp(logVar))) with the
// reparameterization trick and returns it together with the two KL terms,
// both shaped [batchSize]:
//
//   - klCost is the true KL divergence from the N(0, I) prior, for
//     reporting.
//   - klObj is the value added to the training loss: each latent
//     dimension's KL floored at KLMin/LatentDim (free bits), minus the
//     flow's log-determinant, scaled by the annealing rate when enabled.
//
// noiseScale is a scalar multiplier on the Gaussian noise: 1 for sampling,
// 0 to make z deterministic (z = mean after the flow).
func (m *Model) sampleGraph(ctx *context.Context, mean, logVar, noiseScale *Node) (z, klObj, klCost *Node) {
	g := mean.Graph()
	batchSize := mean.Shape().Dim(0)

	noise := ctx.RandomNormal(g, shapes.Make(mean.DType(), batchSize, m.cfg.LatentDim))
	noise = Mul(noise, ConvertDType(noiseScale, mean.DType()))
	z = Add(mean, Mul(Exp(MulScalar(logVar, 0.5)), noise))

	// KL(N(mean, exp(logVar)) || N(0, I)) per dimension.
	klPerDim := MulScalar(Sub(Sub(OnePlus(logVar), Square(mean)), Exp(logVar)), -0.5)
	klCost = ReduceSum(klPerDim, -1)

	objPerDim := klPerDim
	if m.cfg.KLMin > 0 {
		objPerDim = MaxScalar(objPerDim, m.cfg.KLMin/float64(m.cfg.LatentDim))
	}
	klObj = ReduceSum(objPerDim, -1)

	if m.cfg.Flow == FlowIAF {
		var logDet *Node
		z, logDet = m.iafGraph(ctx, z)
		klObj = Sub(klObj, logDet)
	}

	if m.cfg.AnnealKL {
		rate := m.klRateVar.ValueGraph(g)
		klObj = Mul(klObj, ConvertDType(rate, klObj.DType()))
	}
	return
}

// iafGraph applies one inverse autoregressive flow step to z:
//
//	z' = sigmoid(s)*z + (1-sigmoid(s))*h
//
// where h and s are autoregressive in z (dimension d only sees dimensions
// < d, through a strictly lower-triangular weights mask). It returns the
// transformed z and the log-determinant of the transformation, shaped
// [batchSize], which is credited against the KL objective.
func (m *Model) iafGraph(ctx *context.Context, z *Node) (flowed, logDet *Node) {
	g := z.Graph()
	scope := ctx.In("latent").In("iaf").Checked(false)

	h := m.maskedDense(scope.In("h"), g, z)
	s := m.maskedDense(scope.In("s"), g, z)
	// Bias the gate towards keeping z, so the flow starts near the identity.
	s = AddScalar(s, 1.0)

	gate := Sigmoid(s)
	flowed = Add(Mul(gate, z), Mul(OneMinus(gate), h))
	logDet = ReduceSum(Log(gate), -1)
	return
}

// maskedDense is a dense layer over the latent dimensions whose weights are
// masked strictly lower-triangular, making output d a function of inputs
// < d only.
func (m *Model) maskedDense(ctx *context.Context, g *Graph, z *Node) *Node {
	dim := m.cfg.LatentDim
	dtype := z.DType()
	weights := ctx.VariableWithShape("weights", shapes.Make(dtype, dim, dim)).ValueGraph(g)
	biases := ctx.VariableWithShape("biases", shapes.Make(dtype, dim)).ValueGraph(g)

	// mask[i,j] = 1 iff i < j: input i feeds output j only for earlier inputs.
	rows := Iota(g, shapes.Make(dtype, dim, dim), 0)
	cols := Iota(g, shapes.Make(dtype, dim, dim), 1)
	masked := Where(LessThan(rows, cols), weights, ZerosLike(weights))
	return Add(Einsum("bi,ij->bj", z, masked), ExpandLeftToRank(biases, 2))
}

// decoderStateGraph projects the latent vector into the decoder's initial
// recurrent state.
func (m *Model) decoderStateGraph(ctx *context.Context, cell *rnn.Cell, z *Node) rnn.State {
	scope := ctx.In("decoder").In("state").Checked(false)
	flat := m.denseLayer(scope, z, cell.FlatStateSize(), m.cfg.Activation)
	return cell.UnflattenState(flat)
}
