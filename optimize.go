// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vrae

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// updateGraph builds the SGD update for loss: gradients of all trainable
// variables, rescaled so their global norm does not exceed MaxGradientNorm,
// are subtracted from the variables scaled by the learning rate. The global
// step is incremented. It returns the (pre-clipping) global gradient norm
// as a scalar.
func (m *Model) updateGraph(ctx *context.Context, loss *Node) (gradNorm *Node) {
	g := loss.Graph()
	normDType := m.lossDType()

	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	sumSquares := ScalarZero(g, normDType)
	for _, grad := range grads {
		sumSquares = Add(sumSquares, ReduceAllSum(Square(ConvertDType(grad, normDType))))
	}
	gradNorm = Sqrt(sumSquares)

	scale := ConvertDType(m.lrVar.ValueGraph(g), normDType)
	if m.cfg.MaxGradientNorm > 0 {
		maxNorm := Scalar(g, normDType, m.cfg.MaxGradientNorm)
		scale = Mul(scale, Div(maxNorm, Max(gradNorm, maxNorm)))
	}

	// Gradients come in the order IterVariables enumerates the trainable
	// variables in use by this graph.
	ii := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		step := Mul(grads[ii], ConvertDType(scale, grads[ii].DType()))
		v.SetValueGraph(Sub(v.ValueGraph(g), step))
		ii++
	}
	if ii != len(grads) {
		exceptions.Panicf("got gradients for %d variables but applied updates to %d -- were variables created or their Trainable flag changed mid-build?",
			len(grads), ii)
	}

	optimizers.IncrementGlobalStepGraph(ctx, g, normDType)
	return gradNorm
}
