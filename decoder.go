// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vrae

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"

	"github.com/gomlx/vrae/rnn"
)

// outputProjection holds the value of the [TargetVocabSize, Size] projection
// weights and [TargetVocabSize] biases mapping decoder states to logits.
type outputProjection struct {
	weights, biases *Node
}

func (m *Model) outputProjectionGraph(ctx *context.Context, g *Graph) outputProjection {
	scope := ctx.In("output_projection").Checked(false)
	return outputProjection{
		weights: scope.VariableWithShape("weights", shapes.Make(m.cfg.DType, m.cfg.TargetVocabSize, m.cfg.Size)).ValueGraph(g),
		biases:  scope.VariableWithShape("biases", shapes.Make(m.cfg.DType, m.cfg.TargetVocabSize)).ValueGraph(g),
	}
}

// logits projects decoder hidden states (shaped [..., Size]) to
// [..., TargetVocabSize].
func (p outputProjection) logits(hidden *Node) *Node {
	return Add(Einsum("bh,vh->bv", hidden, p.weights), ExpandLeftToRank(p.biases, 2))
}

// decoderGraph unrolls the decoder for bucket.Out steps starting from the
// state projected out of the latent vector. decoderInputs must be
// [batchSize, Out+1] int32; only the first Out columns are consumed as
// inputs, the rest of the row is the training target.
//
// With training set, word dropout replaces each input token (except the
// leading GO) by UnknownID with probability 1-WordDropoutKeepProb. With
// FeedPrevious, steps after the first consume the argmax of the previous
// step's logits instead of the ground truth.
//
// It returns the hidden states stacked as [batchSize, Out, Size].
func (m *Model) decoderGraph(ctx *context.Context, z, decoderInputs *Node, proj outputProjection, training bool) *Node {
	g := decoderInputs.Graph()
	batchSize := decoderInputs.Shape().Dim(0)
	numSteps := decoderInputs.Shape().Dim(1) - 1

	scope := ctx.In("decoder").Checked(false)
	table := m.embeddingTable(scope, g, m.cfg.TargetVocabSize)
	cell := rnn.New(scope.In("cell"), g, m.cfg.Cell, m.cfg.Size, m.cfg.Size, m.cfg.NumLayers, m.cfg.DType)
	state := m.decoderStateGraph(ctx, cell, z)

	dropout := training && m.cfg.wordDropout()
	var keepProb *Node
	if dropout {
		keepProb = Scalar(g, m.cfg.DType, m.cfg.WordDropoutKeepProb)
	}

	outputs := make([]*Node, numSteps)
	var prev *Node
	for t := range numSteps {
		tokens := Reshape(Slice(decoderInputs, AxisRange(), AxisElem(t)), batchSize)
		if t > 0 {
			if m.cfg.FeedPrevious {
				tokens = prev
			} else if dropout {
				keep := ctx.RandomBernoulli(keepProb, shapes.Make(dtypes.Bool, batchSize))
				unknown := BroadcastToDims(Scalar(g, tokens.DType(), m.cfg.UnknownID), batchSize)
				tokens = Where(keep, tokens, unknown)
			}
		}
		var top *Node
		top, state = cell.Step(embed(table, tokens), state)
		outputs[t] = top
		if m.cfg.FeedPrevious {
			prev = StopGradient(ArgMax(proj.logits(top), -1, tokens.DType()))
		}
	}
	return Stack(outputs, 1)
}
