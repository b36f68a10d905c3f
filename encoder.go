// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vrae

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/nn"

	"github.com/gomlx/vrae/rnn"
)

// denseLayer applies y = activation(x @ weights + biases), creating (or
// reusing) the weights in the given scope.
func (m *Model) denseLayer(ctx *context.Context, x *Node, outputDim int, activation activations.Type) *Node {
	g := x.Graph()
	inDim := x.Shape().Dim(-1)
	weights := ctx.VariableWithShape("weights", shapes.Make(m.cfg.DType, inDim, outputDim)).ValueGraph(g)
	biases := ctx.VariableWithShape("biases", shapes.Make(m.cfg.DType, outputDim)).ValueGraph(g)
	return nn.Dense(x, weights, biases, activation)
}

// embeddingTable returns the value of a frozen [vocabSize, Size] embedding
// table. The tables keep their random initialization: only the recurrent
// and projection weights are trained.
func (m *Model) embeddingTable(ctx *context.Context, g *Graph, vocabSize int) *Node {
	v := ctx.VariableWithShape("embedding", shapes.Make(m.cfg.DType, vocabSize, m.cfg.Size))
	v.SetTrainable(false)
	return v.ValueGraph(g)
}

// embed looks tokens (an int32 tensor) up in table, appending the embedding
// dimension to the tokens' shape.
func embed(table, tokens *Node) *Node {
	return Gather(table, ExpandAxes(tokens, -1))
}

// encoderCells builds the encoder cell(s) in their scopes. The backward
// cell is nil unless the encoder is bidirectional.
func (m *Model) encoderCells(ctx *context.Context, g *Graph) (fwd, bwd *rnn.Cell) {
	scope := ctx.In("encoder").Checked(false)
	fwd = rnn.New(scope.In("fwd"), g, m.cfg.Cell, m.cfg.Size, m.cfg.Size, m.cfg.NumLayers, m.cfg.DType)
	if m.cfg.Bidirectional {
		bwd = rnn.New(scope.In("bwd"), g, m.cfg.Cell, m.cfg.Size, m.cfg.Size, m.cfg.NumLayers, m.cfg.DType)
	}
	return
}

// encoderGraph runs the encoder over one batch of (already reversed) source
// sequences and returns the flattened final state, [batchSize, stateSize]
// where stateSize depends on the cell type, NumLayers and Bidirectional.
// encoderInputs must be [batchSize, In] int32.
func (m *Model) encoderGraph(ctx *context.Context, encoderInputs *Node) *Node {
	g := encoderInputs.Graph()
	batchSize := encoderInputs.Shape().Dim(0)

	table := m.embeddingTable(ctx.In("encoder").Checked(false), g, m.cfg.SourceVocabSize)
	x := embed(table, encoderInputs) // [batchSize, In, Size]

	fwd, bwd := m.encoderCells(ctx, g)
	_, final := fwd.Run(x, fwd.ZeroState(g, batchSize))
	state := fwd.FlattenState(final)
	if bwd != nil {
		// The backward pass reads the sequence in the original token order,
		// since the inputs come in reversed.
		_, bwdFinal := bwd.Run(Reverse(x, 1), bwd.ZeroState(g, batchSize))
		state = Concatenate([]*Node{state, bwd.FlattenState(bwdFinal)}, -1)
	}
	return state
}
