// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rnn provides multi-layer GRU and LSTM step cells used by the vrae
// encoder and decoder.
//
// Since GoMLX doesn't implement loops, running a cell over a sequence
// instantiates O(N) graph nodes on the sequence length -- each step is its
// own set of nodes. For the sequence lengths handled by length-bucketed
// models this is cheap, and it keeps the per-step API needed for
// feed-previous decoding and word dropout.
//
// Weights are created in the context scope given to New with
// create-or-reuse semantics, so two cells built in the same scope (e.g. the
// same cell across different bucket graphs) share one underlying set of
// parameters.
package rnn

import (
	"sort"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Type selects the recurrent cell update equations.
type Type int

const (
	// GRU is a gated recurrent unit cell (update/reset gates, no cell state).
	GRU Type = iota

	// LSTM is a long short-term memory cell (input/output/forget gates plus
	// a separate cell state).
	LSTM
)

// KnownTypes maps cell-type names to their Type, for configuration parsing.
var KnownTypes = map[string]Type{
	"gru":  GRU,
	"lstm": LSTM,
}

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case GRU:
		return "gru"
	case LSTM:
		return "lstm"
	}
	return "invalid"
}

// TypeFromName converts a cell-type name ("gru", "lstm") to its Type.
func TypeFromName(name string) (Type, error) {
	t, found := KnownTypes[name]
	if !found {
		names := maps.Keys(KnownTypes)
		sort.Strings(names)
		return 0, errors.Errorf("unknown cell type %q, valid values are %v", name, names)
	}
	return t, nil
}

// State holds the recurrent state of a Cell, one entry per layer.
// Cell entries are only set for LSTM cells.
type State struct {
	Hidden []*Node // Each shaped [batchSize, hiddenSize].
	Cell   []*Node // LSTM only, each shaped [batchSize, hiddenSize].
}

// LSTM gate order, following the ONNX convention:
// 0 input; 1 output; 2 forget; 3 cell update.
const (
	lstmGateInput = iota
	lstmGateOutput
	lstmGateForget
	lstmGateCell
	lstmNumGates
)

// GRU gate order: 0 update (z); 1 reset (r).
const (
	gruGateUpdate = iota
	gruGateReset
	gruNumGates
)

type layerWeights struct {
	// Gate projections: [numGates, hiddenSize, inFeatures] for the input and
	// [numGates, hiddenSize, hiddenSize] for the recurrent part, with a
	// [numGates, hiddenSize] bias.
	gatesW, gatesU, gatesB *Node

	// GRU candidate projection: [hiddenSize, inFeatures],
	// [hiddenSize, hiddenSize] and [hiddenSize].
	candidateW, candidateU, candidateB *Node
}

// Cell is a multi-layer recurrent cell bound to one computation graph.
// Build one with New inside a graph-building function; it is not reusable
// across graphs (the variables behind it are).
type Cell struct {
	cellType                          Type
	numLayers, featuresSize, hiddenSize int
	dtype                             dtypes.DType
	layers                            []layerWeights
}

// New creates the cell's weights (or reuses them, if the scope already holds
// them) and returns a Cell ready to step. featuresSize is the size of the
// per-step input of the bottom layer; upper layers take the hidden size.
func New(ctx *context.Context, g *Graph, cellType Type, featuresSize, hiddenSize, numLayers int, dtype dtypes.DType) *Cell {
	c := &Cell{
		cellType:     cellType,
		numLayers:    numLayers,
		featuresSize: featuresSize,
		hiddenSize:   hiddenSize,
		dtype:        dtype,
		layers:       make([]layerWeights, numLayers),
	}
	for l := range numLayers {
		inFeatures := hiddenSize
		if l == 0 {
			inFeatures = featuresSize
		}
		lctx := ctx.Inf("layer_%d", l).Checked(false)
		w := &c.layers[l]
		switch cellType {
		case LSTM:
			w.gatesW = lctx.VariableWithShape("gates_w", shapes.Make(dtype, lstmNumGates, hiddenSize, inFeatures)).ValueGraph(g)
			w.gatesU = lctx.VariableWithShape("gates_u", shapes.Make(dtype, lstmNumGates, hiddenSize, hiddenSize)).ValueGraph(g)
			w.gatesB = lctx.VariableWithShape("gates_b", shapes.Make(dtype, lstmNumGates, hiddenSize)).ValueGraph(g)
		case GRU:
			w.gatesW = lctx.VariableWithShape("gates_w", shapes.Make(dtype, gruNumGates, hiddenSize, inFeatures)).ValueGraph(g)
			w.gatesU = lctx.VariableWithShape("gates_u", shapes.Make(dtype, gruNumGates, hiddenSize, hiddenSize)).ValueGraph(g)
			w.gatesB = lctx.VariableWithShape("gates_b", shapes.Make(dtype, gruNumGates, hiddenSize)).ValueGraph(g)
			w.candidateW = lctx.VariableWithShape("candidate_w", shapes.Make(dtype, hiddenSize, inFeatures)).ValueGraph(g)
			w.candidateU = lctx.VariableWithShape("candidate_u", shapes.Make(dtype, hiddenSize, hiddenSize)).ValueGraph(g)
			w.candidateB = lctx.VariableWithShape("candidate_b", shapes.Make(dtype, hiddenSize)).ValueGraph(g)
		}
	}
	return c
}

// HiddenSize returns the number of units per layer.
func (c *Cell) HiddenSize() int { return c.hiddenSize }

// NumLayers returns the number of stacked layers.
func (c *Cell) NumLayers() int { return c.numLayers }

// ZeroState returns the all-zeros initial state for a batch.
func (c *Cell) ZeroState(g *Graph, batchSize int) State {
	s := State{Hidden: make([]*Node, c.numLayers)}
	if c.cellType == LSTM {
		s.Cell = make([]*Node, c.numLayers)
	}
	for l := range c.numLayers {
		s.Hidden[l] = Zeros(g, shapes.Make(c.dtype, batchSize, c.hiddenSize))
		if c.cellType == LSTM {
			s.Cell[l] = Zeros(g, shapes.Make(c.dtype, batchSize, c.hiddenSize))
		}
	}
	return s
}

// Step advances the cell by one step. x must be shaped
// [batchSize, featuresSize]. It returns the top layer's new hidden state and
// the full next state.
func (c *Cell) Step(x *Node, state State) (top *Node, next State) {
	next = State{Hidden: make([]*Node, c.numLayers)}
	if c.cellType == LSTM {
		next.Cell = make([]*Node, c.numLayers)
	}
	input := x
	for l := range c.numLayers {
		switch c.cellType {
		case LSTM:
			next.Hidden[l], next.Cell[l] = c.lstmStep(l, input, state.Hidden[l], state.Cell[l])
		case GRU:
			next.Hidden[l] = c.gruStep(l, input, state.Hidden[l])
		}
		input = next.Hidden[l]
	}
	return input, next
}

func (c *Cell) lstmStep(layer int, x, hPrev, cPrev *Node) (h, cell *Node) {
	w := c.layers[layer]
	batchSize := x.Shape().Dim(0)

	// proj: [numGates, batchSize, hiddenSize]
	// b->batchSize, f->inFeatures, n->numGates, h/j->hiddenSize.
	proj := Add(
		Einsum("bf,nhf->nbh", x, w.gatesW),
		Einsum("bh,njh->nbj", hPrev, w.gatesU))
	proj = Add(proj, Reshape(w.gatesB, lstmNumGates, 1, c.hiddenSize))
	gate := func(idx int) *Node {
		return Reshape(Slice(proj, AxisElem(idx)), batchSize, c.hiddenSize)
	}

	iT := Sigmoid(gate(lstmGateInput))
	oT := Sigmoid(gate(lstmGateOutput))
	fT := Sigmoid(gate(lstmGateForget))
	gT := Tanh(gate(lstmGateCell))
	cell = Add(Mul(fT, cPrev), Mul(iT, gT))
	h = Mul(oT, Tanh(cell))
	return
}

func (c *Cell) gruStep(layer int, x, hPrev *Node) *Node {
	w := c.layers[layer]
	batchSize := x.Shape().Dim(0)

	proj := Add(
		Einsum("bf,nhf->nbh", x, w.gatesW),
		Einsum("bh,njh->nbj", hPrev, w.gatesU))
	proj = Add(proj, Reshape(w.gatesB, gruNumGates, 1, c.hiddenSize))
	gate := func(idx int) *Node {
		return Sigmoid(Reshape(Slice(proj, AxisElem(idx)), batchSize, c.hiddenSize))
	}

	zT := gate(gruGateUpdate)
	rT := gate(gruGateReset)
	candidate := Tanh(Add(
		Add(
			Einsum("bf,hf->bh", x, w.candidateW),
			Einsum("bh,jh->bj", Mul(rT, hPrev), w.candidateU)),
		Reshape(w.candidateB, 1, c.hiddenSize)))
	return Add(Mul(zT, hPrev), Mul(OneMinus(zT), candidate))
}

// Run steps the cell over a dense sequence x shaped
// [batchSize, sequenceSize, featuresSize], starting from state. It returns
// the top layer hidden state of every step and the final state.
func (c *Cell) Run(x *Node, state State) (stepOutputs []*Node, final State) {
	batchSize := x.Shape().Dim(0)
	sequenceSize := x.Shape().Dim(1)
	stepOutputs = make([]*Node, sequenceSize)
	for t := range sequenceSize {
		xT := Reshape(Slice(x, AxisRange(), AxisElem(t), AxisRange()), batchSize, c.featuresSize)
		stepOutputs[t], state = c.Step(xT, state)
	}
	return stepOutputs, state
}

// FlatStateSize returns the number of values in a flattened State,
// per batch element.
func (c *Cell) FlatStateSize() int {
	size := c.numLayers * c.hiddenSize
	if c.cellType == LSTM {
		size *= 2
	}
	return size
}

// FlattenState concatenates the state into one [batchSize, FlatStateSize]
// tensor: hidden then (for LSTM) cell state, layer by layer.
func (c *Cell) FlattenState(s State) *Node {
	parts := make([]*Node, 0, 2*c.numLayers)
	for l := range c.numLayers {
		parts = append(parts, s.Hidden[l])
		if c.cellType == LSTM {
			parts = append(parts, s.Cell[l])
		}
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return Concatenate(parts, -1)
}

// UnflattenState is the inverse of FlattenState.
func (c *Cell) UnflattenState(v *Node) State {
	v.AssertDims(v.Shape().Dim(0), c.FlatStateSize())
	s := State{Hidden: make([]*Node, c.numLayers)}
	if c.cellType == LSTM {
		s.Cell = make([]*Node, c.numLayers)
	}
	offset := 0
	take := func() *Node {
		part := Slice(v, AxisRange(), AxisRange(offset, offset+c.hiddenSize))
		offset += c.hiddenSize
		return part
	}
	for l := range c.numLayers {
		s.Hidden[l] = take()
		if c.cellType == LSTM {
			s.Cell[l] = take()
		}
	}
	return s
}
