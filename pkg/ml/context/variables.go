// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"fmt"

	"github.com/gomlx/graphsaint/pkg/core/graph"
	"github.com/gomlx/graphsaint/pkg/core/shapes"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Variable is a value shared among computation graphs, or across multiple steps of training.
// It's commonly used to store the weights (aka. parameters) of an ML model. It's defined in a scope in
// a Context.
//
// The value can be accessed in between graph computations by Value and SetValue methods, and
// within a graph with ValueGraph.
type Variable struct {
	ctx         *Context
	name, scope string

	// Trainable indicates whether the variable is trainable.
	// If set to false, it won't be touched by optimizers.
	Trainable bool

	shape shapes.Shape
	value *tensors.Tensor

	// fromLoader is set for variables provided by the Context's Loader, until they are
	// first requested by VariableWithShape or VariableWithValue.
	fromLoader bool
}

// Name of the variable within its scope.
func (v *Variable) Name() string { return v.name }

// Scope where the variable was created.
func (v *Variable) Scope() string { return v.scope }

// ScopeAndName returns the variable scope and name joined, a unique identifier within the Context.
func (v *Variable) ScopeAndName() string {
	return JoinScope(v.scope, v.name)
}

// String implements fmt.Stringer.
func (v *Variable) String() string {
	return fmt.Sprintf("%s: %s", v.ScopeAndName(), v.shape)
}

// Shape of the variable.
func (v *Variable) Shape() shapes.Shape { return v.shape }

// IsValid returns whether the variable holds a value. Deleted variables are invalid.
func (v *Variable) IsValid() bool { return v.value != nil }

// Value returns the current value of the variable. It must not be modified, use SetValue instead.
func (v *Variable) Value() *tensors.Tensor { return v.value }

// SetValue replaces the value of the variable. The new value must have the same shape.
func (v *Variable) SetValue(value *tensors.Tensor) error {
	if value == nil {
		return errors.Errorf("cannot set variable %q to nil", v.ScopeAndName())
	}
	if !value.Shape().Equal(v.shape) {
		return errors.Wrapf(shapes.ErrShape, "cannot set variable %q shaped %s to value shaped %s",
			v.ScopeAndName(), v.shape, value.Shape())
	}
	v.value = value
	return nil
}

// MustSetValue is like SetValue, but panics on error.
func (v *Variable) MustSetValue(value *tensors.Tensor) {
	if err := v.SetValue(value); err != nil {
		panic(err)
	}
}

// SetTrainable sets the variable trainable status. It returns itself.
func (v *Variable) SetTrainable(trainable bool) *Variable {
	v.Trainable = trainable
	return v
}

// ValueGraph returns the node holding the variable's value in the graph g. The same node is returned
// if called more than once for the same graph, and gradients can be taken with respect to it.
func (v *Variable) ValueGraph(g *graph.Graph) *graph.Node {
	if v.value == nil {
		shapes.Panicf("variable %q was deleted", v.ScopeAndName())
	}
	return g.Parameter(v.ScopeAndName(), v.value)
}
