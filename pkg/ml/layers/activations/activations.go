// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package activations implements the activations used by the graph convolution layers, and includes a
// generic Apply method to apply an activation by its type.
//
// There is also FromName to convert an activation name (string) to its type, and ApplyFromContext that applies
// an activation based on the hyperparameter ParamActivation defined in a context.
package activations

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/graphsaint/pkg/core/graph"
	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

const (
	// ParamActivation context hyperparameter defines the activation to use, for models using ApplyFromContext.
	// The default is `relu`.
	// See activations.TypeValues for the complete list.
	ParamActivation = "activation"

	// LeakyReluAlpha is the slope used for negative values by TypeLeakyRelu.
	LeakyReluAlpha = 0.2
)

// Type is an enum for the supported activation functions.
//
// It is converted to snake-format strings (e.g.: TypeLeakyRelu -> "leaky_relu"), and can be converted
// from string by using TypeString or FromName.
type Type int

const (
	TypeNone Type = iota
	TypeRelu
	TypeLeakyRelu
	TypeSigmoid
	TypeTanh
	TypeElu
)

var typeNames = map[Type]string{
	TypeNone:      "none",
	TypeRelu:      "relu",
	TypeLeakyRelu: "leaky_relu",
	TypeSigmoid:   "sigmoid",
	TypeTanh:      "tanh",
	TypeElu:       "elu",
}

// aliases accepted by TypeString, on top of the canonical names.
var aliases = map[string]Type{
	"":         TypeNone,
	"i":        TypeNone,
	"identity": TypeNone,
	"linear":   TypeNone,
}

// String implements fmt.Stringer.
func (t Type) String() string {
	if name, found := typeNames[t]; found {
		return name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// TypeValues returns all valid activation types.
func TypeValues() []Type {
	types := maps.Keys(typeNames)
	slices.Sort(types)
	return types
}

// TypeStrings returns the canonical names of all valid activation types.
func TypeStrings() []string {
	names := make([]string, 0, len(typeNames))
	for _, t := range TypeValues() {
		names = append(names, t.String())
	}
	return names
}

// TypeString converts a name to the activation Type. It is case-insensitive, and besides the
// canonical names it accepts "I", "identity" and "linear" for TypeNone.
func TypeString(name string) (Type, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if t, found := aliases[name]; found {
		return t, nil
	}
	for t, tName := range typeNames {
		if tName == name {
			return t, nil
		}
	}
	return TypeNone, errors.Errorf("%q is not a valid activation, options are %q", name, TypeStrings())
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, so activations can be given as context parameters.
func (t *Type) UnmarshalText(text []byte) error {
	var err error
	*t, err = TypeString(string(text))
	return err
}

// ApplyFromContext picks an activation function from the context using [ParamActivation] parameter,
// and applies it to x.
//
// It defaults to "relu".
func ApplyFromContext(ctx *context.Context, x *Node) *Node {
	activationName := context.GetParamOr(ctx, ParamActivation, "relu")
	return Apply(FromName(activationName), x)
}

// Apply the given activation type.
// The TypeNone activation is a no-op.
//
// See TypeValues for valid values.
func Apply(activation Type, x *Node) *Node {
	switch activation {
	case TypeNone:
		return x
	case TypeRelu:
		return Relu(x)
	case TypeLeakyRelu:
		return LeakyRelu(x, LeakyReluAlpha)
	case TypeSigmoid:
		return Sigmoid(x)
	case TypeTanh:
		return Tanh(x)
	case TypeElu:
		return Elu(x)
	default:
		exceptions.Panicf("Apply got invalid activation value %d: options are %v", int(activation), TypeValues())
	}
	return nil
}

// FromName converts the name of an activation to its type.
// It panics with a helpful message if name is invalid.
//
// An empty string is converted to TypeNone.
func FromName(activationName string) Type {
	activation, err := TypeString(activationName)
	if err != nil {
		panic(err)
	}
	return activation
}
