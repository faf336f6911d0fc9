// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package saint

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/graphsaint/pkg/ml/layers"
	"github.com/gomlx/graphsaint/pkg/ml/layers/activations"
	"github.com/gomlx/graphsaint/pkg/ml/train/losses"
	"github.com/pkg/errors"
)

// ArchConfig is the textual description of the network, as given in the `network` block of a
// configuration file.
//
// Arch holds the order of each aggregation layer, separated by dashes: e.g. "1-0-1-0" is a 4-layer network,
// where layers 0 and 2 aggregate the immediate neighbours and layers 1 and 3 only transform each node.
//
// Dims, Aggr, Act, Bias and Shared hold one value per layer, or a single value used for all layers.
// Aggr, Act, Bias and Loss can be left empty for the defaults: "concat", "I" (identity), "norm" and "softmax".
// Shared makes all hops of a layer use the same projection weights, and defaults to false.
type ArchConfig struct {
	Arch   string   `hcl:"arch"`
	Dims   []int    `hcl:"dim"`
	Aggr   []string `hcl:"aggr,optional"`
	Act    []string `hcl:"act,optional"`
	Bias   []string `hcl:"bias,optional"`
	Shared []bool   `hcl:"shared,optional"`
	Loss   string   `hcl:"loss,optional"`
}

// LayerConfig is the parsed configuration of one aggregation layer.
type LayerConfig struct {
	Order int
	Aggr  layers.AggregationType
	Act   activations.Type
	Bias  layers.BiasType

	// Shared weights for all hops.
	Shared bool
}

// Architecture is a parsed ArchConfig.
type Architecture struct {
	Layers []LayerConfig

	// Dims holds the input feature width in Dims[0], followed by the width each layer projects each hop to.
	Dims []int

	Loss losses.Type
}

// ParseArchitecture validates the configuration and resolves all tokens for a network taking features of
// inputDim width. Errors wrap ErrConfiguration.
func ParseArchitecture(cfg ArchConfig, inputDim int) (*Architecture, error) {
	if inputDim <= 0 {
		return nil, errors.Wrapf(ErrConfiguration, "input dimension must be > 0, got %d", inputDim)
	}
	tokens := strings.Split(strings.TrimSpace(cfg.Arch), "-")
	if len(tokens) == 1 && tokens[0] == "" {
		return nil, errors.Wrap(ErrConfiguration, "empty architecture, expected something like \"1-0-1-0\"")
	}
	numLayers := len(tokens)
	arch := &Architecture{Layers: make([]LayerConfig, numLayers)}
	for l, token := range tokens {
		order, err := strconv.Atoi(strings.TrimSpace(token))
		if err != nil || order < 0 {
			return nil, errors.Wrapf(ErrConfiguration, "order of layer %d in %q must be a non-negative integer, got %q",
				l, cfg.Arch, token)
		}
		arch.Layers[l].Order = order
	}

	if len(cfg.Dims) == 0 {
		return nil, errors.Wrapf(ErrConfiguration, "missing hidden dimensions (\"dim\") for %d layers", numLayers)
	}
	dims, err := broadcast("dim", cfg.Dims, numLayers, 0)
	if err != nil {
		return nil, err
	}
	arch.Dims = append([]int{inputDim}, dims...)
	for l, dim := range dims {
		if dim <= 0 {
			return nil, errors.Wrapf(ErrConfiguration, "dimension of layer %d must be > 0, got %d", l, dim)
		}
	}

	if err = parseLayerTokens(arch, "aggr", cfg.Aggr, "concat", func(layer *LayerConfig, token string) (err error) {
		layer.Aggr, err = layers.AggregationTypeString(token)
		return
	}); err != nil {
		return nil, err
	}
	if err = parseLayerTokens(arch, "act", cfg.Act, "I", func(layer *LayerConfig, token string) (err error) {
		layer.Act, err = activations.TypeString(token)
		return
	}); err != nil {
		return nil, err
	}
	if err = parseLayerTokens(arch, "bias", cfg.Bias, "norm", func(layer *LayerConfig, token string) (err error) {
		layer.Bias, err = layers.BiasTypeString(token)
		return
	}); err != nil {
		return nil, err
	}

	shared, err := broadcast("shared", cfg.Shared, numLayers, false)
	if err != nil {
		return nil, err
	}
	for l := range arch.Layers {
		arch.Layers[l].Shared = shared[l]
	}

	loss := cfg.Loss
	if loss == "" {
		loss = "softmax"
	}
	if arch.Loss, err = losses.TypeString(loss); err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "loss: %v", err)
	}
	return arch, nil
}

// parseLayerTokens broadcasts the tokens to all layers and parses each one with parseFn.
func parseLayerTokens(arch *Architecture, name string, tokens []string, defaultToken string,
	parseFn func(layer *LayerConfig, token string) error) error {
	tokens, err := broadcast(name, tokens, len(arch.Layers), defaultToken)
	if err != nil {
		return err
	}
	for l, token := range tokens {
		if err := parseFn(&arch.Layers[l], token); err != nil {
			return errors.Wrapf(ErrConfiguration, "%s of layer %d: %v", name, l, err)
		}
	}
	return nil
}

// broadcast returns values with one entry per layer: an empty list takes the default, and a single value is
// repeated for all layers.
func broadcast[T any](name string, values []T, numLayers int, defaultValue T) ([]T, error) {
	switch len(values) {
	case numLayers:
		return values, nil
	case 0:
		values = []T{defaultValue}
		fallthrough
	case 1:
		result := make([]T, numLayers)
		for ii := range result {
			result[ii] = values[0]
		}
		return result, nil
	}
	return nil, errors.Wrapf(ErrConfiguration, "%q has %d values, but the architecture has %d layers",
		name, len(values), numLayers)
}

// NumLayers returns the number of aggregation layers.
func (a *Architecture) NumLayers() int { return len(a.Layers) }

// DimsFeat returns the width of the input of each layer, followed by the width of the output of the last one:
// DimsFeat()[0] is the input features width, and DimsFeat()[l+1] = (Order+1)·Dims[l+1] for layers using
// concat aggregation, or Dims[l+1] otherwise.
func (a *Architecture) DimsFeat() []int {
	dimsFeat := make([]int, len(a.Layers)+1)
	dimsFeat[0] = a.Dims[0]
	for l, layer := range a.Layers {
		dimsFeat[l+1] = a.Dims[l+1]
		if layer.Aggr == layers.AggregationConcat {
			dimsFeat[l+1] *= layer.Order + 1
		}
	}
	return dimsFeat
}

// DimsWeight returns the shape of the weights of each hop of each layer: [DimsFeat()[l], Dims[l+1]].
func (a *Architecture) DimsWeight() [][2]int {
	dimsFeat := a.DimsFeat()
	dimsWeight := make([][2]int, len(a.Layers))
	for l := range a.Layers {
		dimsWeight[l] = [2]int{dimsFeat[l], a.Dims[l+1]}
	}
	return dimsWeight
}

// String implements fmt.Stringer, e.g.: "1-0 [50->128->64] concat/relu/norm, concat/relu/norm, softmax".
func (a *Architecture) String() string {
	var sb strings.Builder
	for l, layer := range a.Layers {
		if l > 0 {
			sb.WriteByte('-')
		}
		sb.WriteString(strconv.Itoa(layer.Order))
	}
	dimsFeat := a.DimsFeat()
	parts := make([]string, len(dimsFeat))
	for ii, dim := range dimsFeat {
		parts[ii] = strconv.Itoa(dim)
	}
	fmt.Fprintf(&sb, " [%s]", strings.Join(parts, "->"))
	for l, layer := range a.Layers {
		if l > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, " %s/%s/%s", layer.Aggr, layer.Act, layer.Bias)
		if layer.Shared {
			sb.WriteString("/shared")
		}
	}
	fmt.Fprintf(&sb, ", %s", a.Loss)
	return sb.String()
}
