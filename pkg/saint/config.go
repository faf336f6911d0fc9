// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package saint

import (
	"math/big"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// ParamAliases maps the names of training parameters accepted in configuration files to the
// context parameter they set.
var ParamAliases = map[string]string{
	"lr":             ParamLearningRate,
	"eval_val_every": ParamEvalEvery,
	"epochs":         ParamNumEpochs,
}

// FileConfig is the content of a configuration file: the network description, and the
// training parameters to set in the model's context.
//
// Example:
//
//	network {
//	  arch = "1-0-1-0"
//	  dim  = [256]
//	  aggr = ["concat"]
//	  act  = ["relu"]
//	  bias = ["norm"]
//	  loss = "sigmoid"
//	}
//
//	params {
//	  lr      = 0.01
//	  dropout = 0.1
//	  batch_size = input_dim * 4
//	}
type FileConfig struct {
	Network ArchConfig

	// Params are the values in the `params` block, keyed by their context parameter names (see ParamAliases).
	// Numbers that are integers are converted to int, other numbers to float64.
	Params map[string]any
}

// fileSchema is the layout of the configuration file, as decoded by gohcl.
type fileSchema struct {
	Network ArchConfig   `hcl:"network,block"`
	Params  *paramsBlock `hcl:"params,block"`
}

type paramsBlock struct {
	Attributes hcl.Attributes `hcl:",remain"`
}

// LoadConfigFile reads and parses the HCL configuration file in path.
//
// The evalVars are made available to the expressions in the file, e.g. `input_dim` or `num_classes`
// (see EvalVariables). It can be nil.
func LoadConfigFile(path string, evalVars map[string]cty.Value) (*FileConfig, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration file %q", path)
	}
	return ParseConfig(src, path, evalVars)
}

// ParseConfig parses the HCL configuration in src. The filename is only used for error messages.
// See LoadConfigFile.
func ParseConfig(src []byte, filename string, evalVars map[string]cty.Value) (*FileConfig, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, errors.Wrapf(ErrConfiguration, "parsing %q: %s", filename, diags.Error())
	}
	evalCtx := &hcl.EvalContext{Variables: evalVars}
	var schema fileSchema
	if diags = gohcl.DecodeBody(file.Body, evalCtx, &schema); diags.HasErrors() {
		return nil, errors.Wrapf(ErrConfiguration, "decoding %q: %s", filename, diags.Error())
	}

	cfg := &FileConfig{Network: schema.Network, Params: make(map[string]any)}
	if schema.Params == nil {
		return cfg, nil
	}
	for name, attr := range schema.Params.Attributes {
		value, diags := attr.Expr.Value(evalCtx)
		if diags.HasErrors() {
			return nil, errors.Wrapf(ErrConfiguration, "evaluating parameter %q in %q: %s", name, filename, diags.Error())
		}
		native, err := ctyToNative(value)
		if err != nil {
			return nil, errors.Wrapf(ErrConfiguration, "parameter %q in %q: %v", name, filename, err)
		}
		key := name
		if alias, found := ParamAliases[name]; found {
			key = alias
		}
		if _, found := cfg.Params[key]; found {
			return nil, errors.Wrapf(ErrConfiguration, "parameter %q (from %q) set more than once in %q",
				key, name, filename)
		}
		cfg.Params[key] = native
	}
	return cfg, nil
}

// EvalVariables returns the variables available to configuration expressions for a dataset with
// features of inputDim width and numClasses classes.
func EvalVariables(inputDim, numClasses int) map[string]cty.Value {
	return map[string]cty.Value{
		"input_dim":   cty.NumberIntVal(int64(inputDim)),
		"num_classes": cty.NumberIntVal(int64(numClasses)),
	}
}

// ApplyParams sets the parameters of the configuration in the root scope of ctx.
func (c *FileConfig) ApplyParams(ctx *context.Context) {
	ctx = ctx.InAbsPath(context.RootScope)
	keys := maps.Keys(c.Params)
	slices.Sort(keys)
	for _, key := range keys {
		ctx.SetParam(key, c.Params[key])
	}
	if klog.V(1).Enabled() {
		klog.Infof("configuration parameters set: %s", strings.Join(keys, ", "))
	}
}

// ctyToNative converts a cty.Value from the configuration to a Go value that can be stored as a
// context parameter.
func ctyToNative(value cty.Value) (any, error) {
	if value.IsNull() || !value.IsKnown() {
		return nil, nil
	}
	ty := value.Type()
	switch {
	case ty == cty.String:
		return value.AsString(), nil

	case ty == cty.Bool:
		return value.True(), nil

	case ty == cty.Number:
		bf := value.AsBigFloat()
		if bf.IsInt() {
			if i, accuracy := bf.Int64(); accuracy == big.Exact {
				return int(i), nil
			}
		}
		var f float64
		if err := gocty.FromCtyValue(value, &f); err != nil {
			return nil, errors.Wrap(err, "converting number to float64")
		}
		return f, nil

	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		list := make([]any, 0, value.LengthInt())
		for it := value.ElementIterator(); it.Next(); {
			_, element := it.Element()
			native, err := ctyToNative(element)
			if err != nil {
				return nil, err
			}
			list = append(list, native)
		}
		return list, nil
	}
	return nil, errors.Errorf("unsupported parameter type %s", ty.FriendlyName())
}
