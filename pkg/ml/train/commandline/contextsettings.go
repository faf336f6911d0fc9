// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"strings"

	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/pkg/errors"
)

// ParseContextSettings applies settings, a ";"-separated list of "param=value" (usually the -set flag), to the
// parameters of ctx, e.g. "learning_rate=0.005;dropout=0.2;num_epochs=20".
//
// Only parameters that already have a value in the root scope of ctx can be set, and the value is parsed to the
// type of that value: "1_000" is a valid int, and lists are comma-separated ("dims=128,64"). A scope can be
// prefixed to set a value for one layer only, e.g. "layer_1/dropout=0".
//
// An unknown parameter or a value that fails to parse returns an error, and the settings before it remain applied.
func ParseContextSettings(ctx *context.Context, settings string) error {
	for _, setting := range strings.Split(settings, ";") {
		if strings.TrimSpace(setting) == "" {
			continue
		}
		parts := strings.Split(setting, "=")
		if len(parts) != 2 {
			return errors.Errorf("can't parse settings %q: each setting requires the format \"<param>=<value>\", got %q",
				settings, setting)
		}
		paramPath, valueStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		paramPathParts := strings.Split(paramPath, context.ScopeSeparator)
		key := paramPathParts[len(paramPathParts)-1]
		value, found := ctx.GetParam(key)
		if !found {
			return errors.Errorf("can't set parameter %q because the param %q is not known in the root context",
				paramPath, key)
		}

		// Set the new parameter in the selected scope.
		ctxInScope := ctx
		for _, part := range paramPathParts[:len(paramPathParts)-1] {
			if part == "" {
				continue
			}
			ctxInScope = ctxInScope.In(part)
		}

		newValue, err := parseAs(value, valueStr)
		if err != nil {
			return errors.Wrapf(err, "failed to parse value %q for parameter %q (default value is %#v)",
				valueStr, paramPath, value)
		}
		ctxInScope.SetParam(key, newValue)
	}
	return nil
}

// parseAs parses valueStr to the same type as defaultValue.
func parseAs(defaultValue any, valueStr string) (any, error) {
	switch defaultValue.(type) {
	case int:
		return parseJSON[int](withoutUnderscores(valueStr))
	case int32:
		return parseJSON[int32](withoutUnderscores(valueStr))
	case int64:
		return parseJSON[int64](withoutUnderscores(valueStr))
	case uint:
		return parseJSON[uint](withoutUnderscores(valueStr))
	case uint64:
		return parseJSON[uint64](withoutUnderscores(valueStr))
	case float64:
		return parseJSON[float64](valueStr)
	case float32:
		return parseJSON[float32](valueStr)
	case bool:
		return parseJSON[bool](valueStr)
	case string:
		return valueStr, nil
	case []int:
		return parseList(valueStr, func(s string) (int, error) { return parseJSON[int](withoutUnderscores(s)) })
	case []float64:
		return parseList(valueStr, parseJSON[float64])
	case []string:
		return parseList(valueStr, func(s string) (string, error) { return s, nil })
	case []any:
		// Lists from configuration files: numbers and booleans are parsed, everything else is kept as a string.
		return parseList(valueStr, func(s string) (any, error) {
			var v any
			if err := json.Unmarshal([]byte(s), &v); err != nil {
				return s, nil
			}
			if f, ok := v.(float64); ok && f == float64(int(f)) && !strings.ContainsAny(s, ".eE") {
				return int(f), nil
			}
			return v, nil
		})
	}
	return nil, errors.Errorf("don't know how to parse type %T", defaultValue)
}

func withoutUnderscores(s string) string { return strings.ReplaceAll(s, "_", "") }

func parseJSON[T any](valueStr string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(valueStr), &v)
	return v, err
}

func parseList[T any](valueStr string, parseFn func(string) (T, error)) ([]T, error) {
	if valueStr == "" {
		return []T{}, nil
	}
	parts := strings.Split(valueStr, ",")
	values := make([]T, 0, len(parts))
	for _, part := range parts {
		v, err := parseFn(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// CreateContextSettingsFlag defines the string flag flagName ("set" if empty), whose usage lists the parameters
// of ctx with their defaults. Call it before flag.Parse, and pass the value to ParseContextSettings.
func CreateContextSettingsFlag(ctx *context.Context, flagName string) *string {
	return CreateContextSettingsFlagSet(flag.CommandLine, ctx, flagName)
}

// CreateContextSettingsFlagSet is like CreateContextSettingsFlag, but defines the flag in the given flag.FlagSet.
func CreateContextSettingsFlagSet(flagSet *flag.FlagSet, ctx *context.Context, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	var parts []string
	parts = append(parts, fmt.Sprintf(
		`Hyperparameters of the model and of the training, as a list of "param=value" separated by ";". `+
			`Prefix a scope to set it for one layer only, e.g. "layer_1%sdropout=0". Parameters:`,
		context.ScopeSeparator))
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		parts = append(parts, fmt.Sprintf("  %s (default %v)", key, value))
	})
	usage := strings.Join(parts, "\n")
	var settings string
	flagSet.StringVar(&settings, flagName, "", usage)
	return &settings
}

// SprintContextSettings lists the parameters of ctx with their types and values, one per line.
func SprintContextSettings(ctx *context.Context) string {
	var parts []string
	parts = append(parts, "Hyperparameters:")
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope == context.RootScope {
			parts = append(parts, fmt.Sprintf("%q: (%T) %v", key, value, value))
		} else {
			parts = append(parts, fmt.Sprintf("%q / %q: (%T) %v", scope, key, value, value))
		}
	})
	return strings.Join(parts, "\n\t")
}
