// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"slices"
	"strings"

	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Bundle is a set of variable values keyed by their scope and name (see context.JoinScope), usually
// pretrained weights read from a checkpoint with LoadBundle.
//
// It implements context.Loader: unlike the Handler, it is not consumed by loading, each context that
// loads a variable gets its own copy, so the same Bundle can seed several models.
type Bundle map[string]*tensors.Tensor

var _ context.Loader = Bundle(nil)

// LoadBundle reads the variables of the latest checkpoint in dir. Parameters are ignored.
func LoadBundle(dir string) (Bundle, error) {
	checkpoints, err := listCheckpoints(dir)
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 0 {
		return nil, errors.Errorf("no checkpoints found in %q", dir)
	}
	return LoadBundleFromCheckpoint(dir, checkpoints[len(checkpoints)-1])
}

// LoadBundleFromCheckpoint reads the variables of the checkpoint with the given base name (as returned
// by Handler.ListCheckpoints) in dir.
func LoadBundleFromCheckpoint(dir, baseName string) (Bundle, error) {
	_, values, err := readCheckpoint(dir, baseName)
	if err != nil {
		return nil, err
	}
	return Bundle(values), nil
}

// LoadVariable implements context.Loader. It returns a copy of the value.
func (b Bundle) LoadVariable(_ *context.Context, scope, name string) (*tensors.Tensor, bool) {
	value, found := b[context.JoinScope(scope, name)]
	if !found {
		return nil, false
	}
	return value.Clone(), true
}

// DeleteVariable implements context.Loader.
func (b Bundle) DeleteVariable(_ *context.Context, scope, name string) error {
	delete(b, context.JoinScope(scope, name))
	return nil
}

// Names returns the sorted names (scope and name) of the variables in the bundle.
func (b Bundle) Names() []string {
	names := maps.Keys(b)
	slices.Sort(names)
	return names
}

// Select returns a new Bundle with only the variables whose scope and name start with one of the
// given scope prefixes, e.g. "/layer_0" to transfer only the first layer.
func (b Bundle) Select(scopePrefixes ...string) Bundle {
	selected := make(Bundle)
	for key, value := range b {
		for _, prefix := range scopePrefixes {
			if inScope(key, prefix) {
				selected[key] = value
				break
			}
		}
	}
	return selected
}

// inScope returns whether the variable key is under the scope prefix, matching only whole scope levels.
func inScope(key, prefix string) bool {
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	if len(key) == len(prefix) || strings.HasSuffix(prefix, context.ScopeSeparator) {
		return true
	}
	return strings.HasPrefix(key[len(prefix):], context.ScopeSeparator)
}
