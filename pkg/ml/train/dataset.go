// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/gomlx/graphsaint/pkg/saint"
)

// Dataset provides the training minibatches for a Loop, one subgraph at a time.
//
// The Dataset is responsible for the subgraph sampling: it yields the node ids of the subgraph, its normalized
// adjacency (and optionally its partitions) and the labels of the nodes.
//
// Yield returns io.EOF at the end of an epoch; Loop.RunEpochs then calls Reset to start the next epoch.
// If using Loop.RunSteps having an infinite dataset stream is ok, but careful not to use Loop.RunEpochs on a
// dataset configured to loop indefinitely.
//
// Any other error interrupts the training and is returned to the user.
type Dataset interface {
	// Name identifies the dataset. Used for debugging, pretty-printing and plots.
	Name() string

	// Reset restarts the dataset from the beginning.
	Reset()

	// Yield one minibatch or an error. The batch is owned by the caller: the Dataset must not
	// change it after it is yielded.
	Yield() (batch *saint.Batch, err error)
}

// HasShortName allows a dataset to specify a short name (used when displaying a short version of metric names).
// It defaults to the first 3 letters of the dataset name.
//
// It's optional.
type HasShortName interface {
	// ShortName returns the short name of the dataset.
	ShortName() string
}

// ShortName returns the dataset's short name, see HasShortName.
func ShortName(ds Dataset) string {
	if named, ok := ds.(HasShortName); ok {
		return named.ShortName()
	}
	name := ds.Name()
	if len(name) > 3 {
		name = name[:3]
	}
	return name
}

// Trainer executes one training step per minibatch. It is implemented by *saint.Model.
type Trainer interface {
	// Context holding the trainable variables and the hyperparameters.
	Context() *context.Context

	// TrainStep runs forward, loss, gradients and the optimizer update for the batch.
	TrainStep(batch *saint.Batch) (saint.StepResult, error)
}

var _ Trainer = (*saint.Model)(nil)
