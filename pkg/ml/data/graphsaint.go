// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphsaint/pkg/core/shapes"
	"github.com/gomlx/graphsaint/pkg/core/sparse"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"github.com/gomlx/graphsaint/pkg/core/tensors/numpy"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// Files of a dataset directory in the GraphSAINT format.
const (
	AdjFullFile  = "adj_full.npz"
	AdjTrainFile = "adj_train.npz"
	FeaturesFile = "feats.npy"
	ClassMapFile = "class_map.json"
	RoleFile     = "role.json"
)

// roles is the content of RoleFile.
type roles struct {
	Train []int `json:"tr"`
	Val   []int `json:"va"`
	Test  []int `json:"te"`
}

// LoadDir loads a dataset in the GraphSAINT format from dir:
//
//   - adj_full.npz: the adjacency of the whole graph, a scipy CSR matrix saved with scipy.sparse.save_npz.
//   - adj_train.npz: the adjacency with only the edges between training nodes. If missing, it is derived from
//     adj_full.npz.
//   - feats.npy: the node features, shaped [numNodes, featureDim].
//   - class_map.json: map of node id to its class (an integer) or its labels (a list of 0/1 per class).
//   - role.json: the node ids of each split, keyed "tr", "va" and "te".
//
// The features are standardized with the statistics of the training nodes (see Standardize).
func LoadDir(dir string) (*Graph, error) {
	start := time.Now()
	g := &Graph{Name: filepath.Base(filepath.Clean(dir))}

	var err error
	g.AdjFull, err = LoadCSR(filepath.Join(dir, AdjFullFile))
	if err != nil {
		return nil, err
	}
	numNodes := g.AdjFull.Rows()

	var r roles
	if err = readJSON(filepath.Join(dir, RoleFile), &r); err != nil {
		return nil, err
	}
	g.TrainNodes, g.ValNodes, g.TestNodes = sorted(r.Train), sorted(r.Val), sorted(r.Test)

	trainPath := filepath.Join(dir, AdjTrainFile)
	hasTrain, err := FileExists(trainPath)
	if err != nil {
		return nil, err
	}
	if hasTrain {
		g.AdjTrain, err = LoadCSR(trainPath)
	} else {
		klog.V(1).Infof("%q not found, restricting %q to the training nodes", trainPath, AdjFullFile)
		g.AdjTrain, err = RestrictToNodes(g.AdjFull, g.TrainNodes)
	}
	if err != nil {
		return nil, err
	}

	featsPath := filepath.Join(dir, FeaturesFile)
	featsArray, err := numpy.FromNpyFile(featsPath)
	if err != nil {
		return nil, err
	}
	features, err := featsArray.ToTensor()
	if err != nil {
		return nil, errors.WithMessagef(err, "features in %q", featsPath)
	}
	if features.Rank() != 2 || features.Rows() != numNodes {
		return nil, errors.Wrapf(shapes.ErrShape, "features in %q shaped %s, expected %d rows",
			featsPath, features.Shape(), numNodes)
	}

	classMapPath := filepath.Join(dir, ClassMapFile)
	var classMap map[string]json.RawMessage
	if err = readJSON(classMapPath, &classMap); err != nil {
		return nil, err
	}
	g.Labels, g.MultiLabel, err = parseClassMap(classMap, numNodes)
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing %q", classMapPath)
	}

	g.Features = features
	if err = g.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "dataset in %q", dir)
	}
	g.Features, err = Standardize(features, g.TrainNodes)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("loaded %s in %s (features: %s)", g, time.Since(start), humanize.Bytes(uint64(g.Features.Memory())))
	return g, nil
}

func sorted(nodes []int) []int {
	slices.Sort(nodes)
	return nodes
}

func readJSON(path string, v any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read %q", path)
	}
	return errors.Wrapf(json.Unmarshal(content, v), "failed to parse %q", path)
}

// parseClassMap converts the class map to a labels matrix. Multi-class maps have a class per node, numbered
// from their minimum value. Multi-label maps have a list of 0/1 per node.
func parseClassMap(classMap map[string]json.RawMessage, numNodes int) (labels *tensors.Tensor, multiLabel bool, err error) {
	if len(classMap) == 0 || len(classMap) != numNodes {
		return nil, false, errors.Wrapf(shapes.ErrShape, "class map has %d nodes, the graph has %d", len(classMap), numNodes)
	}
	keys := maps.Keys(classMap)
	slices.Sort(keys)
	nodeIDs := make([]int, len(keys))
	for ii, key := range keys {
		nodeIDs[ii], err = strconv.Atoi(key)
		if err != nil || nodeIDs[ii] < 0 || nodeIDs[ii] >= numNodes {
			return nil, false, errors.Wrapf(shapes.ErrShape, "invalid node id %q", key)
		}
	}
	first := classMap[keys[0]]
	multiLabel = len(first) > 0 && first[0] == '['

	if multiLabel {
		var numClasses int
		for ii, key := range keys {
			var values []float32
			if err = json.Unmarshal(classMap[key], &values); err != nil {
				return nil, false, errors.Wrapf(err, "labels of node %q", key)
			}
			if labels == nil {
				numClasses = len(values)
				labels = tensors.Zeros(numNodes, numClasses)
			}
			if len(values) != numClasses {
				return nil, false, errors.Wrapf(shapes.ErrShape, "node %q has %d labels, expected %d", key, len(values), numClasses)
			}
			copy(labels.Row(nodeIDs[ii]), values)
		}
		return labels, true, nil
	}

	classes := make([]int, numNodes)
	minClass, maxClass := 0, 0
	for ii, key := range keys {
		var class int
		if err = json.Unmarshal(classMap[key], &class); err != nil {
			return nil, false, errors.Wrapf(err, "class of node %q", key)
		}
		classes[nodeIDs[ii]] = class
		if ii == 0 || class < minClass {
			minClass = class
		}
		if ii == 0 || class > maxClass {
			maxClass = class
		}
	}
	labels = tensors.Zeros(numNodes, maxClass-minClass+1)
	for node, class := range classes {
		labels.Set(node, class-minClass, 1)
	}
	return labels, false, nil
}

// LoadCSR loads a sparse matrix saved with scipy.sparse.save_npz in the CSR format.
func LoadCSR(path string) (*sparse.Matrix, error) {
	arrays, err := numpy.FromNpzFile(path)
	if err != nil {
		return nil, err
	}
	if format, found := arrays["format"]; found {
		values, err := format.Strings()
		if err != nil || len(values) != 1 || values[0] != "csr" {
			return nil, errors.Errorf("%q: only CSR sparse matrices are supported, got format %v", path, format.Data)
		}
	}
	ints := func(name string) ([]int, error) {
		array, found := arrays[name]
		if !found {
			return nil, errors.Errorf("%q: missing %q array of a CSR matrix", path, name)
		}
		values, err := array.Ints()
		return values, errors.WithMessagef(err, "%q: array %q", path, name)
	}
	shape, err := ints("shape")
	if err != nil {
		return nil, err
	}
	if len(shape) != 2 {
		return nil, errors.Wrapf(shapes.ErrShape, "%q: invalid CSR matrix shape %v", path, shape)
	}
	indPtr, err := ints("indptr")
	if err != nil {
		return nil, err
	}
	indices, err := ints("indices")
	if err != nil {
		return nil, err
	}
	var values []float32
	if dataArray, found := arrays["data"]; found {
		dataTensor, err := dataArray.ToTensor()
		if err != nil {
			return nil, errors.WithMessagef(err, "%q: array \"data\"", path)
		}
		values = dataTensor.Flat()
	} else {
		values = make([]float32, len(indices))
		for ii := range values {
			values[ii] = 1
		}
	}
	m, err := sparse.New(shape[0], shape[1], indPtr, indices, values)
	return m, errors.WithMessagef(err, "%q", path)
}

// SaveCSR saves the sparse matrix in path, in the format of scipy.sparse.save_npz.
func SaveCSR(m *sparse.Matrix, path string) error {
	toInt32 := func(values []int) *numpy.Array {
		converted := make([]int32, len(values))
		for ii, v := range values {
			converted[ii] = int32(v)
		}
		return &numpy.Array{Shape: shapes.Make(dtypes.Int32, len(values)), Data: converted}
	}
	return numpy.ArraysToNpzFile(map[string]*numpy.Array{
		"indptr":  toInt32(m.IndPtr()),
		"indices": toInt32(m.Indices()),
		"data":    {Shape: shapes.Make(dtypes.Float32, m.NNZ()), Data: slices.Clone(m.Values())},
		"shape":   {Shape: shapes.Make(dtypes.Int64, 2), Data: []int64{int64(m.Rows()), int64(m.Cols())}},
	}, path)
}

// SaveDir saves the graph in dir in the GraphSAINT format, see LoadDir. The directory is created if needed.
func SaveDir(g *Graph, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %q", dir)
	}
	if err := SaveCSR(g.AdjFull, filepath.Join(dir, AdjFullFile)); err != nil {
		return err
	}
	if err := SaveCSR(g.AdjTrain, filepath.Join(dir, AdjTrainFile)); err != nil {
		return err
	}
	if err := numpy.ToNpyFile(g.Features, filepath.Join(dir, FeaturesFile)); err != nil {
		return err
	}
	classMap := make(map[string]any, g.NumNodes())
	for node := range g.NumNodes() {
		row := g.Labels.Row(node)
		key := strconv.Itoa(node)
		if g.MultiLabel {
			labels := make([]int, len(row))
			for ii, v := range row {
				if v > 0 {
					labels[ii] = 1
				}
			}
			classMap[key] = labels
		} else {
			classMap[key] = argMax(row)
		}
	}
	if err := writeJSON(filepath.Join(dir, ClassMapFile), classMap); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, RoleFile), roles{Train: g.TrainNodes, Val: g.ValNodes, Test: g.TestNodes})
}

func writeJSON(path string, v any) error {
	content, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %q", path)
	}
	return errors.Wrapf(os.WriteFile(path, content, 0o644), "failed to write %q", path)
}

func argMax(values []float32) int {
	best := 0
	for ii, v := range values {
		if v > values[best] {
			best = ii
		}
	}
	return best
}
