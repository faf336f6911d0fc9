// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements checkpoint management: saving and loading of the variables and
// hyperparameters of a context.Context.
//
// Example: a training program that continues from the latest checkpoint in a directory, if there is one,
// and saves a checkpoint every 100 steps, keeping the last 3:
//
//	ctx := saint.CreateDefaultContext()
//	checkpoint, err := checkpoints.Build(ctx).Dir(*flagCheckpoint).Keep(3).Done()
//	if err != nil { ... }
//	model, err := saint.New(cfg, features, adjFull, saint.WithContext(ctx))  // Variables are loaded from checkpoint.
//	...
//	loop, err := train.NewLoop(model)
//	train.EveryNSteps(loop, 100, "checkpointing", 0, checkpoint.OnStepFn)
//
// The variables of a checkpoint can also be loaded as a Bundle, and used as pretrained weights
// of a new model (see LoadBundle and saint.WithPretrained).
//
// Each checkpoint is stored in two files: a JSON file with the parameters and the variable
// metadata (names, shapes, trainable flags and offsets), and a binary file with the variable values
// in little-endian float32 (or float16, see Config.Half), optionally gzip compressed.
package checkpoints

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/gomlx/graphsaint/pkg/ml/train"
	"github.com/gomlx/graphsaint/pkg/ml/train/metrics"
	"github.com/gomlx/graphsaint/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// DirPermMode is the permission (before umask) of the checkpoint directories created.
const DirPermMode = 0770

// Config holds the options of a Handler under construction: see Build and Config.Done.
type Config struct {
	ctx *context.Context
	err error

	dir  string
	keep int

	includeParams bool
	excludeParams map[string]bool

	takeMean        int
	half, compress  bool
	excludeFromSave map[string]bool
}

// Build starts the configuration of a Handler for ctx. Set the directory (Dir, DirFromBase or TempDir),
// any other options, and finish with Config.Done.
func Build(ctx *context.Context) *Config {
	return &Config{
		ctx:             ctx,
		keep:            1,
		includeParams:   true,
		excludeParams:   make(map[string]bool),
		takeMean:        1,
		excludeFromSave: make(map[string]bool),
	}
}

// Dir of the checkpoints, created with DirPermMode if missing.
func (c *Config) Dir(dir string) *Config {
	c.dir = dir
	fi, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		c.setError(errors.Wrapf(err, "failed to os.Stat(%q)", dir))
		return c
	}
	if err == nil && !fi.IsDir() {
		c.setError(errors.Errorf("directory %q is not a directory", dir))
		return c
	}
	if err != nil {
		if err = os.MkdirAll(dir, DirPermMode); err != nil {
			c.setError(errors.Wrapf(err, "failed to create directory %q", dir))
		}
	}
	return c
}

// DirFromBase is like Dir, but a relative dir is taken under baseDir.
func (c *Config) DirFromBase(dir, baseDir string) *Config {
	if !path.IsAbs(dir) {
		dir = path.Join(baseDir, dir)
	}
	return c.Dir(dir)
}

// TempDir uses a new directory created with os.MkdirTemp(dir, pattern). Mostly used by tests.
func (c *Config) TempDir(dir, pattern string) *Config {
	var err error
	c.dir, err = os.MkdirTemp(dir, pattern)
	if err != nil {
		c.setError(errors.Wrapf(err, "failed to create temporary directory"))
	}
	return c
}

// ExcludeParams disables saving and loading of the hyperparameters, so a model can be trained further
// with new settings. With keys, only those hyperparameters are excluded, in every scope.
func (c *Config) ExcludeParams(keys ...string) *Config {
	if len(keys) == 0 {
		c.includeParams = false
		return c
	}
	for _, key := range keys {
		c.excludeParams[key] = true
	}
	return c
}

// ExcludeVarsFromSaving adds vars to the set of variables not written by Handler.Save.
func (c *Config) ExcludeVarsFromSaving(vars ...*context.Variable) *Config {
	for _, v := range vars {
		c.excludeFromSave[v.ScopeAndName()] = true
	}
	return c
}

// Keep sets how many checkpoints are kept in the directory, 1 by default. Older ones are removed after each
// save. Use -1 to keep all.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// TakeMean averages the trainable variables of the latest n checkpoints when loading (all of them if n <= 0).
// Non-trainable ones, like the global step, come from the latest checkpoint. Default is 1.
func (c *Config) TakeMean(n int) *Config {
	c.takeMean = n
	return c
}

// Half configures the Handler to save trainable variables in float16, halving the size of the checkpoints.
// Non-trainable variables (the global step, optimizer state) are always saved in float32.
// Values are converted back to float32 when loading.
func (c *Config) Half() *Config {
	c.half = true
	return c
}

// Compress configures the Handler to gzip the variable values of the saved checkpoints.
// Loading detects compressed checkpoints automatically.
func (c *Config) Compress() *Config {
	c.compress = true
	return c
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Done returns the Handler, or the first configuration error.
//
// The latest checkpoint in the directory, if any, is read (averaged according to TakeMean), and the Handler
// becomes the Loader of the context: hyperparameters are set right away, variables as the model creates them.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.Errorf("directory for checkpoints not configured or empty")
	}
	handler := &Handler{
		config:         c,
		serialized:     &serializedData{},
		variableValues: make(map[string]*tensors.Tensor),
	}
	checkpoints, err := handler.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	handler.checkpointsCount = maxCheckPointCountFromCheckpoints(checkpoints) + 1
	if len(checkpoints) > 0 {
		takeMean := c.takeMean
		if takeMean <= 0 || takeMean > len(checkpoints) {
			takeMean = len(checkpoints)
		}
		if takeMean == 1 {
			err = handler.loadCheckpoint(checkpoints[len(checkpoints)-1], false, 0)
		} else {
			err = handler.takeMean(checkpoints[len(checkpoints)-takeMean:])
		}
		if err != nil {
			return nil, err
		}
	}
	if err = handler.attachTo(c.ctx); err != nil {
		return nil, err
	}
	return handler, nil
}

// Handler saves and loads the checkpoints of one context.Context.
//
// Reading happens once, in Config.Done. Loaded values are handed to the context as the variables are
// created, and dropped from the Handler. Save writes every context variable, plus the loaded values the
// model never asked for, plus the hyperparameters.
//
// Several Handlers may be attached to the same context: the one created first has priority when loading.
type Handler struct {
	config            *Config
	ctx               *context.Context
	prevContextLoader context.Loader

	// loaded holds the metadata of the checkpoint loaded, serialized the one being saved.
	loaded, serialized *serializedData
	variableValues     map[string]*tensors.Tensor

	checkpointsCount int
}

// serializedData is the contents of the JSON metadata file.
type serializedData struct {
	Params []serializedParam

	// Variables in the order they are stored in the data file.
	Variables []serializedVar
}

// serializedVar contains information about the variable that was serialized.
type serializedVar struct {
	// ParameterName is the variable's scope and name, see context.Variable.ScopeAndName.
	ParameterName string

	// Dimensions of the shape.
	Dimensions []int

	// DType in which the values are stored.
	DType string

	Trainable bool

	// Pos, Length in bytes in the (uncompressed) data.
	Pos, Length int
}

// serializedParam is one hyperparameter. ValueType is kept since JSON numbers decode as float64.
type serializedParam struct {
	Scope, Key string
	Value      any
	ValueType  string
}

// jsonDecodeTypeConvert restores p.Value to ValueType, where it is known.
func (p *serializedParam) jsonDecodeTypeConvert() {
	switch value := p.Value.(type) {
	case float64:
		switch p.ValueType {
		case "int":
			p.Value = int(value)
		case "int32":
			p.Value = int32(value)
		case "int64":
			p.Value = int64(value)
		case "uint64":
			p.Value = uint64(value)
		case "float32":
			p.Value = float32(value)
		}

	case []any:
		switch p.ValueType {
		case "[]int":
			p.Value = mapSlice(value, func(f float64) int { return int(f) })
		case "[]float64":
			p.Value = mapSlice(value, func(f float64) float64 { return f })
		case "[]string":
			p.Value = mapSlice(value, func(s string) string { return s })
		case "[]any", "[]interface {}":
			// Keep as is.
		}
	}
}

// mapSlice converts the elements decoded by Json to the type of fn's input, and then applies fn.
func mapSlice[From, To any](in []any, fn func(From) To) []To {
	out := make([]To, len(in))
	for ii, v := range in {
		from, _ := v.(From)
		out[ii] = fn(from)
	}
	return out
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// newCheckpointBaseName returns the base name for the checkpoint files.
func (h *Handler) newCheckpointBaseName(globalStep int64) string {
	now := time.Now().Format("20060102-150405")
	baseName := fmt.Sprintf("%sn%07d-%s", baseNamePrefix, h.checkpointsCount, now)
	if globalStep > 0 {
		return fmt.Sprintf("%s-step-%08d", baseName, globalStep)
	}
	return fmt.Sprintf("%s-initial", baseName)
}

const (
	baseNamePrefix   = "checkpoint-"
	jsonNameSuffix   = ".json"
	varDataSuffix    = ".bin"
	compressedSuffix = ".gz"
)

// ListCheckpoints returns the base names of the saved checkpoints, oldest first.
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	checkpoints, err = listCheckpoints(h.config.dir)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", h)
	}
	return checkpoints, nil
}

func listCheckpoints(dir string) (checkpoints []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing checkpoints in %q", dir)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, jsonNameSuffix) {
			continue
		}
		checkpoints = append(checkpoints, strings.TrimSuffix(fileName, jsonNameSuffix))
	}
	sort.Strings(checkpoints)
	return checkpoints, nil
}

// HasCheckpoints reports whether the directory holds any checkpoint.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckPointCountFromCheckpoints returns the highest sequence number among the given base names, or -1.
func maxCheckPointCountFromCheckpoints(checkpoints []string) int {
	maxID := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		maxID = max(maxID, id)
	}
	return maxID
}

// readCheckpoint reads the metadata and the variable values of a checkpoint.
func readCheckpoint(dir, baseName string) (*serializedData, map[string]*tensors.Tensor, error) {
	jsonFileName := filepath.Join(dir, baseName+jsonNameSuffix)
	jsonContents, err := os.ReadFile(jsonFileName)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read checkpoint metadata file %s", jsonFileName)
	}
	var serialized *serializedData
	if err = json.Unmarshal(jsonContents, &serialized); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to decode contents of checkpoint metadata file %s", jsonFileName)
	}
	for ii := range serialized.Params {
		// Recover original type where possible.
		serialized.Params[ii].jsonDecodeTypeConvert()
	}

	// Data file may be compressed.
	varFileName := filepath.Join(dir, baseName+varDataSuffix)
	compressed := false
	if _, err = os.Stat(varFileName); os.IsNotExist(err) {
		varFileName += compressedSuffix
		compressed = true
	}
	varFile, err := os.Open(varFileName)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open checkpoint data file %s", varFileName)
	}
	defer func() { _ = varFile.Close() }()
	var reader io.Reader = varFile
	if compressed {
		gzReader, err := gzip.NewReader(varFile)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to decompress checkpoint data file %s", varFileName)
		}
		defer func() { _ = gzReader.Close() }()
		reader = gzReader
	}

	values := make(map[string]*tensors.Tensor, len(serialized.Variables))
	pos := 0
	for _, varInfo := range serialized.Variables {
		if varInfo.Pos != pos {
			return nil, nil, errors.Errorf("checkpoint data file %s: variable %q at position %d, expected %d",
				varFileName, varInfo.ParameterName, varInfo.Pos, pos)
		}
		rawBytes := make([]byte, varInfo.Length)
		if _, err = io.ReadFull(reader, rawBytes); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to read variable %q from checkpoint data file %s at position %d",
				varInfo.ParameterName, varFileName, varInfo.Pos)
		}
		pos += varInfo.Length
		value, err := decodeValues(varInfo, rawBytes)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "checkpoint data file %s", varFileName)
		}
		values[varInfo.ParameterName] = value
	}
	return serialized, values, nil
}

var (
	dtypeFloat32 = dtypes.Float32.String()
	dtypeFloat16 = dtypes.Float16.String()
)

// encodeValues returns the little-endian bytes of t, in the given dtype.
func encodeValues(t *tensors.Tensor, dtype string) []byte {
	flat := t.Flat()
	if dtype == dtypeFloat16 {
		data := make([]byte, 2*len(flat))
		for ii, v := range flat {
			binary.LittleEndian.PutUint16(data[2*ii:], float16.Fromfloat32(v).Bits())
		}
		return data
	}
	data := make([]byte, 4*len(flat))
	for ii, v := range flat {
		binary.LittleEndian.PutUint32(data[4*ii:], math.Float32bits(v))
	}
	return data
}

func decodeValues(varInfo serializedVar, rawBytes []byte) (*tensors.Tensor, error) {
	size := 1
	for _, dim := range varInfo.Dimensions {
		size *= dim
	}
	data := make([]float32, size)
	switch varInfo.DType {
	case dtypeFloat32:
		if len(rawBytes) != 4*size {
			return nil, errors.Errorf("variable %q: %d bytes for %d float32 values", varInfo.ParameterName, len(rawBytes), size)
		}
		for ii := range data {
			data[ii] = math.Float32frombits(binary.LittleEndian.Uint32(rawBytes[4*ii:]))
		}
	case dtypeFloat16:
		if len(rawBytes) != 2*size {
			return nil, errors.Errorf("variable %q: %d bytes for %d float16 values", varInfo.ParameterName, len(rawBytes), size)
		}
		for ii := range data {
			data[ii] = float16.Frombits(binary.LittleEndian.Uint16(rawBytes[2*ii:])).Float32()
		}
	default:
		return nil, errors.Errorf("variable %q stored with unsupported dtype %q", varInfo.ParameterName, varInfo.DType)
	}
	return tensors.FromFlatDataAndDimensions(data, varInfo.Dimensions...), nil
}

// loadCheckpoint reads baseName, before attachTo. Without merge it replaces whatever was read before;
// with merge the trainable values become a weighted sum, with mergeWeight for the new ones.
func (h *Handler) loadCheckpoint(baseName string, merge bool, mergeWeight float32) error {
	if h.ctx != nil {
		return errors.Errorf("%s tried to loadCheckpoint(%q) after being attached to a Context, this is not allowed",
			h, baseName)
	}
	klog.V(1).Infof("%s: loading %q", h, baseName)
	serialized, values, err := readCheckpoint(h.config.dir, baseName)
	if err != nil {
		return errors.WithMessagef(err, "%s", h)
	}
	if !h.config.includeParams {
		serialized.Params = nil
	} else if len(h.config.excludeParams) > 0 {
		serialized.Params = slices.DeleteFunc(serialized.Params, func(p serializedParam) bool {
			return h.config.excludeParams[p.Key]
		})
	}
	if !merge {
		h.serialized = serialized
		h.variableValues = values
		return nil
	}

	// Merge trainable values: current*(1-mergeWeight) + new*mergeWeight.
	for _, varInfo := range serialized.Variables {
		current, found := h.variableValues[varInfo.ParameterName]
		if !found || !varInfo.Trainable {
			// Variable not found in last checkpoint or not merge-able, just ignore it.
			continue
		}
		value := values[varInfo.ParameterName]
		if !current.Shape().Equal(value.Shape()) {
			return errors.Errorf("%s: cannot take the mean of variable %q: shapes %s and %s differ",
				h, varInfo.ParameterName, current.Shape(), value.Shape())
		}
		currentFlat, valueFlat := current.Flat(), value.Flat()
		for ii := range currentFlat {
			currentFlat[ii] = currentFlat[ii]*(1-mergeWeight) + valueFlat[ii]*mergeWeight
		}
	}
	return nil
}

// takeMean reads the last of baseNames, and folds the trainable values of the others into a running mean,
// one checkpoint at a time.
func (h *Handler) takeMean(baseNames []string) error {
	err := h.loadCheckpoint(baseNames[len(baseNames)-1], false, 0)
	if err != nil {
		return err
	}
	for ii, baseName := range baseNames[:len(baseNames)-1] {
		mergeWeight := 1.0 / (float32(ii) + 2.0)
		if err = h.loadCheckpoint(baseName, true, mergeWeight); err != nil {
			return err
		}
	}
	return nil
}

// Save writes a new checkpoint, named after the global step, and then removes the ones exceeding Config.Keep.
// Loaded variables the model did not use are saved along.
func (h *Handler) Save() error {
	if h.ctx == nil {
		return errors.Errorf("%s not attached to a context.Context yet", h)
	}

	var globalStep int64
	if err := exceptions.TryCatch[error](func() { globalStep = optimizers.GetGlobalStep(h.ctx) }); err != nil {
		return errors.WithMessagef(err, "%s reading global step", h)
	}

	// Copy over Params.
	h.serialized.Params = nil
	if h.config.includeParams {
		h.ctx.EnumerateParams(func(scope, key string, value any) {
			if h.config.excludeParams[key] {
				return
			}
			h.serialized.Params = append(h.serialized.Params,
				serializedParam{Scope: scope, Key: key, Value: value, ValueType: fmt.Sprintf("%T", value)})
		})
	}

	// Serialize variables: both from Context and previously loaded ones.
	var data bytes.Buffer
	h.serialized.Variables = make([]serializedVar, 0, h.ctx.NumVariables()+len(h.variableValues))
	saveVar := func(name string, value *tensors.Tensor, trainable bool) {
		dtype := dtypeFloat32
		if h.config.half && trainable {
			dtype = dtypeFloat16
		}
		rawData := encodeValues(value, dtype)
		h.serialized.Variables = append(h.serialized.Variables, serializedVar{
			ParameterName: name,
			Dimensions:    slices.Clone(value.Shape().Dimensions),
			DType:         dtype,
			Trainable:     trainable,
			Pos:           data.Len(),
			Length:        len(rawData),
		})
		data.Write(rawData)
	}
	for v := range h.ctx.IterVariables() {
		if h.config.excludeFromSave[v.ScopeAndName()] || !v.IsValid() {
			continue
		}
		saveVar(v.ScopeAndName(), v.Value(), v.Trainable)
	}
	pending := maps.Keys(h.variableValues)
	slices.Sort(pending)
	for _, name := range pending {
		saveVar(name, h.variableValues[name], h.loadedTrainable(name))
	}

	// Write the data file first: the metadata file marks the checkpoint as complete.
	baseName := h.newCheckpointBaseName(globalStep)
	h.checkpointsCount++
	varFileName := filepath.Join(h.config.dir, baseName+varDataSuffix)
	rawData := data.Bytes()
	if h.config.compress {
		varFileName += compressedSuffix
		var compressed bytes.Buffer
		gzWriter := gzip.NewWriter(&compressed)
		if _, err := gzWriter.Write(rawData); err != nil {
			return errors.Wrapf(err, "%s: failed to compress checkpoint data", h)
		}
		if err := gzWriter.Close(); err != nil {
			return errors.Wrapf(err, "%s: failed to compress checkpoint data", h)
		}
		rawData = compressed.Bytes()
	}
	if err := os.WriteFile(varFileName, rawData, 0o644); err != nil {
		return errors.Wrapf(err, "%s: failed to write checkpoint data file %s", h, varFileName)
	}
	jsonContents, err := json.MarshalIndent(h.serialized, "", "\t")
	if err != nil {
		return errors.Wrapf(err, "%s: failed to encode checkpoint metadata", h)
	}
	jsonFileName := filepath.Join(h.config.dir, baseName+jsonNameSuffix)
	if err = os.WriteFile(jsonFileName, jsonContents, 0o644); err != nil {
		return errors.Wrapf(err, "%s: failed to write checkpoint metadata file %s", h, jsonFileName)
	}
	if klog.V(1).Enabled() {
		klog.Infof("%s: saved %q (%d variables, %s)", h, baseName, len(h.serialized.Variables),
			humanize.Bytes(uint64(len(rawData))))
	}

	// Remove excess checkpoints.
	return h.keepNCheckpoints()
}

// loadedTrainable returns whether a loaded variable not yet used by the context was trainable.
func (h *Handler) loadedTrainable(name string) bool {
	if h.loaded == nil {
		return false
	}
	for _, varInfo := range h.loaded.Variables {
		if varInfo.ParameterName == name {
			return varInfo.Trainable
		}
	}
	return false
}

// OnStepFn calls Save. It matches train.OnStepFn, to be used with train.EveryNSteps and alike.
func (h *Handler) OnStepFn(_ *train.Loop, _ []metrics.Value) error {
	return h.Save()
}

// keepNCheckpoints removes the oldest checkpoints beyond Config.Keep.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "%s failed to list saved checkpoints", h)
	}
	if len(list) <= h.config.keep {
		return nil
	}

	// Remove the excess checkpoints, starting from the earlier ones.
	for _, baseName := range list[:len(list)-h.config.keep] {
		for _, suffix := range []string{jsonNameSuffix, varDataSuffix, varDataSuffix + compressedSuffix} {
			fileName := filepath.Join(h.config.dir, baseName+suffix)
			err = os.Remove(fileName)
			if err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, fileName)
			}
		}
	}
	return nil
}

// attachTo installs h as the Loader of ctx and sets the hyperparameters read.
func (h *Handler) attachTo(ctx *context.Context) error {
	if h.ctx != nil {
		return errors.Errorf("%s already attached to a Context, can not attach to another one", h)
	}
	h.ctx = ctx
	h.prevContextLoader = ctx.Loader()
	ctx.SetLoader(h)
	h.loaded = h.serialized
	h.serialized = &serializedData{}

	// Sets ctx.Params with values read, if any.
	for _, p := range h.loaded.Params {
		ctx.InAbsPath(p.Scope).SetParam(p.Key, p.Value)
	}
	return nil
}

// Dir of the checkpoints, or "" for a nil Handler.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

// LoadVariable implements context.Loader. Loaders installed before h take precedence.
func (h *Handler) LoadVariable(ctx *context.Context, scope, name string) (value *tensors.Tensor, found bool) {
	if h.prevContextLoader != nil {
		value, found = h.prevContextLoader.LoadVariable(ctx, scope, name)
		if found {
			return
		}
	}
	key := context.JoinScope(scope, name)
	value, found = h.variableValues[key]
	if !found {
		return
	}
	// "Consume" value, meaning remove it from Handler.
	delete(h.variableValues, key)
	return
}

// DeleteVariable implements context.Loader. It removes the variable from the values loaded and not yet used,
// so it won't be saved again.
func (h *Handler) DeleteVariable(ctx *context.Context, scope, name string) error {
	if h.prevContextLoader != nil {
		if err := h.prevContextLoader.DeleteVariable(ctx, scope, name); err != nil {
			return err
		}
	}
	delete(h.variableValues, context.JoinScope(scope, name))
	return nil
}

// LoadedVariables returns the values read and not yet taken by the context. The map is owned by the Handler.
func (h *Handler) LoadedVariables() map[string]*tensors.Tensor {
	return h.variableValues
}
