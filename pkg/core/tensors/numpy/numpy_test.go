// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package numpy

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphsaint/pkg/core/shapes"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// rawNpy builds a version 1.0 .npy blob with the given descr and shape tuple.
func rawNpy(descr, shapeTuple string, fortran bool, data []byte) []byte {
	fortranStr := "False"
	if fortran {
		fortranStr = "True"
	}
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': %s, 'shape': %s, }\n", descr, fortranStr, shapeTuple)
	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY\x01\x00")
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	buf.Write(data)
	return buf.Bytes()
}

func encode(values any) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, values)
	return buf.Bytes()
}

func TestNpyRoundTrip(t *testing.T) {
	original := tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}})
	var buf bytes.Buffer
	require.NoError(t, ToNpyWriter(original, &buf))
	require.Equal(t, 0, (10+int(binary.LittleEndian.Uint16(buf.Bytes()[8:10])))%16)

	array, err := FromNpyReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, array.Shape.DType)
	assert.Equal(t, []int{2, 3}, array.Shape.Dimensions)
	loaded, err := array.ToTensor()
	require.NoError(t, err)
	assert.True(t, original.Equal(loaded))

	scalar := tensors.FromScalar(7)
	buf.Reset()
	require.NoError(t, ToNpyWriter(scalar, &buf))
	array, err = FromNpyReader(&buf)
	require.NoError(t, err)
	assert.Empty(t, array.Shape.Dimensions)
	assert.Equal(t, []float32{7}, array.Data)
}

func TestNpyDTypes(t *testing.T) {
	array, err := FromNpyReader(bytes.NewReader(rawNpy("<f8", "(3,)", false, encode([]float64{0.5, 1.5, -2}))))
	require.NoError(t, err)
	tensor, err := array.ToTensor()
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 1.5, -2}, tensor.Flat())

	halfs := []uint16{float16.Fromfloat32(1).Bits(), float16.Fromfloat32(-0.25).Bits()}
	array, err = FromNpyReader(bytes.NewReader(rawNpy("<f2", "(2,)", false, encode(halfs))))
	require.NoError(t, err)
	tensor, err = array.ToTensor()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, -0.25}, tensor.Flat())

	array, err = FromNpyReader(bytes.NewReader(rawNpy(">i4", "(2,)", false, []byte{0, 0, 0, 1, 0, 0, 1, 0})))
	require.NoError(t, err)
	ints, err := array.Ints()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 256}, ints)

	array, err = FromNpyReader(bytes.NewReader(rawNpy("|S3", "()", false, []byte("csr"))))
	require.NoError(t, err)
	strs, err := array.Strings()
	require.NoError(t, err)
	assert.Equal(t, []string{"csr"}, strs)
	_, err = array.ToTensor()
	require.Error(t, err)

	array, err = FromNpyReader(bytes.NewReader(rawNpy("<U2", "(1,)", false, encode([]uint32{'o', 'k'}))))
	require.NoError(t, err)
	strs, err = array.Strings()
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, strs)

	_, err = FromNpyReader(bytes.NewReader(rawNpy("<c8", "(1,)", false, make([]byte, 8))))
	require.Error(t, err)
	_, err = FromNpyReader(bytes.NewReader([]byte("not a numpy file")))
	require.Error(t, err)
}

func TestFortranOrder(t *testing.T) {
	// Column-major [[1, 2, 3], [4, 5, 6]].
	data := encode([]float32{1, 4, 2, 5, 3, 6})
	array, err := FromNpyReader(bytes.NewReader(rawNpy("<f4", "(2, 3)", true, data)))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, array.Data)
}

func TestNpz(t *testing.T) {
	// Mimics the layout scipy.sparse.save_npz uses for a CSR matrix.
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := map[string][]byte{
		"indices.npy": rawNpy("<i4", "(3,)", false, encode([]int32{1, 0, 2})),
		"indptr.npy":  rawNpy("<i4", "(4,)", false, encode([]int32{0, 1, 2, 3})),
		"data.npy":    rawNpy("|b1", "(3,)", false, []byte{1, 1, 1}),
		"shape.npy":   rawNpy("<i8", "(2,)", false, encode([]int64{3, 3})),
		"format.npy":  rawNpy("|S3", "()", false, []byte("csr")),
		"README.txt":  []byte("ignored"),
	}
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	arrays, err := FromNpzReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, arrays, 5)
	indices, err := arrays["indices"].Ints()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0, 2}, indices)
	shape, err := arrays["shape"].Ints()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3}, shape)
	values, err := arrays["data"].ToTensor()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 1}, values.Flat())
}

func TestNpzFile(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "weights.npz")
	f, err := os.Create(filePath)
	require.NoError(t, err)
	want := map[string]*tensors.Tensor{
		"w": tensors.FromValue([][]float32{{1, 2}, {3, 4}}),
		"b": tensors.FromValue([]float32{-1, 1}),
	}
	require.NoError(t, ToNpzWriter(want, f))
	require.NoError(t, f.Close())

	arrays, err := FromNpzFile(filePath)
	require.NoError(t, err)
	for name, tensor := range want {
		got, err := arrays[name].ToTensor()
		require.NoError(t, err)
		assert.True(t, tensor.Equal(got), "tensor %q", name)
	}
}

func TestArraysToNpzFile(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "adj.npz")
	require.NoError(t, ArraysToNpzFile(map[string]*Array{
		"indptr":  {Shape: shapes.Make(dtypes.Int32, 3), Data: []int32{0, 1, 3}},
		"indices": {Shape: shapes.Make(dtypes.Int64, 3), Data: []int64{1, 0, 1}},
		"data":    {Shape: shapes.Make(dtypes.Float64, 3), Data: []float64{1, 0.5, 0.5}},
	}, filePath))

	arrays, err := FromNpzFile(filePath)
	require.NoError(t, err)
	indPtr, err := arrays["indptr"].Ints()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 3}, indPtr)
	assert.Equal(t, []int64{1, 0, 1}, arrays["indices"].Data)
	assert.Equal(t, []float64{1, 0.5, 0.5}, arrays["data"].Data)

	err = ArraysToNpzFile(map[string]*Array{"s": {Data: []string{"a"}}}, filePath)
	require.Error(t, err)
}
