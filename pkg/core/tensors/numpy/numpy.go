// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package numpy allows one to read/write arrays in Python's NumPy npy and npz file formats.
//
// GraphSAINT datasets are distributed as `.npy` (dense node features) and `.npz` (scipy sparse
// matrices, which are zip files of `.npy` arrays) files, so reading supports all the dtypes
// found there, including byte and unicode strings. Writing only supports float32 tensors.
package numpy

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphsaint/pkg/core/shapes"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Array is a NumPy array as read from a `.npy` file.
//
// Data holds a flat Go slice in row-major order: []bool, []int8, []uint8, []int16, []uint16, []int32,
// []uint32, []int64, []uint64, []float16.Float16, []float32, []float64 or, for string arrays, []string.
// For string arrays Shape.DType is dtypes.InvalidDType.
type Array struct {
	Shape shapes.Shape
	Data  any
}

// FromNpyFile reads a .npy file.
func FromNpyFile(filePath string) (*Array, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npy file %q", filePath)
	}
	defer func() { _ = file.Close() }()
	return FromNpyReader(file)
}

// FromNpyReader reads a .npy file from an io.Reader.
func FromNpyReader(r io.Reader) (*Array, error) {
	// Read and validate the magic string.
	magic := make([]byte, 6)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, errors.Wrapf(err, "failed to read magic string")
	}
	if string(magic) != "\x93NUMPY" {
		return nil, errors.Errorf("invalid .npy file format: magic string mismatch")
	}

	version := make([]byte, 2)
	if _, err := io.ReadFull(r, version); err != nil {
		return nil, errors.Wrapf(err, "failed to read version")
	}

	var headerLen uint32
	switch {
	case version[0] == 1:
		lenBytes := make([]byte, 2)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length (v1.0)")
		}
		headerLen = uint32(binary.LittleEndian.Uint16(lenBytes))
	case version[0] >= 2:
		lenBytes := make([]byte, 4)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length (v2.0+)")
		}
		headerLen = binary.LittleEndian.Uint32(lenBytes)
	default:
		return nil, errors.Errorf("unsupported .npy version: %d.%d", version[0], version[1])
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, errors.Wrapf(err, "failed to read header")
	}
	// Example: "{'descr': '<f4', 'fortran_order': False, 'shape': (1, 2, 3), }"
	descr, dims, fortranOrder, err := parseNpyHeader(string(headerBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse .npy header")
	}

	var byteOrder binary.ByteOrder = binary.LittleEndian
	if strings.HasPrefix(descr, ">") {
		byteOrder = binary.BigEndian
	}
	dtype, itemSize, err := npyDTypeToGo(descr)
	if err != nil {
		return nil, err
	}
	numItems := 1
	for _, dim := range dims {
		numItems *= dim
	}
	data := make([]byte, numItems*itemSize)
	if _, err = io.ReadFull(r, data); err != nil {
		return nil, errors.Wrapf(err, "failed to read array data (expected %d bytes)", len(data))
	}
	if fortranOrder && len(dims) > 1 {
		cData := make([]byte, len(data))
		if err = FortranToCLayout(itemSize, dims, data, cData); err != nil {
			return nil, err
		}
		data = cData
	}

	array := &Array{Shape: shapes.Shape{DType: dtype, Dimensions: dims}}
	if dtype == dtypes.InvalidDType {
		array.Data, err = decodeStrings(descr, itemSize, numItems, data)
	} else {
		array.Data, err = decodeNumbers(dtype, numItems, data, byteOrder)
	}
	if err != nil {
		return nil, err
	}
	return array, nil
}

// FortranToCLayout converts the bytes of a column-major (Fortran) array to row-major (C) layout.
func FortranToCLayout(itemSize int, dims []int, fortranData []byte, cData []byte) error {
	if itemSize <= 0 {
		return errors.Errorf("itemSize must be positive, got %d", itemSize)
	}
	if len(fortranData) != len(cData) {
		return errors.Errorf("fortranData (%d bytes) and cData (%d bytes) must have the same length",
			len(fortranData), len(cData))
	}
	rank := len(dims)
	fortranStrides := make([]int, rank)
	stride := 1
	for axis, dim := range dims {
		fortranStrides[axis] = stride
		stride *= dim
	}
	if stride*itemSize != len(cData) {
		return errors.Errorf("dimensions %v with item size %d don't match data length %d", dims, itemSize, len(cData))
	}

	indices := make([]int, rank)
	for cIdx := 0; cIdx < stride; cIdx++ {
		fIdx := 0
		for axis, axisIdx := range indices {
			fIdx += axisIdx * fortranStrides[axis]
		}
		copy(cData[cIdx*itemSize:(cIdx+1)*itemSize], fortranData[fIdx*itemSize:(fIdx+1)*itemSize])
		// Increment C-order indices, last axis first.
		for axis := rank - 1; axis >= 0; axis-- {
			indices[axis]++
			if indices[axis] < dims[axis] {
				break
			}
			indices[axis] = 0
		}
	}
	return nil
}

var (
	reDescr   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	reFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	reShape   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// parseNpyHeader extracts dtype, shape, and fortran_order from the .npy header string.
// This is a simplified parser and not robust for all .npy header variations (e.g. structured dtypes).
func parseNpyHeader(header string) (descr string, dims []int, fortranOrder bool, err error) {
	mDescr := reDescr.FindStringSubmatch(header)
	if len(mDescr) < 2 {
		err = errors.Errorf("could not find 'descr' in header: %q", header)
		return
	}
	descr = mDescr[1]

	mFortran := reFortran.FindStringSubmatch(header)
	if len(mFortran) < 2 {
		err = errors.Errorf("could not find 'fortran_order' in header: %q", header)
		return
	}
	fortranOrder = mFortran[1] == "True"

	mShape := reShape.FindStringSubmatch(header)
	if len(mShape) < 2 {
		err = errors.Errorf("could not find 'shape' in header: %q", header)
		return
	}
	dims = []int{}
	for _, p := range strings.Split(mShape[1], ",") {
		p = strings.TrimSpace(p)
		if p == "" { // Handles trailing comma like (10,) and scalars ().
			continue
		}
		val, pErr := strconv.Atoi(strings.TrimSuffix(p, "L"))
		if pErr != nil {
			err = errors.Wrapf(pErr, "invalid shape value %q in header", p)
			return
		}
		dims = append(dims, val)
	}
	return
}

// npyDTypeToGo converts a NumPy dtype description to a dtypes.DType and the size of each item.
// String types ("S<n>" and "U<n>") return dtypes.InvalidDType.
func npyDTypeToGo(descr string) (dtypes.DType, int, error) {
	base := strings.TrimLeft(descr, "<>=|")
	switch base {
	case "b1", "?":
		return dtypes.Bool, 1, nil
	case "i1":
		return dtypes.Int8, 1, nil
	case "u1":
		return dtypes.Uint8, 1, nil
	case "i2":
		return dtypes.Int16, 2, nil
	case "u2":
		return dtypes.Uint16, 2, nil
	case "i4":
		return dtypes.Int32, 4, nil
	case "u4":
		return dtypes.Uint32, 4, nil
	case "i8":
		return dtypes.Int64, 8, nil
	case "u8":
		return dtypes.Uint64, 8, nil
	case "f2":
		return dtypes.Float16, 2, nil
	case "f4":
		return dtypes.Float32, 4, nil
	case "f8":
		return dtypes.Float64, 8, nil
	}
	if len(base) > 1 && (base[0] == 'S' || base[0] == 'U') {
		n, err := strconv.Atoi(base[1:])
		if err != nil {
			return dtypes.InvalidDType, 0, errors.Wrapf(err, "invalid string NumPy dtype %q", descr)
		}
		if base[0] == 'U' {
			n *= 4 // UTF-32 code points.
		}
		return dtypes.InvalidDType, n, nil
	}
	return dtypes.InvalidDType, 0, errors.Errorf("unsupported NumPy dtype: %s", descr)
}

func decodeNumbers(dtype dtypes.DType, numItems int, data []byte, byteOrder binary.ByteOrder) (any, error) {
	var flat any
	switch dtype {
	case dtypes.Bool:
		flat = make([]bool, numItems)
	case dtypes.Int8:
		flat = make([]int8, numItems)
	case dtypes.Uint8:
		flat = make([]uint8, numItems)
	case dtypes.Int16:
		flat = make([]int16, numItems)
	case dtypes.Uint16, dtypes.Float16:
		flat = make([]uint16, numItems)
	case dtypes.Int32:
		flat = make([]int32, numItems)
	case dtypes.Uint32:
		flat = make([]uint32, numItems)
	case dtypes.Int64:
		flat = make([]int64, numItems)
	case dtypes.Uint64:
		flat = make([]uint64, numItems)
	case dtypes.Float32:
		flat = make([]float32, numItems)
	case dtypes.Float64:
		flat = make([]float64, numItems)
	default:
		return nil, errors.Errorf("dtype %s not supported", dtype)
	}
	if err := binary.Read(bytes.NewReader(data), byteOrder, flat); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %d values of dtype %s", numItems, dtype)
	}
	if dtype == dtypes.Float16 {
		bits := flat.([]uint16)
		halfs := make([]float16.Float16, numItems)
		for ii, b := range bits {
			halfs[ii] = float16.Frombits(b)
		}
		flat = halfs
	}
	return flat, nil
}

func decodeStrings(descr string, itemSize, numItems int, data []byte) ([]string, error) {
	isUnicode := strings.TrimLeft(descr, "<>=|")[0] == 'U'
	byteOrder := binary.ByteOrder(binary.LittleEndian)
	if strings.HasPrefix(descr, ">") {
		byteOrder = binary.BigEndian
	}
	values := make([]string, numItems)
	for ii := range values {
		item := data[ii*itemSize : (ii+1)*itemSize]
		if !isUnicode {
			values[ii] = string(bytes.TrimRight(item, "\x00"))
			continue
		}
		var sb strings.Builder
		for pos := 0; pos+4 <= len(item); pos += 4 {
			r := rune(byteOrder.Uint32(item[pos:]))
			if r == 0 {
				break
			}
			if !utf8.ValidRune(r) {
				return nil, errors.Errorf("invalid unicode code point %d in NumPy %q array", r, descr)
			}
			sb.WriteRune(r)
		}
		values[ii] = sb.String()
	}
	return values, nil
}

// ToTensor converts the array to a float32 tensors.Tensor. Arrays of rank > 2 are not supported.
func (a *Array) ToTensor() (*tensors.Tensor, error) {
	if a.Shape.Rank() > tensors.MaxRank {
		return nil, errors.Errorf("cannot convert NumPy array of shape %s to tensor: rank > %d", a.Shape, tensors.MaxRank)
	}
	var flat []float32
	switch data := a.Data.(type) {
	case []float32:
		flat = data
	case []float64:
		flat = convert[float64](data)
	case []float16.Float16:
		flat = make([]float32, len(data))
		for ii, v := range data {
			flat[ii] = v.Float32()
		}
	case []int32:
		flat = convert[int32](data)
	case []int64:
		flat = convert[int64](data)
	case []int8:
		flat = convert[int8](data)
	case []uint8:
		flat = convert[uint8](data)
	case []bool:
		flat = make([]float32, len(data))
		for ii, v := range data {
			if v {
				flat[ii] = 1
			}
		}
	default:
		return nil, errors.Errorf("cannot convert NumPy array of type %T to float32 tensor", a.Data)
	}
	return tensors.FromFlatDataAndDimensions(flat, a.Shape.Dimensions...), nil
}

func convert[T int8 | uint8 | int32 | int64 | float64](data []T) []float32 {
	flat := make([]float32, len(data))
	for ii, v := range data {
		flat[ii] = float32(v)
	}
	return flat
}

// Ints returns the array values converted to int. It works for integer arrays only.
func (a *Array) Ints() ([]int, error) {
	switch data := a.Data.(type) {
	case []int32:
		return toInts(data), nil
	case []int64:
		return toInts(data), nil
	case []uint32:
		return toInts(data), nil
	case []uint64:
		return toInts(data), nil
	case []int16:
		return toInts(data), nil
	case []uint16:
		return toInts(data), nil
	case []int8:
		return toInts(data), nil
	case []uint8:
		return toInts(data), nil
	}
	return nil, errors.Errorf("NumPy array of type %T is not an integer array", a.Data)
}

func toInts[T int8 | uint8 | int16 | uint16 | int32 | uint32 | int64 | uint64](data []T) []int {
	ints := make([]int, len(data))
	for ii, v := range data {
		ints[ii] = int(v)
	}
	return ints
}

// Strings returns the values of a string array.
func (a *Array) Strings() ([]string, error) {
	values, ok := a.Data.([]string)
	if !ok {
		return nil, errors.Errorf("NumPy array of type %T is not a string array", a.Data)
	}
	return values, nil
}

// FromNpzFile reads a .npz file and returns a map of array names to arrays.
func FromNpzFile(filePath string) (map[string]*Array, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npz file %q", filePath)
	}
	defer func() { _ = file.Close() }()

	// Need file info for zip.NewReader, which requires a ReaderAt and size.
	info, err := file.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat .npz file %q", filePath)
	}
	return FromNpzReader(file, info.Size())
}

// FromNpzReader reads a .npz file from an io.ReaderAt and size.
func FromNpzReader(r io.ReaderAt, size int64) (map[string]*Array, error) {
	zipReader, err := zip.NewReader(r, size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create zip reader for `.npz`")
	}

	results := make(map[string]*Array)
	for _, f := range zipReader.File {
		cleanPath := path.Clean(f.Name)
		if path.IsAbs(cleanPath) || strings.HasPrefix(cleanPath, "..") {
			return nil, errors.Errorf("invalid (malicious?) path in .npz archive: %q (normalized to %q)",
				f.Name, cleanPath)
		}
		if !strings.HasSuffix(f.Name, ".npy") {
			klog.V(1).Infof("skipping non-.npy file %q in .npz archive", f.Name)
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %q within .npz", f.Name)
		}
		array, err := FromNpyReader(rc)
		_ = rc.Close()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read array %q from .npz", f.Name)
		}
		results[strings.TrimSuffix(f.Name, ".npy")] = array
	}
	return results, nil
}

// ToNpyWriter serializes a float32 tensors.Tensor to an io.Writer in .npy format (version 1.0).
func ToNpyWriter(tensor *tensors.Tensor, w io.Writer) error {
	return writeNpy(w, "<f4", tensor.Shape().Dimensions, tensor.Flat())
}

// npyDescr returns the NumPy dtype description of the numeric Go slices supported for writing.
func npyDescr(data any) (string, error) {
	switch data.(type) {
	case []int8:
		return "|i1", nil
	case []uint8:
		return "|u1", nil
	case []int16:
		return "<i2", nil
	case []uint16:
		return "<u2", nil
	case []int32:
		return "<i4", nil
	case []uint32:
		return "<u4", nil
	case []int64:
		return "<i8", nil
	case []uint64:
		return "<u8", nil
	case []float32:
		return "<f4", nil
	case []float64:
		return "<f8", nil
	}
	return "", errors.Errorf("writing NumPy arrays of type %T is not supported", data)
}

// WriteNpy serializes a numeric array (not strings, bools or float16) to w in .npy format.
func (a *Array) WriteNpy(w io.Writer) error {
	descr, err := npyDescr(a.Data)
	if err != nil {
		return err
	}
	return writeNpy(w, descr, a.Shape.Dimensions, a.Data)
}

func writeNpy(w io.Writer, descr string, dimensions []int, data any) error {
	var shapeTuple string
	switch len(dimensions) {
	case 0:
		shapeTuple = "()"
	case 1:
		shapeTuple = fmt.Sprintf("(%d,)", dimensions[0])
	default:
		dimsStr := make([]string, len(dimensions))
		for i, dim := range dimensions {
			dimsStr[i] = strconv.Itoa(dim)
		}
		shapeTuple = fmt.Sprintf("(%s)", strings.Join(dimsStr, ", "))
	}
	headerDict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, shapeTuple)

	// Magic (6) + Version (2) + HeaderLen (2) = 10 bytes of preamble, and the total must be a
	// multiple of 16, terminated by a newline.
	var headerBuf bytes.Buffer
	headerBuf.WriteString(headerDict)
	for (10+headerBuf.Len()+1)%16 != 0 {
		headerBuf.WriteByte(' ')
	}
	headerBuf.WriteByte('\n')
	headerBytes := headerBuf.Bytes()

	if _, err := w.Write([]byte("\x93NUMPY\x01\x00")); err != nil {
		return errors.Wrapf(err, "failed to write magic string and version")
	}
	headerLenBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(headerLenBytes, uint16(len(headerBytes)))
	if _, err := w.Write(headerLenBytes); err != nil {
		return errors.Wrapf(err, "failed to write header length")
	}
	if _, err := w.Write(headerBytes); err != nil {
		return errors.Wrapf(err, "failed to write header")
	}
	if err := binary.Write(w, binary.LittleEndian, data); err != nil {
		return errors.Wrapf(err, "failed to write array data")
	}
	return nil
}

// ToNpyFile serializes a tensors.Tensor to a .npy file.
func ToNpyFile(tensor *tensors.Tensor, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npy file")
	}
	if err = ToNpyWriter(tensor, file); err != nil {
		_ = file.Close()
		return err
	}
	return errors.Wrapf(file.Close(), "failed to close %q", filePath)
}

// ToNpzWriter serializes a map of tensors to an io.Writer as a .npz archive.
func ToNpzWriter(tensorsMap map[string]*tensors.Tensor, w io.Writer) error {
	zipWriter := zip.NewWriter(w)
	for name, tensor := range tensorsMap {
		npyName := name + ".npy"
		fileWriter, err := zipWriter.Create(npyName)
		if err != nil {
			return errors.Wrapf(err, "failed to create %q in .npz archive", npyName)
		}
		if err := ToNpyWriter(tensor, fileWriter); err != nil {
			return errors.WithMessagef(err, "failed to write tensor %q to .npz archive", name)
		}
	}
	return errors.Wrapf(zipWriter.Close(), "failed to close zip archive")
}

// ArraysToNpzFile writes numeric arrays (see Array.WriteNpy) to a .npz archive, the format used by
// scipy.sparse.save_npz for sparse matrices.
func ArraysToNpzFile(arrays map[string]*Array, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npz file %q", filePath)
	}
	zipWriter := zip.NewWriter(file)
	for name, array := range arrays {
		fileWriter, err := zipWriter.Create(name + ".npy")
		if err == nil {
			err = array.WriteNpy(fileWriter)
		}
		if err != nil {
			_ = file.Close()
			return errors.WithMessagef(err, "failed to write array %q to %q", name, filePath)
		}
	}
	if err = zipWriter.Close(); err != nil {
		_ = file.Close()
		return errors.Wrapf(err, "failed to close zip archive %q", filePath)
	}
	return errors.Wrapf(file.Close(), "failed to close %q", filePath)
}
