// Package nifti reads the parts of NIfTI-1 images the correction pipeline
// needs: the voxel grid shape and the first volume's voxel values. Files may
// be plain or gzip compressed; compression is detected from the content.
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const (
	headerSize    = 348
	defaultOffset = 352
)

// NIfTI-1 datatype codes
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
)

var (
	// ErrNotNIfTI is returned when the header size field is not 348 in either byte order
	ErrNotNIfTI = errors.New("not a NIfTI-1 image")

	// ErrUnsupportedDatatype is returned for voxel types the reader cannot convert
	ErrUnsupportedDatatype = errors.New("unsupported NIfTI datatype")
)

// rawHeader mirrors the on-disk NIfTI-1 header layout
type rawHeader struct {
	SizeofHdr     int32
	DataType      [10]byte
	DbName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Header is the decoded subset of a NIfTI-1 header
type Header struct {
	Dim       [8]int16
	Datatype  int16
	Bitpix    int16
	Pixdim    [8]float32
	VoxOffset float32
	SclSlope  float32
	SclInter  float32
	Descrip   string

	order binary.ByteOrder
}

// Shape returns the voxel grid extents, dim[1] through dim[dim[0]]
func (h *Header) Shape() []int {
	n := int(h.Dim[0])
	if n < 1 || n > 7 {
		return nil
	}
	shape := make([]int, n)
	for i := 0; i < n; i++ {
		shape[i] = int(h.Dim[i+1])
	}
	return shape
}

// Volumes returns the extent of the 4th dimension, 1 for 3D images
func (h *Header) Volumes() int {
	shape := h.Shape()
	if len(shape) < 4 || shape[3] < 1 {
		return 1
	}
	return shape[3]
}

// Is4D reports whether the image is a series of more than one volume
func (h *Header) Is4D() bool {
	return h.Volumes() > 1
}

// VolumeSize returns nx*ny*nz
func (h *Header) VolumeSize() int {
	n := 1
	for i, d := range h.Shape() {
		if i == 3 {
			break
		}
		if d > 0 {
			n *= d
		}
	}
	return n
}

// Volume is the first 3D volume of an image, scaled to float64
type Volume struct {
	Header     *Header
	Nx, Ny, Nz int
	Data       []float64
}

// At returns the voxel at (x, y, z)
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[z*v.Nx*v.Ny+y*v.Nx+x]
}

// Slice returns the axial plane at z in row-major order
func (v *Volume) Slice(z int) []float64 {
	size := v.Nx * v.Ny
	return v.Data[z*size : (z+1)*size]
}

// ReadHeader decodes the header of the image at path
func ReadHeader(path string) (*Header, error) {
	r, closer, err := open(path)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	h, err := readHeader(r)
	if err != nil {
		return nil, fmt.Errorf("reading header of %s: %w", path, err)
	}
	return h, nil
}

// Is4D reports whether the image at path holds more than one volume
func Is4D(path string) (bool, error) {
	h, err := ReadHeader(path)
	if err != nil {
		return false, err
	}
	return h.Is4D(), nil
}

// ReadFirstVolume reads the header and the first 3D volume of the image
func ReadFirstVolume(path string) (*Volume, error) {
	r, closer, err := open(path)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	h, err := readHeader(r)
	if err != nil {
		return nil, fmt.Errorf("reading header of %s: %w", path, err)
	}

	offset := int64(h.VoxOffset)
	if offset < headerSize {
		offset = defaultOffset
	}
	if _, err := io.CopyN(io.Discard, r, offset-headerSize); err != nil {
		return nil, fmt.Errorf("seeking to voxel data of %s: %w", path, err)
	}

	shape := h.Shape()
	dims := [3]int{1, 1, 1}
	for i := 0; i < 3 && i < len(shape); i++ {
		dims[i] = shape[i]
	}

	data, err := readVoxels(r, h, h.VolumeSize())
	if err != nil {
		return nil, fmt.Errorf("reading voxels of %s: %w", path, err)
	}

	return &Volume{Header: h, Nx: dims[0], Ny: dims[1], Nz: dims[2], Data: data}, nil
}

// Write stores float32 voxels as a NIfTI-1 single file image. shape lists
// the extents of each dimension (3 or 4 entries). Paths ending in .gz are
// gzip compressed.
func Write(path string, shape []int, data []float32) error {
	if len(shape) < 1 || len(shape) > 7 {
		return fmt.Errorf("invalid shape %v", shape)
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(data) {
		return fmt.Errorf("shape %v needs %d voxels, got %d", shape, n, len(data))
	}

	hdr := rawHeader{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  DTFloat32,
		Bitpix:    32,
		VoxOffset: defaultOffset,
		SclSlope:  1,
	}
	hdr.Dim[0] = int16(len(shape))
	for i, d := range shape {
		hdr.Dim[i+1] = int16(d)
		hdr.Pixdim[i+1] = 1
	}
	copy(hdr.Magic[:], "n+1\x00")

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	buf.Write(make([]byte, defaultOffset-headerSize))
	if err := binary.Write(&buf, binary.LittleEndian, data); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if !strings.HasSuffix(path, ".gz") {
		_, err = f.Write(buf.Bytes())
		return err
	}

	zw := gzip.NewWriter(f)
	if _, err := zw.Write(buf.Bytes()); err != nil {
		return err
	}
	return zw.Close()
}

func open(path string) (io.Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	br := bufio.NewReader(f)
	magic, err := br.Peek(2)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if magic[0] != 0x1f || magic[1] != 0x8b {
		return br, f, nil
	}

	zr, err := gzip.NewReader(br)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("opening gzip stream of %s: %w", path, err)
	}
	return zr, multiCloser{zr, f}, nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for _, c := range m {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func readHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	var order binary.ByteOrder
	switch {
	case int32(binary.LittleEndian.Uint32(buf)) == headerSize:
		order = binary.LittleEndian
	case int32(binary.BigEndian.Uint32(buf)) == headerSize:
		order = binary.BigEndian
	default:
		return nil, ErrNotNIfTI
	}

	var raw rawHeader
	if err := binary.Read(bytes.NewReader(buf), order, &raw); err != nil {
		return nil, err
	}

	return &Header{
		Dim:       raw.Dim,
		Datatype:  raw.Datatype,
		Bitpix:    raw.Bitpix,
		Pixdim:    raw.Pixdim,
		VoxOffset: raw.VoxOffset,
		SclSlope:  raw.SclSlope,
		SclInter:  raw.SclInter,
		Descrip:   strings.TrimRight(string(raw.Descrip[:]), "\x00"),
		order:     order,
	}, nil
}

func readVoxels(r io.Reader, h *Header, n int) ([]float64, error) {
	size, err := datatypeSize(h.Datatype)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, n*size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope == 0 || math.IsNaN(slope) {
		slope, inter = 1, 0
	}

	order := h.order
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		b := raw[i*size : (i+1)*size]
		var v float64
		switch h.Datatype {
		case DTUint8:
			v = float64(b[0])
		case DTInt8:
			v = float64(int8(b[0]))
		case DTInt16:
			v = float64(int16(order.Uint16(b)))
		case DTUint16:
			v = float64(order.Uint16(b))
		case DTInt32:
			v = float64(int32(order.Uint32(b)))
		case DTUint32:
			v = float64(order.Uint32(b))
		case DTFloat32:
			v = float64(math.Float32frombits(order.Uint32(b)))
		case DTFloat64:
			v = math.Float64frombits(order.Uint64(b))
		}
		out[i] = v*slope + inter
	}
	return out, nil
}

func datatypeSize(dt int16) (int, error) {
	switch dt {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTFloat64:
		return 8, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnsupportedDatatype, dt)
}
