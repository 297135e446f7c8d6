package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// rampVolume returns n voxels with values 0..n-1
func rampVolume(n int) []float32 {
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i)
	}
	return data
}

func TestWriteAndReadHeader(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name   string
		file   string
		shape  []int
		is4D   bool
		volume int
	}{
		{"3D gzip", "a.nii.gz", []int{4, 3, 2}, false, 1},
		{"3D plain", "b.nii", []int{4, 3, 2}, false, 1},
		{"4D series", "c.nii.gz", []int{4, 3, 2, 5}, true, 5},
		{"4D single volume", "d.nii.gz", []int{4, 3, 2, 1}, false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			n := 1
			for _, d := range tt.shape {
				n *= d
			}
			if err := Write(path, tt.shape, rampVolume(n)); err != nil {
				t.Fatalf("Write failed: %v", err)
			}

			h, err := ReadHeader(path)
			if err != nil {
				t.Fatalf("ReadHeader failed: %v", err)
			}
			if got := h.Shape(); len(got) != len(tt.shape) {
				t.Errorf("Expected shape %v, got %v", tt.shape, got)
			}
			if h.Is4D() != tt.is4D {
				t.Errorf("Expected Is4D %v, got %v", tt.is4D, h.Is4D())
			}
			if h.Volumes() != tt.volume {
				t.Errorf("Expected %d volumes, got %d", tt.volume, h.Volumes())
			}

			is4D, err := Is4D(path)
			if err != nil || is4D != tt.is4D {
				t.Errorf("Is4D(%s) = %v, %v", tt.file, is4D, err)
			}
		})
	}
}

func TestReadFirstVolume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "series.nii.gz")
	shape := []int{3, 2, 2, 3}
	if err := Write(path, shape, rampVolume(3*2*2*3)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	vol, err := ReadFirstVolume(path)
	if err != nil {
		t.Fatalf("ReadFirstVolume failed: %v", err)
	}
	if vol.Nx != 3 || vol.Ny != 2 || vol.Nz != 2 {
		t.Fatalf("Unexpected dims %dx%dx%d", vol.Nx, vol.Ny, vol.Nz)
	}
	if len(vol.Data) != 12 {
		t.Fatalf("Expected 12 voxels from first volume, got %d", len(vol.Data))
	}
	if vol.At(2, 1, 1) != 11 {
		t.Errorf("Expected voxel (2,1,1) = 11, got %v", vol.At(2, 1, 1))
	}
	if s := vol.Slice(1); len(s) != 6 || s[0] != 6 {
		t.Errorf("Unexpected slice 1: %v", s)
	}
}

func TestReadHeaderBigEndian(t *testing.T) {
	hdr := rawHeader{SizeofHdr: headerSize, Datatype: DTInt16, Bitpix: 16, VoxOffset: defaultOffset, SclSlope: 2, SclInter: 1}
	hdr.Dim = [8]int16{4, 2, 2, 1, 6, 1, 1, 1}
	copy(hdr.Magic[:], "n+1\x00")

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, &hdr); err != nil {
		t.Fatal(err)
	}
	buf.Write(make([]byte, defaultOffset-headerSize))
	if err := binary.Write(&buf, binary.BigEndian, []int16{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "be.nii")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader failed: %v", err)
	}
	if !h.Is4D() || h.Volumes() != 6 {
		t.Errorf("Expected 4D with 6 volumes, got %v", h.Shape())
	}

	vol, err := ReadFirstVolume(path)
	if err != nil {
		t.Fatalf("ReadFirstVolume failed: %v", err)
	}
	want := []float64{3, 5, 7, 9}
	for i, v := range want {
		if vol.Data[i] != v {
			t.Errorf("voxel %d: expected %v (scaled), got %v", i, v, vol.Data[i])
		}
	}
}

func TestReadHeaderRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.nii")
	if err := os.WriteFile(path, bytes.Repeat([]byte{7}, 400), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := ReadHeader(path)
	if !errors.Is(err, ErrNotNIfTI) {
		t.Errorf("Expected ErrNotNIfTI, got %v", err)
	}
}

func TestWriteRejectsShapeMismatch(t *testing.T) {
	err := Write(filepath.Join(t.TempDir(), "x.nii"), []int{2, 2, 2}, rampVolume(7))
	if err == nil {
		t.Error("Expected error for mismatched voxel count")
	}
}
