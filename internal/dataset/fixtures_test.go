package dataset

import (
	"archive/tar"
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type member struct {
	name  string
	shape []int
	data  []float32
}

// stereoMembers builds the members of one sample of size h x w with
// lowLevels lower-resolution targets.
func stereoMembers(key string, h, w, lowLevels int, disp float32) []member {
	img := make([]float32, 3*h*w)
	for i := range img {
		img[i] = float32(i%7) / 7
	}
	gt := make([]float32, h*w)
	for i := range gt {
		gt[i] = disp
	}
	ms := []member{
		{key + ".left.npy", []int{3, h, w}, img},
		{key + ".right.npy", []int{3, h, w}, img},
		{key + ".disp.npy", []int{h, w}, gt},
	}
	for l := 1; l <= lowLevels; l++ {
		lh, lw := h>>l, w>>l
		low := make([]float32, lh*lw)
		for i := range low {
			low[i] = disp / float32(int(1)<<l)
		}
		ms = append(ms, member{fmt.Sprintf("%s.disp%d.npy", key, l), []int{lh, lw}, low})
	}
	return ms
}

func writeShard(t *testing.T, path string, members []member) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for _, m := range members {
		payload := encodeNPY(m.shape, m.data)
		hdr := &tar.Header{Name: m.name, Size: int64(len(payload)), Mode: 0o644}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write(payload); err != nil {
			t.Fatalf("write data: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
}

// encodeNPY produces a version 1.0 .npy payload of little-endian float32.
func encodeNPY(shape []int, data []float32) []byte {
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = fmt.Sprint(d)
	}
	shapeStr := strings.Join(dims, ", ")
	if len(shape) == 1 {
		shapeStr += ","
	}
	dict := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%s), }", shapeStr)
	pad := 64 - (10+len(dict)+1)%64
	if pad == 64 {
		pad = 0
	}
	dict += strings.Repeat(" ", pad) + "\n"

	buf := &bytes.Buffer{}
	buf.WriteString("\x93NUMPY")
	buf.Write([]byte{1, 0})
	binary.Write(buf, binary.LittleEndian, uint16(len(dict)))
	buf.WriteString(dict)
	for _, v := range data {
		binary.Write(buf, binary.LittleEndian, math.Float32bits(v))
	}
	return buf.Bytes()
}
