package stl

import (
	"bufio"
	"encoding/binary"
	"math"
	"os"

	"github.com/pkg/errors"
)

const stlHeader = "organelle3d binary STL"

// SaveToSTL writes triangles as a little-endian binary STL file: an 80-byte
// header, a uint32 facet count and 50 bytes per facet.
func SaveToSTL(filename string, triangles []Triangle) error {
	f, err := os.Create(filename)
	if err != nil {
		return errors.Wrapf(err, "create %s", filename)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	var header [80]byte
	copy(header[:], stlHeader)
	if _, err := w.Write(header[:]); err != nil {
		return errors.Wrap(err, "write STL header")
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(triangles))); err != nil {
		return errors.Wrap(err, "write facet count")
	}

	var buf [50]byte
	for _, t := range triangles {
		off := 0
		for _, v := range [4][3]float32{t.Normal, t.Vertex1, t.Vertex2, t.Vertex3} {
			for _, c := range v {
				binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(c))
				off += 4
			}
		}
		// attribute byte count stays zero
		buf[48], buf[49] = 0, 0
		if _, err := w.Write(buf[:]); err != nil {
			return errors.Wrap(err, "write facet")
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrapf(err, "flush %s", filename)
	}
	return f.Close()
}
