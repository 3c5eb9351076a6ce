// Package mesh turns decoded intensity volumes into triangulated surface
// meshes via marching cubes iso-surface extraction, and serializes them for
// storage.
package mesh

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Vertex is a point in world units (mm).
type Vertex struct {
	X, Y, Z float32
}

// Face indexes three vertices, counter-clockwise seen from outside.
type Face struct {
	A, B, C uint32
}

// Mesh is an immutable triangulated surface. Vertex coordinates are in world
// units (pixel spacing applied), not voxel indices.
type Mesh struct {
	Vertices []Vertex
	Faces    []Face
}

// IsEmpty reports whether the mesh has no faces.
func (m *Mesh) IsEmpty() bool { return len(m.Faces) == 0 }

// FaceNormal computes the unit normal of face i.
func (m *Mesh) FaceNormal(i int) Vertex {
	f := m.Faces[i]
	a, b, c := m.Vertices[f.A], m.Vertices[f.B], m.Vertices[f.C]
	ux, uy, uz := b.X-a.X, b.Y-a.Y, b.Z-a.Z
	vx, vy, vz := c.X-a.X, c.Y-a.Y, c.Z-a.Z
	nx := uy*vz - uz*vy
	ny := uz*vx - ux*vz
	nz := ux*vy - uy*vx
	mag := float32(math.Sqrt(float64(nx*nx + ny*ny + nz*nz)))
	if mag == 0 {
		return Vertex{}
	}
	return Vertex{nx / mag, ny / mag, nz / mag}
}

// stlHeaderSize is the fixed binary STL header length.
const stlHeaderSize = 80

// EncodeSTL serializes the mesh as binary STL.
func EncodeSTL(m *Mesh) ([]byte, error) {
	if m == nil || len(m.Faces) == 0 {
		return nil, fmt.Errorf("stl encode: empty mesh")
	}

	var buf bytes.Buffer
	header := make([]byte, stlHeaderSize)
	copy(header, []byte("dicom2mesh binary stl"))
	buf.Write(header)

	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(m.Faces))); err != nil {
		return nil, fmt.Errorf("stl encode: %w", err)
	}

	for i, f := range m.Faces {
		n := m.FaceNormal(i)
		rec := [12]float32{
			n.X, n.Y, n.Z,
			m.Vertices[f.A].X, m.Vertices[f.A].Y, m.Vertices[f.A].Z,
			m.Vertices[f.B].X, m.Vertices[f.B].Y, m.Vertices[f.B].Z,
			m.Vertices[f.C].X, m.Vertices[f.C].Y, m.Vertices[f.C].Z,
		}
		if err := binary.Write(&buf, binary.LittleEndian, rec); err != nil {
			return nil, fmt.Errorf("stl encode: %w", err)
		}
		// Attribute byte count.
		buf.Write([]byte{0, 0})
	}

	return buf.Bytes(), nil
}
