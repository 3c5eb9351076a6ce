package mesh

import (
	"fmt"

	"dicom2mesh/models"
)

// MarchingCubes extracts the iso-surface of a volumetric grid at a fixed
// intensity threshold. The grid is a flat array in z-major order:
// data[z*width*height + y*width + x].
type MarchingCubes struct {
	data     []float64
	width    int
	height   int
	depth    int
	isoLevel float64

	// Per-axis scale mapping voxel indices to world units (mm).
	scaleX, scaleY, scaleZ float64
}

// NewMarchingCubes creates an extractor over the given grid. Scales default
// to unit voxels; call SetScale to express vertices in world units.
func NewMarchingCubes(data []float64, width, height, depth int, isoLevel float64) *MarchingCubes {
	return &MarchingCubes{
		data:     data,
		width:    width,
		height:   height,
		depth:    depth,
		isoLevel: isoLevel,
		scaleX:   1, scaleY: 1, scaleZ: 1,
	}
}

// SetScale sets the voxel-to-world scale per axis. This is what makes the
// output dimensionally correct for printing: X/Y come from pixel spacing,
// Z from slice spacing.
func (mc *MarchingCubes) SetScale(x, y, z float64) {
	if x > 0 {
		mc.scaleX = x
	}
	if y > 0 {
		mc.scaleY = y
	}
	if z > 0 {
		mc.scaleZ = z
	}
}

// Bourke cube corner offsets (x, y, z) and the corner pair of each edge.
var cornerOffsets = [8][3]int{
	{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0},
	{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1},
}

var edgeCorners = [12][2]int{
	{0, 1}, {1, 2}, {2, 3}, {3, 0},
	{4, 5}, {5, 6}, {6, 7}, {7, 4},
	{0, 4}, {1, 5}, {2, 6}, {3, 7},
}

// edgeKey identifies a cube edge by its two global corner ids, ordered.
type edgeKey struct {
	a, b uint64
}

// Extract walks every cell of the grid, classifies the iso-surface crossing
// pattern, and emits triangles with edge-interpolated, deduplicated
// vertices. A grid with no crossing at all yields a GenerationError with
// Empty set, so callers can tell a legitimately empty result from a fault.
func (mc *MarchingCubes) Extract() (*Mesh, error) {
	if mc.width < 2 || mc.height < 2 || mc.depth < 2 {
		return nil, &models.GenerationError{
			Detail: fmt.Sprintf("grid %dx%dx%d too small for cell traversal", mc.width, mc.height, mc.depth),
		}
	}
	if len(mc.data) < mc.width*mc.height*mc.depth {
		return nil, &models.GenerationError{
			Detail: fmt.Sprintf("grid data has %d samples, need %d", len(mc.data), mc.width*mc.height*mc.depth),
		}
	}

	m := &Mesh{}
	vertexIndex := make(map[edgeKey]uint32)

	var cornerVal [8]float64
	var cornerPos [8][3]int

	for z := 0; z < mc.depth-1; z++ {
		for y := 0; y < mc.height-1; y++ {
			for x := 0; x < mc.width-1; x++ {
				cubeIndex := 0
				for i, off := range cornerOffsets {
					cx, cy, cz := x+off[0], y+off[1], z+off[2]
					cornerPos[i] = [3]int{cx, cy, cz}
					cornerVal[i] = mc.at(cx, cy, cz)
					if cornerVal[i] < mc.isoLevel {
						cubeIndex |= 1 << i
					}
				}

				if edgeTable[cubeIndex] == 0 {
					continue
				}

				var edgeVert [12]uint32
				for e := 0; e < 12; e++ {
					if edgeTable[cubeIndex]&(1<<e) == 0 {
						continue
					}
					c0, c1 := edgeCorners[e][0], edgeCorners[e][1]
					key := mc.keyFor(cornerPos[c0], cornerPos[c1])
					if idx, ok := vertexIndex[key]; ok {
						edgeVert[e] = idx
						continue
					}
					v := mc.interpolate(cornerPos[c0], cornerPos[c1], cornerVal[c0], cornerVal[c1])
					idx := uint32(len(m.Vertices))
					m.Vertices = append(m.Vertices, v)
					vertexIndex[key] = idx
					edgeVert[e] = idx
				}

				tri := triTable[cubeIndex]
				for t := 0; tri[t] != -1; t += 3 {
					m.Faces = append(m.Faces, Face{
						A: edgeVert[tri[t]],
						B: edgeVert[tri[t+1]],
						C: edgeVert[tri[t+2]],
					})
				}
			}
		}
	}

	if m.IsEmpty() {
		return nil, &models.GenerationError{
			Detail: fmt.Sprintf("no iso-surface crossing at threshold %g", mc.isoLevel),
			Empty:  true,
		}
	}
	return m, nil
}

func (mc *MarchingCubes) at(x, y, z int) float64 {
	return mc.data[z*mc.width*mc.height+y*mc.width+x]
}

func (mc *MarchingCubes) cornerID(p [3]int) uint64 {
	return uint64((p[2]*mc.height+p[1])*mc.width + p[0])
}

func (mc *MarchingCubes) keyFor(p0, p1 [3]int) edgeKey {
	a, b := mc.cornerID(p0), mc.cornerID(p1)
	if a > b {
		a, b = b, a
	}
	return edgeKey{a, b}
}

// interpolate places a vertex on the edge between two corners at the linear
// iso-level crossing, scaled into world units.
func (mc *MarchingCubes) interpolate(p0, p1 [3]int, v0, v1 float64) Vertex {
	t := 0.5
	if v1 != v0 {
		t = (mc.isoLevel - v0) / (v1 - v0)
	}
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	return Vertex{
		X: float32((float64(p0[0]) + t*float64(p1[0]-p0[0])) * mc.scaleX),
		Y: float32((float64(p0[1]) + t*float64(p1[1]-p0[1])) * mc.scaleY),
		Z: float32((float64(p0[2]) + t*float64(p1[2]-p0[2])) * mc.scaleZ),
	}
}

// ExtrudeSingleSlice turns a single 2D frame into a four-layer slab
// (padding, frame, frame, padding) so the volumetric extraction path handles
// 2D input uniformly and the resulting contour extrusion is capped top and
// bottom. Padding sits below the iso level so the caps actually close. The
// caller sets the slab thickness through the Z scale.
func ExtrudeSingleSlice(frame []float64, isoLevel float64) []float64 {
	pad := isoLevel - 1
	for _, v := range frame {
		if v < pad {
			pad = v
		}
	}

	n := len(frame)
	slab := make([]float64, 4*n)
	for i := 0; i < n; i++ {
		slab[i] = pad
		slab[3*n+i] = pad
	}
	copy(slab[n:2*n], frame)
	copy(slab[2*n:3*n], frame)
	return slab
}
