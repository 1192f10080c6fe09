package metadata

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/printernizer/printernizer/engine"
)

// vertex is a mesh point; used as a map key for dedup, so plain float64
// fields are fine.
type vertex struct{ x, y, z float64 }

type triangle [3]vertex

// mesh is the parsed STL geometry.
type mesh struct {
	triangles []triangle
}

// extractSTL reads the mesh and derives bounding box, volume, surface area,
// vertex/face counts, watertightness, and the complexity score.
func extractSTL(filePath string) (*Result, error) {
	m, err := readSTL(filePath)
	if err != nil {
		return nil, err
	}
	if len(m.triangles) == 0 {
		return nil, engine.Kind(engine.ErrIntegrity, "STL contains no triangles")
	}

	meta := Normalized{}

	minV := vertex{math.Inf(1), math.Inf(1), math.Inf(1)}
	maxV := vertex{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	uniqueVertices := map[vertex]struct{}{}
	edgeUse := map[[2]vertex]int{}

	var surfaceMM2, volumeMM3 float64
	for _, t := range m.triangles {
		for _, v := range t {
			uniqueVertices[v] = struct{}{}
			minV.x, maxV.x = math.Min(minV.x, v.x), math.Max(maxV.x, v.x)
			minV.y, maxV.y = math.Min(minV.y, v.y), math.Max(maxV.y, v.y)
			minV.z, maxV.z = math.Min(minV.z, v.z), math.Max(maxV.z, v.z)
		}
		surfaceMM2 += triangleArea(t)
		volumeMM3 += signedTetraVolume(t)
		for i := 0; i < 3; i++ {
			edgeUse[undirectedEdge(t[i], t[(i+1)%3])]++
		}
	}
	volumeMM3 = math.Abs(volumeMM3)

	// A closed 2-manifold uses every edge exactly twice.
	watertight := true
	for _, count := range edgeUse {
		if count != 2 {
			watertight = false
			break
		}
	}

	meta.WidthMM = floatPtr(round2(maxV.x - minV.x))
	meta.DepthMM = floatPtr(round2(maxV.y - minV.y))
	meta.HeightMM = floatPtr(round2(maxV.z - minV.z))
	meta.VolumeCM3 = floatPtr(round2(volumeMM3 / 1000))
	meta.SurfaceAreaCM2 = floatPtr(round2(surfaceMM2 / 100))
	meta.ObjectCount = intPtr(1)

	score := complexityScore(len(uniqueVertices), *meta.SurfaceAreaCM2, *meta.VolumeCM3, watertight)
	meta.ComplexityScore = intPtr(score)
	meta.DifficultyLevel = difficultyLevel(score)

	return &Result{Metadata: meta}, nil
}

// complexityScore rates mesh complexity 1..10 from vertex count, surface
// detail, and geometry quality.
func complexityScore(vertices int, surfaceAreaCM2, volumeCM3 float64, watertight bool) int {
	score := 5
	switch {
	case vertices > 100000:
		score += 3
	case vertices > 50000:
		score += 2
	case vertices > 10000:
		score += 1
	case vertices < 1000:
		score -= 1
	}
	if volumeCM3 > 0 && surfaceAreaCM2 > 0 && surfaceAreaCM2/volumeCM3 > 10 {
		score += 1
	}
	if !watertight {
		score += 1 // non-manifold meshes are harder to print
		score += 1 // open edges need repair
	}
	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}
	return score
}

func difficultyLevel(score int) string {
	switch {
	case score <= 3:
		return "Beginner"
	case score <= 6:
		return "Intermediate"
	case score <= 8:
		return "Advanced"
	default:
		return "Expert"
	}
}

// readSTL sniffs the format: files starting with "solid" that parse as text
// are ASCII, everything else is the 50-byte-per-triangle binary layout.
func readSTL(filePath string) (*mesh, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header := make([]byte, 5)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, engine.Kind(engine.ErrIntegrity, "STL too short: %s", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	if string(header) == "solid" {
		if m, err := readASCIISTL(f); err == nil && len(m.triangles) > 0 {
			return m, nil
		}
		// Binary files sometimes start with "solid" too; fall through.
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
	}
	return readBinarySTL(f)
}

func readBinarySTL(r io.Reader) (*mesh, error) {
	br := bufio.NewReader(r)
	if _, err := io.CopyN(io.Discard, br, 80); err != nil {
		return nil, engine.Kind(engine.ErrIntegrity, "binary STL header: %s", err)
	}
	var count uint32
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return nil, engine.Kind(engine.ErrIntegrity, "binary STL count: %s", err)
	}

	m := &mesh{triangles: make([]triangle, 0, count)}
	record := make([]byte, 50)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(br, record); err != nil {
			return nil, engine.Kind(engine.ErrIntegrity, "binary STL truncated at triangle %d: %s", i, err)
		}
		var t triangle
		for v := 0; v < 3; v++ {
			offset := 12 + v*12 // skip the normal
			t[v] = vertex{
				x: float64(math.Float32frombits(binary.LittleEndian.Uint32(record[offset:]))),
				y: float64(math.Float32frombits(binary.LittleEndian.Uint32(record[offset+4:]))),
				z: float64(math.Float32frombits(binary.LittleEndian.Uint32(record[offset+8:]))),
			}
		}
		m.triangles = append(m.triangles, t)
	}
	return m, nil
}

func readASCIISTL(r io.Reader) (*mesh, error) {
	m := &mesh{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var current []vertex
	for scanner.Scan() {
		fields := strings.Fields(strings.TrimSpace(scanner.Text()))
		if len(fields) == 4 && fields[0] == "vertex" {
			x, errX := strconv.ParseFloat(fields[1], 64)
			y, errY := strconv.ParseFloat(fields[2], 64)
			z, errZ := strconv.ParseFloat(fields[3], 64)
			if errX != nil || errY != nil || errZ != nil {
				return nil, engine.Kind(engine.ErrIntegrity, "invalid ASCII STL vertex")
			}
			current = append(current, vertex{x, y, z})
			if len(current) == 3 {
				m.triangles = append(m.triangles, triangle{current[0], current[1], current[2]})
				current = current[:0]
			}
		}
	}
	return m, scanner.Err()
}

func triangleArea(t triangle) float64 {
	ux, uy, uz := t[1].x-t[0].x, t[1].y-t[0].y, t[1].z-t[0].z
	vx, vy, vz := t[2].x-t[0].x, t[2].y-t[0].y, t[2].z-t[0].z
	cx, cy, cz := uy*vz-uz*vy, uz*vx-ux*vz, ux*vy-uy*vx
	return 0.5 * math.Sqrt(cx*cx+cy*cy+cz*cz)
}

// signedTetraVolume contributes one triangle's signed tetrahedron volume;
// summing over a closed mesh yields the enclosed volume.
func signedTetraVolume(t triangle) float64 {
	return (t[0].x*(t[1].y*t[2].z-t[2].y*t[1].z) -
		t[1].x*(t[0].y*t[2].z-t[2].y*t[0].z) +
		t[2].x*(t[0].y*t[1].z-t[1].y*t[0].z)) / 6
}

func undirectedEdge(a, b vertex) [2]vertex {
	if less(a, b) {
		return [2]vertex{a, b}
	}
	return [2]vertex{b, a}
}

func less(a, b vertex) bool {
	if a.x != b.x {
		return a.x < b.x
	}
	if a.y != b.y {
		return a.y < b.y
	}
	return a.z < b.z
}
