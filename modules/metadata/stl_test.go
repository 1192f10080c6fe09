package metadata

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComplexityScore(t *testing.T) {
	tests := []struct {
		name       string
		vertices   int
		surface    float64
		volume     float64
		watertight bool
		wantScore  int
		wantLevel  string
	}{
		{"mid-poly watertight", 75000, 42, 10, true, 7, "Advanced"},
		{"simple cube", 8, 6, 1, true, 4, "Intermediate"},
		{"very high poly", 150000, 10, 10, true, 8, "Advanced"},
		{"high detail open mesh", 150000, 200, 10, false, 10, "Expert"},
		{"tiny low poly", 100, 1, 1, true, 4, "Intermediate"},
		{"intricate surface", 20000, 500, 10, true, 7, "Advanced"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := complexityScore(tt.vertices, tt.surface, tt.volume, tt.watertight)
			assert.Equal(t, tt.wantScore, score)
			assert.Equal(t, tt.wantLevel, difficultyLevel(score))
		})
	}
}

func TestDifficultyLevels(t *testing.T) {
	assert.Equal(t, "Beginner", difficultyLevel(1))
	assert.Equal(t, "Beginner", difficultyLevel(3))
	assert.Equal(t, "Intermediate", difficultyLevel(6))
	assert.Equal(t, "Advanced", difficultyLevel(8))
	assert.Equal(t, "Expert", difficultyLevel(9))
}

// cubeSTL builds a closed 10x10x10 mm cube in binary STL format.
func cubeSTL(t *testing.T) []byte {
	t.Helper()
	p := func(x, y, z float64) vertex { return vertex{x, y, z} }
	quad := func(a, b, c, d vertex) []triangle {
		return []triangle{{a, b, c}, {a, c, d}}
	}

	var triangles []triangle
	triangles = append(triangles, quad(p(0, 0, 10), p(10, 0, 10), p(10, 10, 10), p(0, 10, 10))...) // top
	triangles = append(triangles, quad(p(0, 0, 0), p(0, 10, 0), p(10, 10, 0), p(10, 0, 0))...)     // bottom
	triangles = append(triangles, quad(p(10, 0, 0), p(10, 10, 0), p(10, 10, 10), p(10, 0, 10))...) // +x
	triangles = append(triangles, quad(p(0, 0, 0), p(0, 0, 10), p(0, 10, 10), p(0, 10, 0))...)     // -x
	triangles = append(triangles, quad(p(0, 10, 0), p(0, 10, 10), p(10, 10, 10), p(10, 10, 0))...) // +y
	triangles = append(triangles, quad(p(0, 0, 0), p(10, 0, 0), p(10, 0, 10), p(0, 0, 10))...)     // -y

	var buf bytes.Buffer
	buf.Write(make([]byte, 80))
	binary.Write(&buf, binary.LittleEndian, uint32(len(triangles)))
	for _, tri := range triangles {
		binary.Write(&buf, binary.LittleEndian, [3]float32{0, 0, 0}) // normal
		for _, v := range tri {
			binary.Write(&buf, binary.LittleEndian, [3]float32{float32(v.x), float32(v.y), float32(v.z)})
		}
		buf.Write([]byte{0, 0}) // attribute byte count
	}
	return buf.Bytes()
}

func TestExtractSTLCube(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cube.stl")
	require.NoError(t, os.WriteFile(path, cubeSTL(t), 0o644))

	result, err := extractSTL(path)
	require.NoError(t, err)
	meta := result.Metadata

	require.NotNil(t, meta.WidthMM)
	assert.Equal(t, 10.0, *meta.WidthMM)
	require.NotNil(t, meta.DepthMM)
	assert.Equal(t, 10.0, *meta.DepthMM)
	require.NotNil(t, meta.HeightMM)
	assert.Equal(t, 10.0, *meta.HeightMM)

	require.NotNil(t, meta.VolumeCM3)
	assert.InDelta(t, 1.0, *meta.VolumeCM3, 0.01)
	require.NotNil(t, meta.SurfaceAreaCM2)
	assert.InDelta(t, 6.0, *meta.SurfaceAreaCM2, 0.01)

	require.NotNil(t, meta.ComplexityScore)
	assert.Equal(t, 4, *meta.ComplexityScore, "8-vertex watertight cube is simple")
	assert.Equal(t, "Intermediate", meta.DifficultyLevel)
}

func TestExtractSTLOpenMesh(t *testing.T) {
	// A single triangle is not watertight.
	var buf bytes.Buffer
	buf.Write(make([]byte, 80))
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, [3]float32{0, 0, 0})
	for _, v := range [][3]float32{{0, 0, 0}, {10, 0, 0}, {0, 10, 0}} {
		binary.Write(&buf, binary.LittleEndian, v)
	}
	buf.Write([]byte{0, 0})

	path := filepath.Join(t.TempDir(), "tri.stl")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	result, err := extractSTL(path)
	require.NoError(t, err)
	// base 5, low poly -1, non-watertight +2
	require.NotNil(t, result.Metadata.ComplexityScore)
	assert.Equal(t, 6, *result.Metadata.ComplexityScore)
}

func TestExtractSTLAscii(t *testing.T) {
	ascii := `solid tri
facet normal 0 0 1
  outer loop
    vertex 0 0 0
    vertex 10 0 0
    vertex 0 10 0
  endloop
endfacet
endsolid tri
`
	path := filepath.Join(t.TempDir(), "ascii.stl")
	require.NoError(t, os.WriteFile(path, []byte(ascii), 0o644))

	result, err := extractSTL(path)
	require.NoError(t, err)
	require.NotNil(t, result.Metadata.WidthMM)
	assert.Equal(t, 10.0, *result.Metadata.WidthMM)
}

func TestExtractSTLTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.stl")
	require.NoError(t, os.WriteFile(path, []byte("not"), 0o644))

	_, err := extractSTL(path)
	assert.Error(t, err)
}
