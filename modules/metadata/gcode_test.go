package metadata

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeGcode(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.gcode")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestExtractGcodeBambuHeader(t *testing.T) {
	content := `; HEADER_BLOCK_START
; BambuStudio 01.09.00.70
; total layer number: 125
; layer_height = 0.2
; first_layer_height = 0.25
; nozzle_diameter = 0.4
; wall_loops = 3
; sparse_infill_density = 15%
; sparse_infill_pattern = gyroid
; enable_support = 1
; nozzle_temperature = 220
; bed_temperature = 65
; outer_wall_speed = 120
; total_layer_count = 125
; total filament used [g] = 15.5,8.3,
; total filament used [mm] = 5230,2810
; filament_type = PLA;PETG
G28
G1 X10 Y10
`
	result, err := extractGcode(writeGcode(t, content))
	require.NoError(t, err)
	meta := result.Metadata

	require.NotNil(t, meta.LayerHeightMM)
	assert.Equal(t, 0.2, *meta.LayerHeightMM)
	require.NotNil(t, meta.FirstLayerHeightMM)
	assert.Equal(t, 0.25, *meta.FirstLayerHeightMM)
	require.NotNil(t, meta.WallCount)
	assert.Equal(t, 3, *meta.WallCount)
	require.NotNil(t, meta.InfillDensityPct)
	assert.Equal(t, 15.0, *meta.InfillDensityPct)
	assert.Equal(t, "gyroid", meta.InfillPattern)
	require.NotNil(t, meta.SupportUsed)
	assert.True(t, *meta.SupportUsed)
	require.NotNil(t, meta.NozzleTempC)
	assert.Equal(t, 220, *meta.NozzleTempC)
	require.NotNil(t, meta.BedTempC)
	assert.Equal(t, 65, *meta.BedTempC)
	require.NotNil(t, meta.PrintSpeedMMS)
	assert.Equal(t, 120.0, *meta.PrintSpeedMMS)
	require.NotNil(t, meta.TotalLayerCount)
	assert.Equal(t, 125, *meta.TotalLayerCount)

	// Per-extruder values sum; trailing empty summands are ignored.
	require.NotNil(t, meta.TotalWeightG)
	assert.InDelta(t, 23.8, *meta.TotalWeightG, 1e-9)
	// Lengths convert mm -> m.
	require.NotNil(t, meta.FilamentLengthM)
	assert.InDelta(t, 8.04, *meta.FilamentLengthM, 1e-9)

	assert.Equal(t, []string{"PLA", "PETG"}, meta.MaterialTypes)
}

func TestExtractGcodePrusaDialect(t *testing.T) {
	content := `; generated by PrusaSlicer 2.6.0 on 2024-01-01
; layer_height = 0.15
; perimeters = 2
; fill_density = 20%
; filament used [g] = 12.7
; filament_type = PLA
G28
`
	result, err := extractGcode(writeGcode(t, content))
	require.NoError(t, err)
	meta := result.Metadata

	require.NotNil(t, meta.LayerHeightMM)
	assert.Equal(t, 0.15, *meta.LayerHeightMM)
	require.NotNil(t, meta.WallCount)
	assert.Equal(t, 2, *meta.WallCount)
	require.NotNil(t, meta.InfillDensityPct)
	assert.Equal(t, 20.0, *meta.InfillDensityPct)
	require.NotNil(t, meta.TotalWeightG)
	assert.Equal(t, 12.7, *meta.TotalWeightG)
	assert.Equal(t, []string{"PLA"}, meta.MaterialTypes)
}

func TestSplitComment(t *testing.T) {
	key, value, ok := splitComment("; layer_height = 0.2")
	assert.True(t, ok)
	assert.Equal(t, "layer_height", key)
	assert.Equal(t, "0.2", value)

	key, value, ok = splitComment("; total layer number: 125")
	assert.True(t, ok)
	assert.Equal(t, "total layer number", key)
	assert.Equal(t, "125", value)

	_, _, ok = splitComment("; just a comment")
	assert.False(t, ok)

	_, _, ok = splitComment("G1 X10")
	assert.False(t, ok)
}

func TestExtractGcodeTrailingStatsBlock(t *testing.T) {
	// PrusaSlicer writes its stats after the print moves; a long body must
	// not hide them.
	var b strings.Builder
	b.WriteString("; generated file\n")
	for i := 0; i < 5000; i++ {
		b.WriteString("G1 X10 Y10 E0.5\n")
	}
	b.WriteString("; filament used [g] = 9.9\n")
	b.WriteString("; total layer count = 42\n")

	result, err := extractGcode(writeGcode(t, b.String()))
	require.NoError(t, err)
	require.NotNil(t, result.Metadata.TotalWeightG)
	assert.Equal(t, 9.9, *result.Metadata.TotalWeightG)
}

func TestExtractGcodeIdempotent(t *testing.T) {
	path := writeGcode(t, "; layer_height = 0.2\n; filament_type = PLA\nG28\n")

	first, err := extractGcode(path)
	require.NoError(t, err)
	second, err := extractGcode(path)
	require.NoError(t, err)
	assert.Equal(t, first.Metadata, second.Metadata, "extraction must be deterministic")
}
