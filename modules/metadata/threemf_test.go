package metadata

import (
	"archive/zip"
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func write3MF(t *testing.T, files map[string][]byte) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := zw.Create(name)
		require.NoError(t, err)
		_, err = f.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "model.3mf")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestExtract3MFBambu(t *testing.T) {
	files := map[string][]byte{
		"Metadata/plate_1.json": []byte(`{
			"bbox_all": [10.0, 20.0, 110.5, 80.25],
			"bbox_objects": [
				{"name": "cube", "area": 100.0},
				{"name": "cylinder", "area": 50.0},
				{"name": "wipe_tower", "area": 25.0}
			]
		}`),
		"Metadata/process_settings_1.config": []byte(`{
			"layer_height": "0.2",
			"initial_layer_print_height": "0.25",
			"nozzle_diameter": ["0.4"],
			"wall_loops": "3",
			"sparse_infill_density": "15%",
			"sparse_infill_pattern": "gyroid",
			"enable_support": "1",
			"nozzle_temperature": ["220"],
			"bed_temperature": ["65"],
			"outer_wall_speed": "120"
		}`),
		"Metadata/slice_info.config": []byte(`<?xml version="1.0" encoding="UTF-8"?>
<config>
  <plate>
    <metadata key="index" value="1"/>
    <metadata key="weight" value="23.8"/>
    <filament id="1" tray_info_idx="GFL00" type="PLA" color="#000000" used_m="5.23" used_g="15.5"/>
    <filament id="2" tray_info_idx="GFL02" type="PETG" color="#FF0000" used_m="2.81" used_g="8.3"/>
  </plate>
</config>`),
		"3D/3dmodel.model": []byte(`<?xml version="1.0" encoding="UTF-8"?>
<model unit="millimeter" xmlns="http://schemas.microsoft.com/3dmanufacturing/core/2015/02">
  <metadata name="Application">BambuStudio-01.09.00.70</metadata>
</model>`),
		"Metadata/plate_1.png":       pngBytes(t, 512, 512),
		"Metadata/plate_1_small.png": pngBytes(t, 128, 128),
	}

	result, err := extract3MF(write3MF(t, files))
	require.NoError(t, err)
	meta := result.Metadata

	require.NotNil(t, meta.WidthMM)
	assert.InDelta(t, 100.5, *meta.WidthMM, 0.01)
	require.NotNil(t, meta.DepthMM)
	assert.InDelta(t, 60.25, *meta.DepthMM, 0.01)
	require.NotNil(t, meta.ObjectCount)
	assert.Equal(t, 2, *meta.ObjectCount, "wipe tower is not a printed object")

	require.NotNil(t, meta.LayerHeightMM)
	assert.Equal(t, 0.2, *meta.LayerHeightMM)
	require.NotNil(t, meta.NozzleDiameterMM)
	assert.Equal(t, 0.4, *meta.NozzleDiameterMM, "one-element arrays are unwrapped")
	require.NotNil(t, meta.InfillDensityPct)
	assert.Equal(t, 15.0, *meta.InfillDensityPct)
	require.NotNil(t, meta.SupportUsed)
	assert.True(t, *meta.SupportUsed)

	// Filament totals sum across extruders.
	require.NotNil(t, meta.TotalWeightG)
	assert.InDelta(t, 23.8, *meta.TotalWeightG, 0.01)
	require.NotNil(t, meta.FilamentLengthM)
	assert.InDelta(t, 8.04, *meta.FilamentLengthM, 0.01)
	assert.Equal(t, []string{"PLA", "PETG"}, meta.MaterialTypes)
	assert.Equal(t, []string{"Black", "Red"}, meta.FilamentColors)
	assert.Equal(t, "Black", meta.PrimaryColor)
	assert.Equal(t, "Black & Red", meta.ColorDisplay)

	assert.Equal(t, "BambuStudio", meta.SlicerName)
	assert.Equal(t, "01.09.00.70", meta.SlicerVersion)

	// Largest embedded PNG wins.
	require.NotNil(t, result.Thumbnail)
	assert.Equal(t, 512, result.Thumbnail.Width)
	assert.Equal(t, 512, result.Thumbnail.Height)
}

func TestExtract3MFMinimal(t *testing.T) {
	// A 3MF without Bambu metadata files still extracts cleanly.
	result, err := extract3MF(write3MF(t, map[string][]byte{
		"3D/3dmodel.model": []byte(`<model><metadata name="Application">PrusaSlicer 2.6.0</metadata></model>`),
	}))
	require.NoError(t, err)
	assert.Equal(t, "PrusaSlicer", result.Metadata.SlicerName)
	assert.Equal(t, "2.6.0", result.Metadata.SlicerVersion)
	assert.Nil(t, result.Thumbnail)
}

func TestExtract3MFNotAZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.3mf")
	require.NoError(t, os.WriteFile(path, []byte("this is not a zip"), 0o644))
	_, err := extract3MF(path)
	assert.Error(t, err)
}

func TestExtract3MFIdempotent(t *testing.T) {
	path := write3MF(t, map[string][]byte{
		"Metadata/process_settings_1.config": []byte(`{"layer_height": "0.2"}`),
	})
	first, err := extract3MF(path)
	require.NoError(t, err)
	second, err := extract3MF(path)
	require.NoError(t, err)
	assert.Equal(t, first.Metadata, second.Metadata)
}
