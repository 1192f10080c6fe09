package metadata

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"encoding/xml"
	"image/png"
	"io"
	"math"
	"path"
	"strconv"
	"strings"

	"github.com/printernizer/printernizer/engine"
)

// extract3MF opens the file as a Zip container and pulls geometry from
// Metadata/plate_1.json, print settings from
// Metadata/process_settings_1.config, material data from
// Metadata/slice_info.config, and the largest embedded PNG thumbnail.
func extract3MF(filePath string) (*Result, error) {
	reader, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, engine.Kind(engine.ErrIntegrity, "not a valid 3MF container: %s", err)
	}
	defer reader.Close()

	files := map[string]*zip.File{}
	for _, f := range reader.File {
		files[f.Name] = f
	}

	result := &Result{}
	meta := &result.Metadata

	if raw, err := readZipFile(files["Metadata/plate_1.json"]); err == nil {
		parsePlateJSON(raw, meta)
	}
	if raw, err := readZipFile(files["Metadata/process_settings_1.config"]); err == nil {
		parseProcessSettings(raw, meta)
	}
	if raw, err := readZipFile(files["Metadata/slice_info.config"]); err == nil {
		parseSliceInfo(raw, meta)
	}
	if raw, err := readZipFile(files["3D/3dmodel.model"]); err == nil {
		parseModelGenerator(raw, meta)
	}

	result.Thumbnail = largestThumbnail(reader.File)

	if meta.PrimaryColor == "" && len(meta.FilamentColors) > 0 {
		meta.PrimaryColor = meta.FilamentColors[0]
		meta.ColorDisplay = formatColorList(meta.FilamentColors)
	}
	return result, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	if f == nil {
		return nil, engine.ErrNotFound
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// plateJSON is the Bambu plate description.
type plateJSON struct {
	BboxAll     []float64 `json:"bbox_all"` // min_x, min_y, max_x, max_y
	BboxObjects []struct {
		Name string  `json:"name"`
		Area float64 `json:"area"`
	} `json:"bbox_objects"`
	FilamentColors []string `json:"filament_colors"`
	FilamentIDs    []any    `json:"filament_ids"`
}

func parsePlateJSON(raw []byte, meta *Normalized) {
	var plate plateJSON
	if err := json.Unmarshal(raw, &plate); err != nil {
		return
	}
	if len(plate.BboxAll) >= 4 {
		meta.WidthMM = floatPtr(round2(plate.BboxAll[2] - plate.BboxAll[0]))
		meta.DepthMM = floatPtr(round2(plate.BboxAll[3] - plate.BboxAll[1]))
	}
	if len(plate.BboxObjects) > 0 {
		// The wipe tower is plumbing, not a printed object.
		count := 0
		for _, obj := range plate.BboxObjects {
			if obj.Name != "wipe_tower" {
				count++
			}
		}
		meta.ObjectCount = intPtr(count)
	}
	if len(plate.FilamentColors) > 0 && len(meta.FilamentColors) == 0 {
		meta.FilamentColors = append(meta.FilamentColors, plate.FilamentColors...)
	}
}

// parseProcessSettings reads the Bambu process settings JSON. Values may be
// scalars or one-element arrays depending on slicer version.
func parseProcessSettings(raw []byte, meta *Normalized) {
	var settings map[string]any
	if err := json.Unmarshal(raw, &settings); err != nil {
		return
	}
	get := func(key string) (string, bool) {
		v, ok := settings[key]
		if !ok {
			return "", false
		}
		return scalarString(v)
	}

	if v, ok := get("layer_height"); ok {
		meta.LayerHeightMM = parseFloatField(v)
	}
	if v, ok := get("initial_layer_print_height"); ok {
		meta.FirstLayerHeightMM = parseFloatField(v)
	} else if v, ok := get("first_layer_height"); ok {
		meta.FirstLayerHeightMM = parseFloatField(v)
	}
	if v, ok := get("nozzle_diameter"); ok {
		meta.NozzleDiameterMM = parseFloatField(v)
	}
	if v, ok := get("wall_loops"); ok {
		meta.WallCount = parseIntField(v)
	}
	if v, ok := get("sparse_infill_density"); ok {
		if pct, valid := parsePercent(v); valid {
			meta.InfillDensityPct = floatPtr(pct)
		}
	}
	if v, ok := get("sparse_infill_pattern"); ok {
		meta.InfillPattern = v
	}
	if v, ok := get("enable_support"); ok {
		meta.SupportUsed = boolPtr(parseLooseBool(v))
	}
	if v, ok := get("nozzle_temperature_initial_layer"); ok {
		meta.NozzleTempC = parseIntField(v)
	} else if v, ok := get("nozzle_temperature"); ok {
		meta.NozzleTempC = parseIntField(v)
	}
	if v, ok := get("bed_temperature_initial_layer"); ok {
		meta.BedTempC = parseIntField(v)
	} else if v, ok := get("bed_temperature"); ok {
		meta.BedTempC = parseIntField(v)
	}
	if v, ok := get("outer_wall_speed"); ok {
		meta.PrintSpeedMMS = parseFloatField(v)
	} else if v, ok := get("print_speed"); ok {
		meta.PrintSpeedMMS = parseFloatField(v)
	}
	if v, ok := get("total_layer_count"); ok {
		meta.TotalLayerCount = parseIntField(v)
	}
	if v, ok := get("curr_bed_type"); ok {
		meta.BedType = v
	}
	if v, ok := get("compatible_printers"); ok {
		meta.CompatiblePrinters = splitList(v)
	}
}

// sliceInfo is the Metadata/slice_info.config XML document.
type sliceInfo struct {
	XMLName xml.Name `xml:"config"`
	Plates  []struct {
		Metadata []struct {
			Key   string `xml:"key,attr"`
			Value string `xml:"value,attr"`
		} `xml:"metadata"`
		Filaments []struct {
			ID          string `xml:"id,attr"`
			Type        string `xml:"type,attr"`
			Color       string `xml:"color,attr"`
			UsedG       string `xml:"used_g,attr"`
			UsedM       string `xml:"used_m,attr"`
			TrayInfoIdx string `xml:"tray_info_idx,attr"`
		} `xml:"filament"`
	} `xml:"plate"`
}

func parseSliceInfo(raw []byte, meta *Normalized) {
	var info sliceInfo
	if err := xml.Unmarshal(raw, &info); err != nil || len(info.Plates) == 0 {
		return
	}
	plate := info.Plates[0]

	for _, kv := range plate.Metadata {
		if kv.Key == "weight" && meta.TotalWeightG == nil {
			meta.TotalWeightG = parseFloatField(kv.Value)
		}
	}

	var totalWeight, totalLengthM float64
	var haveWeight, haveLength bool
	var types, ids []string
	for _, filament := range plate.Filaments {
		if w, err := strconv.ParseFloat(filament.UsedG, 64); err == nil {
			totalWeight += w
			haveWeight = true
		}
		if l, err := strconv.ParseFloat(filament.UsedM, 64); err == nil {
			totalLengthM += l
			haveLength = true
		}
		if filament.Type != "" {
			types = append(types, filament.Type)
		}
		if filament.TrayInfoIdx != "" {
			ids = append(ids, filament.TrayInfoIdx)
		}
	}
	if haveWeight {
		meta.TotalWeightG = floatPtr(round2(totalWeight))
	}
	if haveLength {
		meta.FilamentLengthM = floatPtr(round2(totalLengthM))
	}
	if len(types) > 0 {
		meta.MaterialTypes = types
	}
	if colors := colorsFromFilamentIDs(ids); len(colors) > 0 {
		meta.FilamentColors = colors
	}
}

// modelXML carries the generator string in the 3dmodel.model metadata.
type modelXML struct {
	XMLName  xml.Name `xml:"model"`
	Metadata []struct {
		Name  string `xml:"name,attr"`
		Value string `xml:",chardata"`
	} `xml:"metadata"`
}

func parseModelGenerator(raw []byte, meta *Normalized) {
	var model modelXML
	if err := xml.Unmarshal(raw, &model); err != nil {
		return
	}
	for _, kv := range model.Metadata {
		if kv.Name == "Application" {
			// Applications spell themselves "BambuStudio-01.09.00.70" or
			// "PrusaSlicer 2.6.0".
			generator := strings.Replace(kv.Value, "-", " ", 1)
			meta.SlicerName, meta.SlicerVersion = splitGenerator(generator)
			return
		}
	}
}

// largestThumbnail decodes every embedded PNG and keeps the one with the
// greatest pixel area.
func largestThumbnail(files []*zip.File) *Thumbnail {
	var best *Thumbnail
	bestArea := 0
	for _, f := range files {
		if strings.ToLower(path.Ext(f.Name)) != ".png" {
			continue
		}
		raw, err := readZipFile(f)
		if err != nil {
			continue
		}
		config, err := png.DecodeConfig(bytes.NewReader(raw))
		if err != nil {
			continue
		}
		area := config.Width * config.Height
		if area > bestArea {
			bestArea = area
			best = &Thumbnail{Data: raw, Width: config.Width, Height: config.Height}
		}
	}
	return best
}

// scalarString coerces a JSON value that may be a scalar or a one-element
// array into a string.
func scalarString(v any) (string, bool) {
	switch value := v.(type) {
	case string:
		return value, true
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(value), true
	case []any:
		if len(value) > 0 {
			return scalarString(value[0])
		}
	}
	return "", false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
