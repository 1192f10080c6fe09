package metadata

import (
	"strconv"
	"strings"
)

// Normalized is the schema written back to the library. Nullable subfields
// are pointers so "unknown" survives the round trip.
type Normalized struct {
	// Physical
	WidthMM        *float64 `json:"width_mm,omitempty"`
	DepthMM        *float64 `json:"depth_mm,omitempty"`
	HeightMM       *float64 `json:"height_mm,omitempty"`
	VolumeCM3      *float64 `json:"volume_cm3,omitempty"`
	SurfaceAreaCM2 *float64 `json:"surface_area_cm2,omitempty"`
	ObjectCount    *int     `json:"object_count,omitempty"`

	// Print settings
	LayerHeightMM      *float64 `json:"layer_height_mm,omitempty"`
	FirstLayerHeightMM *float64 `json:"first_layer_height_mm,omitempty"`
	NozzleDiameterMM   *float64 `json:"nozzle_diameter_mm,omitempty"`
	WallCount          *int     `json:"wall_count,omitempty"`
	InfillDensityPct   *float64 `json:"infill_density_pct,omitempty"`
	InfillPattern      string   `json:"infill_pattern,omitempty"`
	SupportUsed        *bool    `json:"support_used,omitempty"`
	NozzleTempC        *int     `json:"nozzle_temp_c,omitempty"`
	BedTempC           *int     `json:"bed_temp_c,omitempty"`
	PrintSpeedMMS      *float64 `json:"print_speed_mm_s,omitempty"`
	TotalLayerCount    *int     `json:"total_layer_count,omitempty"`

	// Material
	TotalWeightG    *float64 `json:"total_weight_g,omitempty"`
	FilamentLengthM *float64 `json:"filament_length_m,omitempty"`
	MaterialTypes   []string `json:"material_types,omitempty"`
	FilamentColors  []string `json:"filament_colors,omitempty"`
	PrimaryColor    string   `json:"primary_color,omitempty"`
	ColorDisplay    string   `json:"color_display,omitempty"`

	// Compatibility
	CompatiblePrinters []string `json:"compatible_printers,omitempty"`
	SlicerName         string   `json:"slicer_name,omitempty"`
	SlicerVersion      string   `json:"slicer_version,omitempty"`
	BedType            string   `json:"bed_type,omitempty"`

	// Quality
	ComplexityScore *int   `json:"complexity_score,omitempty"`
	DifficultyLevel string `json:"difficulty_level,omitempty"`
}

// sumCSV sums a comma-separated list of per-extruder values, ignoring empty
// summands (trailing commas are common in multi-extruder output).
func sumCSV(value string) (float64, bool) {
	parts := strings.Split(value, ",")
	sum := 0.0
	found := false
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return 0, false
		}
		sum += v
		found = true
	}
	return sum, found
}

// splitList splits a ;-joined multi-extruder value into a list.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseLooseBool accepts the boolean spellings slicers emit.
func parseLooseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// splitGenerator breaks a "<Slicer> <Version>" generator string apart.
func splitGenerator(generator string) (name, version string) {
	parts := strings.Fields(generator)
	if len(parts) >= 1 {
		name = parts[0]
	}
	if len(parts) >= 2 {
		version = parts[1]
	}
	return name, version
}

// parsePercent reads values like "15%" or "0.15" or "15" into a percentage.
func parsePercent(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	trimmed := strings.TrimSuffix(value, "%")
	v, err := strconv.ParseFloat(strings.TrimSpace(trimmed), 64)
	if err != nil {
		return 0, false
	}
	if !strings.HasSuffix(value, "%") && v <= 1 {
		v *= 100
	}
	return v, true
}

func parseFloatField(value string) *float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseIntField(value string) *int {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return nil
	}
	i := int(v)
	return &i
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }
func boolPtr(v bool) *bool        { return &v }
