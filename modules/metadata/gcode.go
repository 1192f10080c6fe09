package metadata

import (
	"bufio"
	"os"
	"strings"
)

// Comment blocks sit at the top (BambuStudio, OrcaSlicer) or the bottom
// (PrusaSlicer's stats block) of the file, so both ends are scanned.
const (
	gcodeScanLines = 1000
	gcodeTailBytes = 64 * 1024
)

// extractGcode scans slicer-emitted comments across the BambuStudio,
// PrusaSlicer, and OrcaSlicer dialects. Lines look like
// "; layer_height = 0.2" or "; total filament used [g] = 15.5,8.3,".
func extractGcode(filePath string) (*Result, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fields := map[string]string{}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lines := 0
	for scanner.Scan() && lines < gcodeScanLines {
		lines++
		collectComment(scanner.Text(), fields)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if err := scanTail(f, fields); err != nil {
		return nil, err
	}

	result := &Result{}
	normalizeGcodeFields(fields, &result.Metadata)
	return result, nil
}

// scanTail reads the trailing chunk of the file for the stats block
// PrusaSlicer emits after the print moves.
func scanTail(f *os.File, fields map[string]string) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	offset := info.Size() - gcodeTailBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return err
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	if offset > 0 {
		scanner.Scan() // drop the partial first line
	}
	for scanner.Scan() {
		collectComment(scanner.Text(), fields)
	}
	return scanner.Err()
}

func collectComment(line string, fields map[string]string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, ";") {
		return
	}
	key, value, ok := splitComment(line)
	if !ok {
		return
	}
	if _, exists := fields[key]; !exists {
		fields[key] = value
	}
}

// splitComment parses "; key = value" and "; key: value" comment dialects.
func splitComment(line string) (key, value string, ok bool) {
	body := strings.TrimSpace(strings.TrimLeft(line, "; "))
	sep := strings.Index(body, "=")
	if colon := strings.Index(body, ":"); sep == -1 || (colon != -1 && colon < sep) {
		sep = colon
	}
	if sep <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(body[:sep])
	value = strings.TrimSpace(body[sep+1:])
	if key == "" || value == "" {
		return "", "", false
	}
	return strings.ToLower(key), value, true
}

// normalizeGcodeFields maps the per-dialect field names onto the normalized
// schema. Per-extruder comma-separated values are summed; lengths convert
// from mm to meters.
func normalizeGcodeFields(fields map[string]string, meta *Normalized) {
	first := func(keys ...string) (string, bool) {
		for _, k := range keys {
			if v, ok := fields[k]; ok {
				return v, true
			}
		}
		return "", false
	}

	if v, ok := first("layer_height", "layer height"); ok {
		meta.LayerHeightMM = parseFloatField(v)
	}
	if v, ok := first("first_layer_height", "initial_layer_print_height"); ok {
		meta.FirstLayerHeightMM = parseFloatField(v)
	}
	if v, ok := first("nozzle_diameter"); ok {
		meta.NozzleDiameterMM = parseFloatField(firstCSV(v))
	}
	if v, ok := first("wall_loops", "perimeters"); ok {
		meta.WallCount = parseIntField(v)
	}
	if v, ok := first("sparse_infill_density", "fill_density", "infill_density"); ok {
		if pct, valid := parsePercent(v); valid {
			meta.InfillDensityPct = floatPtr(pct)
		}
	}
	if v, ok := first("sparse_infill_pattern", "fill_pattern"); ok {
		meta.InfillPattern = v
	}
	if v, ok := first("enable_support", "support_material", "support_used"); ok {
		meta.SupportUsed = boolPtr(parseLooseBool(v))
	}
	if v, ok := first("nozzle_temperature_initial_layer", "nozzle_temperature", "first_layer_temperature", "temperature"); ok {
		meta.NozzleTempC = parseIntField(firstCSV(v))
	}
	if v, ok := first("bed_temperature_initial_layer", "bed_temperature", "first_layer_bed_temperature"); ok {
		meta.BedTempC = parseIntField(firstCSV(v))
	}
	if v, ok := first("outer_wall_speed", "print_speed", "perimeter_speed"); ok {
		meta.PrintSpeedMMS = parseFloatField(v)
	}
	if v, ok := first("total_layer_count", "total layer number"); ok {
		meta.TotalLayerCount = parseIntField(v)
	}
	if v, ok := first("total filament used [g]", "filament used [g]", "total_filament_weight"); ok {
		if sum, valid := sumCSV(v); valid {
			meta.TotalWeightG = floatPtr(sum)
		}
	}
	if v, ok := first("total filament used [mm]", "filament used [mm]", "total_filament_length"); ok {
		if sum, valid := sumCSV(v); valid {
			meta.FilamentLengthM = floatPtr(sum / 1000)
		}
	}
	if v, ok := first("filament_type", "filament type"); ok {
		meta.MaterialTypes = splitList(v)
	}
	if v, ok := first("filament_ids"); ok {
		if colors := colorsFromFilamentIDs(splitList(v)); len(colors) > 0 {
			meta.FilamentColors = colors
		}
	}
	if v, ok := first("compatible_printers", "compatible_printers_condition"); ok {
		meta.CompatiblePrinters = splitList(v)
	}
	if v, ok := first("generated by", "generator"); ok {
		meta.SlicerName, meta.SlicerVersion = splitGenerator(v)
	}
	if v, ok := first("curr_bed_type", "bed_type"); ok {
		meta.BedType = v
	}

	if len(meta.FilamentColors) > 0 {
		meta.PrimaryColor = meta.FilamentColors[0]
		meta.ColorDisplay = formatColorList(meta.FilamentColors)
	}
}

func firstCSV(value string) string {
	if i := strings.Index(value, ","); i >= 0 {
		return value[:i]
	}
	return value
}
