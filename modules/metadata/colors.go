package metadata

import "strings"

// filamentColorNames maps Bambu Lab filament identifiers to human color
// names. The table covers the common GFL/GFA/GFB series; ids it does not
// know are skipped.
var filamentColorNames = map[string]string{
	"GFL00": "Black",
	"GFL01": "White",
	"GFL02": "Red",
	"GFL03": "Blue",
	"GFL04": "Green",
	"GFL05": "Yellow",
	"GFL06": "Orange",
	"GFL07": "Purple",
	"GFL08": "Gray",
	"GFL09": "Brown",
	"GFA00": "Black",
	"GFA01": "White",
	"GFA02": "Red",
	"GFA03": "Blue",
	"GFA04": "Green",
	"GFA05": "Yellow",
	"GFB00": "Black",
	"GFB01": "White",
	"GFB02": "Silver",
	"GFB03": "Gold",
}

var colorWords = []string{
	"black", "white", "red", "blue", "green", "yellow", "orange",
	"purple", "pink", "gray", "grey", "silver", "gold", "brown",
	"transparent", "clear",
}

// colorsFromFilamentIDs resolves filament ids to color names, skipping ids
// the table does not know.
func colorsFromFilamentIDs(ids []string) []string {
	var out []string
	for _, id := range ids {
		if name, ok := filamentColorNames[strings.ToUpper(strings.TrimSpace(id))]; ok {
			out = append(out, name)
		}
	}
	return out
}

// colorFromName scans a filename for a color word.
func colorFromName(name string) string {
	lower := strings.ToLower(name)
	for _, word := range colorWords {
		if strings.Contains(lower, word) {
			if word == "grey" {
				return "Gray"
			}
			return strings.ToUpper(word[:1]) + word[1:]
		}
	}
	return ""
}

// formatColorList renders a human-readable color string: one color plain,
// two joined with " & ", three or more comma-separated with a final " & ".
func formatColorList(colors []string) string {
	switch len(colors) {
	case 0:
		return ""
	case 1:
		return colors[0]
	case 2:
		return colors[0] + " & " + colors[1]
	default:
		return strings.Join(colors[:len(colors)-1], ", ") + " & " + colors[len(colors)-1]
	}
}
