package screenshare

import "strings"

// QualityPreset is a named bitrate hint passed through to presenters and viewers
type QualityPreset struct {
	Name    string `json:"name"`
	Bitrate int    `json:"bitrate"` // kbps
}

// QualityPresets from lowest to highest
var QualityPresets = []QualityPreset{
	{Name: "low", Bitrate: 500},
	{Name: "medium", Bitrate: 1500},
	{Name: "high", Bitrate: 3000},
	{Name: "ultra", Bitrate: 6000},
}

// DefaultQuality is used when a presenter does not ask for one
const DefaultQuality = "medium"

// NormalizeQuality canonicalizes short preset names. Anything else is
// passed through untouched; quality is negotiated between the endpoints.
func NormalizeQuality(q string) string {
	q = strings.TrimSpace(q)
	switch strings.ToLower(q) {
	case "":
		return DefaultQuality
	case "lo", "low":
		return "low"
	case "med", "medium":
		return "medium"
	case "hi", "high":
		return "high"
	case "ultra":
		return "ultra"
	}
	return q
}

// BitrateFor returns the preset bitrate for a quality name, or 0 when the
// name is not a preset
func BitrateFor(q string) int {
	q = strings.ToLower(NormalizeQuality(q))
	for _, p := range QualityPresets {
		if p.Name == q {
			return p.Bitrate
		}
	}
	return 0
}
