package topup

import (
	"path/filepath"
	"sort"
	"strings"

	"mritopup/internal/models"
)

// PairingResult splits discovered fieldmaps by template group size
type PairingResult struct {
	// Pairs are groups of exactly two, in sorted template order
	Pairs []models.FieldmapPair

	// Orphans are groups with a single member
	Orphans []models.FieldmapGroup

	// Ambiguous are groups with three or more members
	Ambiguous []models.FieldmapGroup
}

// Diagnostics reports every group that was not paired
func (r PairingResult) Diagnostics() []Diagnostic {
	var diags []Diagnostic
	for _, g := range r.Orphans {
		diags = append(diags, warning(KindOrphanedFieldmap, string(g.Members[0]),
			"fieldmap has no opposing phase-encoded partner"))
	}
	for _, g := range r.Ambiguous {
		diags = append(diags, warning(KindAmbiguousFieldmaps, g.Template,
			"%d fieldmaps share one template, none of them were paired", len(g.Members)))
	}
	return diags
}

// TemplateKey strips every label token containing "dir" from the file name
// and keeps the directory, so both directions of one acquisition share a key
func TemplateKey(path string) string {
	dir, base := filepath.Split(path)

	var kept []string
	for _, token := range strings.Split(base, "_") {
		if strings.Contains(token, "dir") {
			continue
		}
		kept = append(kept, token)
	}
	return dir + strings.Join(kept, "_")
}

// DirectionToken returns the lower-cased label token carrying the phase
// encoding direction (for example "dir-ap"), or "" when there is none
func DirectionToken(path string) string {
	stem := models.ImagePath(path).Stem()
	for _, token := range strings.Split(stem, "_") {
		if strings.Contains(token, "dir") {
			return strings.ToLower(token)
		}
	}
	return ""
}

// LocateFieldmapPairs groups fieldmaps that differ only in their direction
// token. Keys are visited in sorted order so the result does not depend on
// directory listing order. Members keep their relative input order.
func LocateFieldmapPairs(paths []string) PairingResult {
	groups := make(map[string][]models.ImagePath)
	for _, p := range paths {
		key := TemplateKey(p)
		groups[key] = append(groups[key], models.ImagePath(p))
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var result PairingResult
	for _, key := range keys {
		members := groups[key]
		switch {
		case len(members) == 2:
			result.Pairs = append(result.Pairs, models.FieldmapPair{
				Template: key,
				First:    members[0],
				Second:   members[1],
			})
		case len(members) == 1:
			result.Orphans = append(result.Orphans, models.FieldmapGroup{Template: key, Members: members})
		default:
			result.Ambiguous = append(result.Ambiguous, models.FieldmapGroup{Template: key, Members: members})
		}
	}

	return result
}
