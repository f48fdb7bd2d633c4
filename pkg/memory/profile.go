package memory

import (
	"sort"
	"strings"
)

var profileSectionOrder = []FactType{FactPreference, FactSkill, FactGoal, FactFact, FactContext}

var profileSectionTitles = map[FactType]string{
	FactPreference: "Preferences",
	FactSkill:      "Skills",
	FactGoal:       "Goals",
	FactFact:       "Facts",
	FactContext:    "Context",
}

// FormatProfile renders extracted facts into the profile-cache text block.
// Facts are grouped by type in a fixed section order and sorted by
// descending confidence within a section. Returns "" when there is nothing
// to say.
func FormatProfile(facts []ExtractedMemory) string {
	if len(facts) == 0 {
		return ""
	}
	byType := map[FactType][]ExtractedMemory{}
	for _, f := range facts {
		if strings.TrimSpace(f.Content) == "" {
			continue
		}
		byType[f.Type] = append(byType[f.Type], f)
	}

	var b strings.Builder
	for _, t := range profileSectionOrder {
		group := byType[t]
		if len(group) == 0 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].Confidence == group[j].Confidence {
				return group[i].Timestamp.After(group[j].Timestamp)
			}
			return group[i].Confidence > group[j].Confidence
		})
		b.WriteString(profileSectionTitles[t])
		b.WriteString(":\n")
		for _, f := range group {
			b.WriteString("- ")
			b.WriteString(strings.TrimSpace(f.Content))
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}
