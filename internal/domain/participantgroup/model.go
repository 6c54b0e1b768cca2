package participantgroup

import "strings"

type CategoryType string

const (
	CategoryManual CategoryType = "manual"
	CategoryList   CategoryType = "list"
	CategoryCohort CategoryType = "cohort"
)

func (t CategoryType) Valid() bool {
	switch t {
	case CategoryManual, CategoryList, CategoryCohort:
		return true
	}
	return false
}

// Category groups participant groups; selectors are OR-ed within one.
// A list category is created implicitly for a single group and disappears
// with it.
type Category struct {
	ID      int          `json:"id"`
	StudyID int          `json:"study_id"`
	Label   string       `json:"label"`
	Type    CategoryType `json:"type"`
	OwnerID int          `json:"owner_id"`
	Groups  []*Group     `json:"groups,omitempty"`
}

// Shared reports whether every user of the study sees the category.
func (c *Category) Shared() bool {
	return c.OwnerID == 0
}

type Group struct {
	ID           int      `json:"id"`
	CategoryID   int      `json:"category_id"`
	Label        string   `json:"label"`
	Participants []string `json:"participants"`
	Filters      *string  `json:"filters,omitempty"`
	LiveFilter   bool     `json:"live_filter"`
}

func sameLabel(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// normalizeParticipants trims ids, drops blanks and removes repeats while
// keeping the first-seen order.
func normalizeParticipants(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
