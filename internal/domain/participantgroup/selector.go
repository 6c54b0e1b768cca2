package participantgroup

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// NotInAny is the selector id meaning "subjects in none of the groups of this
// category" (or none of the cohorts, for a CohortSelector).
const NotInAny = -1

// CohortKey is the category key shared by every cohort selector.
const CohortKey = "cohort"

// Selector picks a set of subjects. Selectors with the same CategoryKey are
// OR-ed together; different keys are AND-ed. The kinds are CohortSelector,
// CategorySelector and GroupSelector.
type Selector interface {
	CategoryKey() string
	String() string
	selector()
}

type CohortSelector struct {
	ID int
}

func (CohortSelector) CategoryKey() string { return CohortKey }
func (s CohortSelector) String() string    { return "cohort:" + strconv.Itoa(s.ID) }
func (CohortSelector) selector()           {}

// CategorySelector stands for every group of a category.
type CategorySelector struct {
	CategoryID int
}

func (s CategorySelector) CategoryKey() string { return categoryKey(s.CategoryID) }
func (s CategorySelector) String() string      { return "category:" + strconv.Itoa(s.CategoryID) }
func (CategorySelector) selector()             {}

type GroupSelector struct {
	ID         int
	CategoryID int
}

func (s GroupSelector) CategoryKey() string { return categoryKey(s.CategoryID) }
func (s GroupSelector) String() string {
	return "group:" + strconv.Itoa(s.CategoryID) + "/" + strconv.Itoa(s.ID)
}
func (GroupSelector) selector() {}

func categoryKey(categoryID int) string {
	return "participantGroup" + strconv.Itoa(categoryID)
}

// SelectorSpec is the wire form of a selector.
type SelectorSpec struct {
	Kind       string `json:"kind"`
	ID         int    `json:"id,omitempty"`
	CategoryID int    `json:"category_id,omitempty"`
}

// ParseSelector converts a wire selector into its concrete kind.
func ParseSelector(spec SelectorSpec) (Selector, error) {
	switch strings.ToLower(spec.Kind) {
	case "cohort":
		return CohortSelector{ID: spec.ID}, nil
	case "category":
		if spec.CategoryID == 0 {
			spec.CategoryID = spec.ID
		}
		return CategorySelector{CategoryID: spec.CategoryID}, nil
	case "group":
		if spec.CategoryID == 0 {
			return nil, fmt.Errorf("group selector %d needs a category_id", spec.ID)
		}
		return GroupSelector{ID: spec.ID, CategoryID: spec.CategoryID}, nil
	default:
		return nil, fmt.Errorf("unknown selector kind %q", spec.Kind)
	}
}

func ParseSelectors(specs []SelectorSpec) ([]Selector, error) {
	out := make([]Selector, 0, len(specs))
	for i, spec := range specs {
		sel, err := ParseSelector(spec)
		if err != nil {
			return nil, fmt.Errorf("selector %d: %w", i, err)
		}
		out = append(out, sel)
	}
	return out, nil
}

// FilterKey renders selectors in a canonical order so that equal filters
// produce equal cache keys.
func FilterKey(selectors []Selector) string {
	parts := make([]string, 0, len(selectors))
	for _, sel := range selectors {
		if sel != nil {
			parts = append(parts, sel.String())
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
