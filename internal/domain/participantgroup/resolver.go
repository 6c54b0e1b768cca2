package participantgroup

import (
	"errors"
	"fmt"
	"sort"
)

// Set is a set of subject ids.
type Set = map[string]struct{}

// Membership is everything Resolve needs to know about a study.
type Membership struct {
	AllSubjects    Set
	GroupMembers   map[int]Set
	CategoryGroups map[int][]int
	CohortMembers  map[int]Set
}

// Resolve evaluates selectors against m: OR within a category key, AND across
// keys, and the cohort union AND-ed with the result of the categories. The
// output is sorted and free of duplicates. No selectors yields no subjects.
func Resolve(m Membership, selectors []Selector) ([]string, error) {
	var order []string
	byKey := make(map[string][]Selector)
	for _, sel := range selectors {
		if sel == nil {
			return nil, errors.New("nil selector")
		}
		key := sel.CategoryKey()
		if _, ok := byKey[key]; !ok {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], sel)
	}

	var groups Set
	groupsSet := false
	var cohorts Set
	cohortsSet := false

	for _, key := range order {
		if key == CohortKey {
			u, err := m.cohortUnion(byKey[key])
			if err != nil {
				return nil, err
			}
			cohorts, cohortsSet = u, true
			continue
		}

		u, err := m.groupUnion(byKey[key])
		if err != nil {
			return nil, err
		}
		if !groupsSet {
			groups, groupsSet = u, true
		} else {
			groups = intersect(groups, u)
		}
	}

	var result Set
	switch {
	case groupsSet && cohortsSet:
		result = intersect(groups, cohorts)
	case groupsSet:
		result = groups
	case cohortsSet:
		result = cohorts
	}
	return sorted(result), nil
}

func (m Membership) groupUnion(selectors []Selector) (Set, error) {
	u := make(Set)
	for _, sel := range selectors {
		switch s := sel.(type) {
		case GroupSelector:
			if s.ID == NotInAny {
				addAll(u, minus(m.AllSubjects, m.categoryUnion(s.CategoryID)))
			} else {
				addAll(u, m.GroupMembers[s.ID])
			}
		case CategorySelector:
			addAll(u, m.categoryUnion(s.CategoryID))
		default:
			return nil, fmt.Errorf("unsupported selector %T in %s", sel, sel.CategoryKey())
		}
	}
	return u, nil
}

func (m Membership) categoryUnion(categoryID int) Set {
	u := make(Set)
	for _, gid := range m.CategoryGroups[categoryID] {
		addAll(u, m.GroupMembers[gid])
	}
	return u
}

func (m Membership) cohortUnion(selectors []Selector) (Set, error) {
	u := make(Set)
	for _, sel := range selectors {
		s, ok := sel.(CohortSelector)
		if !ok {
			return nil, fmt.Errorf("unsupported selector %T in %s", sel, CohortKey)
		}
		if s.ID == NotInAny {
			all := make(Set)
			for _, members := range m.CohortMembers {
				addAll(all, members)
			}
			addAll(u, minus(m.AllSubjects, all))
			continue
		}
		addAll(u, m.CohortMembers[s.ID])
	}
	return u, nil
}

func addAll(dst, src Set) {
	for s := range src {
		dst[s] = struct{}{}
	}
}

func minus(a, b Set) Set {
	out := make(Set, len(a))
	for s := range a {
		if _, ok := b[s]; !ok {
			out[s] = struct{}{}
		}
	}
	return out
}

func intersect(a, b Set) Set {
	if len(b) < len(a) {
		a, b = b, a
	}
	out := make(Set, len(a))
	for s := range a {
		if _, ok := b[s]; ok {
			out[s] = struct{}{}
		}
	}
	return out
}

func sorted(s Set) []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// NewSet builds a Set from ids.
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}
