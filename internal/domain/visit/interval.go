package visit

import "sort"

// overlaps treats touching endpoints as overlapping: [10,20] and [20,30]
// share sequence number 20.
func overlaps(a, b *Visit) bool {
	maxL := a.SequenceNumMin
	if b.SequenceNumMin > maxL {
		maxL = b.SequenceNumMin
	}
	minR := a.SequenceNumMax
	if b.SequenceNumMax < minR {
		minR = b.SequenceNumMax
	}
	return maxL <= minR
}

// CheckOverlap reports whether candidate overlaps any visit in existing other
// than itself.
func CheckOverlap(candidate *Visit, existing []*Visit) bool {
	return FindOverlap(candidate, existing) != nil
}

// FindOverlap returns the first visit in existing whose range overlaps
// candidate, skipping the visit with candidate's own id.
func FindOverlap(candidate *Visit, existing []*Visit) *Visit {
	for _, v := range existing {
		if v.ID == candidate.ID {
			continue
		}
		if overlaps(v, candidate) {
			return v
		}
	}
	return nil
}

// OverlappingPairs lists every pair of overlapping visits, ordered by the
// lower bound of the first visit.
func OverlappingPairs(visits []*Visit) []OverlapPair {
	sorted := make([]*Visit, len(visits))
	copy(sorted, visits)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SequenceNumMin < sorted[j].SequenceNumMin
	})

	var pairs []OverlapPair
	for i, a := range sorted {
		for _, b := range sorted[i+1:] {
			if b.SequenceNumMin > a.SequenceNumMax {
				break
			}
			if overlaps(a, b) {
				pairs = append(pairs, OverlapPair{First: a, Second: b})
			}
		}
	}
	return pairs
}

// positions maps each id to its 1-indexed position in ordered. The first
// occurrence wins when an id repeats.
func positions(ordered []int) map[int]int {
	pos := make(map[int]int, len(ordered))
	for i, id := range ordered {
		if _, seen := pos[id]; !seen {
			pos[id] = i + 1
		}
	}
	return pos
}

// displayOrders assigns each visit its position in ordered, or 0 when absent,
// keeping the chronological order as is.
func displayOrders(visits []*Visit, ordered []int) []OrderUpdate {
	pos := positions(ordered)
	out := make([]OrderUpdate, 0, len(visits))
	for _, v := range visits {
		out = append(out, OrderUpdate{ID: v.ID, DisplayOrder: pos[v.ID], ChronologicalOrder: v.ChronologicalOrder})
	}
	return out
}

func chronologicalOrders(visits []*Visit, ordered []int) []OrderUpdate {
	pos := positions(ordered)
	out := make([]OrderUpdate, 0, len(visits))
	for _, v := range visits {
		out = append(out, OrderUpdate{ID: v.ID, DisplayOrder: v.DisplayOrder, ChronologicalOrder: pos[v.ID]})
	}
	return out
}

func resetOrders(visits []*Visit) []OrderUpdate {
	out := make([]OrderUpdate, 0, len(visits))
	for _, v := range visits {
		out = append(out, OrderUpdate{ID: v.ID})
	}
	return out
}

// SortDisplay orders visits by (DisplayOrder, SequenceNumMin) in place.
func SortDisplay(visits []*Visit) {
	sort.SliceStable(visits, func(i, j int) bool {
		if visits[i].DisplayOrder != visits[j].DisplayOrder {
			return visits[i].DisplayOrder < visits[j].DisplayOrder
		}
		return visits[i].SequenceNumMin < visits[j].SequenceNumMin
	})
}

// SortChronological orders visits by (ChronologicalOrder, SequenceNumMin) in
// place.
func SortChronological(visits []*Visit) {
	sort.SliceStable(visits, func(i, j int) bool {
		if visits[i].ChronologicalOrder != visits[j].ChronologicalOrder {
			return visits[i].ChronologicalOrder < visits[j].ChronologicalOrder
		}
		return visits[i].SequenceNumMin < visits[j].SequenceNumMin
	})
}

// Timeline answers where a sequence number falls in the chronological order
// of a study's visits.
type Timeline struct {
	visits []*Visit
}

func NewTimeline(visits []*Visit) *Timeline {
	sorted := make([]*Visit, len(visits))
	copy(sorted, visits)
	SortChronological(sorted)
	return &Timeline{visits: sorted}
}

// Position returns the chronological index of the visit containing seq.
// Sequence numbers outside every visit report ok=false.
func (t *Timeline) Position(seq float64) (pos int, ok bool) {
	for i, v := range t.visits {
		if v.Contains(seq) {
			return i, true
		}
	}
	return 0, false
}

// Len is the number of visits on the timeline.
func (t *Timeline) Len() int {
	return len(t.visits)
}
