package cohort

import (
	"sort"
	"strings"

	"github.com/ehr/studyengine/internal/domain/participantgroup"
	"github.com/ehr/studyengine/internal/domain/visit"
)

// cohortForLabel returns the id of the cohort with the given non-blank
// label, creating it when needed.
type cohortForLabel func(label string) (int, error)

func subjectUniverse(all participantgroup.Set, extra func(add func(string))) []string {
	universe := make(participantgroup.Set, len(all))
	for s := range all {
		universe[s] = struct{}{}
	}
	extra(func(s string) { universe[s] = struct{}{} })
	out := make([]string, 0, len(universe))
	for s := range universe {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// deriveSimple gives each subject the cohort named by its label. Blank
// labels and subjects missing from values get no cohort.
func deriveSimple(all participantgroup.Set, values map[string]string, cohortFor cohortForLabel) ([]SubjectCohort, error) {
	subjects := subjectUniverse(all, func(add func(string)) {
		for s := range values {
			add(s)
		}
	})
	out := make([]SubjectCohort, 0, len(subjects))
	for _, s := range subjects {
		a := SubjectCohort{Subject: s}
		if label := strings.TrimSpace(values[s]); label != "" {
			id, err := cohortFor(label)
			if err != nil {
				return nil, err
			}
			a.CurrentCohortID = cohortRef(id)
			a.InitialCohortID = cohortRef(id)
		}
		out = append(out, a)
	}
	return out, nil
}

// orderVisitValues sorts values by the chronological position of the visit
// containing each sequence number, then by sequence number. Values outside
// every visit come after all visits.
func orderVisitValues(values []VisitValue, timeline *visit.Timeline) {
	pos := func(v VisitValue) int {
		if p, ok := timeline.Position(v.SequenceNum); ok {
			return p
		}
		return timeline.Len()
	}
	sort.SliceStable(values, func(i, j int) bool {
		pi, pj := pos(values[i]), pos(values[j])
		if pi != pj {
			return pi < pj
		}
		return values[i].SequenceNum < values[j].SequenceNum
	})
}

// deriveAdvanced walks each subject's values in visit order. The initial
// cohort is the first non-blank label and the current one the last; a blank
// value keeps the previous cohort.
func deriveAdvanced(all participantgroup.Set, values []VisitValue, timeline *visit.Timeline, cohortFor cohortForLabel) ([]SubjectCohort, error) {
	bySubject := make(map[string][]VisitValue)
	for _, v := range values {
		bySubject[v.Subject] = append(bySubject[v.Subject], v)
	}
	subjects := subjectUniverse(all, func(add func(string)) {
		for s := range bySubject {
			add(s)
		}
	})

	out := make([]SubjectCohort, 0, len(subjects))
	for _, s := range subjects {
		a := SubjectCohort{Subject: s}
		history := bySubject[s]
		orderVisitValues(history, timeline)
		for _, v := range history {
			label := strings.TrimSpace(v.Label)
			if label == "" {
				continue
			}
			id, err := cohortFor(label)
			if err != nil {
				return nil, err
			}
			if a.InitialCohortID == nil {
				a.InitialCohortID = cohortRef(id)
			}
			a.CurrentCohortID = cohortRef(id)
		}
		out = append(out, a)
	}
	return out, nil
}
