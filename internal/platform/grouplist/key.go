package grouplist

import (
	"strconv"
	"strings"
)

const (
	segStudy   = "study:"
	segDataset = "ds:"
	segView    = "view:"
	segCohort  = "cohort:"
	segQC      = "qc:"
	segSep     = "|"
)

// Key builds the cache key for a subject list computed from a dataset view
// of a study. Segments are written in the order study, dataset, view, cohort
// filter, QC state; an empty optional segment is omitted. Each segment
// carries its own tag so that, for example, a view named like a QC state can
// never produce the same key as that QC state.
func Key(studyID, datasetID int, viewName, cohortFilterKey, qcState string) string {
	var b strings.Builder
	writeView(&b, studyID, datasetID, viewName)
	writeSegment(&b, segCohort, cohortFilterKey)
	writeSegment(&b, segQC, qcState)
	return b.String()
}

// ViewPrefix is the key prefix shared by every entry of a study's dataset
// view, whatever its cohort and QC filters.
func ViewPrefix(studyID, datasetID int, viewName string) string {
	var b strings.Builder
	writeView(&b, studyID, datasetID, viewName)
	return b.String()
}

func writeView(b *strings.Builder, studyID, datasetID int, viewName string) {
	b.WriteString(segStudy)
	b.WriteString(strconv.Itoa(studyID))
	b.WriteString(segSep)
	b.WriteString(segDataset)
	b.WriteString(strconv.Itoa(datasetID))
	writeSegment(b, segView, viewName)
}

func writeSegment(b *strings.Builder, tag, value string) {
	if value == "" {
		return
	}
	b.WriteString(segSep)
	b.WriteString(tag)
	b.WriteString(escape(value))
}

// escape keeps user-supplied view names from forging a segment separator.
func escape(v string) string {
	if !strings.ContainsAny(v, `|\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, `|`, `\|`)
}

// matchesView reports whether key belongs to the view identified by prefix.
func matchesView(key, prefix string) bool {
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	rest := key[len(prefix):]
	return rest == "" || strings.HasPrefix(rest, segSep+segCohort) || strings.HasPrefix(rest, segSep+segQC)
}
