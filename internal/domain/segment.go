package domain

import (
	"regexp"
	"strings"
)

// SegmentKind tags a region of a model turn.
type SegmentKind string

const (
	// SegmentNarrative is ordinary stakeholder dialogue and scene text.
	SegmentNarrative SegmentKind = "narrative"
	// SegmentSystemNotice is a turn warning, phase transition or similar notice.
	SegmentSystemNotice SegmentKind = "system_notice"
	// SegmentInternalReasoning is exposed model reasoning.
	SegmentInternalReasoning SegmentKind = "internal_reasoning"
)

// Segment is one tagged region of a model turn.
type Segment struct {
	Kind SegmentKind `json:"kind"`
	Text string      `json:"text"`
}

// markerPattern finds a tag on the raw line in any letter case.
var markerPattern = regexp.MustCompile(`(?i)\[(system|internal cot)\]`)

// ParseSegments splits a model turn into narrative, system-notice and
// internal-reasoning segments. A marker runs to the end of its line; text
// before it on the same line is narrative. Markers may be wrapped in markdown
// emphasis ("**[System]**").
func ParseSegments(text string) []Segment {
	var segments []Segment
	var narrative []string

	flush := func() {
		joined := strings.Join(narrative, "\n")
		narrative = narrative[:0]
		if strings.TrimSpace(joined) == "" {
			return
		}
		segments = append(segments, Segment{Kind: SegmentNarrative, Text: strings.Trim(joined, "\n")})
	}

	for _, line := range strings.Split(text, "\n") {
		idx, kind := findMarker(line)
		if idx < 0 {
			narrative = append(narrative, line)
			continue
		}
		before := line[:idx]
		// Opening emphasis belongs to the marker, not the narrative.
		trimmedBefore := strings.TrimRight(before, "*_ ")
		if strings.TrimSpace(trimmedBefore) != "" {
			narrative = append(narrative, trimmedBefore)
		}
		flush()
		segments = append(segments, Segment{Kind: kind, Text: strings.TrimSpace(line[len(before):])})
	}
	flush()
	return segments
}

// findMarker returns the byte offset where the earliest marker on line starts,
// including any emphasis characters directly in front of it.
func findMarker(line string) (int, SegmentKind) {
	loc := markerPattern.FindStringSubmatchIndex(line)
	if loc == nil {
		return -1, ""
	}
	kind := SegmentSystemNotice
	if strings.EqualFold(line[loc[2]:loc[3]], "internal cot") {
		kind = SegmentInternalReasoning
	}
	best := loc[0]
	for best > 0 && (line[best-1] == '*' || line[best-1] == '_') {
		best--
	}
	return best, kind
}
