package search

import (
	"regexp"
	"strings"
)

// TemporalDecomposer splits queries that span two points in time into
// one sub-query per endpoint. Queries like "between starting Orion and
// deploying it" embed both events into a single vector that lands near
// neither; searching the endpoints separately recovers both.
//
// Pattern matching is deterministic and conservative: only the fixed
// English and Russian range forms decompose, everything else passes
// through untouched.
type TemporalDecomposer struct {
	patterns []*regexp.Regexp
}

// NewTemporalDecomposer compiles the range patterns.
func NewTemporalDecomposer() *TemporalDecomposer {
	return &TemporalDecomposer{
		patterns: []*regexp.Regexp{
			// between X and Y
			regexp.MustCompile(`(?i)\bbetween\s+(.+?)\s+and\s+(.+?)[?.!]*$`),
			// from X to Y
			regexp.MustCompile(`(?i)\bfrom\s+(.+?)\s+to\s+(.+?)[?.!]*$`),
			// after X ... before Y
			regexp.MustCompile(`(?i)\bafter\s+(.+?)\s+before\s+(.+?)[?.!]*$`),
			// first time X ... last time Y
			regexp.MustCompile(`(?i)\bfirst\s+time\s+(.+?)\s+last\s+time\s+(.+?)[?.!]*$`),
			// между X и Y. \b is ASCII-only in RE2, so the Russian
			// forms anchor on start-or-space instead.
			regexp.MustCompile(`(?i)(?:^|\s)между\s+(.+?)\s+и\s+(.+?)[?.!]*$`),
			// от X до Y / с X по Y
			regexp.MustCompile(`(?i)(?:^|\s)от\s+(.+?)\s+до\s+(.+?)[?.!]*$`),
			regexp.MustCompile(`(?i)(?:^|\s)с\s+(.+?)\s+по\s+(.+?)[?.!]*$`),
			// первый раз X ... последний раз Y
			regexp.MustCompile(`(?i)(?:^|\s)первый\s+раз\s+(.+?)\s+последний\s+раз\s+(.+?)[?.!]*$`),
		},
	}
}

// Decompose returns the temporal endpoints of a range query, or nil
// when the query is not a temporal range. The first matching pattern
// wins.
func (d *TemporalDecomposer) Decompose(query string) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	for _, p := range d.patterns {
		m := p.FindStringSubmatch(query)
		if m == nil {
			continue
		}
		subs := make([]string, 0, 2)
		for _, part := range m[1:] {
			part = strings.TrimSpace(part)
			if part != "" {
				subs = append(subs, part)
			}
		}
		if len(subs) == 2 {
			return subs
		}
	}
	return nil
}
