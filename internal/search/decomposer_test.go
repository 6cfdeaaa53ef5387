package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemporalDecomposer_EnglishRanges(t *testing.T) {
	d := NewTemporalDecomposer()

	tests := []struct {
		query string
		want  []string
	}{
		{
			query: "How many days between starting Orion and deploying it?",
			want:  []string{"starting Orion", "deploying it"},
		},
		{
			query: "what changed from the auth rewrite to the release",
			want:  []string{"the auth rewrite", "the release"},
		},
		{
			query: "events after the migration before the outage",
			want:  []string{"the migration", "the outage"},
		},
		{
			query: "first time cache failed last time cache failed",
			want:  []string{"cache failed", "cache failed"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, d.Decompose(tt.query))
		})
	}
}

func TestTemporalDecomposer_RussianRanges(t *testing.T) {
	d := NewTemporalDecomposer()

	subs := d.Decompose("сколько дней между запуском Orion и деплоем?")
	require.Len(t, subs, 2)
	assert.Equal(t, "запуском Orion", subs[0])
	assert.Equal(t, "деплоем", subs[1])

	subs = d.Decompose("что произошло от рефакторинга до релиза")
	require.Equal(t, []string{"рефакторинга", "релиза"}, subs)
}

func TestTemporalDecomposer_PassThrough(t *testing.T) {
	d := NewTemporalDecomposer()

	for _, q := range []string{
		"",
		"how does RRF fusion work",
		"postgres connection pool settings",
		"between",
	} {
		assert.Nil(t, d.Decompose(q), "query %q must not decompose", q)
	}
}
