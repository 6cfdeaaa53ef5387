package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestMemory_EffectiveAt(t *testing.T) {
	from := ts("2024-01-01T00:00:00Z")
	until := ts("2024-06-01T00:00:00Z")
	other := int64(9)

	tests := []struct {
		name   string
		mem    Memory
		at     time.Time
		expect bool
	}{
		{
			name:   "inside validity window",
			mem:    Memory{ValidFrom: &from, ValidUntil: &until},
			at:     ts("2024-03-15T00:00:00Z"),
			expect: true,
		},
		{
			name:   "after valid_until",
			mem:    Memory{ValidFrom: &from, ValidUntil: &until},
			at:     ts("2024-09-01T00:00:00Z"),
			expect: false,
		},
		{
			name:   "exactly at valid_until is excluded",
			mem:    Memory{ValidUntil: &until},
			at:     until,
			expect: false,
		},
		{
			name:   "before valid_from",
			mem:    Memory{ValidFrom: &from},
			at:     ts("2023-12-31T23:59:59Z"),
			expect: false,
		},
		{
			name:   "no bounds always effective",
			mem:    Memory{},
			at:     ts("2030-01-01T00:00:00Z"),
			expect: true,
		},
		{
			name:   "invalidated never effective",
			mem:    Memory{InvalidatedBy: &other},
			at:     ts("2024-03-15T00:00:00Z"),
			expect: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, tt.mem.EffectiveAt(tt.at))
		})
	}
}

func TestMemory_IsDeadEnd(t *testing.T) {
	assert.True(t, (&Memory{Type: TypeDeadEnd}).IsDeadEnd())
	assert.True(t, (&Memory{Type: TypeLearning, Tags: []string{"dead-end"}}).IsDeadEnd())
	assert.False(t, (&Memory{Type: TypeLearning}).IsDeadEnd())
}

func TestValidMemoryType(t *testing.T) {
	assert.True(t, ValidMemoryType(TypeObservation))
	assert.True(t, ValidMemoryType(TypeDeadEnd))
	assert.False(t, ValidMemoryType(MemoryType("hunch")))
}

func TestValidRelation(t *testing.T) {
	assert.True(t, ValidRelation(RelationSupersedes))
	assert.False(t, ValidRelation(LinkRelation("argues_with")))
}

func TestMemoryLink_EffectiveAt(t *testing.T) {
	until := ts("2024-06-01T00:00:00Z")
	l := MemoryLink{ValidUntil: &until}

	assert.True(t, l.EffectiveAt(ts("2024-05-31T00:00:00Z")))
	assert.False(t, l.EffectiveAt(until))
}

func TestDocument_IsCode(t *testing.T) {
	assert.True(t, (&Document{FilePath: "code:internal/store/sqlite.go"}).IsCode())
	assert.False(t, (&Document{FilePath: "docs/design.md"}).IsCode())
}

func TestNormalizeProjectID(t *testing.T) {
	assert.Equal(t, "c:/users/dev/project", NormalizeProjectID(`C:\Users\Dev\Project`))
	assert.Equal(t, "/home/dev/api", NormalizeProjectID("/home/dev/API"))
	assert.Equal(t, "", NormalizeProjectID(""))
}
