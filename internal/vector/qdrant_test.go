package vector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Upserted payloads omit nullable fields entirely, so the null check must
// serialize to is_empty: qdrant's is_null only matches keys stored with an
// explicit null value and would exclude every point without the key.
func TestToConditionNullCheckMatchesAbsentKeys(t *testing.T) {
	cond := toCondition(NotInvalidated())

	require.NotNil(t, cond.GetIsEmpty())
	assert.Equal(t, "invalidated_by", cond.GetIsEmpty().GetKey())
	assert.Nil(t, cond.GetIsNull())
}

func TestToConditionMatchVariants(t *testing.T) {
	byString := toCondition(Match("type", "decision"))
	require.NotNil(t, byString.GetField())
	assert.Equal(t, "type", byString.GetField().GetKey())
	assert.Equal(t, "decision", byString.GetField().GetMatch().GetKeyword())

	byInt := toCondition(Match("invalidated_by", int64(42)))
	require.NotNil(t, byInt.GetField())
	assert.Equal(t, int64(42), byInt.GetField().GetMatch().GetInteger())
}

func TestToConditionRangeBounds(t *testing.T) {
	cond := toCondition(RangeLTE("valid_from", 1700000000))

	require.NotNil(t, cond.GetField())
	rng := cond.GetField().GetRange()
	require.NotNil(t, rng)
	require.NotNil(t, rng.Lte)
	assert.InDelta(t, 1700000000, *rng.Lte, 0.5)
	assert.Nil(t, rng.Gt)
}

func TestToQdrantFilterNestsValidityGroups(t *testing.T) {
	ref := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := And(ProjectFilter("work/app"), EffectiveAt(ref))

	qf := toQdrantFilter(f)
	require.NotNil(t, qf)
	// project match + not-invalidated + two validity groups.
	require.Len(t, qf.Must, 4)

	assert.Equal(t, "project_id", qf.Must[0].GetField().GetKey())
	assert.Equal(t, "invalidated_by", qf.Must[1].GetIsEmpty().GetKey())

	for i, field := range []string{"valid_from", "valid_until"} {
		group := qf.Must[2+i].GetFilter()
		require.NotNil(t, group, "validity group %s", field)
		require.Len(t, group.Should, 2)
		assert.Equal(t, field, group.Should[0].GetIsEmpty().GetKey())
		require.NotNil(t, group.Should[1].GetField().GetRange())
	}
}

func TestToQdrantFilterNilPassesThrough(t *testing.T) {
	assert.Nil(t, toQdrantFilter(nil))
}

func TestPayloadIndexesCoverFilterFields(t *testing.T) {
	indexed := func(kind Kind, field string) bool {
		for _, idx := range payloadIndexes[kind] {
			if idx.field == field {
				return true
			}
		}
		return false
	}

	for _, field := range []string{"doc_type", "file_path", "project_id"} {
		assert.True(t, indexed(KindDocuments, field), "documents missing %s", field)
	}
	for _, field := range []string{"type", "tags", "project_id", "invalidated_by", "created_at", "valid_from", "valid_until"} {
		assert.True(t, indexed(KindMemories, field), "memories missing %s", field)
	}
	for _, field := range []string{"type", "tags", "invalidated_by", "created_at", "valid_from", "valid_until"} {
		assert.True(t, indexed(KindGlobalMemories, field), "global memories missing %s", field)
	}
}

func TestPrefetchLaneLimitScalesWithK(t *testing.T) {
	assert.Equal(t, uint64(15), prefetchLaneLimit(5))
	assert.Equal(t, uint64(300), prefetchLaneLimit(100))
	assert.Equal(t, uint64(3), prefetchLaneLimit(0))
}

func TestValidityTimestampUnixSeconds(t *testing.T) {
	assert.Nil(t, ValidityTimestamp(nil))

	ref := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got := ValidityTimestamp(&ref)
	require.IsType(t, float64(0), got)
	assert.InDelta(t, float64(ref.Unix()), got.(float64), 0.5)
}
