package store

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"sort"
)

// EncodeEmbedding packs a float32 vector as little-endian bytes. A nil or
// empty vector encodes as nil so the column stays NULL.
func EncodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeEmbedding unpacks a little-endian float32 vector. Truncated
// trailing bytes are dropped rather than failing the row.
func DecodeEmbedding(buf []byte) []float32 {
	if len(buf) < 4 {
		return nil
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

// Cosine computes cosine similarity between two vectors. Mismatched
// lengths or zero magnitude score zero.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// marshalJSON renders tags and factor maps for storage. Empty values store
// as NULL via the nil return.
func marshalJSON(v any) []byte {
	switch t := v.(type) {
	case []string:
		if len(t) == 0 {
			return nil
		}
	case map[string]float64:
		if len(t) == 0 {
			return nil
		}
	case map[string]int:
		if len(t) == 0 {
			return nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func unmarshalTags(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	var tags []string
	_ = json.Unmarshal(data, &tags)
	return tags
}

func unmarshalFactors(data []byte) map[string]float64 {
	if len(data) == 0 {
		return nil
	}
	var m map[string]float64
	_ = json.Unmarshal(data, &m)
	return m
}

func unmarshalCounts(data []byte) map[string]int {
	if len(data) == 0 {
		return nil
	}
	var m map[string]int
	_ = json.Unmarshal(data, &m)
	return m
}

// topKByScore keeps the k best scored entries, ties broken by ascending id.
func topKByScore[T any](items []T, score func(T) float64, id func(T) int64, k int) []T {
	sort.Slice(items, func(i, j int) bool {
		si, sj := score(items[i]), score(items[j])
		if si != sj {
			return si > sj
		}
		return id(items[i]) < id(items[j])
	})
	if k > 0 && len(items) > k {
		items = items[:k]
	}
	return items
}
