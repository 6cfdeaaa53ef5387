package lexical

import (
	"encoding/json"
	"fmt"
)

// snapshotVersion guards the on-disk format. Bump it when the layout
// changes; Deserialize rejects versions it does not know.
const snapshotVersion = 1

type snapshot struct {
	Version int                       `json:"version"`
	Scopes  map[Scope]*scopeSnapshot `json:"scopes"`
}

type scopeSnapshot struct {
	Postings map[string]map[int64]int `json:"postings"`
	DocLen   map[int64]int            `json:"doc_len"`
	TotalLen int                      `json:"total_len"`
	Raw      map[int64]string         `json:"raw"`
}

// Serialize snapshots every scope to JSON. Dirty flags are not part of
// the snapshot; a deserialized index starts clean.
func (ix *Index) Serialize() ([]byte, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	snap := snapshot{
		Version: snapshotVersion,
		Scopes:  make(map[Scope]*scopeSnapshot, len(ix.scopes)),
	}
	for scope, si := range ix.scopes {
		snap.Scopes[scope] = &scopeSnapshot{
			Postings: si.postings,
			DocLen:   si.docLen,
			TotalLen: si.totalLen,
			Raw:      si.raw,
		}
	}
	return json.Marshal(snap)
}

// Deserialize restores the index from a snapshot, replacing all scope
// state. Searches after a round-trip score identically to before.
func (ix *Index) Deserialize(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("lexical snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("lexical snapshot: unsupported version %d", snap.Version)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, scope := range []Scope{ScopeProjectCode, ScopeProjectDocs, ScopeProjectMemories, ScopeGlobalMemories} {
		si := newScopeIndex()
		if ss, ok := snap.Scopes[scope]; ok {
			if ss.Postings != nil {
				si.postings = ss.Postings
			}
			if ss.DocLen != nil {
				si.docLen = ss.DocLen
			}
			si.totalLen = ss.TotalLen
			if ss.Raw != nil {
				si.raw = ss.Raw
			}
		}
		ix.scopes[scope] = si
	}
	return nil
}
