package transfer

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"memvault/internal/errors"
	"memvault/internal/record"
	"memvault/internal/store"
)

// Export reads every table into a fresh envelope. Memories split into
// project and global arrays by project id.
func Export(ctx context.Context, backend store.Backend, meta Metadata) (*Envelope, error) {
	env := &Envelope{
		Version:          Version,
		ExportedAt:       time.Now().UTC(),
		Metadata:         meta,
		Documents:        []DocumentRow{},
		FileHashes:       []FileHashRow{},
		Memories:         []MemoryRow{},
		MemoryLinks:      []LinkRow{},
		Centrality:       []CentralityRow{},
		GlobalMemories:   []MemoryRow{},
		TokenFrequencies: []TokenFrequencyRow{},
		TokenStats:       []TokenStatRow{},
	}

	docs, err := backend.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		env.Documents = append(env.Documents, documentRow(d))
	}

	hashes, err := backend.ListFileHashes(ctx)
	if err != nil {
		return nil, err
	}
	for _, h := range hashes {
		env.FileHashes = append(env.FileHashes, FileHashRow{FilePath: h.FilePath, Hash: h.Hash, IndexedAt: h.IndexedAt})
	}

	if err := exportMemories(ctx, backend, env); err != nil {
		return nil, err
	}

	links, err := backend.ListLinks(ctx)
	if err != nil {
		return nil, err
	}
	for _, l := range links {
		env.MemoryLinks = append(env.MemoryLinks, linkRow(l))
	}

	centrality, err := backend.ListCentrality(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range centrality {
		env.Centrality = append(env.Centrality, CentralityRow{
			MemoryID: c.MemoryID, Degree: c.Degree,
			NormalizedDegree: c.NormalizedDegree, UpdatedAt: c.UpdatedAt,
		})
	}

	freqs, err := backend.ListTokenFrequencies(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range freqs {
		env.TokenFrequencies = append(env.TokenFrequencies, TokenFrequencyRow{
			Token: f.Token, Frequency: f.Frequency, ProjectID: f.ProjectID,
		})
	}

	stats, err := backend.ListTokenStats(ctx, 0)
	if err != nil {
		return nil, err
	}
	for _, s := range stats {
		env.TokenStats = append(env.TokenStats, TokenStatRow{
			Operation: s.Operation, RawBytes: s.RawBytes, SavedBytes: s.SavedBytes, CreatedAt: s.CreatedAt,
		})
	}
	return env, nil
}

func exportMemories(ctx context.Context, backend store.Backend, env *Envelope) error {
	memories, err := listAllMemories(ctx, backend)
	if err != nil {
		return err
	}
	for _, m := range memories {
		row := memoryRow(m)
		if m.ProjectID == nil {
			env.GlobalMemories = append(env.GlobalMemories, row)
		} else {
			env.Memories = append(env.Memories, row)
		}
	}
	return nil
}

// listAllMemories scans every namespace, invalidated rows included.
func listAllMemories(ctx context.Context, backend store.Backend) ([]*record.Memory, error) {
	return backend.ListMemories(ctx, store.MemoryFilter{IncludeInvalidated: true, AllProjects: true})
}

// AttachGlobal merges a separate shared store's rows into the
// envelope's global_memories array. Used when global memories live in
// their own file rather than the project database.
func AttachGlobal(ctx context.Context, global store.Backend, env *Envelope) error {
	memories, err := listAllMemories(ctx, global)
	if err != nil {
		return err
	}
	for _, m := range memories {
		if m.ProjectID != nil {
			continue
		}
		env.GlobalMemories = append(env.GlobalMemories, memoryRow(m))
	}
	return nil
}

// Restore replays an envelope into the backend. destructive wipes the
// tables first; additive appends. Either way ids are renumbered and the
// old-to-new map is returned so callers can remap references they hold.
func Restore(ctx context.Context, backend store.Backend, env *Envelope, destructive bool) (*store.IDMap, error) {
	if env.Version != Version {
		return nil, errors.Validationf("unsupported checkpoint version %q, want %q", env.Version, Version)
	}
	return backend.RestoreSnapshot(ctx, env.Snapshot(), destructive)
}

// RestoreSplit replays an envelope across a project store and a
// separate global store. The global store is shared across projects, so
// it is always restored additively; a per-project restore never wipes
// it. Links restore into the project store only.
func RestoreSplit(ctx context.Context, backend, global store.Backend, env *Envelope, destructive bool) (*store.IDMap, error) {
	if global == nil || global == backend {
		return Restore(ctx, backend, env, destructive)
	}
	if env.Version != Version {
		return nil, errors.Validationf("unsupported checkpoint version %q, want %q", env.Version, Version)
	}
	idmap, err := backend.RestoreSnapshot(ctx, env.ProjectSnapshot(), destructive)
	if err != nil {
		return nil, err
	}
	gmap, err := global.RestoreSnapshot(ctx, env.GlobalSnapshot(), false)
	if err != nil {
		return nil, err
	}
	if idmap.Memories == nil {
		idmap.Memories = map[int64]int64{}
	}
	for old, id := range gmap.Memories {
		idmap.Memories[old] = id
	}
	return idmap, nil
}

// Import is the destructive restore used by checkpoint load.
func Import(ctx context.Context, backend store.Backend, env *Envelope) (*store.IDMap, error) {
	return Restore(ctx, backend, env, true)
}

// WriteFile serializes the envelope to path. A .gz suffix enables gzip.
func WriteFile(path string, env *Envelope) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "create checkpoint file", err)
	}
	defer func() { _ = f.Close() }()

	enc := json.NewEncoder(f)
	if strings.HasSuffix(path, ".gz") {
		zw := gzip.NewWriter(f)
		defer func() { _ = zw.Close() }()
		enc = json.NewEncoder(zw)
		if err := enc.Encode(env); err != nil {
			return errors.Wrap(errors.KindInternal, "write checkpoint", err)
		}
		if err := zw.Close(); err != nil {
			return errors.Wrap(errors.KindInternal, "flush checkpoint", err)
		}
		return f.Close()
	}
	enc.SetIndent("", "  ")
	if err := enc.Encode(env); err != nil {
		return errors.Wrap(errors.KindInternal, "write checkpoint", err)
	}
	return f.Close()
}

// ReadFile parses a checkpoint from path, transparently ungzipping by
// extension, and validates the format version.
func ReadFile(path string) (*Envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "open checkpoint file", err)
	}
	defer func() { _ = f.Close() }()

	dec := json.NewDecoder(f)
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrap(errors.KindInternal, "open gzip checkpoint", err)
		}
		defer func() { _ = zr.Close() }()
		dec = json.NewDecoder(zr)
	}

	env := &Envelope{}
	if err := dec.Decode(env); err != nil {
		return nil, errors.Wrap(errors.KindInternal, "parse checkpoint", err)
	}
	if env.Version != Version {
		return nil, errors.Validationf("unsupported checkpoint version %q, want %q", env.Version, Version)
	}
	return env, nil
}
