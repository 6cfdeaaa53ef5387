// Package freshness classifies indexed files against the working tree
// so incremental re-indexing touches only what changed.
package freshness

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"memvault/internal/errors"
	"memvault/internal/record"
)

// Report lists the classification outcome per indexed path.
type Report struct {
	Stale   []string
	Deleted []string
	Fresh   []string
}

// Classify walks the indexed file hashes against the tree under root.
// A file is deleted when it no longer exists, stale when its content
// hash changed, fresh otherwise. Content is read only when the disk
// mtime is newer than the indexed timestamp; an untouched mtime is
// trusted.
func Classify(ctx context.Context, root string, hashes []*record.FileHash) (*Report, error) {
	report := &Report{Stale: []string{}, Deleted: []string{}, Fresh: []string{}}

	for _, h := range hashes {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(errors.KindInternal, "freshness scan interrupted", err)
		}

		rel := NormalizePath(h.FilePath)
		abs := filepath.Join(root, filepath.FromSlash(rel))

		info, err := os.Stat(abs)
		if err != nil {
			if os.IsNotExist(err) {
				report.Deleted = append(report.Deleted, rel)
				continue
			}
			return nil, errors.Wrap(errors.KindInternal, "stat "+rel, err)
		}

		if !info.ModTime().After(h.IndexedAt) {
			report.Fresh = append(report.Fresh, rel)
			continue
		}

		sum, err := HashFile(abs)
		if err != nil {
			return nil, err
		}
		if sum != h.Hash {
			report.Stale = append(report.Stale, rel)
		} else {
			report.Fresh = append(report.Fresh, rel)
		}
	}
	return report, nil
}

// HashFile returns the hex sha256 of a file's content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(errors.KindInternal, "open "+path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(errors.KindInternal, "hash "+path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex sha256 of a content blob.
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// NormalizePath converts Windows separators to forward slashes and
// strips the code prefix used on document paths. Hash rows are stored
// slash-normalized so the same archive works across platforms.
func NormalizePath(path string) string {
	path = strings.TrimPrefix(path, record.CodePathPrefix)
	return strings.ReplaceAll(path, "\\", "/")
}
