package ingest

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"memvault/internal/gitignore"
	"memvault/internal/record"
)

// DefaultMaxFileSize caps how large a file the pipeline will read.
const DefaultMaxFileSize = 10 * 1024 * 1024

// sniffLen is how many leading bytes are checked for binary content.
const sniffLen = 8192

// codeExts marks extensions stored under the code path prefix. Prose
// and config extensions index as documentation.
var codeExts = map[string]bool{
	".go": true, ".js": true, ".jsx": true, ".mjs": true, ".ts": true,
	".tsx": true, ".py": true, ".rb": true, ".rs": true, ".java": true,
	".kt": true, ".c": true, ".h": true, ".cpp": true, ".hpp": true,
	".cc": true, ".cs": true, ".swift": true, ".php": true, ".scala": true,
	".ex": true, ".exs": true, ".erl": true, ".hs": true, ".lua": true,
	".sql": true, ".sh": true, ".bash": true, ".zsh": true, ".vue": true,
	".svelte": true, ".proto": true, ".graphql": true,
}

var proseExts = map[string]bool{
	".md": true, ".mdx": true, ".markdown": true, ".rst": true,
	".txt": true, ".json": true, ".yaml": true, ".yml": true,
	".toml": true, ".ini": true, ".xml": true,
}

// skipDirs are never descended into regardless of gitignore rules.
var skipDirs = map[string]bool{
	".git": true, ".memvault": true, "node_modules": true,
	"vendor": true, ".idea": true, ".vscode": true,
	"dist": true, "build": true,
}

// DiscoverOptions tunes file discovery.
type DiscoverOptions struct {
	// MaxFileSize in bytes; 0 means DefaultMaxFileSize.
	MaxFileSize int64
	// RespectGitignore loads .gitignore files found during the walk.
	RespectGitignore bool
}

// SourceFile is one discovered indexable file.
type SourceFile struct {
	RelPath string // slash-separated, relative to the root
	AbsPath string
	Size    int64
}

// IsIndexable reports whether the extension is one the pipeline
// understands.
func IsIndexable(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return codeExts[ext] || proseExts[ext]
}

// IsCodeFile reports whether the path is source code rather than prose.
func IsCodeFile(path string) bool {
	return codeExts[strings.ToLower(filepath.Ext(path))]
}

// StorePath returns the path a file is stored under: code files carry
// the code prefix so retrieval can route them to the code scope.
func StorePath(rel string) string {
	rel = filepath.ToSlash(rel)
	if IsCodeFile(rel) {
		return record.CodePathPrefix + rel
	}
	return rel
}

// Discover walks root and returns every indexable file, honoring
// gitignore rules when asked. Unreadable entries are skipped.
func Discover(root string, opts DiscoverOptions) ([]SourceFile, error) {
	maxSize := opts.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}

	matcher := gitignore.New()
	if opts.RespectGitignore {
		if path := filepath.Join(root, ".gitignore"); fileExists(path) {
			_ = matcher.AddFromFile(path, "")
		}
	}

	var files []SourceFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if skipDirs[d.Name()] || matcher.Match(rel, true) {
				return filepath.SkipDir
			}
			if opts.RespectGitignore {
				if nested := filepath.Join(path, ".gitignore"); fileExists(nested) {
					_ = matcher.AddFromFile(nested, rel)
				}
			}
			return nil
		}

		if !IsIndexable(rel) || matcher.Match(rel, false) {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil || info.Size() > maxSize {
			return nil
		}
		files = append(files, SourceFile{RelPath: rel, AbsPath: path, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// isBinary sniffs the leading bytes for a NUL, the same heuristic git
// uses.
func isBinary(content []byte) bool {
	n := len(content)
	if n > sniffLen {
		n = sniffLen
	}
	return bytes.IndexByte(content[:n], 0) >= 0
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
