package gitignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatcher_Patterns(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		path    string
		isDir   bool
		ignored bool
	}{
		{"exact name", "foo.txt", "foo.txt", false, true},
		{"exact name miss", "foo.txt", "bar.txt", false, false},
		{"name matches in subdir", "foo.txt", "src/foo.txt", false, true},
		{"star extension", "*.log", "debug.log", false, true},
		{"star matches basename anywhere", "*.log", "logs/x/debug.log", false, true},
		{"question mark", "?.txt", "a.txt", false, true},
		{"question mark two chars", "?.txt", "ab.txt", false, false},
		{"double star prefix", "**/build", "a/b/build", true, true},
		{"double star middle", "a/**/z", "a/b/c/z", false, true},
		{"anchored", "/build", "build", true, true},
		{"anchored not nested", "/build", "src/build", true, false},
		{"internal slash anchors", "doc/frotz", "doc/frotz", true, true},
		{"internal slash not nested", "doc/frotz", "a/doc/frotz", true, false},
		{"dir only matches dir", "temp/", "temp", true, true},
		{"dir only skips file", "temp/", "temp", false, false},
		{"dir only matches contents", "temp/", "temp/file.go", false, true},
		{"character class", "[ab].txt", "a.txt", false, true},
		{"escaped hash", `\#notes`, "#notes", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			m.AddPattern(tt.pattern)
			assert.Equal(t, tt.ignored, m.Match(tt.path, tt.isDir))
		})
	}
}

func TestMatcher_NegationLastRuleWins(t *testing.T) {
	m := New()
	m.AddPattern("*.log")
	m.AddPattern("!important.log")

	assert.True(t, m.Match("debug.log", false))
	assert.False(t, m.Match("important.log", false))
}

func TestMatcher_NegationThenReIgnore(t *testing.T) {
	m := New()
	m.AddPattern("*.log")
	m.AddPattern("!keep.log")
	m.AddPattern("keep.log")

	assert.True(t, m.Match("keep.log", false))
}

func TestMatcher_CommentsAndBlankLinesSkipped(t *testing.T) {
	m := New()
	m.AddPattern("# just a comment")
	m.AddPattern("   ")
	m.AddPattern("")

	assert.False(t, m.Match("anything", false))
}

func TestMatcher_NestedBase(t *testing.T) {
	m := New()
	m.AddPatternWithBase("*.gen.go", "src")

	assert.True(t, m.Match("src/api.gen.go", false))
	assert.True(t, m.Match("src/deep/api.gen.go", false))
	assert.False(t, m.Match("other/api.gen.go", false))
}

func TestMatcher_AddFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".gitignore")
	content := "# build output\nbin/\n*.tmp\n!keep.tmp\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	m := New()
	require.NoError(t, m.AddFromFile(path, ""))

	assert.True(t, m.Match("bin/app", false))
	assert.True(t, m.Match("scratch.tmp", false))
	assert.False(t, m.Match("keep.tmp", false))

	require.Error(t, m.AddFromFile(filepath.Join(dir, "missing"), ""))
}

func TestMatcher_ConcurrentMatch(t *testing.T) {
	m := New()
	m.AddPattern("*.log")

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				_ = m.Match("a.log", false)
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
