package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		// Empty and root
		{"empty", "", ""},
		{"root", "/", ""},
		{"dot", ".", ""},

		// Simple paths
		{"simple", "site", "site"},
		{"leading_slash", "/site", "site"},
		{"trailing_slash", "site/", "site"},

		// Nested paths
		{"page_meta", "site/meta/pages/home.json", "site/meta/pages/home.json"},
		{"dot_middle", "site/./pages", "site/pages"},
		{"dotdot_middle", "site/../other", "other"},
		{"double_slash", "site//pages", "site/pages"},

		// Windows separators are folded
		{"backslash", "site\\pages\\home", "site/pages/home"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizePath(tt.input), "NormalizePath(%q)", tt.input)
		})
	}
}

func TestJoinPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "example/pages/home/1.txt", JoinPath("example", "pages", "home", "1.txt"))
	assert.Equal(t, "example", JoinPath("", "example", ""))
	assert.Equal(t, "", JoinPath())
}

func TestBaseNameAndTrimExt(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "home.json", BaseName("example/meta/pages/home.json"))
	assert.Equal(t, "home", TrimExt("example/meta/pages/home.json"))
	assert.Equal(t, "archive.tar", TrimExt("files/home/archive.tar.gz"))
	assert.Equal(t, "", BaseName("/"))
}

func TestValidName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want bool
	}{
		{"home", true},
		{"logo.png", true},
		{"system:join", true},
		{"", false},
		{".", false},
		{"..", false},
		{"a/b", false},
		{"a\\b", false},
		{"nul\x00", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidName(tt.name), "ValidName(%q)", tt.name)
	}
}

func TestIsHidden(t *testing.T) {
	t.Parallel()

	assert.True(t, IsHidden(".importignore"))
	assert.False(t, IsHidden("example"))
}
