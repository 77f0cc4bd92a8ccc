package archive

import (
	"os"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	ignore "github.com/sabhiram/go-gitignore"
)

// PathFilter reports whether an archive-relative path should be visited.
type PathFilter func(relPath string, isDir bool) bool

// BuildPathFilter creates a PathFilter that:
// 1. Always excludes dotfiles at any level (the ignore file itself included)
// 2. Applies gitignore-syntax rules from the root .importignore
// 3. Applies extra exclude patterns from configuration
func BuildPathFilter(fsys billy.Filesystem, excludes []string) (PathFilter, error) {
	lines, err := readIgnoreLines(fsys)
	if err != nil {
		return nil, err
	}
	lines = append(lines, excludes...)

	var matcher *ignore.GitIgnore
	if len(lines) > 0 {
		matcher = ignore.CompileIgnoreLines(lines...)
	}

	return func(relPath string, isDir bool) bool {
		for _, part := range strings.Split(relPath, "/") {
			if strings.HasPrefix(part, ".") {
				return false
			}
		}
		if matcher == nil {
			return true
		}
		checkPath := relPath
		if isDir {
			checkPath = relPath + "/"
		}
		return !matcher.MatchesPath(checkPath)
	}, nil
}

func readIgnoreLines(fsys billy.Filesystem) ([]string, error) {
	data, err := util.ReadFile(fsys, IgnoreFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}
