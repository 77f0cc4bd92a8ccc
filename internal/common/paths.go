// Copyright 2026 WikiImport Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"path"
	"strings"
)

// Archive paths are always slash separated and relative to the archive root,
// independent of the host OS.

// NormalizePath cleans and normalizes a path, removing leading/trailing slashes
func NormalizePath(p string) string {
	p = path.Clean(strings.ReplaceAll(p, "\\", "/"))
	p = strings.TrimPrefix(p, "/")
	p = strings.TrimSuffix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// JoinPath joins path components
func JoinPath(parts ...string) string {
	return NormalizePath(path.Join(parts...))
}

// BaseName returns the base name of a path
func BaseName(p string) string {
	p = NormalizePath(p)
	if p == "" {
		return ""
	}
	return path.Base(p)
}

// TrimExt returns the base name without its extension.
func TrimExt(p string) string {
	base := BaseName(p)
	return strings.TrimSuffix(base, path.Ext(base))
}

// ValidName reports whether name can be used as a single archive path element
// (site name, page slug, attachment filename).
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return false
	}
	return true
}

// IsHidden reports whether an entry name is a dotfile.
func IsHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
