// Package tree provides path utilities for the remote folder hierarchy.
package tree

import (
	"path"
	"strings"
)

// Root is the path of the repository root folder.
const Root = "/"

// Clean normalizes a repository path: leading slash, no trailing slash,
// doubled separators collapsed. Repositories report paths of documents
// filed in the root as "//name", which Clean turns into "/name".
func Clean(p string) string {
	if p == "" {
		return Root
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// Split returns the non-empty segments of p.
func Split(p string) []string {
	p = Clean(p)
	if p == Root {
		return nil
	}
	return strings.Split(p[1:], "/")
}

// Dir returns the parent path of p. Dir of the root is the root.
func Dir(p string) string {
	return path.Dir(Clean(p))
}

// Base returns the last segment of p, or "/" for the root.
func Base(p string) string {
	return path.Base(Clean(p))
}

// BuildChildPath constructs a child path from parent + name.
func BuildChildPath(parentPath, name string) string {
	parentPath = Clean(parentPath)
	if parentPath == Root {
		return "/" + name
	}
	return parentPath + "/" + name
}

// CleanName strips separators from a remote object name so it can be used
// as a single directory entry.
func CleanName(name string) string {
	return strings.ReplaceAll(name, "/", "")
}

// IsWithin reports whether p equals dir or lies beneath it.
func IsWithin(p, dir string) bool {
	p, dir = Clean(p), Clean(dir)
	if dir == Root || p == dir {
		return true
	}
	return strings.HasPrefix(p, dir+"/")
}
