// Package modelpath converts between the router's canonical model names
// ("<family>:<tag>") and the on-disk directory names the node stores them
// under. The transform is intentionally simple string surgery, not a
// general-purpose parser: see NameToDir and DirToName for the exact,
// deliberately lossy, round-trip rule.
package modelpath

import "strings"

// defaultTag is appended to a bare (tagless) name on its way to a
// directory name.
const defaultTag = "latest"

// NameToDir converts a ModelName ("family:tag") into its directory name.
// An empty name maps to "_latest". A name without a ':' is treated as
// having no tag and gets "_latest" appended. Otherwise the ':' becomes '_'.
func NameToDir(name string) string {
	if name == "" {
		return "_" + defaultTag
	}
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i] + "_" + name[i+1:]
	}
	return name + "_" + defaultTag
}

// DirToName converts a directory name back into a ModelName by replacing
// the rightmost '_' with ':'. This is a lossy inverse for family names
// that themselves contain '_' (e.g. "foo_bar_7b" becomes "foo_bar:7b", not
// "foo:bar_7b"); the router is the source of truth for such names and
// on-disk-only enumeration of them is a known, documented limitation.
func DirToName(dir string) string {
	i := strings.LastIndexByte(dir, '_')
	if i < 0 {
		return dir
	}
	return dir[:i] + ":" + dir[i+1:]
}
