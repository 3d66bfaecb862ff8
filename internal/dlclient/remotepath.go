package dlclient

import (
	"path/filepath"
	"sort"
	"strings"
)

// Mapping rewrites one remote path prefix, as reported by a daemon running
// elsewhere, into the path the same data has on this host.
type Mapping struct {
	Remote string
	Local  string
}

// PathMapper applies remote path mappings. Mappings are checked longest
// remote prefix first so the most specific one wins; a path no mapping
// covers passes through unchanged.
type PathMapper struct {
	mappings []Mapping
}

func NewPathMapper(mappings []Mapping) *PathMapper {
	sorted := make([]Mapping, len(mappings))
	copy(sorted, mappings)

	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Remote) > len(sorted[j].Remote)
	})

	return &PathMapper{mappings: sorted}
}

// ToLocal rewrites a daemon-reported path into a host path. Windows-style
// remote prefixes (drive letter or backslashes) match case-insensitively
// and their separators are normalized in the rewritten remainder.
func (m *PathMapper) ToLocal(remote string) string {
	for _, mapping := range m.mappings {
		rest, ok := stripPrefix(remote, mapping.Remote)
		if !ok {
			continue
		}

		if isWindowsPath(mapping.Remote) {
			rest = strings.ReplaceAll(rest, `\`, "/")
		}

		rest = strings.TrimLeft(rest, "/")
		if rest == "" {
			return filepath.Clean(mapping.Local)
		}

		return filepath.Join(mapping.Local, rest)
	}

	return remote
}

func stripPrefix(path, prefix string) (string, bool) {
	if isWindowsPath(prefix) {
		if len(path) >= len(prefix) && strings.EqualFold(path[:len(prefix)], prefix) {
			return path[len(prefix):], true
		}

		return "", false
	}

	prefix = strings.TrimRight(prefix, "/")

	if path == prefix {
		return "", true
	}

	if strings.HasPrefix(path, prefix+"/") {
		return path[len(prefix)+1:], true
	}

	return "", false
}

func isWindowsPath(p string) bool {
	if len(p) >= 2 && p[1] == ':' {
		c := p[0]

		return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
	}

	return strings.Contains(p, `\`)
}
