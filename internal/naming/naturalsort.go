package naming

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var digitRuns = regexp.MustCompile(`(\d+|\D+)`)

type sortToken struct {
	str   string
	num   int
	isNum bool
}

func tokenize(s string) []sortToken {
	parts := digitRuns.FindAllString(s, -1)
	tokens := make([]sortToken, len(parts))

	for i, p := range parts {
		if num, err := strconv.Atoi(p); err == nil {
			tokens[i] = sortToken{num: num, isNum: true}
		} else {
			tokens[i] = sortToken{str: strings.ToLower(p)}
		}
	}

	return tokens
}

// NaturalLess compares two strings treating embedded digit runs numerically,
// so "Part 2" orders before "Part 10".
func NaturalLess(s1, s2 string) bool {
	t1, t2 := tokenize(s1), tokenize(s2)

	minLen := len(t1)
	if len(t2) < minLen {
		minLen = len(t2)
	}

	for i := 0; i < minLen; i++ {
		if t1[i].isNum != t2[i].isNum {
			return t1[i].isNum
		}

		if t1[i].isNum {
			if t1[i].num != t2[i].num {
				return t1[i].num < t2[i].num
			}
		} else if t1[i].str != t2[i].str {
			return t1[i].str < t2[i].str
		}
	}

	return len(t1) < len(t2)
}

// AssignParts maps each filename of a multi-file release to its sequential
// part number, determined by natural sort order. The assignment depends only
// on the set of names, never on the order they arrive in.
func AssignParts(files []string) map[string]int {
	sorted := make([]string, len(files))
	copy(sorted, files)
	sort.SliceStable(sorted, func(i, j int) bool {
		return NaturalLess(sorted[i], sorted[j])
	})

	parts := make(map[string]int, len(sorted))
	for i, f := range sorted {
		parts[f] = i + 1
	}

	return parts
}

// FormatPart renders a part number zero-padded to two digits. Releases with
// more than 99 parts widen as needed.
func FormatPart(n, total int) string {
	width := 2
	for limit := 100; total >= limit; limit *= 10 {
		width++
	}

	return fmt.Sprintf("%0*d", width, n)
}
