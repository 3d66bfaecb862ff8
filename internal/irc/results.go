package irc

import (
	"bufio"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mpetrun5/bookgrab/internal/cachefile"
)

// ResultLine is one entry from a search-results listing. Line keeps the
// original text verbatim because it doubles as the re-request command sent
// back to the channel.
type ResultLine struct {
	Server string `json:"server"`
	File   string `json:"file"`
	Format string `json:"format"`
	Size   string `json:"size"`
	Line   string `json:"line"`
}

// ParseResults extracts result lines from a results-file body. Lines follow
// the serving bots' convention:
//
//	!Server Author - Title.epub  ::INFO:: 1.2MB
func ParseResults(body string) []ResultLine {
	var results []ResultLine

	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "!") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		entry := ResultLine{
			Server: strings.TrimPrefix(fields[0], "!"),
			Line:   line,
		}

		fileSpec := line

		if idx := strings.Index(line, "::INFO::"); idx >= 0 {
			fileSpec = strings.TrimSpace(line[:idx])
			entry.Size = strings.TrimSpace(line[idx+len("::INFO::"):])
		}

		if idx := strings.Index(fileSpec, " "); idx >= 0 {
			entry.File = strings.TrimSpace(fileSpec[idx+1:])
		}

		entry.Format = strings.TrimPrefix(strings.ToLower(filepath.Ext(entry.File)), ".")

		if entry.File != "" {
			results = append(results, entry)
		}
	}

	return results
}

// RankResults orders results so entries served by currently online elevated
// bots come first; within each group the original order is kept.
func RankResults(results []ResultLine, onlineServers []string) []ResultLine {
	online := make(map[string]bool, len(onlineServers))
	for _, s := range onlineServers {
		online[strings.ToLower(s)] = true
	}

	ranked := make([]ResultLine, len(results))
	copy(ranked, results)

	sort.SliceStable(ranked, func(i, j int) bool {
		return online[strings.ToLower(ranked[i].Server)] && !online[strings.ToLower(ranked[j].Server)]
	})

	return ranked
}

// ResultsCache persists parsed search results per query. An empty slice is a
// valid cached value: "no results" is remembered too, so repeat searches do
// not hammer the network.
type ResultsCache struct {
	cache *cachefile.Cache
}

func NewResultsCache(c *cachefile.Cache) *ResultsCache {
	return &ResultsCache{cache: c}
}

func cacheKey(query string) string {
	return strings.ToLower(strings.Join(strings.Fields(query), " "))
}

func (rc *ResultsCache) Get(query string) ([]ResultLine, bool, error) {
	var results []ResultLine

	ok, err := rc.cache.Get(cacheKey(query), &results)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read results cache: %w", err)
	}

	return results, ok, nil
}

func (rc *ResultsCache) Put(query string, results []ResultLine) error {
	if results == nil {
		results = []ResultLine{}
	}

	return rc.cache.Set(cacheKey(query), results)
}
