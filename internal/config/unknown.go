package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys per section. The empty section holds the
// top-level keys.
var knownKeys = map[string][]string{
	"":        {"log_level", "log_format"},
	"calibre": {"base_url", "library_id", "username", "password", "preferred_formats"},
	"tolino": {
		"partner_id", "login_mode", "hardware_id", "refresh_token",
		"username", "password", "token_file", "delete_method",
	},
	"sync": {
		"state_file", "staging_dir", "enable_deletions", "upload_covers",
		"update_metadata", "collection", "dry_run", "poll_interval",
	},
	"safety":  {"big_delete_threshold", "big_delete_percentage", "big_delete_min_items"},
	"network": {"timeout", "user_agent"},
}

// knownSections is the sorted list of section names for suggestions.
var knownSections = func() []string {
	names := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		if k != "" {
			names = append(names, k)
		}
	}

	sort.Strings(names)

	return names
}()

// topLevelCandidates are the suggestions for an unknown top-level key: the
// top-level keys plus the section names.
var topLevelCandidates = func() []string {
	c := append([]string{}, knownKeys[""]...)
	c = append(c, knownSections...)
	sort.Strings(c)

	return c
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key. An unknown
// section is reported once, not once per key inside it.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	reported := make(map[string]bool)

	for _, key := range undecoded {
		if len(key) == 0 {
			continue
		}

		if reported[key[0]] {
			continue
		}

		if len(key) == 1 {
			reported[key[0]] = true
			errs = append(errs, unknownKeyError(key.String(), key[0], topLevelCandidates))

			continue
		}

		section := key[0]

		candidates, ok := knownKeys[section]
		if !ok {
			reported[section] = true
			errs = append(errs, unknownSectionError(section))

			continue
		}

		errs = append(errs, unknownKeyError(key.String(), key[len(key)-1], candidates))
	}

	return errors.Join(errs...)
}

func unknownKeyError(full, leaf string, candidates []string) error {
	if suggestion := closestMatch(leaf, candidates); suggestion != "" {
		return fmt.Errorf("unknown config key %q: did you mean %q?", full, suggestion)
	}

	return fmt.Errorf("unknown config key %q", full)
}

func unknownSectionError(section string) error {
	if suggestion := closestMatch(section, knownSections); suggestion != "" {
		return fmt.Errorf("unknown config section [%s]: did you mean [%s]?", section, suggestion)
	}

	return fmt.Errorf("unknown config section [%s]", section)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Use single-row optimization to avoid allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
