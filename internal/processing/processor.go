package processing

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var whitespace = regexp.MustCompile(`\s+`)

// pointNamespace scopes the UUIDv5 identifiers of index entries.
var pointNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/DeafMist/sigma-rag/points"))

// SqueezeSpace collapses runs of whitespace and trims the ends.
func SqueezeSpace(input string) string {
	if input == "" {
		return ""
	}
	return strings.TrimSpace(whitespace.ReplaceAllString(input, " "))
}

// ComposeText joins the non-empty parts with single spaces.
func ComposeText(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := SqueezeSpace(p); s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, " ")
}

// FallbackRecordID derives a stable ID for a rule match that has no rule_id.
func FallbackRecordID(title, description string, position int) string {
	s := sha1.Sum([]byte(title + "|" + description + "|" + strconv.Itoa(position)))
	return "record-" + hex.EncodeToString(s[:8])
}

// UniqueIDs appends #2, #3, ... to repeated IDs, keeping first occurrences intact.
func UniqueIDs(ids []string) []string {
	seen := make(map[string]int, len(ids))
	taken := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		taken[id] = struct{}{}
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		seen[id]++
		if seen[id] == 1 {
			out[i] = id
			continue
		}
		n := seen[id]
		candidate := id + "#" + strconv.Itoa(n)
		for {
			if _, clash := taken[candidate]; !clash {
				break
			}
			n++
			candidate = id + "#" + strconv.Itoa(n)
		}
		seen[id] = n
		taken[candidate] = struct{}{}
		out[i] = candidate
	}
	return out
}

// PointID maps a record ID to a deterministic UUID within a collection, so
// re-ingesting a report overwrites its entries instead of duplicating them.
func PointID(collection, recordID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(collection+"/"+recordID)).String()
}

// Excerpt shortens s to at most n runes for log output.
func Excerpt(s string, n int) string {
	s = SqueezeSpace(s)
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
