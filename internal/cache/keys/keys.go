// Package keys builds cache keys for tiles.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/tileplane/internal/core/model"
)

const prefix = "tile"

// TileKey returns the cache key for one tile of a source. The readable part
// is sanitized and truncated; the trailing digest keeps ids that sanitize to
// the same text apart.
func TileKey(source string, a model.TileAddress) string {
	raw := strings.TrimSpace(source)
	safe := sanitize(raw)
	const maxSourceLen = 64
	if len(safe) > maxSourceLen {
		safe = safe[:maxSourceLen]
	}
	sum := xxhash.Sum64String(raw)
	return fmt.Sprintf("%s:%s:%d:%d:%d:s=%016x", prefix, safe, a.Z, a.X, a.Y, sum)
}

// Digest is the short hash the hotness tracker shards on.
func Digest(key string) uint64 { return xxhash.Sum64String(key) }

func sanitize(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			// ':' is the key separator, so it is replaced too
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
