package keys

import (
	"regexp"
	"strings"
	"testing"

	"github.com/mohammed-shakir/tileplane/internal/core/model"
)

var keyRe = regexp.MustCompile(`^tile:[A-Za-z0-9_.\-]+:\d+:\d+:\d+:s=[0-9a-f]{16}$`)

func TestTileKey_Deterministic(t *testing.T) {
	a := model.TileAddress{Z: 5, X: 17, Y: 11}
	k1 := TileKey("terrain", a)
	k2 := TileKey(" terrain ", a)
	if k1 != k2 {
		t.Fatalf("keys differ:\n k1=%s\n k2=%s", k1, k2)
	}
	if !keyRe.MatchString(k1) {
		t.Fatalf("unexpected key shape %q", k1)
	}
	if !strings.HasPrefix(k1, "tile:terrain:5:17:11:") {
		t.Fatalf("key %q lost readable part", k1)
	}
}

func TestTileKey_DistinguishesAddressesAndSources(t *testing.T) {
	seen := map[string]bool{}
	for _, k := range []string{
		TileKey("roads", model.TileAddress{Z: 1, X: 0, Y: 1}),
		TileKey("roads", model.TileAddress{Z: 1, X: 1, Y: 0}),
		TileKey("roads", model.TileAddress{Z: 10, X: 1, Y: 1}),
		TileKey("a:b", model.TileAddress{Z: 1, X: 1, Y: 1}),
		TileKey("a/b", model.TileAddress{Z: 1, X: 1, Y: 1}),
	} {
		if seen[k] {
			t.Fatalf("duplicate key %q", k)
		}
		seen[k] = true
	}
}

func TestTileKey_SanitizesAndTruncates(t *testing.T) {
	k := TileKey("my  source:åäö/"+strings.Repeat("x", 200), model.TileAddress{})
	if !keyRe.MatchString(k) {
		t.Fatalf("key not sanitized: %q", k)
	}
	parts := strings.Split(k, ":")
	if len(parts[1]) > 64 {
		t.Fatalf("source part not truncated: %d", len(parts[1]))
	}
}
