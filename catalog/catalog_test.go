package catalog

import (
	"errors"
	"math"
	"strings"
	"testing"
)

const degree = math.Pi / 180

func TestLoadFiltersFaintStars(t *testing.T) {
	src := strings.NewReader(`
# id ra dec mag
1 0.0  0.0 1.0
2 10.0 0.0 2.0
3 20.0 0.0 3.0
4 30.0 0.0 7.5
`)
	cat, err := Load(src, Options{MagnitudeLimit: 6.0, MaxPairAngle: 60 * degree})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cat.Len() != 3 {
		t.Fatalf("entries = %d, want 3 (magnitude 7.5 star dropped)", cat.Len())
	}
	for i := 0; i < cat.Len(); i++ {
		if cat.Entry(i).ID == 4 {
			t.Fatalf("faint star 4 survived the magnitude filter")
		}
	}
}

func TestLoadDropsBothMembersOfCloseDouble(t *testing.T) {
	// Stars 2 and 3 are 0.01° apart; both must go. 1, 4, 5 survive.
	src := strings.NewReader(`
1 0.0   0.0 1.0
2 10.00 0.0 2.0
3 10.01 0.0 2.5
4 20.0  0.0 3.0
5 30.0  0.0 3.0
`)
	cat, err := Load(src, Options{
		MagnitudeLimit: 6.0,
		MinSeparation:  0.1 * degree,
		MaxPairAngle:   60 * degree,
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cat.Len() != 3 {
		t.Fatalf("entries = %d, want 3", cat.Len())
	}
	for i := 0; i < cat.Len(); i++ {
		if id := cat.Entry(i).ID; id == 2 || id == 3 {
			t.Fatalf("double-star member %d survived the separation filter", id)
		}
	}
}

func TestLoadRejectsMalformedLine(t *testing.T) {
	src := strings.NewReader("1 0.0 0.0 1.0\n2 not-a-number 0.0 2.0\n")
	_, err := Load(src, Options{MagnitudeLimit: 6.0, MaxPairAngle: 60 * degree})
	if err == nil {
		t.Fatal("Load accepted a malformed line")
	}
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("error type = %T, want *LoadError", err)
	}
	if loadErr.Line != 2 {
		t.Fatalf("error line = %d, want 2", loadErr.Line)
	}
}

func TestLoadRejectsEmptyCatalog(t *testing.T) {
	_, err := Load(strings.NewReader("# nothing\n"), Options{MagnitudeLimit: 6.0, MaxPairAngle: 60 * degree})
	if err == nil {
		t.Fatal("Load accepted an empty catalog")
	}
}

func TestQueryPairsNearFindsMatchingSeparation(t *testing.T) {
	// Three stars on the equator at 0°, 10°, 25°: separations are
	// 10°, 15°, and 25°.
	src := strings.NewReader(`
1 0.0  0.0 1.0
2 10.0 0.0 1.0
3 25.0 0.0 1.0
`)
	cat, err := Load(src, Options{MagnitudeLimit: 6.0, MaxPairAngle: 60 * degree})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	hits := cat.QueryPairsNear(15*degree, 0.5*degree)
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want exactly the 15° pair", len(hits))
	}
	a, b := cat.Entry(hits[0].A).ID, cat.Entry(hits[0].B).ID
	if a != 2 || b != 3 {
		t.Fatalf("hit pair IDs = (%d, %d), want (2, 3)", a, b)
	}
}

func TestQueryPairsNearEmptyWhenNothingInRange(t *testing.T) {
	src := strings.NewReader(`
1 0.0  0.0 1.0
2 10.0 0.0 1.0
3 25.0 0.0 1.0
`)
	cat, err := Load(src, Options{MagnitudeLimit: 6.0, MaxPairAngle: 60 * degree})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if hits := cat.QueryPairsNear(40*degree, 1*degree); len(hits) != 0 {
		t.Fatalf("hits = %d, want 0", len(hits))
	}
}

func TestPairIndexExcludesPairsBeyondFieldOfView(t *testing.T) {
	// 0° and 80° apart: outside a 60° pair bound, never co-visible.
	src := strings.NewReader(`
1 0.0  0.0 1.0
2 80.0 0.0 1.0
3 10.0 0.0 1.0
`)
	cat, err := Load(src, Options{MagnitudeLimit: 6.0, MaxPairAngle: 60 * degree})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Indexed pairs: (1,3) at 10°. (1,2) at 80° and (2,3) at 70° are out.
	if cat.PairCount() != 1 {
		t.Fatalf("pair count = %d, want 1", cat.PairCount())
	}
}
