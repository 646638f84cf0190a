package messaging

import "testing"

func TestPickFromNumberSticky(t *testing.T) {
	pool := []string{"+15550000001", "+15550000002", "+15550000003"}
	var rr uint64
	first := PickFromNumber(pool, "hash-abc", true, &rr)
	for i := 0; i < 10; i++ {
		if got := PickFromNumber(pool, "hash-abc", true, &rr); got != first {
			t.Fatalf("sticky pick changed: %s vs %s", got, first)
		}
	}
	// A different hash is allowed to map elsewhere, but must be stable too.
	other := PickFromNumber(pool, "hash-xyz", true, &rr)
	if got := PickFromNumber(pool, "hash-xyz", true, &rr); got != other {
		t.Fatal("sticky pick unstable for second hash")
	}
}

func TestPickFromNumberRoundRobin(t *testing.T) {
	pool := []string{"a", "b"}
	var rr uint64
	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		seen[PickFromNumber(pool, "hash", false, &rr)]++
	}
	if seen["a"] != 2 || seen["b"] != 2 {
		t.Fatalf("expected even rotation, got %v", seen)
	}
}

func TestPickFromNumberEmptyPool(t *testing.T) {
	var rr uint64
	if got := PickFromNumber(nil, "hash", true, &rr); got != "" {
		t.Fatalf("expected empty, got %s", got)
	}
}
