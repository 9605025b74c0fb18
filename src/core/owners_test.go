package main

import (
	"fmt"
	"testing"
)

func testRoster(n int) []Mintette {
	roster := make([]Mintette, 0, n)
	for i := 0; i < n; i++ {
		roster = append(roster, Mintette{Host: "127.0.0.1", Port: 9100 + i})
	}
	return roster
}

func TestOwnersDeterministic(t *testing.T) {
	roster := testRoster(10)
	txHash := hashBytes([]byte("some transaction"))

	first := Owners(roster, txHash)
	for i := 0; i < 5; i++ {
		again := Owners(roster, txHash)
		if len(again) != len(first) {
			t.Fatalf("Owner set size changed: %d vs %d", len(again), len(first))
		}
		for j := range first {
			if again[j] != first[j] {
				t.Errorf("Owner order changed at %d: %d vs %d", j, again[j], first[j])
			}
		}
	}
}

func TestOwnersSize(t *testing.T) {
	txHash := hashBytes([]byte("tx"))

	for _, n := range []int{1, 2, 3, 5, 50} {
		owners := Owners(testRoster(n), txHash)

		expected := DefaultOwnerFanout
		if n < expected {
			expected = n
		}
		if len(owners) != expected {
			t.Errorf("Roster %d: expected %d owners, got %d", n, expected, len(owners))
		}

		seen := make(map[MintetteID]bool)
		for _, id := range owners {
			if id < 0 || id >= n {
				t.Errorf("Roster %d: owner id %d out of range", n, id)
			}
			if seen[id] {
				t.Errorf("Roster %d: duplicate owner id %d", n, id)
			}
			seen[id] = true
		}
	}
}

func TestOwnersEmptyRoster(t *testing.T) {
	if owners := Owners(nil, hashBytes([]byte("tx"))); owners != nil {
		t.Errorf("Expected no owners for empty roster, got %v", owners)
	}
}

func TestOwnersSpreadAcrossRoster(t *testing.T) {
	roster := testRoster(7)
	hit := make(map[MintetteID]bool)

	for i := 0; i < 200; i++ {
		txHash := hashBytes([]byte(fmt.Sprintf("tx-%d", i)))
		for _, id := range Owners(roster, txHash) {
			hit[id] = true
		}
	}

	if len(hit) != 7 {
		t.Errorf("Expected all 7 mintettes to own something, got %d", len(hit))
	}
}

func TestOwnersDependOnHash(t *testing.T) {
	roster := testRoster(20)

	distinct := false
	base := Owners(roster, hashBytes([]byte("tx-0")))
	for i := 1; i < 20 && !distinct; i++ {
		other := Owners(roster, hashBytes([]byte(fmt.Sprintf("tx-%d", i))))
		for j := range base {
			if other[j] != base[j] {
				distinct = true
				break
			}
		}
	}
	if !distinct {
		t.Error("Owner selection ignores the transaction hash")
	}
}

func TestIsMajority(t *testing.T) {
	cases := []struct {
		count, owners int
		expected      bool
	}{
		{0, 1, false},
		{1, 1, true},
		{1, 2, false},
		{2, 2, true},
		{1, 3, false},
		{2, 3, true},
		{3, 3, true},
		{2, 4, false},
		{3, 4, true},
	}

	for _, tc := range cases {
		if got := isMajority(tc.count, tc.owners); got != tc.expected {
			t.Errorf("isMajority(%d, %d) = %v, expected %v", tc.count, tc.owners, got, tc.expected)
		}
	}
}
