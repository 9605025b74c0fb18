package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
)

// DefaultOwnerFanout is the target owner-set size. Every node in a
// deployment must run with the same value; the owner map is part of
// the wire protocol.
const DefaultOwnerFanout = 3

var ownerFanout = DefaultOwnerFanout

// Owners maps a transaction hash to the ordered set of mintette ids
// responsible for it. The selection is HMAC-SHA256 keyed by the
// transaction hash over a little-endian counter, reduced mod the
// roster size, skipping indices already selected. Identical inputs
// yield identical output on every node.
func Owners(mintettes []Mintette, txHash Hash) []MintetteID {
	n := len(mintettes)
	if n == 0 {
		return nil
	}

	k := ownerFanout
	if n < k {
		k = n
	}

	selected := make([]MintetteID, 0, k)
	seen := make(map[MintetteID]bool, k)
	counter := make([]byte, 8)

	for i := uint64(0); len(selected) < k; i++ {
		binary.LittleEndian.PutUint64(counter, i)
		mac := hmac.New(sha256.New, txHash[:])
		mac.Write(counter)
		id := MintetteID(binary.LittleEndian.Uint64(mac.Sum(nil)[:8]) % uint64(n))
		if seen[id] {
			continue
		}
		seen[id] = true
		selected = append(selected, id)
	}

	return selected
}

// isMajority reports whether count is a strict majority of the owner
// set size.
func isMajority(count, owners int) bool {
	return 2*count > owners
}

// containsID reports membership of id in an owner list.
func containsID(ids []MintetteID, id MintetteID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
