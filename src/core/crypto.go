package main

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
)

// Canonical serialization: fixed field order, little-endian
// fixed-width integers, length-prefixed variable data. Hashing and
// signing agree on these bytes, on every node.

type canonicalBuffer struct {
	buf bytes.Buffer
}

func (c *canonicalBuffer) putUint32(v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	c.buf.Write(b)
}

func (c *canonicalBuffer) putUint64(v uint64) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	c.buf.Write(b)
}

func (c *canonicalBuffer) putBytes(b []byte) {
	c.putUint32(uint32(len(b)))
	c.buf.Write(b)
}

func (c *canonicalBuffer) putHash(h Hash) {
	c.buf.Write(h[:])
}

func (c *canonicalBuffer) putAddrID(id AddrID) {
	c.putHash(id.TxHash)
	c.putUint32(id.Index)
	c.putUint64(uint64(id.Value))
}

func (c *canonicalBuffer) bytes() []byte {
	return c.buf.Bytes()
}

func hashBytes(data []byte) Hash {
	return sha256.Sum256(data)
}

// canonicalTxBytes serializes a transaction for hashing and signing.
func canonicalTxBytes(tx *Transaction) []byte {
	c := &canonicalBuffer{}
	c.putUint32(uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		c.putAddrID(in)
	}
	c.putUint32(uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		c.putBytes(out.Address.Key[:])
		c.putUint64(uint64(out.Value))
	}
	return c.bytes()
}

// HashTransaction returns the protocol hash of a transaction.
func HashTransaction(tx *Transaction) Hash {
	return hashBytes(canonicalTxBytes(tx))
}

// checkPreimage is the byte string signed by a check confirmation:
// the transaction hash, the confirmed addrid and the log head at the
// moment of the check.
func checkPreimage(txHash Hash, addrID AddrID, logHead Hash) []byte {
	c := &canonicalBuffer{}
	c.putHash(txHash)
	c.putAddrID(addrID)
	c.putHash(logHead)
	return c.bytes()
}

// entryHash chains the action log: every entry's digest covers its
// payload and the previous entry's digest.
func entryHash(e *LogEntry) Hash {
	c := &canonicalBuffer{}
	c.putBytes([]byte(e.Kind))
	switch e.Kind {
	case EntryQuery:
		c.putHash(HashTransaction(e.Tx))
		c.putAddrID(*e.AddrID)
		c.putHash(e.Confirmation.LogHead)
		c.putUint64(e.Confirmation.PeriodID)
		c.putBytes(e.Confirmation.Signature[:])
	case EntryCommit:
		c.putHash(HashTransaction(e.Tx))
		ids := make([]int, 0, len(e.Commit))
		for id := range e.Commit {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		c.putUint32(uint32(len(ids)))
		for _, id := range ids {
			conf := e.Commit[id]
			c.putUint32(uint32(id))
			c.putBytes(conf.Signature[:])
		}
	case EntryCloseEpoch:
		c.putHash(e.LBlockHash)
	}
	c.putHash(e.PrevHash)
	return hashBytes(c.bytes())
}

// logHead returns the digest of the last entry, or fallback when the
// log is empty.
func logHead(log ActionLog, fallback Hash) Hash {
	if len(log) == 0 {
		return fallback
	}
	return entryHash(&log[len(log)-1])
}

// lblockHash covers the previous HBlock hash, the sealed transaction
// hashes in commit order, and the log head at sealing time.
func lblockHash(prevHBlock Hash, txs []Transaction, head Hash) Hash {
	c := &canonicalBuffer{}
	c.putHash(prevHBlock)
	c.putUint32(uint32(len(txs)))
	for i := range txs {
		c.putHash(HashTransaction(&txs[i]))
	}
	c.putHash(head)
	return hashBytes(c.bytes())
}

// hblockHash covers the previous HBlock hash and the Merkle root.
func hblockHash(prev, merkleRoot Hash) Hash {
	c := &canonicalBuffer{}
	c.putHash(prev)
	c.putHash(merkleRoot)
	return hashBytes(c.bytes())
}

// merkleRoot builds a Merkle tree over transaction hashes,
// duplicating the last node at odd levels.
func merkleRoot(txs []Transaction) Hash {
	if len(txs) == 0 {
		return Hash{}
	}
	level := make([]Hash, len(txs))
	for i := range txs {
		level[i] = HashTransaction(&txs[i])
	}
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]Hash, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			h := sha256.New()
			h.Write(level[i][:])
			h.Write(level[i+1][:])
			var parent Hash
			copy(parent[:], h.Sum(nil))
			next = append(next, parent)
		}
		level = next
	}
	return level[0]
}

// emissionHash identifies the synthetic input of a period's emission
// transaction.
func emissionHash(periodID uint64) Hash {
	c := &canonicalBuffer{}
	c.putBytes([]byte("rscoin-emission"))
	c.putUint64(periodID)
	return hashBytes(c.bytes())
}

// Signer abstracts over software keys and HSM-held keys.
type Signer interface {
	Sign(data []byte) (Signature, error)
	Public() PublicKey
}

// softwareSigner holds an in-process ECDSA P-256 key.
type softwareSigner struct {
	key *ecdsa.PrivateKey
}

// GenerateSigner creates a fresh ephemeral keypair.
func GenerateSigner() (Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return &softwareSigner{key: key}, nil
}

// LoadSignerFromFile reads a hex-encoded P-256 scalar from disk.
func LoadSignerFromFile(path string) (Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret key file: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode secret key: %w", err)
	}
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(raw)
	if d.Sign() <= 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, fmt.Errorf("secret key scalar out of range")
	}
	key := &ecdsa.PrivateKey{D: d}
	key.Curve = curve
	key.X, key.Y = curve.ScalarBaseMult(d.Bytes())
	return &softwareSigner{key: key}, nil
}

func (s *softwareSigner) Sign(data []byte) (Signature, error) {
	hash := sha256.Sum256(data)

	r, ss, err := ecdsa.Sign(rand.Reader, s.key, hash[:])
	if err != nil {
		return Signature{}, err
	}

	// Pad r and s to 32 bytes each for P-256.
	var sig Signature
	rBytes := r.Bytes()
	sBytes := ss.Bytes()
	copy(sig[32-len(rBytes):32], rBytes)
	copy(sig[64-len(sBytes):64], sBytes)
	return sig, nil
}

func (s *softwareSigner) Public() PublicKey {
	var pk PublicKey
	raw := elliptic.Marshal(s.key.PublicKey.Curve, s.key.PublicKey.X, s.key.PublicKey.Y)
	copy(pk[:], raw)
	return pk
}

// VerifySig verifies an ECDSA P-256 signature (r || s, 32 bytes each)
// over the sha256 digest of data.
func VerifySig(pk PublicKey, data []byte, sig Signature) bool {
	x, y := elliptic.Unmarshal(elliptic.P256(), pk[:])
	if x == nil {
		return false
	}

	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	hash := sha256.Sum256(data)

	return ecdsa.Verify(pub, hash[:], r, s)
}

// AddressOf derives the address controlled by a public key.
func AddressOf(pk PublicKey) Address {
	return Address{Key: pk}
}

// Ordering helpers for canonical wire layouts.

func compareAddrID(a, b AddrID) int {
	if c := bytes.Compare(a.TxHash[:], b.TxHash[:]); c != 0 {
		return c
	}
	if a.Index != b.Index {
		if a.Index < b.Index {
			return -1
		}
		return 1
	}
	if a.Value != b.Value {
		if a.Value < b.Value {
			return -1
		}
		return 1
	}
	return 0
}

func sortUtxoEntries(entries []UtxoEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return compareAddrID(entries[i].AddrID, entries[j].AddrID) < 0
	})
}

func sortAddrIDs(ids []AddrID) {
	sort.Slice(ids, func(i, j int) bool {
		return compareAddrID(ids[i], ids[j]) < 0
	})
}

func sortTransactionsByHash(txs []Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		hi := HashTransaction(&txs[i])
		hj := HashTransaction(&txs[j])
		return bytes.Compare(hi[:], hj[:]) < 0
	})
}
