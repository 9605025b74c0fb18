package main

import (
	"encoding/hex"
	"fmt"

	"github.com/mr-tron/base58"
)

// MintetteID is a position in the bank's mintette roster. Ids are
// reassigned at period boundaries when the roster changes.
type MintetteID = int

// Coin is a non-negative amount in base units of the single currency.
type Coin uint64

// Hash is a 256-bit digest over the canonical serialization of a value.
type Hash [32]byte

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h[:])), nil
}

func (h *Hash) UnmarshalText(data []byte) error {
	raw, err := hex.DecodeString(string(data))
	if err != nil {
		return fmt.Errorf("invalid hash encoding: %w", err)
	}
	if len(raw) != len(h) {
		return fmt.Errorf("invalid hash length: expected %d, got %d", len(h), len(raw))
	}
	copy(h[:], raw)
	return nil
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero digest used as the log and
// chain origin.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// PublicKey is an uncompressed P-256 point (0x04 || X || Y).
type PublicKey [65]byte

func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(pk[:])), nil
}

func (pk *PublicKey) UnmarshalText(data []byte) error {
	raw, err := hex.DecodeString(string(data))
	if err != nil {
		return fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(raw) != len(pk) {
		return fmt.Errorf("invalid public key length: expected %d, got %d", len(pk), len(raw))
	}
	copy(pk[:], raw)
	return nil
}

// Signature is an ECDSA P-256 signature, r || s, each padded to 32 bytes.
type Signature [64]byte

func (s Signature) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(s[:])), nil
}

func (s *Signature) UnmarshalText(data []byte) error {
	raw, err := hex.DecodeString(string(data))
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(raw) != len(s) {
		return fmt.Errorf("invalid signature length: expected %d, got %d", len(s), len(raw))
	}
	copy(s[:], raw)
	return nil
}

// Address wraps the public key that controls an output. Its textual
// form is the base58 encoding of the key bytes.
type Address struct {
	Key PublicKey
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(base58.Encode(a.Key[:])), nil
}

func (a *Address) UnmarshalText(data []byte) error {
	raw, err := base58.Decode(string(data))
	if err != nil {
		return fmt.Errorf("invalid address encoding: %w", err)
	}
	if len(raw) != len(a.Key) {
		return fmt.Errorf("invalid address length: expected %d, got %d", len(a.Key), len(raw))
	}
	copy(a.Key[:], raw)
	return nil
}

func (a Address) String() string {
	return base58.Encode(a.Key[:])
}

// AddrID uniquely identifies one transaction output.
type AddrID struct {
	TxHash Hash   `json:"txHash"`
	Index  uint32 `json:"index"`
	Value  Coin   `json:"value"`
}

func (a AddrID) String() string {
	return fmt.Sprintf("%s:%d:%d", a.TxHash, a.Index, a.Value)
}

// TxOut is a single transaction output.
type TxOut struct {
	Address Address `json:"address"`
	Value   Coin    `json:"value"`
}

// Transaction spends a set of addrids into a set of outputs. The sum
// of input values equals the sum of output values, except for the
// bank's emission transaction whose single input references the
// period's emission hash, and the genesis transaction which has no
// inputs at all.
type Transaction struct {
	Inputs  []AddrID `json:"inputs"`
	Outputs []TxOut  `json:"outputs"`
}

// StrategyKind discriminates spend policies.
type StrategyKind string

const (
	StrategyDefault StrategyKind = "DEFAULT"
	StrategyMOfN    StrategyKind = "M_OF_N"
)

// TxStrategy is the spend policy attached to an address. Default
// requires one signature by the owning key; MOfN requires M valid
// distinct signatures from Keys.
type TxStrategy struct {
	Kind StrategyKind `json:"kind"`
	M    int          `json:"m,omitempty"`
	Keys []PublicKey  `json:"keys,omitempty"`
}

// AddressMap carries per-address strategies, keyed by the address
// textual form. Addresses absent from the map use StrategyDefault.
type AddressMap map[string]TxStrategy

// AddrSig is one (address, signature) pair authorizing a spend.
type AddrSig struct {
	Address   Address   `json:"address"`
	Signature Signature `json:"signature"`
}

// EntryKind discriminates action log entries.
type EntryKind string

const (
	EntryQuery      EntryKind = "QUERY"
	EntryCommit     EntryKind = "COMMIT"
	EntryCloseEpoch EntryKind = "CLOSE_EPOCH"
)

// LogEntry is one element of a mintette's action log. PrevHash chains
// entries; the first entry of a node's history has a zero prev, and
// the first entry of a later period chains from the archived head of
// the prior period.
type LogEntry struct {
	Kind         EntryKind                        `json:"kind"`
	Tx           *Transaction                     `json:"tx,omitempty"`
	AddrID       *AddrID                          `json:"addrId,omitempty"`
	Confirmation *CheckConfirmation               `json:"confirmation,omitempty"`
	Commit       map[MintetteID]CheckConfirmation `json:"commit,omitempty"`
	LBlockHash   Hash                             `json:"lBlockHash,omitempty"`
	PrevHash     Hash                             `json:"prevHash"`
}

// ActionLog is an ordered sequence of entries, oldest first.
type ActionLog []LogEntry

// CheckConfirmation is a mintette's signed promise that it has
// tentatively spent AddrID for the embedded transaction. The
// signature covers (tx, addrId, logHead).
type CheckConfirmation struct {
	AddrID    AddrID    `json:"addrId"`
	LogHead   Hash      `json:"logHead"`
	PeriodID  uint64    `json:"periodId"`
	Signature Signature `json:"signature"`
}

// CommitAck acknowledges a committed transaction. BankSig is the
// bank's DPK signature over this mintette's public key.
type CommitAck struct {
	TxHash    Hash      `json:"txHash"`
	Signature Signature `json:"signature"`
	BankSig   Signature `json:"bankSig"`
}

// LBlock is a mintette-local block sealed at the end of a period
// epoch. Hash covers PrevHBlockHash, the transaction hashes and
// LogHead; Signature is the sealing mintette's signature over Hash.
type LBlock struct {
	Hash           Hash          `json:"hash"`
	PrevHBlockHash Hash          `json:"prevHBlockHash"`
	Transactions   []Transaction `json:"transactions"`
	LogHead        Hash          `json:"logHead"`
	Signature      Signature     `json:"signature"`
}

// HBlock is a bank-signed higher-level block, one per period.
type HBlock struct {
	Hash         Hash          `json:"hash"`
	PrevHash     Hash          `json:"prevHash"`
	MerkleRoot   Hash          `json:"merkleRoot"`
	Transactions []Transaction `json:"transactions"`
	Signature    Signature     `json:"signature"`
	Addresses    AddressMap    `json:"addresses,omitempty"`
}

// Mintette is a roster entry; its position in the roster is its id.
type Mintette struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (m Mintette) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// DPKEntry is one element of the delegation public-key list: a
// mintette key plus the bank's signature over it, roster order.
type DPKEntry struct {
	Key       PublicKey `json:"key"`
	Signature Signature `json:"signature"`
}

// PeriodResult is a mintette's reply to periodFinished: the closing
// period id, the LBlocks sealed during it, and the full action log of
// the period.
type PeriodResult struct {
	PeriodID uint64    `json:"periodId"`
	Blocks   []LBlock  `json:"blocks"`
	Log      ActionLog `json:"log"`
}

// PeriodPayload is the bank-computed state slice for a mintette whose
// ownership assignment changed: its new id, its restricted UTXO and
// the live address-strategy map.
type PeriodPayload struct {
	MintetteID MintetteID  `json:"mintetteId"`
	Utxo       []UtxoEntry `json:"utxo"`
	Addresses  AddressMap  `json:"addresses"`
}

// NewPeriodData is pushed by the bank to every mintette at a period
// boundary.
type NewPeriodData struct {
	PeriodID  uint64         `json:"periodId"`
	Mintettes []Mintette     `json:"mintettes"`
	HBlock    HBlock         `json:"hBlock"`
	Payload   *PeriodPayload `json:"payload,omitempty"`
	DPK       []DPKEntry     `json:"dpk"`
}

// UtxoEntry is the wire form of one unspent output.
type UtxoEntry struct {
	AddrID  AddrID  `json:"addrId"`
	Address Address `json:"address"`
}

// utxoToEntries flattens a UTXO map into deterministic wire order.
func utxoToEntries(utxo map[AddrID]Address) []UtxoEntry {
	entries := make([]UtxoEntry, 0, len(utxo))
	for id, addr := range utxo {
		entries = append(entries, UtxoEntry{AddrID: id, Address: addr})
	}
	sortUtxoEntries(entries)
	return entries
}

// entriesToUtxo rebuilds the UTXO map from its wire form.
func entriesToUtxo(entries []UtxoEntry) map[AddrID]Address {
	utxo := make(map[AddrID]Address, len(entries))
	for _, e := range entries {
		utxo[e.AddrID] = e.Address
	}
	return utxo
}
