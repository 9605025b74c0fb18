package main

import (
	"context"
	"fmt"
	"os"
	"testing"
)

func TestMain(m *testing.M) {
	initLogger("error")
	os.Exit(m.Run())
}

func mustSigner(t *testing.T) Signer {
	t.Helper()
	s, err := GenerateSigner()
	if err != nil {
		t.Fatalf("Failed to generate signer: %v", err)
	}
	return s
}

// signSpend authorizes a transaction with one key.
func signSpend(t *testing.T, s Signer, tx *Transaction) AddrSig {
	t.Helper()
	sig, err := s.Sign(canonicalTxBytes(tx))
	if err != nil {
		t.Fatalf("Failed to sign transaction: %v", err)
	}
	return AddrSig{Address: AddressOf(s.Public()), Signature: sig}
}

// testWorld is a bank plus n in-process mintettes brought into the
// first running period.
type testWorld struct {
	t          *testing.T
	bank       *BankNode
	bankSigner Signer
	mintettes  []*MintetteNode
	signers    []Signer
}

func newTestWorld(t *testing.T, n int) *testWorld {
	t.Helper()

	bankSigner := mustSigner(t)
	bank, err := NewBankNode(bankSigner, nil)
	if err != nil {
		t.Fatalf("Failed to create bank: %v", err)
	}

	w := &testWorld{t: t, bank: bank, bankSigner: bankSigner}
	for i := 0; i < n; i++ {
		s := mustSigner(t)
		w.signers = append(w.signers, s)
		w.mintettes = append(w.mintettes, NewMintetteNode(s, nil))
		bank.AdmitMintette(Mintette{Host: "127.0.0.1", Port: 9100 + i}, s.Public())
	}

	npds, err := bank.StartNewPeriod(context.Background(), nil)
	if err != nil {
		t.Fatalf("Failed to start first period: %v", err)
	}
	if len(npds) != n {
		t.Fatalf("Expected %d NewPeriodData, got %d", n, len(npds))
	}
	for i := range npds {
		if err := w.mintettes[i].StartPeriod(&npds[i]); err != nil {
			t.Fatalf("Mintette %d failed to start period: %v", i, err)
		}
	}

	return w
}

// period returns the bank's current period id.
func (w *testWorld) period() uint64 {
	w.bank.mu.RLock()
	defer w.bank.mu.RUnlock()
	return w.bank.periodID
}

// genesisAddrID returns the addrid of the genesis output held by the
// bank address.
func (w *testWorld) genesisAddrID() AddrID {
	blk, err := w.bank.GetHBlock(0)
	if err != nil {
		w.t.Fatalf("Failed to fetch genesis block: %v", err)
	}
	return AddrID{
		TxHash: HashTransaction(&blk.Transactions[0]),
		Index:  0,
		Value:  blk.Transactions[0].Outputs[0].Value,
	}
}

// finishAll polls every live mintette; droppedIDs yield nil results.
func (w *testWorld) finishAll(dropped ...MintetteID) []*PeriodResult {
	w.t.Helper()

	period := w.period()
	results := make([]*PeriodResult, len(w.mintettes))
	for i, m := range w.mintettes {
		if containsID(dropped, i) {
			continue
		}
		res, err := m.FinishPeriod(period)
		if err != nil {
			w.t.Fatalf("Mintette %d failed to finish period %d: %v", i, period, err)
		}
		results[i] = res
	}
	return results
}

// rollPeriod finishes the running period everywhere and distributes
// the resulting NewPeriodData.
func (w *testWorld) rollPeriod(dropped ...MintetteID) []NewPeriodData {
	w.t.Helper()

	results := w.finishAll(dropped...)
	npds, err := w.bank.StartNewPeriod(context.Background(), results)
	if err != nil {
		w.t.Fatalf("Period finalization failed: %v", err)
	}
	for i := range npds {
		if i < len(w.mintettes) {
			if err := w.mintettes[i].StartPeriod(&npds[i]); err != nil {
				w.t.Fatalf("Mintette %d failed to adopt period: %v", i, err)
			}
		}
	}
	return npds
}

// checkEverywhere runs the check phase for one input on every owner
// of the transaction and returns the collected confirmations.
func (w *testWorld) checkEverywhere(tx *Transaction, addrID AddrID, sigs []AddrSig) map[MintetteID]CheckConfirmation {
	w.t.Helper()

	confs := make(map[MintetteID]CheckConfirmation)
	for _, id := range Owners(w.bank.Mintettes(), HashTransaction(tx)) {
		conf, err := w.mintettes[id].CheckNotDoubleSpent(tx, addrID, sigs)
		if err != nil {
			w.t.Fatalf("Mintette %d refused check: %v", id, err)
		}
		confs[id] = *conf
	}
	return confs
}

// spendGenesis builds a transaction moving the whole genesis output
// to dest.
func (w *testWorld) spendGenesis(dest Address) (*Transaction, AddrID, []AddrSig) {
	w.t.Helper()

	a := w.genesisAddrID()
	tx := &Transaction{
		Inputs:  []AddrID{a},
		Outputs: []TxOut{{Address: dest, Value: a.Value}},
	}
	return tx, a, []AddrSig{signSpend(w.t, w.bankSigner, tx)}
}

// hblockContains reports whether a block carries a transaction.
func hblockContains(blk *HBlock, tx *Transaction) bool {
	want := HashTransaction(tx)
	for i := range blk.Transactions {
		if HashTransaction(&blk.Transactions[i]) == want {
			return true
		}
	}
	return false
}

// fakeUtxo builds n distinct single-value outputs owned by addr.
func fakeUtxo(n int, addr Address) []UtxoEntry {
	entries := make([]UtxoEntry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, UtxoEntry{
			AddrID: AddrID{
				TxHash: hashBytes([]byte(fmt.Sprintf("fake-tx-%d", i))),
				Index:  0,
				Value:  10,
			},
			Address: addr,
		})
	}
	return entries
}
