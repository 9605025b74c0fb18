package main

import (
	"context"
	"errors"
	"testing"
)

func TestGenesisBlock(t *testing.T) {
	signer := mustSigner(t)
	bank, err := NewBankNode(signer, nil)
	if err != nil {
		t.Fatalf("NewBankNode failed: %v", err)
	}

	blk, err := bank.GetHBlock(0)
	if err != nil {
		t.Fatalf("GetHBlock(0) failed: %v", err)
	}

	if !blk.PrevHash.IsZero() {
		t.Error("Genesis block has a previous hash")
	}
	if len(blk.Transactions) != 1 || len(blk.Transactions[0].Inputs) != 0 {
		t.Fatal("Genesis block should carry exactly one inputless transaction")
	}
	if blk.Transactions[0].Outputs[0].Address != AddressOf(signer.Public()) {
		t.Error("Genesis output does not pay the bank address")
	}
	if blk.Transactions[0].Outputs[0].Value != GenesisTotal {
		t.Errorf("Genesis output value %d, expected %d", blk.Transactions[0].Outputs[0].Value, GenesisTotal)
	}
	if !VerifySig(signer.Public(), blk.Hash[:], blk.Signature) {
		t.Error("Genesis block signature does not verify")
	}

	if bank.Height() != 1 {
		t.Errorf("Height %d, expected 1", bank.Height())
	}

	utxo := bank.Utxo()
	if len(utxo) != 1 || utxo[0].AddrID.Value != GenesisTotal {
		t.Error("Genesis output missing from global utxo")
	}
}

func TestStartNewPeriodLengthCheck(t *testing.T) {
	w := newTestWorld(t, 2)

	_, err := w.bank.StartNewPeriod(context.Background(), []*PeriodResult{nil})
	if !errors.Is(err, ErrInconsistentResponse) {
		t.Errorf("Expected ErrInconsistentResponse, got %v", err)
	}
}

func TestAllocateCoins(t *testing.T) {
	w := newTestWorld(t, 3)

	tx := w.bank.allocateCoins(5, []MintetteID{2, 0})

	if len(tx.Inputs) != 1 {
		t.Fatalf("Expected 1 emission input, got %d", len(tx.Inputs))
	}
	if tx.Inputs[0].TxHash != emissionHash(5) || tx.Inputs[0].Value != EmissionTotal {
		t.Error("Emission input malformed")
	}

	// Half to the bank, the rest split evenly, outputs in id order.
	if len(tx.Outputs) != 3 {
		t.Fatalf("Expected 3 outputs, got %d", len(tx.Outputs))
	}
	if tx.Outputs[0].Address != AddressOf(w.bankSigner.Public()) {
		t.Error("First output is not the bank reward")
	}
	if tx.Outputs[1].Address != AddressOf(w.signers[0].Public()) ||
		tx.Outputs[2].Address != AddressOf(w.signers[2].Public()) {
		t.Error("Mintette rewards not in id order")
	}

	var total Coin
	for _, out := range tx.Outputs {
		total += out.Value
	}
	if total != EmissionTotal {
		t.Errorf("Emission outputs sum to %d, expected %d", total, EmissionTotal)
	}
	if !validateTxSum(&tx) {
		t.Error("Emission transaction violates the sum invariant")
	}
}

func TestAllocateCoinsNoAcceptedMintettes(t *testing.T) {
	w := newTestWorld(t, 1)

	tx := w.bank.allocateCoins(1, nil)
	if len(tx.Outputs) != 1 || tx.Outputs[0].Value != EmissionTotal {
		t.Error("With no accepted mintettes the whole emission goes to the bank")
	}
}

func TestSinglePeriodHappyPath(t *testing.T) {
	w := newTestWorld(t, 1)
	user := mustSigner(t)
	tx, a, sigs := w.spendGenesis(AddressOf(user.Public()))

	confs := w.checkEverywhere(tx, a, sigs)
	if _, err := w.mintettes[0].CommitTx(tx, confs); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	closed := w.period()
	w.rollPeriod()

	blk, err := w.bank.GetHBlock(closed + 1)
	if err != nil {
		t.Fatalf("GetHBlock failed: %v", err)
	}
	if !hblockContains(blk, tx) {
		t.Error("Finalized block does not carry the committed transaction")
	}
	if len(blk.Transactions[0].Inputs) != 1 || blk.Transactions[0].Inputs[0].TxHash != emissionHash(closed) {
		t.Error("Block does not lead with the period emission")
	}

	// The consumed genesis output is gone, the user output exists.
	for _, e := range w.bank.Utxo() {
		if e.AddrID == a {
			t.Error("Consumed input still in global utxo")
		}
	}
	found := false
	for _, e := range w.bank.Utxo() {
		if e.AddrID == (AddrID{TxHash: HashTransaction(tx), Index: 0, Value: a.Value}) {
			found = e.Address == AddressOf(user.Public())
		}
	}
	if !found {
		t.Error("User output missing from global utxo")
	}
}

func TestDoubleSpendOnlyOneSurvives(t *testing.T) {
	w := newTestWorld(t, 1)
	u1, u2 := mustSigner(t), mustSigner(t)

	tx1, a, sigs1 := w.spendGenesis(AddressOf(u1.Public()))
	tx2, _, sigs2 := w.spendGenesis(AddressOf(u2.Public()))

	confs := w.checkEverywhere(tx1, a, sigs1)
	if _, err := w.mintettes[0].CommitTx(tx1, confs); err != nil {
		t.Fatalf("First commit failed: %v", err)
	}

	if _, err := w.mintettes[0].CheckNotDoubleSpent(tx2, a, sigs2); !errors.Is(err, ErrDoubleSpend) {
		t.Fatalf("Expected ErrDoubleSpend for the conflicting spend, got %v", err)
	}

	closed := w.period()
	w.rollPeriod()

	blk, err := w.bank.GetHBlock(closed + 1)
	if err != nil {
		t.Fatalf("GetHBlock failed: %v", err)
	}
	if !hblockContains(blk, tx1) {
		t.Error("Winning transaction missing from the block")
	}
	if hblockContains(blk, tx2) {
		t.Error("Conflicting transaction entered the block")
	}
}

func TestMajorityCommitThreeOwners(t *testing.T) {
	w := newTestWorld(t, 3)
	user := mustSigner(t)
	tx, a, sigs := w.spendGenesis(AddressOf(user.Public()))

	owners := Owners(w.bank.Mintettes(), HashTransaction(tx))
	if len(owners) != 3 {
		t.Fatalf("Expected 3 owners with fanout 3 and roster 3, got %d", len(owners))
	}

	confs := w.checkEverywhere(tx, a, sigs)

	// Commits reach two of the three owners: a strict majority.
	for _, id := range owners[:2] {
		if _, err := w.mintettes[id].CommitTx(tx, confs); err != nil {
			t.Fatalf("Commit at mintette %d failed: %v", id, err)
		}
	}

	closed := w.period()
	w.rollPeriod()

	blk, err := w.bank.GetHBlock(closed + 1)
	if err != nil {
		t.Fatalf("GetHBlock failed: %v", err)
	}
	if !hblockContains(blk, tx) {
		t.Error("Majority-committed transaction missing from the block")
	}
}

func TestMinorityCommitRejected(t *testing.T) {
	w := newTestWorld(t, 3)
	user := mustSigner(t)
	tx, a, sigs := w.spendGenesis(AddressOf(user.Public()))

	owners := Owners(w.bank.Mintettes(), HashTransaction(tx))
	confs := w.checkEverywhere(tx, a, sigs)

	// Only one owner commits: 1 of 3 is not a majority.
	if _, err := w.mintettes[owners[0]].CommitTx(tx, confs); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	closed := w.period()
	w.rollPeriod()

	blk, err := w.bank.GetHBlock(closed + 1)
	if err != nil {
		t.Fatalf("GetHBlock failed: %v", err)
	}
	if hblockContains(blk, tx) {
		t.Error("Minority-committed transaction entered the block")
	}
}

func TestCheckResultDropsTamperedResults(t *testing.T) {
	w := newTestWorld(t, 2)
	results := w.finishAll()

	// Wrong period id.
	wrongPeriod := *results[0]
	wrongPeriod.PeriodID++
	if w.bank.checkResult(0, &wrongPeriod) {
		t.Error("Result with wrong period accepted")
	}

	// Broken log chain.
	brokenLog := *results[0]
	brokenLog.Log = append(ActionLog{}, brokenLog.Log...)
	brokenLog.Log[0].PrevHash = hashBytes([]byte("garbage"))
	if w.bank.checkResult(0, &brokenLog) {
		t.Error("Result with broken log chain accepted")
	}

	// LBlock signed by the wrong mintette: validate 0's result as 1.
	if w.bank.checkResult(1, results[0]) {
		t.Error("Result signed by a different mintette accepted")
	}

	// The untouched result passes.
	if !w.bank.checkResult(0, results[0]) {
		t.Error("Valid result rejected")
	}
}

func TestDroppedResultDoesNotPoisonPeriod(t *testing.T) {
	w := newTestWorld(t, 3)

	results := w.finishAll(1)
	npds, err := w.bank.StartNewPeriod(context.Background(), results)
	if err != nil {
		t.Fatalf("StartNewPeriod failed: %v", err)
	}

	if len(npds) != 3 {
		t.Fatalf("Expected 3 NewPeriodData, got %d", len(npds))
	}

	// The emission rewards only the two accepted mintettes.
	blk := &npds[0].HBlock
	emission := blk.Transactions[0]
	if len(emission.Outputs) != 3 {
		t.Errorf("Expected bank + 2 mintette rewards, got %d outputs", len(emission.Outputs))
	}
	for _, out := range emission.Outputs {
		if out.Address == AddressOf(w.signers[1].Public()) {
			t.Error("Dropped mintette received a reward")
		}
	}
}

func TestMintetteEvictionAfterConsecutiveFailures(t *testing.T) {
	w := newTestWorld(t, 3)

	for i := 0; i < MaxPeriodFailures; i++ {
		results := w.finishAll(1)
		npds, err := w.bank.StartNewPeriod(context.Background(), results)
		if err != nil {
			t.Fatalf("StartNewPeriod %d failed: %v", i, err)
		}
		if len(npds) != len(w.mintettes) {
			break // eviction happened, indexing no longer lines up
		}
		for j := range npds {
			if j == 1 {
				continue // the failing mintette never adopts
			}
			if err := w.mintettes[j].StartPeriod(&npds[j]); err != nil {
				t.Fatalf("StartPeriod failed: %v", err)
			}
		}
	}

	roster := w.bank.Mintettes()
	if len(roster) != 2 {
		t.Fatalf("Expected 2 mintettes after eviction, got %d", len(roster))
	}
	for _, m := range roster {
		if m.Port == 9101 {
			t.Error("Evicted mintette still in the roster")
		}
	}
}

func TestPayloadSlicingForChangedIDs(t *testing.T) {
	w := newTestWorld(t, 2)

	// Admit a third mintette mid-period.
	third := mustSigner(t)
	w.bank.AdmitMintette(Mintette{Host: "127.0.0.1", Port: 9102}, third.Public())

	results := w.finishAll()
	npds, err := w.bank.StartNewPeriod(context.Background(), results)
	if err != nil {
		t.Fatalf("StartNewPeriod failed: %v", err)
	}

	if len(npds) != 3 {
		t.Fatalf("Expected 3 NewPeriodData, got %d", len(npds))
	}
	if npds[0].Payload != nil || npds[1].Payload != nil {
		t.Error("Unchanged mintettes should not receive payloads")
	}
	if npds[2].Payload == nil {
		t.Fatal("New mintette did not receive a payload")
	}
	if npds[2].Payload.MintetteID != 2 {
		t.Errorf("Payload id %d, expected 2", npds[2].Payload.MintetteID)
	}

	// The slice is exactly the utxo restricted to id 2's ownership.
	newRoster := w.bank.Mintettes()
	sliced := make(map[AddrID]bool)
	for _, e := range npds[2].Payload.Utxo {
		if !containsID(Owners(newRoster, e.AddrID.TxHash), 2) {
			t.Errorf("Payload contains addrid %v not owned by mintette 2", e.AddrID)
		}
		sliced[e.AddrID] = true
	}
	for _, e := range w.bank.Utxo() {
		if containsID(Owners(newRoster, e.AddrID.TxHash), 2) && !sliced[e.AddrID] {
			t.Errorf("Payload misses addrid %v owned by mintette 2", e.AddrID)
		}
	}
}

func TestUtxoValueConservation(t *testing.T) {
	w := newTestWorld(t, 1)

	sum := func() Coin {
		var total Coin
		for _, e := range w.bank.Utxo() {
			total += e.AddrID.Value
		}
		return total
	}

	before := sum()
	user := mustSigner(t)
	tx, a, sigs := w.spendGenesis(AddressOf(user.Public()))
	confs := w.checkEverywhere(tx, a, sigs)
	if _, err := w.mintettes[0].CommitTx(tx, confs); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	w.rollPeriod()

	// Each period adds exactly the emission.
	if got := sum(); got != before+EmissionTotal {
		t.Errorf("Utxo sum %d, expected %d", got, before+EmissionTotal)
	}
}

func TestAddressMergeAtPeriodBoundary(t *testing.T) {
	w := newTestWorld(t, 1)
	key := mustSigner(t)
	addr := AddressOf(key.Public())

	w.bank.RegisterAddress(addr, TxStrategy{Kind: StrategyMOfN, M: 1, Keys: []PublicKey{key.Public()}})

	// Pending until the boundary.
	if _, ok := w.bank.Addresses()[addr.String()]; ok {
		t.Error("Registration went live before the period boundary")
	}

	w.rollPeriod()

	strategy, ok := w.bank.Addresses()[addr.String()]
	if !ok {
		t.Fatal("Registration did not go live at the period boundary")
	}
	if strategy.Kind != StrategyMOfN || strategy.M != 1 {
		t.Error("Strategy mangled during merge")
	}
}

func TestGetHBlockOutOfRange(t *testing.T) {
	w := newTestWorld(t, 1)

	if _, err := w.bank.GetHBlock(99); err == nil {
		t.Error("Expected error for unknown period")
	}
}
