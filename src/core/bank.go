package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Protocol constants for period finalization.
const (
	// GenesisTotal is the coin supply minted into the genesis block.
	GenesisTotal Coin = 10000

	// EmissionTotal is minted each period and split between the bank
	// and the mintettes whose results were accepted.
	EmissionTotal Coin = 1000

	// Bank share of the emission: numerator over denominator.
	bankRewardNumerator   = 1
	bankRewardDenominator = 2

	// MaxPeriodFailures is how many consecutive dropped results evict
	// a mintette from the roster.
	MaxPeriodFailures = 3
)

// mintetteCandidate is a mintette admitted by the operator, waiting
// for the next period boundary to join the roster.
type mintetteCandidate struct {
	Mintette Mintette  `json:"mintette"`
	Key      PublicKey `json:"key"`
}

// BankNode holds the bank's authoritative state. As on the mintette,
// a single mutex serializes all writers.
type BankNode struct {
	signer Signer
	store  *nodeStore

	mu sync.RWMutex

	mintettes    []Mintette
	mintetteKeys []PublicKey
	dpk          []DPKEntry

	addresses        AddressMap
	pendingAddresses AddressMap

	blocks         []HBlock // most recent first
	utxo           map[AddrID]Address
	emissionHashes []Hash
	periodID       uint64

	failures         map[string]int
	logHeads         map[string]Hash
	pendingMintettes []mintetteCandidate
	explorers        []string
}

// NewBankNode initializes the bank at period 0 with the genesis
// HBlock paying the initial supply to the bank address.
func NewBankNode(signer Signer, store *nodeStore) (*BankNode, error) {
	b := &BankNode{
		signer:           signer,
		store:            store,
		addresses:        make(AddressMap),
		pendingAddresses: make(AddressMap),
		utxo:             make(map[AddrID]Address),
		failures:         make(map[string]int),
		logHeads:         make(map[string]Hash),
	}

	genesis, err := b.mkGenesisHBlock()
	if err != nil {
		return nil, fmt.Errorf("failed to build genesis block: %w", err)
	}
	b.blocks = []HBlock{genesis}
	b.applyBlockToUtxo(&genesis)

	logger.Info("Initialized bank", "genesisHash", genesis.Hash, "bankAddress", AddressOf(signer.Public()))
	return b, nil
}

// mkGenesisHBlock builds the period-0 block: no prior block, no
// emission id, a single inputless transaction to the bank address.
func (b *BankNode) mkGenesisHBlock() (HBlock, error) {
	genesisTx := Transaction{
		Outputs: []TxOut{{Address: AddressOf(b.signer.Public()), Value: GenesisTotal}},
	}
	return b.mkHBlock([]Transaction{genesisTx}, Hash{}, nil)
}

// mkHBlock assembles and signs a higher-level block over prev.
func (b *BankNode) mkHBlock(txs []Transaction, prev Hash, addresses AddressMap) (HBlock, error) {
	blk := HBlock{
		PrevHash:     prev,
		MerkleRoot:   merkleRoot(txs),
		Transactions: txs,
		Addresses:    addresses,
	}
	blk.Hash = hblockHash(blk.PrevHash, blk.MerkleRoot)
	sig, err := b.signer.Sign(blk.Hash[:])
	if err != nil {
		return HBlock{}, fmt.Errorf("failed to sign hblock: %w", err)
	}
	blk.Signature = sig
	return blk, nil
}

// applyBlockToUtxo deletes the block's inputs from the global UTXO
// and inserts its outputs.
func (b *BankNode) applyBlockToUtxo(blk *HBlock) {
	for i := range blk.Transactions {
		tx := &blk.Transactions[i]
		for _, in := range tx.Inputs {
			delete(b.utxo, in)
		}
		txHash := HashTransaction(tx)
		for idx, out := range tx.Outputs {
			b.utxo[AddrID{TxHash: txHash, Index: uint32(idx), Value: out.Value}] = out.Address
		}
	}
}

// wellFormedEntry rejects entries whose required payload fields are
// absent; the log arrives from untrusted mintettes and must not be
// able to crash the hash chain walk.
func wellFormedEntry(e *LogEntry) bool {
	switch e.Kind {
	case EntryQuery:
		return e.Tx != nil && e.AddrID != nil && e.Confirmation != nil
	case EntryCommit:
		return e.Tx != nil
	case EntryCloseEpoch:
		return true
	default:
		return false
	}
}

// checkActionLog verifies the hash chain of a period log against the
// stored head of the mintette's prior period.
func checkActionLog(prevHead Hash, log ActionLog) bool {
	expected := prevHead
	for i := range log {
		if !wellFormedEntry(&log[i]) {
			return false
		}
		if log[i].PrevHash != expected {
			return false
		}
		expected = entryHash(&log[i])
	}
	return true
}

// splitEpochs segments a period log into one slice per close-epoch
// entry, each slice ending with its close entry. A trailing run of
// entries without a close marker fails the segmentation.
func splitEpochs(log ActionLog) ([]ActionLog, bool) {
	var epochs []ActionLog
	start := 0
	for i := range log {
		if log[i].Kind == EntryCloseEpoch {
			epochs = append(epochs, log[start:i+1])
			start = i + 1
		}
	}
	return epochs, start == len(log)
}

// checkLBlock verifies one sealed LBlock against its epoch slice: the
// prev-hash link, the recomputed block hash, the mintette signature,
// and that the block's transactions are exactly the slice's commits
// in order.
func checkLBlock(key PublicKey, prevHBlockHash Hash, epoch ActionLog, blk *LBlock) bool {
	if blk.PrevHBlockHash != prevHBlockHash {
		return false
	}
	if lblockHash(blk.PrevHBlockHash, blk.Transactions, blk.LogHead) != blk.Hash {
		return false
	}
	if !VerifySig(key, blk.Hash[:], blk.Signature) {
		return false
	}

	if len(epoch) == 0 {
		return false
	}
	closeEntry := epoch[len(epoch)-1]
	if closeEntry.Kind != EntryCloseEpoch || closeEntry.LBlockHash != blk.Hash {
		return false
	}
	// The head sealed into the block is the digest of the last entry
	// before the close marker, which the close marker chains from.
	if closeEntry.PrevHash != blk.LogHead {
		return false
	}

	var committed []Hash
	for i := range epoch[:len(epoch)-1] {
		if epoch[i].Kind == EntryCommit {
			committed = append(committed, HashTransaction(epoch[i].Tx))
		}
	}
	if len(committed) != len(blk.Transactions) {
		return false
	}
	for i := range blk.Transactions {
		if HashTransaction(&blk.Transactions[i]) != committed[i] {
			return false
		}
	}
	return true
}

// checkResult validates one mintette's period result in full. Any
// failure drops the whole result.
func (b *BankNode) checkResult(id MintetteID, res *PeriodResult) bool {
	if res.PeriodID != b.periodID {
		logger.Warn("Dropping result: wrong period", "mintetteId", id, "got", res.PeriodID, "expected", b.periodID)
		return false
	}

	addr := b.mintettes[id].Addr()
	if !checkActionLog(b.logHeads[addr], res.Log) {
		logger.Warn("Dropping result: broken log chain", "mintetteId", id)
		return false
	}

	epochs, clean := splitEpochs(res.Log)
	if !clean || len(epochs) != len(res.Blocks) {
		logger.Warn("Dropping result: epoch segmentation mismatch",
			"mintetteId", id, "epochs", len(epochs), "blocks", len(res.Blocks))
		return false
	}

	prevHBlockHash := b.blocks[0].Hash
	for i := range res.Blocks {
		if !checkLBlock(b.mintetteKeys[id], prevHBlockHash, epochs[i], &res.Blocks[i]) {
			logger.Warn("Dropping result: lblock verification failed", "mintetteId", id, "lBlock", i)
			return false
		}
	}
	return true
}

// allocateCoins builds the period's emission transaction: one
// synthetic input tagged with the emission hash, the bank reward
// output, and one output per accepted mintette in id order. Division
// dust goes to the bank.
func (b *BankNode) allocateCoins(periodID uint64, accepted []MintetteID) Transaction {
	bankShare := EmissionTotal * bankRewardNumerator / bankRewardDenominator
	rest := EmissionTotal - bankShare

	var share Coin
	if len(accepted) > 0 {
		share = rest / Coin(len(accepted))
		bankShare += rest - share*Coin(len(accepted))
	} else {
		bankShare = EmissionTotal
	}

	outputs := []TxOut{{Address: AddressOf(b.signer.Public()), Value: bankShare}}
	sorted := append([]MintetteID(nil), accepted...)
	sort.Ints(sorted)
	for _, id := range sorted {
		outputs = append(outputs, TxOut{Address: AddressOf(b.mintetteKeys[id]), Value: share})
	}

	return Transaction{
		Inputs:  []AddrID{{TxHash: emissionHash(periodID), Index: 0, Value: EmissionTotal}},
		Outputs: outputs,
	}
}

// mergeTransactions keeps a transaction iff a strict majority of its
// owners committed it, and orders survivors canonically by hash.
func (b *BankNode) mergeTransactions(accepted map[MintetteID]*PeriodResult) []Transaction {
	type votes struct {
		tx         Transaction
		committers map[MintetteID]bool
	}
	txMap := make(map[Hash]*votes)

	for id, res := range accepted {
		for i := range res.Blocks {
			for j := range res.Blocks[i].Transactions {
				tx := res.Blocks[i].Transactions[j]
				h := HashTransaction(&tx)
				v, ok := txMap[h]
				if !ok {
					v = &votes{tx: tx, committers: make(map[MintetteID]bool)}
					txMap[h] = v
				}
				v.committers[id] = true
			}
		}
	}

	var survivors []Transaction
	for h, v := range txMap {
		owners := Owners(b.mintettes, h)
		count := 0
		for _, id := range owners {
			if v.committers[id] {
				count++
			}
		}
		if isMajority(count, len(owners)) {
			survivors = append(survivors, v.tx)
		} else {
			logger.Debug("Transaction lacks owner majority",
				"txHash", h, "committed", count, "owners", len(owners))
		}
	}

	sortTransactionsByHash(survivors)
	return survivors
}

// updateMintettes applies the eviction policy and pending admissions,
// returning the ids of the new roster whose ownership assignments
// changed.
func (b *BankNode) updateMintettes(acceptedIDs map[MintetteID]bool) []MintetteID {
	oldRoster := b.mintettes

	var newRoster []Mintette
	var newKeys []PublicKey
	for i, m := range oldRoster {
		addr := m.Addr()
		if acceptedIDs[i] {
			b.failures[addr] = 0
		} else {
			b.failures[addr]++
		}
		if b.failures[addr] >= MaxPeriodFailures {
			logger.Warn("Evicting mintette", "address", addr, "failures", b.failures[addr])
			delete(b.failures, addr)
			delete(b.logHeads, addr)
			continue
		}
		newRoster = append(newRoster, m)
		newKeys = append(newKeys, b.mintetteKeys[i])
	}

	for _, cand := range b.pendingMintettes {
		logger.Info("Admitting mintette", "address", cand.Mintette.Addr())
		newRoster = append(newRoster, cand.Mintette)
		newKeys = append(newKeys, cand.Key)
	}
	b.pendingMintettes = nil

	var changed []MintetteID
	for i := range newRoster {
		if i >= len(oldRoster) || oldRoster[i].Addr() != newRoster[i].Addr() {
			changed = append(changed, i)
		}
	}

	b.mintettes = newRoster
	b.mintetteKeys = newKeys
	b.dpk = b.signKeys(newKeys)
	rosterSizeGauge.Set(float64(len(newRoster)))

	return changed
}

// signKeys produces the delegation public-key list: the bank's
// signature over each mintette key, roster order.
func (b *BankNode) signKeys(keys []PublicKey) []DPKEntry {
	dpk := make([]DPKEntry, 0, len(keys))
	for _, key := range keys {
		sig, err := b.signer.Sign(key[:])
		if err != nil {
			logger.Error("Failed to sign mintette key", "error", err)
			sig = Signature{}
		}
		dpk = append(dpk, DPKEntry{Key: key, Signature: sig})
	}
	return dpk
}

// formPayload computes the restricted UTXO slice for every changed
// mintette id under the new roster.
func (b *BankNode) formPayload(changed []MintetteID) map[MintetteID][]UtxoEntry {
	payload := make(map[MintetteID][]UtxoEntry, len(changed))
	for _, id := range changed {
		slice := make(map[AddrID]Address)
		for addrID, addr := range b.utxo {
			if containsID(Owners(b.mintettes, addrID.TxHash), id) {
				slice[addrID] = addr
			}
		}
		payload[id] = utxoToEntries(slice)
	}
	return payload
}

// StartNewPeriod is the bank's period-finalization algorithm: it
// validates every mintette's result, drops the bad ones, merges the
// surviving LBlocks by owner majority, allocates the period emission,
// seals the new HBlock, updates the roster and global UTXO, and
// produces one NewPeriodData per mintette of the new roster.
func (b *BankNode) StartNewPeriod(ctx context.Context, results []*PeriodResult) ([]NewPeriodData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	spanCtx, span := otel.Tracer("rscoin/bank").Start(ctx, "startNewPeriod")
	defer span.End()
	if sc := trace.SpanContextFromContext(spanCtx); sc.HasTraceID() {
		logger.Debug("Finalizing period", "period", b.periodID, "traceId", sc.TraceID().String())
	}

	start := time.Now()
	defer func() {
		periodFinalizationDuration.Observe(time.Since(start).Seconds())
	}()

	if len(results) != len(b.mintettes) {
		return nil, fmt.Errorf("%w: %d results for %d mintettes",
			ErrInconsistentResponse, len(results), len(b.mintettes))
	}

	accepted := make(map[MintetteID]*PeriodResult)
	acceptedIDs := make(map[MintetteID]bool)
	for i, res := range results {
		if res == nil {
			recordResultDropped("unreachable")
			continue
		}
		if !b.checkResult(i, res) {
			recordResultDropped("invalid")
			continue
		}
		accepted[i] = res
		acceptedIDs[i] = true
	}

	ids := make([]MintetteID, 0, len(accepted))
	for id := range accepted {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	emission := b.allocateCoins(b.periodID, ids)
	survivors := b.mergeTransactions(accepted)
	blockTxs := append([]Transaction{emission}, survivors...)

	// Pending address registrations go live with this block so the
	// mintettes receive them alongside it.
	for addr, strategy := range b.pendingAddresses {
		b.addresses[addr] = strategy
	}
	b.pendingAddresses = make(AddressMap)

	newBlock, err := b.mkHBlock(blockTxs, b.blocks[0].Hash, b.addresses)
	if err != nil {
		return nil, err
	}

	// Record the closing log heads of accepted mintettes before the
	// roster mutates underneath them.
	for id, res := range accepted {
		addr := b.mintettes[id].Addr()
		b.logHeads[addr] = logHead(res.Log, b.logHeads[addr])
	}

	changed := b.updateMintettes(acceptedIDs)

	b.applyBlockToUtxo(&newBlock)
	b.emissionHashes = append(b.emissionHashes, emissionHash(b.periodID))
	b.periodID++
	b.blocks = append([]HBlock{newBlock}, b.blocks...)

	payload := b.formPayload(changed)

	npds := make([]NewPeriodData, 0, len(b.mintettes))
	for i := range b.mintettes {
		npd := NewPeriodData{
			PeriodID:  b.periodID,
			Mintettes: b.mintettes,
			HBlock:    newBlock,
			DPK:       b.dpk,
		}
		if slice, ok := payload[i]; ok {
			npd.Payload = &PeriodPayload{
				MintetteID: i,
				Utxo:       slice,
				Addresses:  b.addresses,
			}
		}
		npds = append(npds, npd)
	}

	if b.store != nil {
		if err := b.store.SaveBankSnapshot(b.snapshotLocked()); err != nil {
			logger.Error("Failed to persist bank snapshot", "period", b.periodID, "error", err)
		}
	}

	span.SetAttributes(
		attribute.Int64("rscoin.period", int64(b.periodID)),
		attribute.Int("rscoin.accepted_results", len(accepted)),
		attribute.Int("rscoin.block_transactions", len(blockTxs)),
	)
	recordHBlock(len(blockTxs))
	currentPeriodGauge.Set(float64(b.periodID))
	utxoSizeGauge.Set(float64(len(b.utxo)))

	logger.Info("Finalized period",
		"period", b.periodID,
		"accepted", len(accepted),
		"survivors", len(survivors),
		"blockHash", newBlock.Hash,
		"changedIds", changed)

	return npds, nil
}

// Mintettes returns the current roster.
func (b *BankNode) Mintettes() []Mintette {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Mintette(nil), b.mintettes...)
}

// DPK returns the current delegation key list.
func (b *BankNode) DPK() []DPKEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]DPKEntry(nil), b.dpk...)
}

// Height is the number of HBlocks in the chain.
func (b *BankNode) Height() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return uint64(len(b.blocks))
}

// GetHBlock returns the block of a period, 0 being genesis.
func (b *BankNode) GetHBlock(periodID uint64) (*HBlock, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if periodID >= uint64(len(b.blocks)) {
		return nil, fmt.Errorf("no block for period %d", periodID)
	}
	blk := b.blocks[uint64(len(b.blocks))-1-periodID]
	return &blk, nil
}

// Addresses returns the live strategy map.
func (b *BankNode) Addresses() AddressMap {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(AddressMap, len(b.addresses))
	for k, v := range b.addresses {
		out[k] = v
	}
	return out
}

// RegisterAddress queues a strategy registration for the next period
// boundary.
func (b *BankNode) RegisterAddress(addr Address, strategy TxStrategy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pendingAddresses[addr.String()] = strategy
}

// AdmitMintette queues a mintette for admission at the next period
// boundary.
func (b *BankNode) AdmitMintette(m Mintette, key PublicKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pendingMintettes = append(b.pendingMintettes, mintetteCandidate{Mintette: m, Key: key})
}

// RegisterExplorer adds an explorer endpoint to the notification set.
func (b *BankNode) RegisterExplorer(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.explorers {
		if e == endpoint {
			return
		}
	}
	b.explorers = append(b.explorers, endpoint)
}

// Explorers returns the registered explorer endpoints.
func (b *BankNode) Explorers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.explorers...)
}

// Utxo returns the global unspent set in deterministic order.
func (b *BankNode) Utxo() []UtxoEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return utxoToEntries(b.utxo)
}
