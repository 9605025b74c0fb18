package main

import (
	"fmt"
	"sync"
)

// MintetteNode holds all mintette state. Every mutation goes through
// the single mutex: handlers are logically independent tasks but
// writers are totally ordered, and log-entry order equals commit
// order.
type MintetteNode struct {
	signer Signer
	store  *nodeStore

	mu sync.RWMutex

	utxo      map[AddrID]Address
	pset      map[AddrID]*Transaction
	log       ActionLog
	head      Hash
	txset     []Transaction
	committed map[Hash]*CommitAck

	periodID       uint64
	mintetteID     MintetteID
	prevMintetteID MintetteID
	mintettes      []Mintette
	dpk            []DPKEntry
	addresses      AddressMap
	lastHBlockHash Hash
	sealed         bool

	archivedLogs   map[uint64]ActionLog
	archivedBlocks map[uint64][]LBlock
	logRetention   uint64
}

// NewMintetteNode initializes an idle mintette at period 0. The store
// may be nil for purely volatile operation.
func NewMintetteNode(signer Signer, store *nodeStore) *MintetteNode {
	return &MintetteNode{
		signer:         signer,
		store:          store,
		utxo:           make(map[AddrID]Address),
		pset:           make(map[AddrID]*Transaction),
		committed:      make(map[Hash]*CommitAck),
		addresses:      make(AddressMap),
		mintetteID:     -1,
		prevMintetteID: -1,
		archivedLogs:   make(map[uint64]ActionLog),
		archivedBlocks: make(map[uint64][]LBlock),
		logRetention:   DefaultLogRetentionPeriods,
	}
}

// appendEntry links a new entry into the action log and advances the
// head. Callers hold the write lock.
func (m *MintetteNode) appendEntry(entry LogEntry) {
	entry.PrevHash = m.head
	m.log = append(m.log, entry)
	m.head = entryHash(&entry)

	if m.store != nil {
		if err := m.store.AppendLogEntry(entry); err != nil {
			logger.Error("Failed to persist log entry", "kind", entry.Kind, "error", err)
		}
	}
}

// FinishPeriod seals the running period: the pending transactions
// become an LBlock, the log gains a close-epoch entry, and the log is
// archived under the closing period id. The period id itself is not
// bumped until StartPeriod. Re-polling an already sealed period
// returns the archived result again.
func (m *MintetteNode) FinishPeriod(periodID uint64) (*PeriodResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if periodID != m.periodID {
		logger.Warn("Period finish refused", "requested", periodID, "current", m.periodID)
		return nil, ErrWrongPeriod
	}

	if m.sealed {
		return &PeriodResult{
			PeriodID: m.periodID,
			Blocks:   m.archivedBlocks[m.periodID],
			Log:      m.archivedLogs[m.periodID],
		}, nil
	}

	txs := make([]Transaction, len(m.txset))
	copy(txs, m.txset)

	lb := LBlock{
		PrevHBlockHash: m.lastHBlockHash,
		Transactions:   txs,
		LogHead:        m.head,
	}
	lb.Hash = lblockHash(lb.PrevHBlockHash, lb.Transactions, lb.LogHead)
	sig, err := m.signer.Sign(lb.Hash[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign lblock: %w", err)
	}
	lb.Signature = sig

	m.appendEntry(LogEntry{Kind: EntryCloseEpoch, LBlockHash: lb.Hash})

	logSnapshot := make(ActionLog, len(m.log))
	copy(logSnapshot, m.log)
	m.archivedLogs[m.periodID] = logSnapshot
	m.archivedBlocks[m.periodID] = []LBlock{lb}

	m.pset = make(map[AddrID]*Transaction)
	m.txset = nil
	m.sealed = true

	recordPeriodSealed(len(lb.Transactions))
	psetSizeGauge.Set(0)

	logger.Info("Sealed period",
		"period", m.periodID,
		"txCount", len(lb.Transactions),
		"lBlockHash", lb.Hash)

	return &PeriodResult{
		PeriodID: m.periodID,
		Blocks:   []LBlock{lb},
		Log:      logSnapshot,
	}, nil
}

// StartPeriod adopts the bank's new-period data. When a payload is
// present the UTXO is replaced wholesale with the bank-computed
// slice; otherwise the last HBlock's transactions are applied to the
// existing UTXO. The log head carries over so the new period's first
// entry chains from the archived head of the prior one.
func (m *MintetteNode) StartPeriod(npd *NewPeriodData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prevMintetteID = m.mintetteID

	if npd.Payload != nil {
		m.mintetteID = npd.Payload.MintetteID
		m.utxo = entriesToUtxo(npd.Payload.Utxo)
		if npd.Payload.Addresses != nil {
			m.addresses = npd.Payload.Addresses
		}
	} else {
		for i := range npd.HBlock.Transactions {
			tx := &npd.HBlock.Transactions[i]
			for _, in := range tx.Inputs {
				delete(m.utxo, in)
			}
			txHash := HashTransaction(tx)
			if containsID(Owners(npd.Mintettes, txHash), m.mintetteID) {
				for idx, out := range tx.Outputs {
					m.utxo[AddrID{TxHash: txHash, Index: uint32(idx), Value: out.Value}] = out.Address
				}
			}
		}
		if npd.HBlock.Addresses != nil {
			m.addresses = npd.HBlock.Addresses
		}
	}

	m.mintettes = npd.Mintettes
	m.dpk = npd.DPK
	m.pset = make(map[AddrID]*Transaction)
	m.txset = nil
	m.committed = make(map[Hash]*CommitAck)
	m.log = nil
	m.sealed = false
	m.periodID = npd.PeriodID
	m.lastHBlockHash = npd.HBlock.Hash

	// Purge archives outside the retention window; their content is
	// sealed into HBlocks by now.
	if m.periodID > m.logRetention {
		cutoff := m.periodID - m.logRetention
		for p := range m.archivedLogs {
			if p < cutoff {
				delete(m.archivedLogs, p)
				delete(m.archivedBlocks, p)
			}
		}
	}

	currentPeriodGauge.Set(float64(m.periodID))
	utxoSizeGauge.Set(float64(len(m.utxo)))
	psetSizeGauge.Set(0)

	if m.store != nil {
		if err := m.store.SaveMintetteSnapshot(m.snapshotLocked()); err != nil {
			logger.Error("Failed to persist period snapshot", "period", m.periodID, "error", err)
		}
	}

	logger.Info("Started period",
		"period", m.periodID,
		"mintetteId", m.mintetteID,
		"prevMintetteId", m.prevMintetteID,
		"utxoSize", len(m.utxo),
		"rosterSize", len(m.mintettes))

	return nil
}

// Period returns the current period id. The error channel reports
// store-level failures so callers can tell "no period yet" from a
// broken store.
func (m *MintetteNode) Period() (uint64, error) {
	if m.store != nil {
		if err := m.store.Err(); err != nil {
			return 0, fmt.Errorf("state store unavailable: %w", err)
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.periodID, nil
}

// Utxo returns the unspent set in deterministic order.
func (m *MintetteNode) Utxo() []UtxoEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return utxoToEntries(m.utxo)
}

// Blocks returns the LBlocks of a period: archived for sealed
// periods, nothing yet for the running one.
func (m *MintetteNode) Blocks(periodID uint64) ([]LBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if blocks, ok := m.archivedBlocks[periodID]; ok {
		return blocks, nil
	}
	if periodID == m.periodID {
		return nil, nil
	}
	return nil, ErrWrongPeriod
}

// Logs returns the action log of a period: archived for sealed
// periods, the live log for the running one.
func (m *MintetteNode) Logs(periodID uint64) (ActionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if log, ok := m.archivedLogs[periodID]; ok {
		return log, nil
	}
	if periodID == m.periodID {
		snapshot := make(ActionLog, len(m.log))
		copy(snapshot, m.log)
		return snapshot, nil
	}
	return nil, ErrWrongPeriod
}
