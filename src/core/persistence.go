package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	mintetteSnapshotFilename = "mintette_state.json"
	bankSnapshotFilename     = "bank_state.json"
	actionLogFilename        = "action_log.jsonl"
)

// nodeStore is the thin persistence layer: a periodic full snapshot
// of the state record plus an append-only entry log since the last
// snapshot. Recovery replays the log over the snapshot. A nil store
// means volatile in-memory operation.
type nodeStore struct {
	dataDir string

	mu      sync.Mutex
	logFile *os.File
	failure error
}

// OpenNodeStore prepares the data directory and the append log.
func OpenNodeStore(dataDir string) (*nodeStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logPath := filepath.Join(dataDir, actionLogFilename)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open action log: %w", err)
	}

	return &nodeStore{dataDir: dataDir, logFile: logFile}, nil
}

// Err reports a sticky store failure; once writes start failing the
// store is considered unavailable.
func (s *nodeStore) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Close releases the append log.
func (s *nodeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logFile == nil {
		return nil
	}
	err := s.logFile.Close()
	s.logFile = nil
	return err
}

// AppendLogEntry persists one action log entry as a JSON line.
func (s *nodeStore) AppendLogEntry(entry LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.logFile == nil {
		return fmt.Errorf("action log closed")
	}
	if _, err := s.logFile.Write(append(data, '\n')); err != nil {
		s.failure = err
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

// writeSnapshotFile writes a JSON snapshot atomically via rename.
func (s *nodeStore) writeSnapshotFile(filename string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	path := filepath.Join(s.dataDir, filename)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// truncateLog resets the append log after a successful snapshot.
func (s *nodeStore) truncateLog() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.logFile != nil {
		if err := s.logFile.Close(); err != nil {
			return err
		}
	}

	logPath := filepath.Join(s.dataDir, actionLogFilename)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		s.failure = err
		return fmt.Errorf("failed to reset action log: %w", err)
	}
	s.logFile = logFile
	return nil
}

// mintetteSnapshot is the period-boundary state record. The pset, the
// pending transaction set and the live log are empty at snapshot time
// and are reconstructed from the append log on recovery.
type mintetteSnapshot struct {
	PeriodID       uint64      `json:"periodId"`
	MintetteID     MintetteID  `json:"mintetteId"`
	PrevMintetteID MintetteID  `json:"prevMintetteId"`
	Mintettes      []Mintette  `json:"mintettes"`
	DPK            []DPKEntry  `json:"dpk"`
	Addresses      AddressMap  `json:"addresses"`
	Utxo           []UtxoEntry `json:"utxo"`
	Head           Hash        `json:"head"`
	LastHBlockHash Hash        `json:"lastHBlockHash"`
}

// SaveMintetteSnapshot persists the snapshot and resets the append
// log, which by construction holds only entries of the closed period.
func (s *nodeStore) SaveMintetteSnapshot(snap mintetteSnapshot) error {
	if err := s.writeSnapshotFile(mintetteSnapshotFilename, snap); err != nil {
		s.mu.Lock()
		s.failure = err
		s.mu.Unlock()
		return err
	}
	return s.truncateLog()
}

// LoadMintetteSnapshot reads the last snapshot, reporting absence
// without error.
func (s *nodeStore) LoadMintetteSnapshot() (*mintetteSnapshot, error) {
	data, err := os.ReadFile(filepath.Join(s.dataDir, mintetteSnapshotFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read mintette snapshot: %w", err)
	}

	var snap mintetteSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("corrupt mintette snapshot: %w", err)
	}
	return &snap, nil
}

// LoadLogEntries reads the append log written since the last snapshot.
func (s *nodeStore) LoadLogEntries() ([]LogEntry, error) {
	f, err := os.Open(filepath.Join(s.dataDir, actionLogFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open action log: %w", err)
	}
	defer f.Close()

	var entries []LogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("corrupt action log: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read action log: %w", err)
	}
	return entries, nil
}

// snapshotLocked captures the mintette's period-boundary record.
// Callers hold the lock.
func (m *MintetteNode) snapshotLocked() mintetteSnapshot {
	return mintetteSnapshot{
		PeriodID:       m.periodID,
		MintetteID:     m.mintetteID,
		PrevMintetteID: m.prevMintetteID,
		Mintettes:      m.mintettes,
		DPK:            m.dpk,
		Addresses:      m.addresses,
		Utxo:           utxoToEntries(m.utxo),
		Head:           m.head,
		LastHBlockHash: m.lastHBlockHash,
	}
}

// Recover rebuilds mintette state from the last snapshot plus the
// append log: replaying the log reproduces the same pset, utxo and
// log head the node held before it died.
func (m *MintetteNode) Recover() error {
	if m.store == nil {
		return nil
	}

	snap, err := m.store.LoadMintetteSnapshot()
	if err != nil {
		return err
	}
	entries, entriesErr := m.store.LoadLogEntries()
	if entriesErr != nil {
		return entriesErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap != nil {
		m.periodID = snap.PeriodID
		m.mintetteID = snap.MintetteID
		m.prevMintetteID = snap.PrevMintetteID
		m.mintettes = snap.Mintettes
		m.dpk = snap.DPK
		m.addresses = snap.Addresses
		if m.addresses == nil {
			m.addresses = make(AddressMap)
		}
		m.utxo = entriesToUtxo(snap.Utxo)
		m.head = snap.Head
		m.lastHBlockHash = snap.LastHBlockHash
	}

	for i := range entries {
		if err := m.replayEntry(&entries[i]); err != nil {
			return fmt.Errorf("replay failed at entry %d: %w", i, err)
		}
	}

	if len(entries) > 0 {
		logger.Info("Replayed action log",
			"entries", len(entries),
			"period", m.periodID,
			"psetSize", len(m.pset),
			"utxoSize", len(m.utxo))
	}

	return nil
}

// replayEntry re-applies one persisted log entry. The chain check
// catches a truncated or reordered log.
func (m *MintetteNode) replayEntry(e *LogEntry) error {
	if e.PrevHash != m.head {
		return fmt.Errorf("log chain broken: entry prev %s, head %s", e.PrevHash, m.head)
	}

	switch e.Kind {
	case EntryQuery:
		if e.Tx == nil || e.AddrID == nil {
			return fmt.Errorf("malformed query entry")
		}
		m.pset[*e.AddrID] = e.Tx

	case EntryCommit:
		if e.Tx == nil {
			return fmt.Errorf("malformed commit entry")
		}
		txHash := HashTransaction(e.Tx)
		for _, in := range e.Tx.Inputs {
			delete(m.utxo, in)
			delete(m.pset, in)
		}
		if containsID(Owners(m.mintettes, txHash), m.mintetteID) {
			for i, out := range e.Tx.Outputs {
				m.utxo[AddrID{TxHash: txHash, Index: uint32(i), Value: out.Value}] = out.Address
			}
		}
		m.txset = append(m.txset, *e.Tx)
		sig, err := m.signer.Sign(txHash[:])
		if err != nil {
			return fmt.Errorf("failed to re-sign acknowledgment: %w", err)
		}
		ack := &CommitAck{TxHash: txHash, Signature: sig}
		if m.mintetteID >= 0 && m.mintetteID < len(m.dpk) {
			ack.BankSig = m.dpk[m.mintetteID].Signature
		}
		m.committed[txHash] = ack

	case EntryCloseEpoch:
		// Reconstruct the seal exactly as FinishPeriod produced it.
		txs := make([]Transaction, len(m.txset))
		copy(txs, m.txset)
		lb := LBlock{
			PrevHBlockHash: m.lastHBlockHash,
			Transactions:   txs,
			LogHead:        m.head,
		}
		lb.Hash = lblockHash(lb.PrevHBlockHash, lb.Transactions, lb.LogHead)
		if lb.Hash != e.LBlockHash {
			return fmt.Errorf("replayed lblock hash mismatch")
		}
		sig, err := m.signer.Sign(lb.Hash[:])
		if err != nil {
			return fmt.Errorf("failed to re-sign lblock: %w", err)
		}
		lb.Signature = sig
		m.archivedBlocks[m.periodID] = []LBlock{lb}
		m.pset = make(map[AddrID]*Transaction)
		m.txset = nil
		m.sealed = true

	default:
		return fmt.Errorf("unknown log entry kind %q", e.Kind)
	}

	m.log = append(m.log, *e)
	m.head = entryHash(e)

	if e.Kind == EntryCloseEpoch {
		logSnapshot := make(ActionLog, len(m.log))
		copy(logSnapshot, m.log)
		m.archivedLogs[m.periodID] = logSnapshot
	}

	return nil
}

// bankSnapshot is the bank's full persisted record, written at every
// period boundary.
type bankSnapshot struct {
	PeriodID         uint64              `json:"periodId"`
	Mintettes        []Mintette          `json:"mintettes"`
	MintetteKeys     []PublicKey         `json:"mintetteKeys"`
	DPK              []DPKEntry          `json:"dpk"`
	Addresses        AddressMap          `json:"addresses"`
	PendingAddresses AddressMap          `json:"pendingAddresses"`
	Blocks           []HBlock            `json:"blocks"`
	Utxo             []UtxoEntry         `json:"utxo"`
	EmissionHashes   []Hash              `json:"emissionHashes"`
	Failures         map[string]int      `json:"failures"`
	LogHeads         map[string]Hash     `json:"logHeads"`
	PendingMintettes []mintetteCandidate `json:"pendingMintettes"`
	Explorers        []string            `json:"explorers"`
}

// snapshotLocked captures the bank record. Callers hold the lock.
func (b *BankNode) snapshotLocked() bankSnapshot {
	return bankSnapshot{
		PeriodID:         b.periodID,
		Mintettes:        b.mintettes,
		MintetteKeys:     b.mintetteKeys,
		DPK:              b.dpk,
		Addresses:        b.addresses,
		PendingAddresses: b.pendingAddresses,
		Blocks:           b.blocks,
		Utxo:             utxoToEntries(b.utxo),
		EmissionHashes:   b.emissionHashes,
		Failures:         b.failures,
		LogHeads:         b.logHeads,
		PendingMintettes: b.pendingMintettes,
		Explorers:        b.explorers,
	}
}

// SaveBankSnapshot persists the bank record.
func (s *nodeStore) SaveBankSnapshot(snap bankSnapshot) error {
	return s.writeSnapshotFile(bankSnapshotFilename, snap)
}

// LoadBankSnapshot reads the last bank record, reporting absence
// without error.
func (s *nodeStore) LoadBankSnapshot() (*bankSnapshot, error) {
	data, err := os.ReadFile(filepath.Join(s.dataDir, bankSnapshotFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read bank snapshot: %w", err)
	}

	var snap bankSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("corrupt bank snapshot: %w", err)
	}
	return &snap, nil
}

// Recover reloads bank state from the last snapshot, if any.
func (b *BankNode) Recover() error {
	if b.store == nil {
		return nil
	}

	snap, err := b.store.LoadBankSnapshot()
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.periodID = snap.PeriodID
	b.mintettes = snap.Mintettes
	b.mintetteKeys = snap.MintetteKeys
	b.dpk = snap.DPK
	b.addresses = snap.Addresses
	if b.addresses == nil {
		b.addresses = make(AddressMap)
	}
	b.pendingAddresses = snap.PendingAddresses
	if b.pendingAddresses == nil {
		b.pendingAddresses = make(AddressMap)
	}
	b.blocks = snap.Blocks
	b.utxo = entriesToUtxo(snap.Utxo)
	b.emissionHashes = snap.EmissionHashes
	b.failures = snap.Failures
	if b.failures == nil {
		b.failures = make(map[string]int)
	}
	b.logHeads = snap.LogHeads
	if b.logHeads == nil {
		b.logHeads = make(map[string]Hash)
	}
	b.pendingMintettes = snap.PendingMintettes
	b.explorers = snap.Explorers

	logger.Info("Recovered bank state", "period", b.periodID, "blocks", len(b.blocks), "utxoSize", len(b.utxo))
	return nil
}
