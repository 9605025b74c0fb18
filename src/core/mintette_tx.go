package main

import "fmt"

// validateTxSum checks the value invariant: non-empty inputs and
// outputs, and equal sums with overflow protection.
func validateTxSum(tx *Transaction) bool {
	if len(tx.Inputs) == 0 || len(tx.Outputs) == 0 {
		return false
	}

	var inSum, outSum Coin
	for _, in := range tx.Inputs {
		if inSum+in.Value < inSum {
			return false
		}
		inSum += in.Value
	}
	for _, out := range tx.Outputs {
		if outSum+out.Value < outSum {
			return false
		}
		outSum += out.Value
	}

	return inSum == outSum
}

// checkStrategy verifies that sigs satisfy the spend policy of the
// owning address for this transaction.
func (m *MintetteNode) checkStrategy(tx *Transaction, owner Address, sigs []AddrSig) bool {
	canonical := canonicalTxBytes(tx)

	strategy, ok := m.addresses[owner.String()]
	if !ok {
		strategy = TxStrategy{Kind: StrategyDefault}
	}

	switch strategy.Kind {
	case StrategyDefault:
		for _, s := range sigs {
			if s.Address == owner && VerifySig(owner.Key, canonical, s.Signature) {
				return true
			}
		}
		return false

	case StrategyMOfN:
		if strategy.M <= 0 {
			return false
		}
		signed := make(map[PublicKey]bool)
		for _, s := range sigs {
			for _, key := range strategy.Keys {
				if s.Address.Key == key && !signed[key] && VerifySig(key, canonical, s.Signature) {
					signed[key] = true
				}
			}
		}
		return len(signed) >= strategy.M

	default:
		return false
	}
}

// CheckNotDoubleSpent is the first phase of transaction acceptance:
// it tentatively spends addrID for tx and returns a signed
// confirmation. The checks run in a fixed order and each failure has
// a distinct error.
func (m *MintetteNode) CheckNotDoubleSpent(tx *Transaction, addrID AddrID, sigs []AddrSig) (*CheckConfirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked(tx, addrID, sigs)
}

func (m *MintetteNode) checkLocked(tx *Transaction, addrID AddrID, sigs []AddrSig) (*CheckConfirmation, error) {
	txHash := HashTransaction(tx)

	if m.sealed {
		recordCheck(false)
		return nil, ErrWrongPeriod
	}

	found := false
	for _, in := range tx.Inputs {
		if in == addrID {
			found = true
			break
		}
	}
	if !found {
		logger.Warn("Check refused: addrid not a tx input", "txHash", txHash, "addrId", addrID)
		recordCheck(false)
		return nil, ErrInvalidTxInput
	}

	owner, ok := m.utxo[addrID]
	if !ok {
		logger.Warn("Check refused: not unspent", "txHash", txHash, "addrId", addrID)
		recordCheck(false)
		return nil, ErrNotUnspent
	}

	if _, spent := m.pset[addrID]; spent {
		logger.Warn("Check refused: double spend", "txHash", txHash, "addrId", addrID)
		recordCheck(false)
		return nil, ErrDoubleSpend
	}

	if !validateTxSum(tx) {
		logger.Warn("Check refused: sum invariant violated", "txHash", txHash)
		recordCheck(false)
		return nil, ErrInvalidSum
	}

	if !m.checkStrategy(tx, owner, sigs) {
		logger.Warn("Check refused: strategy unsatisfied", "txHash", txHash, "owner", owner)
		recordCheck(false)
		return nil, ErrUnauthorizedSpend
	}

	sig, err := m.signer.Sign(checkPreimage(txHash, addrID, m.head))
	if err != nil {
		return nil, fmt.Errorf("failed to sign confirmation: %w", err)
	}

	conf := &CheckConfirmation{
		AddrID:    addrID,
		LogHead:   m.head,
		PeriodID:  m.periodID,
		Signature: sig,
	}

	m.pset[addrID] = tx
	m.appendEntry(LogEntry{
		Kind:         EntryQuery,
		Tx:           tx,
		AddrID:       &addrID,
		Confirmation: conf,
	})

	recordCheck(true)
	psetSizeGauge.Set(float64(len(m.pset)))

	return conf, nil
}

// BatchCheckItem is one addrid with its authorizing signatures.
type BatchCheckItem struct {
	AddrID     AddrID    `json:"addrId"`
	Signatures []AddrSig `json:"signatures"`
}

// BatchCheckResult is the per-addrid outcome of a batch check.
type BatchCheckResult struct {
	AddrID       AddrID             `json:"addrId"`
	Confirmation *CheckConfirmation `json:"confirmation,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// CheckTxBatch applies CheckNotDoubleSpent independently per entry.
// One entry failing does not roll back another; successes append log
// entries in the natural addrid order.
func (m *MintetteNode) CheckTxBatch(tx *Transaction, items []BatchCheckItem) []BatchCheckResult {
	byID := make(map[AddrID][]AddrSig, len(items))
	ids := make([]AddrID, 0, len(items))
	for _, item := range items {
		if _, dup := byID[item.AddrID]; !dup {
			ids = append(ids, item.AddrID)
		}
		byID[item.AddrID] = item.Signatures
	}
	sortAddrIDs(ids)

	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]BatchCheckResult, 0, len(ids))
	for _, id := range ids {
		conf, err := m.checkLocked(tx, id, byID[id])
		res := BatchCheckResult{AddrID: id, Confirmation: conf}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}

// CommitTx is the second phase: given confirmations from every owner
// of the transaction, it atomically moves the spent addrids out of
// the UTXO and pset, adds this mintette's share of the outputs, and
// queues the transaction for the period's LBlock. Committing the same
// transaction twice in one period returns the prior acknowledgment
// unchanged.
func (m *MintetteNode) CommitTx(tx *Transaction, confirmations map[MintetteID]CheckConfirmation) (*CommitAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txHash := HashTransaction(tx)

	if ack, ok := m.committed[txHash]; ok {
		return ack, nil
	}

	if m.sealed {
		recordCommit(false)
		return nil, ErrWrongPeriod
	}

	owners := Owners(m.mintettes, txHash)
	for _, id := range owners {
		conf, ok := confirmations[id]
		if !ok {
			logger.Warn("Commit refused: owner confirmation missing", "txHash", txHash, "ownerId", id)
			recordCommit(false)
			return nil, ErrNotAllOwnersConfirmed
		}
		if id < 0 || id >= len(m.dpk) {
			recordCommit(false)
			return nil, ErrNotAllOwnersConfirmed
		}
		preimage := checkPreimage(txHash, conf.AddrID, conf.LogHead)
		if !VerifySig(m.dpk[id].Key, preimage, conf.Signature) {
			logger.Warn("Commit refused: owner confirmation invalid", "txHash", txHash, "ownerId", id)
			recordCommit(false)
			return nil, ErrNotAllOwnersConfirmed
		}
	}

	// Inputs this mintette is responsible for must have passed the
	// check phase for this very transaction.
	for _, in := range tx.Inputs {
		if _, ours := m.utxo[in]; !ours {
			continue
		}
		pending, checked := m.pset[in]
		if !checked || HashTransaction(pending) != txHash {
			logger.Warn("Commit refused: input never checked", "txHash", txHash, "addrId", in)
			recordCommit(false)
			return nil, ErrCommitWithoutCheck
		}
	}

	for _, in := range tx.Inputs {
		delete(m.utxo, in)
		delete(m.pset, in)
	}
	if containsID(owners, m.mintetteID) {
		for i, out := range tx.Outputs {
			m.utxo[AddrID{TxHash: txHash, Index: uint32(i), Value: out.Value}] = out.Address
		}
	}

	m.txset = append(m.txset, *tx)
	m.appendEntry(LogEntry{
		Kind:   EntryCommit,
		Tx:     tx,
		Commit: confirmations,
	})

	sig, err := m.signer.Sign(txHash[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign acknowledgment: %w", err)
	}

	ack := &CommitAck{TxHash: txHash, Signature: sig}
	if m.mintetteID >= 0 && m.mintetteID < len(m.dpk) {
		ack.BankSig = m.dpk[m.mintetteID].Signature
	}
	m.committed[txHash] = ack

	recordCommit(true)
	psetSizeGauge.Set(float64(len(m.pset)))
	utxoSizeGauge.Set(float64(len(m.utxo)))

	return ack, nil
}
