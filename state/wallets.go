package state

import (
	"fmt"

	"github.com/hashicorp/go-memdb"

	"github.com/duskpool/relayer/structs"
)

// WalletUpsert writes a wallet row under optimistic concurrency. The
// proposer sends the ModifyIndex it read as priorVersion; if the row has
// moved past it the write is a stale no-op and the bool return is true.
// Stale writes still advance the table index so replay stays deterministic.
func (s *Store) WalletUpsert(idx uint64, req *structs.WalletUpsertRequest) (bool, error) {
	tx := s.db.Txn(true)
	defer tx.Abort()

	existing, err := tx.First("wallets", "id", req.Wallet.ID)
	if err != nil {
		return false, fmt.Errorf("wallet lookup failed: %s", err)
	}

	if stale := staleVersion(existing, req.PriorVersion); stale {
		if err := indexUpdateMaxTxn(tx, idx, "wallets"); err != nil {
			return false, err
		}
		tx.Commit()
		return true, nil
	}

	wallet := req.Wallet
	if existing != nil {
		wallet.CreateIndex = existing.(*structs.Wallet).CreateIndex
	} else {
		wallet.CreateIndex = idx
	}
	wallet.ModifyIndex = idx

	if err := tx.Insert("wallets", &wallet); err != nil {
		return false, fmt.Errorf("failed inserting wallet: %s", err)
	}
	if err := indexUpdateMaxTxn(tx, idx, "wallets"); err != nil {
		return false, err
	}

	tx.Commit()
	return false, nil
}

// staleVersion applies the optimistic concurrency rule shared by wallet and
// order upserts: priorVersion 0 means "create or clobber", anything else
// must match the current ModifyIndex exactly.
func staleVersion(existing interface{}, priorVersion uint64) bool {
	if priorVersion == 0 {
		return false
	}
	if existing == nil {
		return true
	}
	switch row := existing.(type) {
	case *structs.Wallet:
		return row.ModifyIndex != priorVersion
	case *structs.Order:
		return row.ModifyIndex != priorVersion
	default:
		return true
	}
}

// WalletGet returns a wallet by id along with the wallets table index.
func (s *Store) WalletGet(id structs.WalletID) (uint64, *structs.Wallet, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	idx := maxIndexTxn(tx, "wallets")

	wallet, err := tx.First("wallets", "id", id)
	if err != nil {
		return 0, nil, fmt.Errorf("wallet lookup failed: %s", err)
	}
	if wallet == nil {
		return idx, nil, nil
	}
	return idx, wallet.(*structs.Wallet), nil
}

// WalletList returns all wallets.
func (s *Store) WalletList() (uint64, []*structs.Wallet, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	idx := maxIndexTxn(tx, "wallets")

	iter, err := tx.Get("wallets", "id")
	if err != nil {
		return 0, nil, fmt.Errorf("wallet lookup failed: %s", err)
	}

	var out []*structs.Wallet
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Wallet))
	}
	return idx, out, nil
}

// Wallets is used by snapshotting to dump the wallet table.
func (s *Snapshot) Wallets() (memdb.ResultIterator, error) {
	return s.tx.Get("wallets", "id")
}

// Wallet loads a wallet row during restore.
func (r *Restore) Wallet(w *structs.Wallet) error {
	if err := r.tx.Insert("wallets", w); err != nil {
		return fmt.Errorf("failed restoring wallet: %s", err)
	}
	if err := indexUpdateMaxTxn(r.tx, w.ModifyIndex, "wallets"); err != nil {
		return fmt.Errorf("failed updating index: %s", err)
	}
	return nil
}
