package state

import (
	"fmt"

	"github.com/hashicorp/go-memdb"

	"github.com/duskpool/relayer/structs"
)

// OrderUpsert writes an order row, versioned exactly like wallet upserts.
func (s *Store) OrderUpsert(idx uint64, req *structs.OrderUpsertRequest) (bool, error) {
	tx := s.db.Txn(true)
	defer tx.Abort()

	existing, err := tx.First("orders", "id", req.Order.ID)
	if err != nil {
		return false, fmt.Errorf("order lookup failed: %s", err)
	}

	if stale := staleVersion(existing, req.PriorVersion); stale {
		if err := indexUpdateMaxTxn(tx, idx, "orders"); err != nil {
			return false, err
		}
		tx.Commit()
		return true, nil
	}

	order := req.Order
	if existing != nil {
		order.CreateIndex = existing.(*structs.Order).CreateIndex
	} else {
		order.CreateIndex = idx
	}
	order.ModifyIndex = idx

	if err := tx.Insert("orders", &order); err != nil {
		return false, fmt.Errorf("failed inserting order: %s", err)
	}
	if err := indexUpdateMaxTxn(tx, idx, "orders"); err != nil {
		return false, err
	}

	tx.Commit()
	return false, nil
}

// OrderGet returns an order by id along with the orders table index.
func (s *Store) OrderGet(id structs.OrderID) (uint64, *structs.Order, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	idx := maxIndexTxn(tx, "orders")

	order, err := tx.First("orders", "id", id)
	if err != nil {
		return 0, nil, fmt.Errorf("order lookup failed: %s", err)
	}
	if order == nil {
		return idx, nil, nil
	}
	return idx, order.(*structs.Order), nil
}

// OrdersByWallet returns the orders belonging to one wallet.
func (s *Store) OrdersByWallet(id structs.WalletID) (uint64, []*structs.Order, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	idx := maxIndexTxn(tx, "orders")

	iter, err := tx.Get("orders", "wallet", id)
	if err != nil {
		return 0, nil, fmt.Errorf("order lookup failed: %s", err)
	}

	var out []*structs.Order
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Order))
	}
	return idx, out, nil
}

// OrderList returns the full order book.
func (s *Store) OrderList() (uint64, []*structs.Order, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	idx := maxIndexTxn(tx, "orders")

	iter, err := tx.Get("orders", "id")
	if err != nil {
		return 0, nil, fmt.Errorf("order lookup failed: %s", err)
	}

	var out []*structs.Order
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Order))
	}
	return idx, out, nil
}

// Orders is used by snapshotting to dump the order table.
func (s *Snapshot) Orders() (memdb.ResultIterator, error) {
	return s.tx.Get("orders", "id")
}

// Order loads an order row during restore.
func (r *Restore) Order(o *structs.Order) error {
	if err := r.tx.Insert("orders", o); err != nil {
		return fmt.Errorf("failed restoring order: %s", err)
	}
	if err := indexUpdateMaxTxn(r.tx, o.ModifyIndex, "orders"); err != nil {
		return fmt.Errorf("failed updating index: %s", err)
	}
	return nil
}
