package state

import (
	"fmt"

	"github.com/hashicorp/go-memdb"

	"github.com/duskpool/relayer/structs"
)

// PeerUpsert writes a peer directory row. Peer rows are not versioned; the
// gossip layer is the single writer and last-write-wins is correct.
func (s *Store) PeerUpsert(idx uint64, req *structs.PeerUpsertRequest) error {
	tx := s.db.Txn(true)
	defer tx.Abort()

	existing, err := tx.First("peers", "id", req.Peer.ID)
	if err != nil {
		return fmt.Errorf("peer lookup failed: %s", err)
	}

	peer := req.Peer
	if existing != nil {
		peer.CreateIndex = existing.(*structs.Peer).CreateIndex
	} else {
		peer.CreateIndex = idx
	}
	peer.ModifyIndex = idx

	if err := tx.Insert("peers", &peer); err != nil {
		return fmt.Errorf("failed inserting peer: %s", err)
	}
	if err := indexUpdateMaxTxn(tx, idx, "peers"); err != nil {
		return err
	}

	tx.Commit()
	return nil
}

// PeerRemove drops a peer from the directory. Removing an unknown peer is a
// no-op so the command is idempotent under replay.
func (s *Store) PeerRemove(idx uint64, req *structs.PeerRemoveRequest) error {
	tx := s.db.Txn(true)
	defer tx.Abort()

	existing, err := tx.First("peers", "id", req.ID)
	if err != nil {
		return fmt.Errorf("peer lookup failed: %s", err)
	}
	if existing != nil {
		if err := tx.Delete("peers", existing); err != nil {
			return fmt.Errorf("failed deleting peer: %s", err)
		}
	}
	if err := indexUpdateMaxTxn(tx, idx, "peers"); err != nil {
		return err
	}

	tx.Commit()
	return nil
}

// PeerGet returns a peer by id along with the peers table index.
func (s *Store) PeerGet(id structs.PeerID) (uint64, *structs.Peer, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	idx := maxIndexTxn(tx, "peers")

	peer, err := tx.First("peers", "id", id)
	if err != nil {
		return 0, nil, fmt.Errorf("peer lookup failed: %s", err)
	}
	if peer == nil {
		return idx, nil, nil
	}
	return idx, peer.(*structs.Peer), nil
}

// PeerList returns the full peer directory.
func (s *Store) PeerList() (uint64, []*structs.Peer, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	idx := maxIndexTxn(tx, "peers")

	iter, err := tx.Get("peers", "id")
	if err != nil {
		return 0, nil, fmt.Errorf("peer lookup failed: %s", err)
	}

	var out []*structs.Peer
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Peer))
	}
	return idx, out, nil
}

// Peers is used by snapshotting to dump the peer table.
func (s *Snapshot) Peers() (memdb.ResultIterator, error) {
	return s.tx.Get("peers", "id")
}

// Peer loads a peer row during restore.
func (r *Restore) Peer(p *structs.Peer) error {
	if err := r.tx.Insert("peers", p); err != nil {
		return fmt.Errorf("failed restoring peer: %s", err)
	}
	if err := indexUpdateMaxTxn(r.tx, p.ModifyIndex, "peers"); err != nil {
		return fmt.Errorf("failed updating index: %s", err)
	}
	return nil
}
