// Package store persists node state that must survive restarts: the set of
// known peer addresses and the local publish sequence counter.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	peerPrefix = "peer/"
	seqnoKey   = "seqno"
)

// PeerInfo is the persisted form of a known peer.
type PeerInfo struct {
	ID       string    `json:"id"`
	Addrs    []string  `json:"addrs"`
	LastSeen time.Time `json:"last_seen"`
}

// Store wraps a leveldb database.
type Store struct {
	db *leveldb.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		WriteBuffer: 4 * 1024 * 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Store{db: db}, nil
}

// SavePeer upserts the record for a peer.
func (s *Store) SavePeer(info PeerInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal peer record: %w", err)
	}
	if err := s.db.Put([]byte(peerPrefix+info.ID), data, nil); err != nil {
		return fmt.Errorf("failed to save peer record: %w", err)
	}
	return nil
}

// DeletePeer removes the record for a peer, if present.
func (s *Store) DeletePeer(id string) error {
	if err := s.db.Delete([]byte(peerPrefix+id), nil); err != nil {
		return fmt.Errorf("failed to delete peer record: %w", err)
	}
	return nil
}

// Peers returns all persisted peer records.
func (s *Store) Peers() ([]PeerInfo, error) {
	var out []PeerInfo
	iter := s.db.NewIterator(util.BytesPrefix([]byte(peerPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var info PeerInfo
		if err := json.Unmarshal(iter.Value(), &info); err != nil {
			// skip corrupt entries rather than failing startup
			continue
		}
		out = append(out, info)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate peer records: %w", err)
	}
	return out, nil
}

// NextSeqno returns the next publish sequence number and persists it so the
// counter stays monotonic across restarts.
func (s *Store) NextSeqno() (uint64, error) {
	var next uint64 = 1
	data, err := s.db.Get([]byte(seqnoKey), nil)
	switch {
	case err == nil && len(data) == 8:
		next = binary.BigEndian.Uint64(data) + 1
	case err != nil && err != leveldb.ErrNotFound:
		return 0, fmt.Errorf("failed to read seqno: %w", err)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	if err := s.db.Put([]byte(seqnoKey), buf[:], nil); err != nil {
		return 0, fmt.Errorf("failed to persist seqno: %w", err)
	}
	return next, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
