// Package storage keeps the ledger's aggregates in a typed in-memory map
// keyed by id, loaded once at startup from a schema-versioned snapshot and
// persisted back atomically. Per-aggregate mutual exclusion lives in the
// engine; the store only guards its maps.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"pactledger/native/agreement"
	"pactledger/native/dispute"
)

// SnapshotSchemaVersion identifies the on-disk snapshot layout. Older
// snapshots are migrated through an explicit step at load time rather than
// ad-hoc guards scattered through the readers.
const SnapshotSchemaVersion = 1

// Store implements agreement.State and dispute.State.
type Store struct {
	mu         sync.RWMutex
	agreements map[string]*agreement.Agreement
	disputes   map[string]*dispute.Dispute
}

func NewStore() *Store {
	return &Store{
		agreements: make(map[string]*agreement.Agreement),
		disputes:   make(map[string]*dispute.Dispute),
	}
}

// AgreementPut stores a clone of the aggregate.
func (s *Store) AgreementPut(a *agreement.Agreement) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("storage: agreement with id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agreements[a.ID] = a.Clone()
	return nil
}

// AgreementGet returns a clone so callers can never alias stored state.
func (s *Store) AgreementGet(id string) (*agreement.Agreement, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agreements[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// AgreementIDs returns all known aggregate ids in stable order.
func (s *Store) AgreementIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.agreements))
	for id := range s.agreements {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) DisputePut(d *dispute.Dispute) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("storage: dispute with id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disputes[d.ID] = d.Clone()
	return nil
}

func (s *Store) DisputeGet(id string) (*dispute.Dispute, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

type snapshotFile struct {
	SchemaVersion int                    `json:"schemaVersion"`
	Agreements    []*agreement.Agreement `json:"agreements"`
	Disputes      []*dispute.Dispute     `json:"disputes"`
}

// Load replaces the store contents from a snapshot file. A missing file
// yields an empty store. Snapshots from older schema versions pass through
// the migration step before use.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("storage: read snapshot: %w", err)
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("storage: decode snapshot: %w", err)
	}
	if snap.SchemaVersion > SnapshotSchemaVersion {
		return fmt.Errorf("storage: snapshot schema %d newer than supported %d", snap.SchemaVersion, SnapshotSchemaVersion)
	}
	migrateSnapshot(&snap)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.agreements = make(map[string]*agreement.Agreement, len(snap.Agreements))
	for _, a := range snap.Agreements {
		if a == nil || a.ID == "" {
			continue
		}
		s.agreements[a.ID] = a
	}
	s.disputes = make(map[string]*dispute.Dispute, len(snap.Disputes))
	for _, d := range snap.Disputes {
		if d == nil || d.ID == "" {
			continue
		}
		s.disputes[d.ID] = d
	}
	return nil
}

// Save writes the snapshot atomically: temp file in the same directory, then
// rename.
func (s *Store) Save(path string) error {
	s.mu.RLock()
	snap := snapshotFile{SchemaVersion: SnapshotSchemaVersion}
	for _, id := range s.agreementIDsLocked() {
		snap.Agreements = append(snap.Agreements, s.agreements[id].Clone())
	}
	disputeIDs := make([]string, 0, len(s.disputes))
	for id := range s.disputes {
		disputeIDs = append(disputeIDs, id)
	}
	sort.Strings(disputeIDs)
	for _, id := range disputeIDs {
		snap.Disputes = append(snap.Disputes, s.disputes[id].Clone())
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: encode snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("storage: create snapshot temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("storage: write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("storage: close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("storage: replace snapshot: %w", err)
	}
	return nil
}

func (s *Store) agreementIDsLocked() []string {
	ids := make([]string, 0, len(s.agreements))
	for id := range s.agreements {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// migrateSnapshot fills defaults for collections older snapshots may lack,
// in one explicit place.
func migrateSnapshot(snap *snapshotFile) {
	for _, a := range snap.Agreements {
		if a == nil {
			continue
		}
		if a.Version == 0 {
			a.Version = 1
		}
		if len(a.Versions) == 0 {
			a.Versions = []agreement.ContentVersion{{
				Version:     a.Version,
				Content:     a.Content,
				ContentHash: a.ContentHash,
				Timestamp:   a.CreatedAt,
			}}
		}
		if a.Parties == nil {
			a.Parties = []agreement.Party{}
		}
		if a.Signatures == nil {
			a.Signatures = []agreement.Signature{}
		}
		if !a.Status.Valid() {
			a.Status = agreement.StatusDraft
		}
		if a.Escrow != nil && a.Escrow.Amount == nil {
			a.Escrow.Amount = big.NewInt(0)
		}
	}
	for _, d := range snap.Disputes {
		if d == nil {
			continue
		}
		if d.Status != dispute.StatusOpen && d.Status != dispute.StatusResolved {
			d.Status = dispute.StatusOpen
		}
	}
	snap.SchemaVersion = SnapshotSchemaVersion
}
