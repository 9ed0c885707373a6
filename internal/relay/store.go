package relay

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrBundleNotFound = errors.New("bundle not found")

type State string

const (
	StateBuilt    State = "built"
	StatePreSent  State = "pre_sent"
	StatePlaced   State = "placed"
	StateMatched  State = "matched"
	StatePostSent State = "post_sent"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

// Record is the audit trail of one bundle. Signatures are kept per step so
// a resubmission can skip what already landed.
type Record struct {
	ID             string    `json:"id"`
	State          State     `json:"state"`
	FailedStep     string    `json:"failedStep,omitempty"`
	Error          string    `json:"error,omitempty"`
	PreSignatures  []string  `json:"preSignatures"`
	PlaceSignature string    `json:"placeSignature,omitempty"`
	MatchSignature string    `json:"matchSignature,omitempty"`
	PostSignatures []string  `json:"postSignatures"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (r *Record) clone() *Record {
	out := *r
	out.PreSignatures = append([]string(nil), r.PreSignatures...)
	out.PostSignatures = append([]string(nil), r.PostSignatures...)
	return &out
}

type Store interface {
	Get(ctx context.Context, id string) (*Record, error)
	Put(ctx context.Context, record *Record) error
	Close() error
}

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrBundleNotFound
	}
	return record.clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.ID] = record.clone()
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
