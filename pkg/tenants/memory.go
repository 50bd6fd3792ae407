// pkg/tenants/memory.go
package tenants

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

type MemoryProvider struct {
	log *zap.SugaredLogger

	mu        sync.RWMutex
	bySubject map[string]Record
}

func NewMemoryProvider(log *zap.SugaredLogger, records ...Record) *MemoryProvider {
	p := &MemoryProvider{log: log, bySubject: map[string]Record{}}
	for _, r := range records {
		p.bySubject[r.Subject] = r
	}
	return p
}

// NewMemoryProviderFromEnv loads identities from the IDENTITY_SEED_JSON
// document, falling back to the demo identities when seed is empty.
func NewMemoryProviderFromEnv(log *zap.SugaredLogger, seed string) *MemoryProvider {
	p := NewMemoryProvider(log)
	entries := defaultSeed
	if seed != "" {
		var parsed []seedEntry
		if err := json.Unmarshal([]byte(seed), &parsed); err != nil {
			log.Warnw("identity seed ignored", "err", err)
		} else {
			entries = parsed
		}
	}
	for _, e := range entries {
		rec, err := e.record(0)
		if err != nil {
			log.Warnw("identity seed entry skipped", "subject", e.Subject, "err", err)
			continue
		}
		p.Put(rec)
	}
	log.Infow("memory identity provider ready", "identities", len(p.bySubject))
	return p
}

func (m *MemoryProvider) Lookup(ctx context.Context, subject string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.bySubject[subject]; ok {
		return r, nil
	}
	return Record{}, ErrNotFound
}

// Put inserts or replaces the record for r.Subject.
func (m *MemoryProvider) Put(r Record) {
	m.mu.Lock()
	m.bySubject[r.Subject] = r
	m.mu.Unlock()
}

// Delete removes subject; later lookups return ErrNotFound.
func (m *MemoryProvider) Delete(subject string) {
	m.mu.Lock()
	delete(m.bySubject, subject)
	m.mu.Unlock()
}
