package registry

import (
	"sync"
	"time"

	"github.com/burrowd/burrow/internal/domain"
)

// Registry provides in-memory storage and lookup for managed onion services
// It is the runtime truth; Redis only persists it across restarts
type Registry struct {
	mu          sync.RWMutex
	records     map[string]*domain.Record // Hostname -> Record
	lastHydrate time.Time                 // Timestamp of last full hydration from the store
	lastPublish time.Time                 // Timestamp of last successful publish run
}

// NewRegistry creates a new registry
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*domain.Record),
	}
}

// UpdateRecords replaces all records in the registry
func (reg *Registry) UpdateRecords(records []*domain.Record) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	// Clear and rebuild
	reg.records = make(map[string]*domain.Record, len(records))
	for _, record := range records {
		reg.records[record.ID] = record
	}
	reg.lastHydrate = time.Now()
}

// Get retrieves a record by hostname
func (reg *Registry) Get(hostname string) (*domain.Record, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	record, ok := reg.records[hostname]
	return record, ok
}

// All returns all records
func (reg *Registry) All() []*domain.Record {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	records := make([]*domain.Record, 0, len(reg.records))
	for _, record := range reg.records {
		records = append(records, record)
	}
	return records
}

// Add adds or updates a single record
func (reg *Registry) Add(record *domain.Record) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.records[record.ID] = record
}

// Delete removes a record from the registry
func (reg *Registry) Delete(hostname string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	delete(reg.records, hostname)
}

// Count returns the number of records in the registry
func (reg *Registry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	return len(reg.records)
}

// IncrementCounter increments the usage counter for a record and stamps
// its last use
func (reg *Registry) IncrementCounter(hostname string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if record, ok := reg.records[hostname]; ok {
		record.Counter++
		record.LastUsedAt = time.Now()
	}
}

// LastHydrate returns the timestamp of the last full hydration
func (reg *Registry) LastHydrate() time.Time {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	return reg.lastHydrate
}

// MarkPublished records the completion of a publish run
func (reg *Registry) MarkPublished() {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.lastPublish = time.Now()
}

// LastPublish returns the timestamp of the last successful publish run
func (reg *Registry) LastPublish() time.Time {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	return reg.lastPublish
}
