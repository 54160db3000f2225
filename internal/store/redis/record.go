package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/burrowd/burrow/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Records carry no TTL. They are the daemon's memory of services it
// manages; only the janitor decides when one is gone for good. Cache
// entries expire on their own.

// ErrNotFound is returned when a record is absent from the store.
var ErrNotFound = errors.New("record not found")

// Store handles Redis operations for service records and the resolve cache
type Store struct {
	client *redis.Client
}

// NewStore creates a new Redis store
func NewStore(client *redis.Client) *Store {
	return &Store{
		client: client,
	}
}

// SaveRecord stores a record in Redis
func (s *Store) SaveRecord(ctx context.Context, record *domain.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	key := RecordKey(record.ID)

	// Store record data
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}

	// Add to set of all records
	if err := s.client.SAdd(ctx, AllRecordsKey(), record.ID).Err(); err != nil {
		return fmt.Errorf("failed to add record to set: %w", err)
	}

	return nil
}

// GetRecord retrieves a record from Redis by hostname
func (s *Store) GetRecord(ctx context.Context, hostname string) (*domain.Record, error) {
	key := RecordKey(hostname)
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hostname)
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	var record domain.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	return &record, nil
}

// GetAllRecords retrieves all records from Redis
func (s *Store) GetAllRecords(ctx context.Context) ([]*domain.Record, error) {
	// Get all record hostnames
	hostnames, err := s.client.SMembers(ctx, AllRecordsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get record hostnames: %w", err)
	}

	if len(hostnames) == 0 {
		return []*domain.Record{}, nil
	}

	records := make([]*domain.Record, 0, len(hostnames))
	for _, hostname := range hostnames {
		record, err := s.GetRecord(ctx, hostname)
		if err != nil {
			// Skip records that couldn't be retrieved
			continue
		}
		records = append(records, record)
	}

	return records, nil
}

// DeleteRecord removes a record from Redis
func (s *Store) DeleteRecord(ctx context.Context, hostname string) error {
	key := RecordKey(hostname)

	// Delete record data
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}

	// Remove from set of all records
	if err := s.client.SRem(ctx, AllRecordsKey(), hostname).Err(); err != nil {
		return fmt.Errorf("failed to remove record from set: %w", err)
	}

	return nil
}

// SaveRecordsMany stores multiple records in Redis (bulk operation)
func (s *Store) SaveRecordsMany(ctx context.Context, records []*domain.Record) error {
	pipe := s.client.Pipeline()

	for _, record := range records {
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal record %s: %w", record.ID, err)
		}

		key := RecordKey(record.ID)
		pipe.Set(ctx, key, data, 0)
		pipe.SAdd(ctx, AllRecordsKey(), record.ID)
	}

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to save records: %w", err)
	}

	return nil
}
