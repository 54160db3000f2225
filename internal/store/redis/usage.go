package redis

import (
	"context"
	"fmt"
	"time"
)

// IncrementUsage bumps the resolve counter on a stored record and
// stamps its last use
func (s *Store) IncrementUsage(ctx context.Context, hostname string) error {
	record, err := s.GetRecord(ctx, hostname)
	if err != nil {
		return err
	}

	record.Counter++
	record.LastUsedAt = time.Now()

	return s.SaveRecord(ctx, record)
}

// GetUsageStats retrieves resolve counters for all records
func (s *Store) GetUsageStats(ctx context.Context) (map[string]int64, error) {
	records, err := s.GetAllRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get records: %w", err)
	}

	stats := make(map[string]int64, len(records))
	for _, record := range records {
		stats[record.ID] = record.Counter
	}

	return stats, nil
}
