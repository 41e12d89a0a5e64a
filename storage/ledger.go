package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LookupResponse returns the response recorded for a correlation id.
func (s *Store) LookupResponse(ctx context.Context, correlationID string) ([]byte, bool, error) {
	var p ProcessedRequest
	err := s.db.WithContext(ctx).Where("correlation_id = ?", correlationID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up response: %w", err)
	}
	return p.Response, true, nil
}

// RecordResponse stores the response for a correlation id. The first record
// wins; later ones for the same id are ignored.
func (s *Store) RecordResponse(ctx context.Context, correlationID, queue string, body []byte) error {
	p := ProcessedRequest{CorrelationID: correlationID, Queue: queue, Response: body}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&p).Error
	if err != nil {
		return fmt.Errorf("failed to record response: %w", err)
	}
	return nil
}

// PruneResponses deletes ledger rows older than before and reports how many
// went away.
func (s *Store) PruneResponses(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", before).Delete(&ProcessedRequest{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune responses: %w", res.Error)
	}
	return res.RowsAffected, nil
}
