package meter

import (
	"context"
	"time"
)

// ChannelHistory returns the bucketed history of one channel of a meter
// owned by ownerID between after and before. Both bounds are required.
func (s *Store) ChannelHistory(ctx context.Context, ownerID, meterID uint, channel string, after, before *time.Time) ([]Bucket, error) {
	if _, ok := channelFields[channel]; !ok {
		return nil, ErrNotFound
	}
	if err := requireRange(after, before); err != nil {
		return nil, err
	}
	if _, err := s.Meter(ctx, ownerID, meterID); err != nil {
		return nil, err
	}
	return s.QueryRange(ctx, meterID, channel, after, before)
}
