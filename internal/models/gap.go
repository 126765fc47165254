package models

import (
	"errors"
	"time"
)

// KnownGap is an administrator-recorded window of a series that is known to
// have no market data (pre-listing periods, exchange outages). Verify
// suppresses gap findings fully covered by a known gap, and repair treats
// covered windows as satisfied. Bounds are inclusive open times aligned to
// bar boundaries.
type KnownGap struct {
	ID            string    `json:"id"`
	SeriesID      int64     `json:"series_id"`
	StartOpenTime int64     `json:"start_open_time"`
	EndOpenTime   int64     `json:"end_open_time"`
	Note          string    `json:"note,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Validate checks the window bounds. The id is assigned by the storage layer
// when empty, so it is not validated here.
func (g *KnownGap) Validate() error {
	if g.SeriesID <= 0 {
		return errors.New("known gap series id must be positive")
	}
	if g.StartOpenTime <= 0 {
		return errors.New("known gap start must be a positive millisecond epoch")
	}
	if g.EndOpenTime < g.StartOpenTime {
		return errors.New("known gap end must not precede its start")
	}
	return nil
}

// Covers reports whether the window [start, end] lies entirely inside this
// known gap.
func (g *KnownGap) Covers(start, end int64) bool {
	return g.StartOpenTime <= start && end <= g.EndOpenTime
}

// SeriesState records the ingest high-water mark of a series: the newest
// stored open time, when it was written, and the run that wrote it.
type SeriesState struct {
	SeriesID      int64     `json:"series_id"`
	LastOpenTime  int64     `json:"last_open_time"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	LastRunID     string    `json:"last_run_id"`
}
