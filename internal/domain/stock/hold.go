package stock

import (
	"time"

	"stockvault/internal/core/types"
)

// Hold blocks a quantity of available stock without allocating it to an
// order. Released holds stay on the aggregate as history.
type Hold struct {
	ID            string         `json:"id"`
	Type          HoldType       `json:"type"`
	Quantity      types.Quantity `json:"quantity"`
	Reason        string         `json:"reason"`
	PlacedBy      string         `json:"placedBy"`
	PlacedAt      time.Time      `json:"placedAt"`
	ExpiresAt     *time.Time     `json:"expiresAt,omitempty"`
	Released      bool           `json:"released"`
	ReleasedBy    string         `json:"releasedBy,omitempty"`
	ReleasedAt    *time.Time     `json:"releasedAt,omitempty"`
	ReleaseReason string         `json:"releaseReason,omitempty"`
}

// IsActive returns true until the hold is released. An expired hold is
// still active until ReleaseExpiredHolds runs.
func (h Hold) IsActive() bool {
	return !h.Released
}

// ExpiredAt reports whether an active hold has expired at now.
func (h Hold) ExpiredAt(now time.Time) bool {
	return h.IsActive() && h.ExpiresAt != nil && !h.ExpiresAt.After(now)
}

func (h Hold) clone() Hold {
	c := h
	if h.ExpiresAt != nil {
		t := *h.ExpiresAt
		c.ExpiresAt = &t
	}
	if h.ReleasedAt != nil {
		t := *h.ReleasedAt
		c.ReleasedAt = &t
	}
	return c
}
