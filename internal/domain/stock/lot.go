package stock

import (
	"sort"
	"time"

	"stockvault/internal/core/types"
)

// Lot is the part of a lot-tracked SKU's batch held in one status
// partition. A batch split across statuses appears once per status with
// the same number and expiry. Allocated is the part of Quantity reserved
// for orders and is only ever non-zero for AVAILABLE lots.
type Lot struct {
	Number    string         `json:"number"`
	Status    Status         `json:"status"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
	Quantity  types.Quantity `json:"quantity"`
	Allocated types.Quantity `json:"allocated"`
}

// Unallocated returns Quantity - Allocated.
func (l Lot) Unallocated() types.Quantity {
	return l.Quantity - l.Allocated
}

// ExpiredAt reports whether the lot has passed its expiry date at now.
func (l Lot) ExpiredAt(now time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// LotRef names a lot on receipt or adjustment.
type LotRef struct {
	Number    string     `json:"number"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// LotSlice is the part of a change that touched one lot in one status.
// For status changes Status is the source status.
type LotSlice struct {
	Number   string         `json:"number"`
	Status   Status         `json:"status"`
	Quantity types.Quantity `json:"quantity"`
}

// fefoLess orders lots by earliest expiry first; lots without expiry go
// last; ties break on lot number, then status.
func fefoLess(a, b Lot) bool {
	switch {
	case a.ExpiresAt == nil && b.ExpiresAt == nil:
	case a.ExpiresAt == nil:
		return false
	case b.ExpiresAt == nil:
		return true
	case !a.ExpiresAt.Equal(*b.ExpiresAt):
		return a.ExpiresAt.Before(*b.ExpiresAt)
	}
	if a.Number != b.Number {
		return a.Number < b.Number
	}
	return a.Status < b.Status
}

// sortFEFO keeps the lot list in FEFO order.
func sortFEFO(lots []Lot) {
	sort.SliceStable(lots, func(i, j int) bool { return fefoLess(lots[i], lots[j]) })
}

// planFEFO walks lots of one status in FEFO order and takes up to qty from
// each using avail. It returns nil if the lots cannot cover qty.
func planFEFO(lots []Lot, status Status, qty types.Quantity, avail func(Lot) types.Quantity) []LotSlice {
	var plan []LotSlice
	remaining := qty
	for _, l := range lots {
		if remaining.IsZero() {
			break
		}
		if l.Status != status {
			continue
		}
		take := remaining.Min(avail(l))
		if take.IsPositive() {
			plan = append(plan, LotSlice{Number: l.Number, Status: status, Quantity: take})
			remaining -= take
		}
	}
	if remaining.IsPositive() {
		return nil
	}
	return plan
}

// planAllocation picks unallocated AVAILABLE quantity from non-expired lots
// in FEFO order.
func planAllocation(lots []Lot, qty types.Quantity, at time.Time) []LotSlice {
	return planFEFO(lots, StatusAvailable, qty, func(l Lot) types.Quantity {
		if l.ExpiredAt(at) {
			return 0
		}
		return l.Unallocated()
	})
}

// planRelease returns allocated quantity in reverse FEFO order, so the
// latest-expiring reservations are released first.
func planRelease(lots []Lot, qty types.Quantity) []LotSlice {
	var plan []LotSlice
	remaining := qty
	for i := len(lots) - 1; i >= 0 && remaining.IsPositive(); i-- {
		take := remaining.Min(lots[i].Allocated)
		if take.IsPositive() {
			plan = append(plan, LotSlice{Number: lots[i].Number, Status: lots[i].Status, Quantity: take})
			remaining -= take
		}
	}
	if remaining.IsPositive() {
		return nil
	}
	return plan
}

// planPick consumes allocated quantity in FEFO order.
func planPick(lots []Lot, qty types.Quantity) []LotSlice {
	return planFEFO(lots, StatusAvailable, qty, func(l Lot) types.Quantity { return l.Allocated })
}

// planDrain takes unallocated quantity of one status in FEFO order, expired
// lots included. Negative adjustments and status moves use it.
func planDrain(lots []Lot, status Status, qty types.Quantity) []LotSlice {
	return planFEFO(lots, status, qty, Lot.Unallocated)
}

func findLot(lots []Lot, number string, status Status) int {
	for i := range lots {
		if lots[i].Number == number && lots[i].Status == status {
			return i
		}
	}
	return -1
}

// lotExpiry returns the expiry shared by every partition of a lot number.
func lotExpiry(lots []Lot, number string) (*time.Time, bool) {
	for _, l := range lots {
		if l.Number == number {
			return l.ExpiresAt, true
		}
	}
	return nil, false
}

// unallocatedIn sums unallocated quantity of one status.
func unallocatedIn(lots []Lot, status Status) types.Quantity {
	var sum types.Quantity
	for _, l := range lots {
		if l.Status == status {
			sum += l.Unallocated()
		}
	}
	return sum
}

func cloneLots(lots []Lot) []Lot {
	if lots == nil {
		return nil
	}
	out := make([]Lot, len(lots))
	for i, l := range lots {
		out[i] = l
		if l.ExpiresAt != nil {
			t := *l.ExpiresAt
			out[i].ExpiresAt = &t
		}
	}
	return out
}
