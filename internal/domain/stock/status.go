package stock

import (
	"fmt"

	"stockvault/internal/core/apperror"
)

// Status is a quality/usability partition of on-hand stock.
type Status string

const (
	StatusAvailable  Status = "AVAILABLE"
	StatusQuarantine Status = "QUARANTINE"
	StatusDamaged    Status = "DAMAGED"
	StatusExpired    Status = "EXPIRED"
	StatusReturned   Status = "RETURNED"
)

// Statuses lists every status in display order.
func Statuses() []Status {
	return []Status{StatusAvailable, StatusQuarantine, StatusDamaged, StatusExpired, StatusReturned}
}

// IsValid checks if the status is known.
func (s Status) IsValid() bool {
	switch s {
	case StatusAvailable, StatusQuarantine, StatusDamaged, StatusExpired, StatusReturned:
		return true
	default:
		return false
	}
}

// Promisable reports whether units in this partition count toward
// available-to-promise.
func (s Status) Promisable() bool {
	switch s {
	case StatusAvailable:
		return true
	case StatusQuarantine, StatusDamaged, StatusExpired, StatusReturned:
		return false
	default:
		panic(fmt.Sprintf("stock: unknown status %q", string(s)))
	}
}

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.IsValid() {
		return "", apperror.NewValidation(fmt.Sprintf("unknown stock status %q", s))
	}
	return st, nil
}

// HoldType classifies why a quantity is held.
type HoldType string

const (
	HoldQuality       HoldType = "QUALITY"
	HoldLegal         HoldType = "LEGAL"
	HoldCustomer      HoldType = "CUSTOMER"
	HoldInvestigation HoldType = "INVESTIGATION"
)

// IsValid checks if the hold type is known.
func (t HoldType) IsValid() bool {
	switch t {
	case HoldQuality, HoldLegal, HoldCustomer, HoldInvestigation:
		return true
	default:
		return false
	}
}

// ParseHoldType converts a string into a HoldType.
func ParseHoldType(s string) (HoldType, error) {
	t := HoldType(s)
	if !t.IsValid() {
		return "", apperror.NewValidation(fmt.Sprintf("unknown hold type %q", s))
	}
	return t, nil
}
