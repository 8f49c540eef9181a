package transactions

import (
	"fmt"

	"github.com/brett19/dtxn/kv"
)

// DurabilityLevel is re-exported from kv so callers configuring a
// transaction never need to import the transport package directly.
type DurabilityLevel = kv.DurabilityLevel

const (
	DurabilityLevelNone                       = kv.DurabilityLevelNone
	DurabilityLevelMajority                   = kv.DurabilityLevelMajority
	DurabilityLevelMajorityAndPersistToActive = kv.DurabilityLevelMajorityAndPersistToActive
	DurabilityLevelPersistToMajority          = kv.DurabilityLevelPersistToMajority
)

// durabilityLevelToString renders the single-letter XATTR code for the "d"
// field of an ATR attempt entry.
func durabilityLevelToString(dl DurabilityLevel) (string, error) {
	switch dl {
	case DurabilityLevelNone:
		return "n", nil
	case DurabilityLevelMajority:
		return "m", nil
	case DurabilityLevelMajorityAndPersistToActive:
		return "pa", nil
	case DurabilityLevelPersistToMajority:
		return "pm", nil
	default:
		return "", fmt.Errorf("transactions: unknown durability level %v", dl)
	}
}

func durabilityLevelFromString(s string) (DurabilityLevel, error) {
	switch s {
	case "n":
		return DurabilityLevelNone, nil
	case "m":
		return DurabilityLevelMajority, nil
	case "pa":
		return DurabilityLevelMajorityAndPersistToActive, nil
	case "pm":
		return DurabilityLevelPersistToMajority, nil
	default:
		return DurabilityLevelNone, fmt.Errorf("transactions: unknown durability code %q", s)
	}
}
