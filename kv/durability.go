package kv

// DurabilityLevel is the strength of durability requested of a write.
type DurabilityLevel uint8

const (
	DurabilityLevelNone DurabilityLevel = iota
	DurabilityLevelMajority
	DurabilityLevelMajorityAndPersistToActive
	DurabilityLevelPersistToMajority
)
