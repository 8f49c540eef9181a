package kv

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Macro expansion tokens the server substitutes when a mutate_in op carries
// SubdocOpFlagExpandMacros.
const (
	MacroCas         = "${Mutation.CAS}"
	MacroValueCRC32C = "${Mutation.ValueCRC32c}"
)

// VirtualXattrDocument is the server's read-only "$document" virtual xattr,
// whose "value_crc32c" field cleanup rereads to detect whether a document's
// body has changed since a transaction staged it.
const VirtualXattrDocument = "$document"

// ParseMacroCasToCas converts the textual CAS the server substitutes for
// ${Mutation.CAS} (a quoted hex string such as "0x000058a71dd25c15") into a
// Cas value.
func ParseMacroCasToCas(caw string) (Cas, error) {
	caw = strings.Trim(caw, "\"")
	caw = strings.TrimPrefix(caw, "0x")
	v, err := strconv.ParseUint(caw, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("kv: invalid macro cas %q: %w", caw, err)
	}
	return Cas(v), nil
}

// ParseCasToTime recovers the server wall-clock time encoded in a CAS value.
// The store's CAS is a monotonic counter seeded from a nanosecond-since-
// epoch timestamp, matching the scheme HLC-based ATR expiry math assumes.
func ParseCasToTime(cas Cas) time.Time {
	return time.Unix(0, int64(cas))
}

// ParseHLCToTime parses the "now" value of a server HLC document (a decimal
// string of milliseconds since epoch) into a Time.
func ParseHLCToTime(nowMillisStr string) (time.Time, error) {
	ms, err := strconv.ParseInt(nowMillisStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("kv: invalid hlc timestamp %q: %w", nowMillisStr, err)
	}
	return time.UnixMilli(ms), nil
}
