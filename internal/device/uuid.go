package device

import "strings"

// Standard Bluetooth SIG identifiers used by the heart-rate sensor profile.
const (
	HeartRateServiceUUID     = "180d"
	HeartRateMeasurementUUID = "2a37"
	BatteryServiceUUID       = "180f"
	BatteryLevelUUID         = "2a19"
)

// sigBaseSuffix is the tail shared by every 128-bit UUID derived from a 16-bit SIG alias.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal format (lowercase, no dashes).
// It strips a 0x prefix if present (e.g., "0x2902" -> "2902"), and for full 128-bit
// UUIDs in Bluetooth SIG base format (0000xxxx-0000-1000-8000-00805f9b34fb) it
// extracts the 16-bit short form (xxxx).
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(uuid), "-", ""))
	s = strings.TrimPrefix(s, "0x")

	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
		return s[4:8]
	}
	return s
}

// NormalizeUUIDs normalizes a slice of UUID strings to internal format.
func NormalizeUUIDs(uuids []string) []string {
	normalized := make([]string, len(uuids))
	for i, uuid := range uuids {
		normalized[i] = NormalizeUUID(uuid)
	}
	return normalized
}
