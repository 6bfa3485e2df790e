package device

import (
	"strings"

	"github.com/google/uuid"
)

// UUID identifies a GATT service or characteristic
type UUID = uuid.UUID

// DeviceName is the advertised local name of peripherals the watcher connects to.
// Compared exactly, case-sensitive.
const DeviceName = "MultyGattServer"

// MultyGattServer profile. One service with a readable, a writable and a notifiable characteristic.
var (
	ServiceUUID        = uuid.MustParse("a25fede7-395c-4241-adc0-481004d81900")
	ReadableCharUUID   = uuid.MustParse("468dfe19-8de3-4181-b728-0902c50a5e6d")
	WritableCharUUID   = uuid.MustParse("421754b0-e70a-42c9-90ed-4aed82fa7ac0")
	NotifiableCharUUID = uuid.MustParse("eabbbb91-b7e5-4e50-b7aa-ced2be8dfbbe")
)

// ParseUUID accepts the dashed and the undashed 128-bit forms
func ParseUUID(s string) (UUID, error) {
	return uuid.Parse(strings.TrimSpace(s))
}

// NormalizeUUID converts a UUID string to the go-ble wire form (lowercase, no dashes)
func NormalizeUUID(u string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(u), "-", ""))
}

// ShortenUUID returns the first eight characters of a UUID for log and display purposes
func ShortenUUID(u UUID) string {
	return u.String()[:8]
}
