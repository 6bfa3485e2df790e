package device

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a 48-bit Bluetooth device address. The zero value is not a valid address.
type Address uint64

const addressMask = 0xFFFFFFFFFFFF

// String renders the address as colon-separated upper-case octets (AA:BB:CC:DD:EE:FF).
func (a Address) String() string {
	v := uint64(a) & addressMask
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		byte(v>>40), byte(v>>32), byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// Hex renders the address as 12 upper-case hex digits without separators.
func (a Address) Hex() string {
	return fmt.Sprintf("%012X", uint64(a)&addressMask)
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == 0
}

// MarshalText implements encoding.TextMarshaler so addresses render readably in JSON.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress parses "AA:BB:CC:DD:EE:FF", "AA-BB-CC-DD-EE-FF", "AABBCCDDEEFF" or "0xAABBCCDDEEFF".
// Parsing is case-insensitive. The zero address is rejected.
func ParseAddress(s string) (Address, error) {
	raw := strings.TrimSpace(s)
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	raw = strings.NewReplacer(":", "", "-", "").Replace(raw)

	if len(raw) != 12 {
		return 0, fmt.Errorf("%w: address %q must have 12 hex digits", ErrInvalidArgument, s)
	}

	v, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: address %q is not hexadecimal", ErrInvalidArgument, s)
	}
	if v == 0 {
		return 0, fmt.Errorf("%w: zero address", ErrInvalidArgument)
	}

	return Address(v), nil
}

// MustParseAddress is like ParseAddress but panics on error. Intended for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}
