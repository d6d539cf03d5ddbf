// internal/device/hardware.go
package device

import (
	"crypto/rand"
	"fmt"
)

// GenerateHardwareID returns a random 24-bit id as six uppercase hex digits,
// matching the identifier space burned into field devices.
func GenerateHardwareID() (string, error) {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate hardware id: %w", err)
	}
	return fmt.Sprintf("%02X%02X%02X", b[0], b[1], b[2]), nil
}
