//go:build !windows

package capture

import "fmt"

// LoadSDK reports the vendor fingerprint library as unavailable; it ships for Windows only.
func LoadSDK() (Reader, error) {
	return nil, fmt.Errorf("%w: vendor library is Windows-only", ErrSDKUnavailable)
}

// Diagnose lists installed fingerprint libraries. There are none outside Windows.
func Diagnose() []string {
	return nil
}
