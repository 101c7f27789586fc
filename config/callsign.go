package config

import "strings"

// CallsignBytes uppercases and space-pads s to the 5-byte wire
// representation, matching original_source/python/crypto_helpers.py's
// get_callsign_bytes.
func CallsignBytes(s string) [5]byte {
	var out [5]byte
	s = strings.ToUpper(s)
	if len(s) > 5 {
		s = s[:5]
	}
	copy(out[:], s)
	for i := len(s); i < 5; i++ {
		out[i] = ' '
	}
	return out
}
