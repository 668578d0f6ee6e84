// Package keymat derives console key material from a device keyset, a
// PRODINFO dump, and a signed ticket. The derivation is a pure function of
// its three inputs; the session broker caches the result.
//
// The vendor's key layout is treated as a versioned codec: all offsets and
// key names live in this package and nowhere else.
package keymat

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"strings"
)

// Keyset is a parsed device keyset: key name to raw key bytes. The format is
// the usual dump format, one `name = hex` pair per line, `#` comments.
type Keyset map[string][]byte

// Key names the derivation requires.
const (
	keyCalibrationCrypt = "bis_key_00_crypt"
	keyCalibrationTweak = "bis_key_00_tweak"
	keyETicketKEK       = "eticket_rsa_kek"
)

// ParseKeyset parses keyset text. Unknown keys are kept; missing required
// keys are reported by Derive, not here, so a keyset can be inspected even
// when incomplete.
func ParseKeyset(data []byte) (Keyset, error) {
	ks := make(Keyset)
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, ";") {
			continue
		}
		name, value, ok := strings.Cut(text, "=")
		if !ok {
			return nil, fmt.Errorf("keyset line %d: expected name = hex", line)
		}
		name = strings.TrimSpace(name)
		raw, err := hex.DecodeString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("keyset line %d (%s): %w", line, name, err)
		}
		ks[name] = raw
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading keyset: %w", err)
	}
	if len(ks) == 0 {
		return nil, fmt.Errorf("keyset is empty")
	}
	return ks, nil
}

// key returns the named key, enforcing its length.
func (ks Keyset) key(name string, size int) ([]byte, error) {
	raw, ok := ks[name]
	if !ok {
		return nil, fmt.Errorf("keyset is missing %s", name)
	}
	if len(raw) != size {
		return nil, fmt.Errorf("keyset key %s: expected %d bytes, got %d", name, size, len(raw))
	}
	return raw, nil
}
