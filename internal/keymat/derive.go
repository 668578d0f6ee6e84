package keymat

import (
	"encoding/binary"

	"github.com/acnh-api/acnh-api-public/internal/logging"
)

// KeyMaterial is the derived console credential set. It is held only by the
// session broker and never persisted or exposed further up the stack.
type KeyMaterial struct {
	DeviceID    [8]byte
	TitleKey    [TitleKeySize]byte
	Certificate []byte
}

// DeviceIDUint64 returns the device ID as its numeric form.
func (km KeyMaterial) DeviceIDUint64() uint64 {
	return binary.BigEndian.Uint64(km.DeviceID[:])
}

// Deriver turns (keyset, prodinfo, ticket) into KeyMaterial. It is an
// interface so the vendor-specific routine can be swapped or stubbed in
// tests without touching the broker.
type Deriver interface {
	Derive(keyset Keyset, prodinfo []byte, ticket []byte) (KeyMaterial, error)
}

// ConsoleDeriver is the real implementation.
type ConsoleDeriver struct{}

var _ Deriver = ConsoleDeriver{}

// Derive decrypts the calibration image with the keyset, validates the
// ticket against the console it describes, and recovers the title key.
// Deterministic: identical inputs always yield identical output.
func (ConsoleDeriver) Derive(keyset Keyset, prodinfo []byte, rawTicket []byte) (KeyMaterial, error) {
	log := logging.Get(logging.CategoryBoot)

	cal, err := decryptProdInfo(keyset, prodinfo)
	if err != nil {
		return KeyMaterial{}, err
	}
	log.Debug("calibration decrypted, device %016x", cal.deviceID)

	tik, err := parseTicket(rawTicket)
	if err != nil {
		return KeyMaterial{}, err
	}
	if err := tik.validate(cal.deviceID); err != nil {
		return KeyMaterial{}, err
	}

	titleKey, err := tik.recoverTitleKey(cal.eticketKey)
	if err != nil {
		return KeyMaterial{}, err
	}
	log.Info("key material derived for title %016x", tik.titleID())

	km := KeyMaterial{
		TitleKey:    titleKey,
		Certificate: append([]byte(nil), cal.deviceCert...),
	}
	binary.BigEndian.PutUint64(km.DeviceID[:], cal.deviceID)
	return km, nil
}
