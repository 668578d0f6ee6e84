package keymat

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/acnh-api/acnh-api-public/internal/acnherr"
)

// Ticket layout: a signature block followed by the ticket data proper.
const (
	ticketSigTypeOffset = 0x000 // u32 BE
	ticketDataOffset    = 0x140

	tikTitleKeyBlockOffset = ticketDataOffset + 0x040 // 0x100 bytes
	tikTitleKeyBlockSize   = 0x100
	tikTitleKeyTypeOffset  = ticketDataOffset + 0x141 // u8
	tikTicketIDOffset      = ticketDataOffset + 0x150 // u64 BE
	tikDeviceIDOffset      = ticketDataOffset + 0x158 // u64 BE
	tikRightsIDOffset      = ticketDataOffset + 0x160 // 16 bytes
	ticketMinSize          = ticketDataOffset + 0x180

	sigTypeRSA2048SHA256 = 0x10004

	titleKeyTypePersonalized = 1

	// Update titles carry the base title ID with this bit set.
	updateTitleMask = 0x800
)

// TitleKeySize is the size of a recovered title key.
const TitleKeySize = 16

// ticket is a parsed, not-yet-validated ticket record.
type ticket struct {
	titleKeyBlock []byte
	titleKeyType  byte
	ticketID      uint64
	deviceID      uint64
	rightsID      [16]byte
}

func parseTicket(raw []byte) (*ticket, error) {
	if len(raw) < ticketMinSize {
		return nil, fmt.Errorf("ticket truncated (%d bytes): %w", len(raw), acnherr.TicketIntegrity)
	}
	if sigType := binary.BigEndian.Uint32(raw[ticketSigTypeOffset:]); sigType != sigTypeRSA2048SHA256 {
		return nil, fmt.Errorf("ticket signature type %#x unsupported: %w", sigType, acnherr.TicketIntegrity)
	}

	t := &ticket{
		titleKeyBlock: raw[tikTitleKeyBlockOffset : tikTitleKeyBlockOffset+tikTitleKeyBlockSize],
		titleKeyType:  raw[tikTitleKeyTypeOffset],
		ticketID:      binary.BigEndian.Uint64(raw[tikTicketIDOffset:]),
		deviceID:      binary.BigEndian.Uint64(raw[tikDeviceIDOffset:]),
	}
	copy(t.rightsID[:], raw[tikRightsIDOffset:])
	return t, nil
}

// titleID is the first half of the rights ID.
func (t *ticket) titleID() uint64 {
	return binary.BigEndian.Uint64(t.rightsID[:8])
}

// validate enforces the broker's requirements: a base-title, personalized
// ticket that belongs to this console.
func (t *ticket) validate(consoleDeviceID uint64) error {
	if t.titleID()&updateTitleMask != 0 {
		return fmt.Errorf("ticket rights ID %x names an update title: %w", t.rightsID, acnherr.InvalidTicketKind)
	}
	if t.titleKeyType != titleKeyTypePersonalized {
		return fmt.Errorf("ticket title key is not personalized: %w", acnherr.TicketIntegrity)
	}
	if t.ticketID == 0 || t.deviceID == 0 {
		return fmt.Errorf("ticket personalization fields are zeroed: %w", acnherr.TicketIntegrity)
	}
	if t.deviceID != consoleDeviceID {
		return fmt.Errorf("ticket device %016x does not match console %016x: %w",
			t.deviceID, consoleDeviceID, acnherr.TicketIntegrity)
	}
	return nil
}

// recoverTitleKey decrypts the personalized title key block with the
// console's eticket keypair.
func (t *ticket) recoverTitleKey(key *rsa.PrivateKey) ([TitleKeySize]byte, error) {
	var out [TitleKeySize]byte
	plain, err := rsa.DecryptOAEP(sha256.New(), nil, key, t.titleKeyBlock, nil)
	if err != nil {
		return out, fmt.Errorf("title key block does not decrypt with this console's keypair: %w", acnherr.TicketIntegrity)
	}
	if len(plain) != TitleKeySize {
		return out, fmt.Errorf("title key has unexpected length %d: %w", len(plain), acnherr.TicketIntegrity)
	}
	copy(out[:], plain)
	return out, nil
}
