package keymat

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"

	"golang.org/x/crypto/xts"

	"github.com/acnh-api/acnh-api-public/internal/acnherr"
)

// Calibration blob layout. The image is AES-128-XTS encrypted with the
// calibration partition key pair; the decrypted blob starts with the CAL0
// magic and a SHA-256 over the body.
const (
	calMagic      = "CAL0"
	calSectorSize = 0x200

	calBodySizeOffset = 0x08
	calBodyHashOffset = 0x20
	calBodyOffset     = 0x40

	calDeviceCertOffset = 0x0480
	calDeviceCertSize   = 0x180
	calDeviceIDOffset   = calDeviceCertOffset + 0xC6

	calETicketKeyOffset = 0x3890
	calETicketKeySize   = 0x240 // 0x10 IV + 0x230 AES-CTR payload
)

// prodInfo is the decrypted, validated calibration data the derivation needs.
type prodInfo struct {
	deviceID   uint64
	deviceCert []byte
	eticketKey *rsa.PrivateKey
}

// decryptProdInfo decrypts and validates a PRODINFO image. Any decryption or
// integrity failure is reported as KeysetMismatch: the practical causes are
// a keyset from a different console or a corrupted dump, and the two are not
// distinguishable from here.
func decryptProdInfo(ks Keyset, image []byte) (*prodInfo, error) {
	crypt, err := ks.key(keyCalibrationCrypt, 16)
	if err != nil {
		return nil, err
	}
	tweak, err := ks.key(keyCalibrationTweak, 16)
	if err != nil {
		return nil, err
	}

	if len(image) < calETicketKeyOffset+calETicketKeySize || len(image)%calSectorSize != 0 {
		return nil, fmt.Errorf("prodinfo image truncated (%d bytes): %w", len(image), acnherr.KeysetMismatch)
	}

	xc, err := xts.NewCipher(aes.NewCipher, append(append([]byte{}, crypt...), tweak...))
	if err != nil {
		return nil, fmt.Errorf("prodinfo cipher: %w", err)
	}

	plain := make([]byte, len(image))
	for sector := 0; sector*calSectorSize < len(image); sector++ {
		off := sector * calSectorSize
		xc.Decrypt(plain[off:off+calSectorSize], image[off:off+calSectorSize], uint64(sector))
	}

	if string(plain[:4]) != calMagic {
		return nil, fmt.Errorf("calibration magic not found after decryption: %w", acnherr.KeysetMismatch)
	}

	// Compare in uint64: a garbage bodySize near the uint32 maximum must
	// not wrap past the offset and slip through the bounds check.
	bodySize := binary.LittleEndian.Uint32(plain[calBodySizeOffset:])
	if uint64(bodySize) > uint64(len(plain)-calBodyOffset) {
		return nil, fmt.Errorf("calibration body size %d exceeds image: %w", bodySize, acnherr.KeysetMismatch)
	}
	sum := sha256.Sum256(plain[calBodyOffset : calBodyOffset+int(bodySize)])
	if !bytes.Equal(sum[:], plain[calBodyHashOffset:calBodyHashOffset+sha256.Size]) {
		return nil, fmt.Errorf("calibration body hash mismatch: %w", acnherr.KeysetMismatch)
	}

	kek, err := ks.key(keyETicketKEK, 16)
	if err != nil {
		return nil, err
	}
	eticketKey, err := decryptETicketKeypair(kek, plain[calETicketKeyOffset:calETicketKeyOffset+calETicketKeySize])
	if err != nil {
		return nil, err
	}

	cert := make([]byte, calDeviceCertSize)
	copy(cert, plain[calDeviceCertOffset:])

	return &prodInfo{
		deviceID:   binary.BigEndian.Uint64(plain[calDeviceIDOffset:]),
		deviceCert: cert,
		eticketKey: eticketKey,
	}, nil
}

// decryptETicketKeypair unwraps the console's RSA-2048 eticket keypair. The
// blob is a 16-byte IV followed by an AES-128-CTR payload laid out as
// D (0x100) || N (0x100) || E (0x4), zero padded to 0x230.
func decryptETicketKeypair(kek, blob []byte) (*rsa.PrivateKey, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("eticket kek: %w", err)
	}

	iv, payload := blob[:aes.BlockSize], blob[aes.BlockSize:]
	plain := make([]byte, len(payload))
	cipher.NewCTR(block, iv).XORKeyStream(plain, payload)

	d := new(big.Int).SetBytes(plain[0x000:0x100])
	n := new(big.Int).SetBytes(plain[0x100:0x200])
	e := int(binary.BigEndian.Uint32(plain[0x200:0x204]))

	if n.BitLen() != 2048 || e == 0 {
		return nil, fmt.Errorf("eticket keypair implausible after unwrap: %w", acnherr.KeysetMismatch)
	}

	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: e},
		D:         d,
	}
	return key, nil
}
