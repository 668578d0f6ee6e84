package keymat

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/xts"

	"github.com/acnh-api/acnh-api-public/internal/acnherr"
)

const (
	fixtureDeviceID = uint64(0x4A0C18D362E1F509)
	baseTitleID     = uint64(0x01006F8002326000)
	updateTitleID   = baseTitleID | updateTitleMask
)

// fixture holds a consistent keyset/prodinfo/ticket triple built with the
// same primitives the deriver uses to take them apart.
type fixture struct {
	keyset   Keyset
	prodinfo []byte
	ticket   []byte
	titleKey [TitleKeySize]byte
	rsaKey   *rsa.PrivateKey
}

type ticketOpts struct {
	titleID      uint64
	titleKeyType byte
	ticketID     uint64
	deviceID     uint64
}

func defaultTicketOpts() ticketOpts {
	return ticketOpts{
		titleID:      baseTitleID,
		titleKeyType: titleKeyTypePersonalized,
		ticketID:     0x0123456789ABCDEF,
		deviceID:     fixtureDeviceID,
	}
}

func buildFixture(t *testing.T, opts ticketOpts) *fixture {
	t.Helper()

	keyset := Keyset{
		keyCalibrationCrypt: fillBytes(16, 0x11),
		keyCalibrationTweak: fillBytes(16, 0x22),
		keyETicketKEK:       fillBytes(16, 0x33),
	}

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &fixture{keyset: keyset, rsaKey: rsaKey}
	copy(f.titleKey[:], fillBytes(TitleKeySize, 0x5A))
	f.prodinfo = buildProdInfo(t, keyset, rsaKey)
	f.ticket = buildTicket(t, &rsaKey.PublicKey, f.titleKey, opts)
	return f
}

func fillBytes(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func buildProdInfo(t *testing.T, ks Keyset, rsaKey *rsa.PrivateKey) []byte {
	t.Helper()

	plain := make([]byte, 0x4000)
	copy(plain, calMagic)
	binary.LittleEndian.PutUint32(plain[calBodySizeOffset:], uint32(len(plain)-calBodyOffset))

	// Device certificate region, with the device ID embedded.
	copy(plain[calDeviceCertOffset:], fillBytes(calDeviceCertSize, 0xC4))
	binary.BigEndian.PutUint64(plain[calDeviceIDOffset:], fixtureDeviceID)

	// Wrapped eticket keypair: IV || CTR(D || N || E).
	keyPlain := make([]byte, calETicketKeySize-aes.BlockSize)
	rsaKey.D.FillBytes(keyPlain[0x000:0x100])
	rsaKey.N.FillBytes(keyPlain[0x100:0x200])
	binary.BigEndian.PutUint32(keyPlain[0x200:], uint32(rsaKey.E))

	iv := fillBytes(aes.BlockSize, 0x77)
	block, err := aes.NewCipher(ks[keyETicketKEK])
	require.NoError(t, err)
	wrapped := make([]byte, len(keyPlain))
	cipher.NewCTR(block, iv).XORKeyStream(wrapped, keyPlain)
	copy(plain[calETicketKeyOffset:], iv)
	copy(plain[calETicketKeyOffset+aes.BlockSize:], wrapped)

	// Body hash goes in last, over the finished body.
	sum := sha256.Sum256(plain[calBodyOffset:])
	copy(plain[calBodyHashOffset:], sum[:])

	return encryptCalibration(t, ks, plain)
}

// encryptCalibration XTS-encrypts a plaintext calibration image sector by
// sector, the inverse of what decryptProdInfo performs.
func encryptCalibration(t *testing.T, ks Keyset, plain []byte) []byte {
	t.Helper()

	xc, err := xts.NewCipher(aes.NewCipher, append(append([]byte{}, ks[keyCalibrationCrypt]...), ks[keyCalibrationTweak]...))
	require.NoError(t, err)
	enc := make([]byte, len(plain))
	for sector := 0; sector*calSectorSize < len(plain); sector++ {
		off := sector * calSectorSize
		xc.Encrypt(enc[off:off+calSectorSize], plain[off:off+calSectorSize], uint64(sector))
	}
	return enc
}

func buildTicket(t *testing.T, pub *rsa.PublicKey, titleKey [TitleKeySize]byte, opts ticketOpts) []byte {
	t.Helper()

	tik := make([]byte, ticketMinSize)
	binary.BigEndian.PutUint32(tik[ticketSigTypeOffset:], sigTypeRSA2048SHA256)

	block, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, titleKey[:], nil)
	require.NoError(t, err)
	copy(tik[tikTitleKeyBlockOffset:], block)

	tik[tikTitleKeyTypeOffset] = opts.titleKeyType
	binary.BigEndian.PutUint64(tik[tikTicketIDOffset:], opts.ticketID)
	binary.BigEndian.PutUint64(tik[tikDeviceIDOffset:], opts.deviceID)
	binary.BigEndian.PutUint64(tik[tikRightsIDOffset:], opts.titleID)
	return tik
}

func TestDeriveRecoversMaterial(t *testing.T) {
	f := buildFixture(t, defaultTicketOpts())

	km, err := ConsoleDeriver{}.Derive(f.keyset, f.prodinfo, f.ticket)
	require.NoError(t, err)

	assert.Equal(t, fixtureDeviceID, km.DeviceIDUint64())
	assert.Equal(t, f.titleKey, km.TitleKey)
	assert.Len(t, km.Certificate, calDeviceCertSize)
	assert.Equal(t, byte(0xC4), km.Certificate[0])
}

func TestDeriveIsDeterministic(t *testing.T) {
	f := buildFixture(t, defaultTicketOpts())

	first, err := ConsoleDeriver{}.Derive(f.keyset, f.prodinfo, f.ticket)
	require.NoError(t, err)
	second, err := ConsoleDeriver{}.Derive(f.keyset, f.prodinfo, f.ticket)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("derive not deterministic (-first +second):\n%s", diff)
	}
}

func TestDeriveRejectsUpdateTicket(t *testing.T) {
	opts := defaultTicketOpts()
	opts.titleID = updateTitleID
	f := buildFixture(t, opts)

	_, err := ConsoleDeriver{}.Derive(f.keyset, f.prodinfo, f.ticket)
	assert.True(t, errors.Is(err, acnherr.InvalidTicketKind), "got %v", err)
}

func TestDeriveRejectsCommonTicket(t *testing.T) {
	opts := defaultTicketOpts()
	opts.titleKeyType = 0
	f := buildFixture(t, opts)

	_, err := ConsoleDeriver{}.Derive(f.keyset, f.prodinfo, f.ticket)
	assert.True(t, errors.Is(err, acnherr.TicketIntegrity), "got %v", err)
}

func TestDeriveRejectsStrippedPersonalization(t *testing.T) {
	opts := defaultTicketOpts()
	opts.ticketID = 0
	opts.deviceID = 0
	f := buildFixture(t, opts)

	_, err := ConsoleDeriver{}.Derive(f.keyset, f.prodinfo, f.ticket)
	assert.True(t, errors.Is(err, acnherr.TicketIntegrity), "got %v", err)
}

func TestDeriveRejectsForeignTicket(t *testing.T) {
	opts := defaultTicketOpts()
	opts.deviceID = fixtureDeviceID + 1
	f := buildFixture(t, opts)

	_, err := ConsoleDeriver{}.Derive(f.keyset, f.prodinfo, f.ticket)
	assert.True(t, errors.Is(err, acnherr.TicketIntegrity), "got %v", err)
}

func TestDeriveWrongKeyset(t *testing.T) {
	f := buildFixture(t, defaultTicketOpts())
	f.keyset[keyCalibrationCrypt] = fillBytes(16, 0xEE)

	_, err := ConsoleDeriver{}.Derive(f.keyset, f.prodinfo, f.ticket)
	assert.True(t, errors.Is(err, acnherr.KeysetMismatch), "got %v", err)
}

func TestDeriveCorruptedImage(t *testing.T) {
	f := buildFixture(t, defaultTicketOpts())
	f.prodinfo[calBodyOffset+100] ^= 0xFF

	_, err := ConsoleDeriver{}.Derive(f.keyset, f.prodinfo, f.ticket)
	assert.True(t, errors.Is(err, acnherr.KeysetMismatch), "got %v", err)
}

func TestDeriveRejectsOversizedBodyLength(t *testing.T) {
	f := buildFixture(t, defaultTicketOpts())

	// A recorded body size near the uint32 maximum would wrap a 32-bit
	// bounds check and slice past the image. It must fail, not panic.
	plain := make([]byte, 0x4000)
	copy(plain, calMagic)
	binary.LittleEndian.PutUint32(plain[calBodySizeOffset:], 0xFFFFFFFF)
	f.prodinfo = encryptCalibration(t, f.keyset, plain)

	_, err := ConsoleDeriver{}.Derive(f.keyset, f.prodinfo, f.ticket)
	assert.True(t, errors.Is(err, acnherr.KeysetMismatch), "got %v", err)
}

func TestParseKeyset(t *testing.T) {
	ks, err := ParseKeyset([]byte(`
# device keys
bis_key_00_crypt = 00112233445566778899aabbccddeeff
bis_key_00_tweak = ffeeddccbbaa99887766554433221100
eticket_rsa_kek  = 0102030405060708090a0b0c0d0e0f10
`))
	require.NoError(t, err)
	assert.Len(t, ks, 3)

	key, err := ks.key(keyCalibrationCrypt, 16)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), key[0])
	assert.Equal(t, byte(0xFF), key[15])

	_, err = ks.key("missing_key", 16)
	assert.Error(t, err)

	_, err = ks.key(keyETicketKEK, 32)
	assert.Error(t, err, "wrong size must be rejected")
}

func TestParseKeysetErrors(t *testing.T) {
	_, err := ParseKeyset([]byte("no equals sign here"))
	assert.Error(t, err)

	_, err = ParseKeyset([]byte("some_key = nothex"))
	assert.Error(t, err)

	_, err = ParseKeyset([]byte("# only comments\n"))
	assert.Error(t, err)
}
