package designs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acnh-api/acnh-api-public/internal/acnherr"
)

func TestDesignCodeFromID(t *testing.T) {
	assert.Equal(t, "0000-0000-0001", DesignCode(1))
	assert.Equal(t, "0000-0000-0010", DesignCode(30))
	assert.Equal(t, "0000-0000-000B", DesignCode(10))
	assert.Equal(t, "0000-0000-00B0", DesignCode(300))
}

func TestDesignIDFromCode(t *testing.T) {
	id, err := DesignID("0000-0000-00B0")
	require.NoError(t, err)
	assert.Equal(t, int64(300), id)

	id, err = DesignID("Y000-0000-0000")
	require.NoError(t, err)
	// Y is digit 29, in the most significant of 12 positions.
	want := int64(29)
	for i := 0; i < 11; i++ {
		want *= 30
	}
	assert.Equal(t, want, id)
}

func TestDesignCodeRoundTrip(t *testing.T) {
	for _, id := range []int64{1, 29, 30, 900, 123456789, 1<<40 + 7} {
		got, err := DesignID(DesignCode(id))
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
}

func TestDesignIDRejectsMalformedCodes(t *testing.T) {
	for _, code := range []string{
		"",
		"0000-0000-000A",  // A is not in the alphabet
		"0000-0000-000",   // short group
		"000000000001",    // missing hyphens
		"0000_0000_0001",  // wrong separator
		"0000-0000-0001-", // trailing junk
		"0000-0000-000e",  // lower case
	} {
		_, err := DesignID(code)
		assert.True(t, errors.Is(err, acnherr.InvalidDesignCode), "code %q: got %v", code, err)
	}
}

func TestAddHyphens(t *testing.T) {
	assert.Equal(t, "0000-0000-0042", AddHyphens("42"))
	assert.Equal(t, "BCDF-GHJK-LMNP", AddHyphens("BCDFGHJKLMNP"))
}
