package designs

import (
	"strings"

	"github.com/acnh-api/acnh-api-public/internal/acnherr"
)

// Design codes are the numeric design ID written in a 30-character alphabet,
// zero padded to 12 digits and hyphenated 4-4-4.

const codeRadix = int64(len(acnherr.DesignCodeAlphabet))

var alphabetValues = func() map[rune]int64 {
	m := make(map[rune]int64, len(acnherr.DesignCodeAlphabet))
	for i, c := range acnherr.DesignCodeAlphabet {
		m[c] = int64(i)
	}
	return m
}()

// DesignID converts a hyphenated design code to its numeric ID.
func DesignID(code string) (int64, error) {
	if err := acnherr.Validate(acnherr.InvalidDesignCode, code); err != nil {
		return 0, err
	}
	var n int64
	for _, c := range strings.ReplaceAll(code, "-", "") {
		n = n*codeRadix + alphabetValues[c]
	}
	return n, nil
}

// DesignCode converts a numeric design ID back to its hyphenated code.
func DesignCode(id int64) string {
	digits := make([]byte, 0, 12)
	for id > 0 {
		digits = append(digits, acnherr.DesignCodeAlphabet[id%codeRadix])
		id /= codeRadix
	}
	for len(digits) < 12 {
		digits = append(digits, '0')
	}
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return AddHyphens(string(digits))
}

// AddHyphens splits a 12-character identifier into 4-4-4 groups, left
// padding with zeroes first.
func AddHyphens(s string) string {
	for len(s) < 12 {
		s = "0" + s
	}
	return s[0:4] + "-" + s[4:8] + "-" + s[8:12]
}
