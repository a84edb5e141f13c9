package dispatcher

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
)

// versionLess reports whether a is a strictly older dotted version than b
// (e.g. "1.2.0" < "1.10.0"). Missing or non-numeric segments compare as
// zero, so "1.2" is treated as "1.2.0".
func versionLess(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")

	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}

	for i := 0; i < n; i++ {
		av, bv := segment(as, i), segment(bs, i)
		if av != bv {
			return av < bv
		}
	}
	return false
}

func segment(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	v, err := strconv.Atoi(parts[i])
	if err != nil {
		return 0
	}
	return v
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
