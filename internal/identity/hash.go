package identity

import "crypto/sha256"

func hashSHA256(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}
