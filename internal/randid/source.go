// Package randid generates unguessable identifiers for sessions.
package randid

import (
	"crypto/rand"
	"math/big"
)

const letters = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-"

type Source struct{}

func (Source) randString(n int) string {
	ret := make([]byte, n)
	for i := range n {
		num, _ := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		ret[i] = letters[num.Int64()]
	}

	return string(ret)
}

func (s Source) SessionID() string {
	return s.randString(32) // Entropy E = L * log2(63) = 32 * log2(63) = 191.3 bits
}
