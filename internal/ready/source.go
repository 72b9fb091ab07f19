package ready

import (
	"crypto/rand"
	"math/big"
)

// Source supplies the randomness used to elect a starting player.
type Source interface {
	// Intn returns a non-negative random int in [0, n).
	//
	// Precondition: n > 0.
	Intn(n int) int
}

// cryptoSource implements Source using crypto/rand.
type cryptoSource struct{}

// NewCryptoSource returns a Source backed by crypto/rand.
//
// Postcondition: Every value returned by Intn is in [0, n).
func NewCryptoSource() Source {
	return cryptoSource{}
}

// Intn panics if n <= 0 or if crypto/rand fails.
func (cryptoSource) Intn(n int) int {
	if n <= 0 {
		panic("ready: Intn called with n <= 0")
	}
	val, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("ready: crypto/rand failure: " + err.Error())
	}
	return int(val.Int64())
}

// FixedSource always returns the same index, clamped to [0, n).
type FixedSource int

// Intn returns the fixed index modulo n.
func (f FixedSource) Intn(n int) int {
	if n <= 0 {
		panic("ready: Intn called with n <= 0")
	}
	v := int(f) % n
	if v < 0 {
		v += n
	}
	return v
}
