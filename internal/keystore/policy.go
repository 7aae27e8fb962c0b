package keystore

import (
	"strconv"

	"github.com/illarion/lockwallet/internal/crypto"
)

// EnvIterations names the environment variable that lowers the PBKDF2 cost
// for tests and CI. It is ignored in production.
const EnvIterations = "LOCKWALLET_TEST_PBKDF2_ITERATIONS"

// IterationPolicy chooses the PBKDF2 iteration count for a new password.
// A count already persisted in metadata always wins.
type IterationPolicy struct {
	// Session is an explicit override for this process. Zero means unset.
	Session int

	// Env is the raw value of EnvIterations.
	Env string

	// Production raises any candidate below crypto.DefaultIterations.
	Production bool
}

// Resolve returns the iteration count to use given the persisted value
// (zero when none is stored).
func (p IterationPolicy) Resolve(persisted int) int {
	if persisted > 0 {
		return persisted
	}

	candidate := crypto.DefaultIterations
	switch {
	case p.Session > 0:
		candidate = p.Session
	case !p.Production && p.Env != "":
		if n, err := strconv.Atoi(p.Env); err == nil && n > 0 {
			candidate = n
		}
	}
	return p.floor(candidate)
}

// ForChange returns the count for a password change: the larger of the
// requested and current counts, never below the production floor.
func (p IterationPolicy) ForChange(requested, current int) int {
	n := current
	if requested > n {
		n = requested
	}
	if n <= 0 {
		n = p.Resolve(0)
	}
	return p.floor(n)
}

func (p IterationPolicy) floor(n int) int {
	if p.Production && n < crypto.DefaultIterations {
		return crypto.DefaultIterations
	}
	return n
}
