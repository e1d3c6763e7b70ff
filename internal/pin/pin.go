// Package pin allocates short numeric access credentials.
package pin

import (
	"math/rand"

	"github.com/reservio/accessgate/internal/acerr"
)

const maxAttempts = 20

// ActiveSet answers whether an identifier is already held by an installed
// user of a system.
type ActiveSet interface {
	ActiveIdentifierExists(systemID, identifier string) (bool, error)
}

// Allocator produces a credential unique among the installed users of one
// system. Drivers may substitute their own implementation for longer codes as
// long as the uniqueness invariant holds.
type Allocator interface {
	Allocate(systemID string) (string, error)
}

// Random is the default allocator: a 4-digit PIN whose first digit is 1-9.
// The caller must hold the system lock so that concurrent allocations cannot
// hand out the same code.
type Random struct {
	Set ActiveSet
}

// Allocate tries up to 20 random candidates and fails fast when all collide.
// A collision storm means the PIN space is effectively full; the upper layer
// retries on the usual backoff schedule.
func (a *Random) Allocate(systemID string) (string, error) {
	for i := 0; i < maxAttempts; i++ {
		candidate := randomPIN()
		exists, err := a.Set.ActiveIdentifierExists(systemID, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", acerr.NewRemoteError("unable to find a PIN code")
}

const (
	firstDigits = "123456789"
	restDigits  = "0123456789"
)

func randomPIN() string {
	buf := make([]byte, 4)
	buf[0] = firstDigits[rand.Intn(len(firstDigits))]
	for i := 1; i < 4; i++ {
		buf[i] = restDigits[rand.Intn(len(restDigits))]
	}
	return string(buf)
}
