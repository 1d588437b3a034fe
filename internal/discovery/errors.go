package discovery

import "codeberg.org/mutker/bmcfanctl/internal/errors"

// ErrExhausted means every candidate was tried and none worked. Callers
// fall back to configured defaults rather than failing hard.
const ErrExhausted = errors.ErrorCode("discovery_exhausted")
