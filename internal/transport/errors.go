package transport

import "codeberg.org/mutker/bmcfanctl/internal/errors"

// One error kind covers spawn failure, authentication failure, timeout,
// and non-zero exit; the diagnostic text carries the distinction.
const ErrCommandFailed = errors.ErrorCode("transport_command_failed")
