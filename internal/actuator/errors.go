package actuator

import "codeberg.org/mutker/bmcfanctl/internal/errors"

const ErrSetFailed = errors.ErrorCode("actuator_set_failed")
