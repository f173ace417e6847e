package engine

import "errors"

// ErrInvalidConfig reports a missing or invalid remote service identifier.
// It is the only error class that aborts an entire sync call; schema,
// conversion, transport and persistence failures are logged and contained at
// the narrowest possible scope (single field, record or table) so the rest
// of a batch proceeds.
var ErrInvalidConfig = errors.New("invalid sync configuration")
