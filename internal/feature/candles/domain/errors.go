// Package domain defines domain-level errors for the candles feature.
package domain

import "errors"

// ErrUnknownGranularity indicates a granularity outside the supported set.
var ErrUnknownGranularity = errors.New("unknown granularity")
