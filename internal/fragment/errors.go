package fragment

import "errors"

var (
	ErrInvalidBits    = errors.New("fragment depth out of range")
	ErrNoNextFragment = errors.New("fragment is the last of its depth")
	ErrNotContained   = errors.New("value not contained in fragment")
)
