package protocol

import "errors"

var (
	ErrEmbeddedNul       = errors.New("protocol: name contains embedded nul byte")
	ErrNameNotTerminated = errors.New("protocol: name missing nul terminator")
	ErrTruncated         = errors.New("protocol: truncated payload")
	ErrTrailingBytes     = errors.New("protocol: trailing payload bytes")
	ErrInvalidFlags      = errors.New("protocol: invalid flags")
	ErrNameLenMismatch   = errors.New("protocol: move name length mismatch")
)
