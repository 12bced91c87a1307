package store

import "errors"

// Sentinel errors callers branch on. Handlers map these to user-visible
// system messages; everything else is a persistence failure.
var (
	ErrBadChannelName  = errors.New("invalid channel name")
	ErrChannelExists   = errors.New("channel already exists")
	ErrUnknownChannel  = errors.New("unknown channel")
	ErrReservedChannel = errors.New("default channel cannot be changed")
	ErrChannelCap      = errors.New("channel limit reached")
	ErrUnknownMessage  = errors.New("unknown message")
	ErrBadPinStatus    = errors.New("pin status must be todo or done")
	ErrUnknownDecision = errors.New("unknown decision")
	ErrDecisionLength  = errors.New("decision text exceeds 80 characters")
	ErrDecisionCap     = errors.New("decision limit reached and all are approved")
)
