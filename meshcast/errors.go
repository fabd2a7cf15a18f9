package meshcast

import (
	"errors"
)

// ErrBind is a generic error for bind issues -- like finding a requested interface or opening
// a socket on it.
var ErrBind = errors.New("errBind")

// ErrNoInterfaces is returned when enumeration could not open a single relay interface.
var ErrNoInterfaces = errors.New("errNoInterfaces")

// ErrTunTap is returned when the tun/tap pseudo-device could not be created or configured.
var ErrTunTap = errors.New("errTunTap")

// ErrMessage is a generic error for issues with messages -- for example, an envelope that is
// too short, of an unknown type, or whose integrity check fails.
var ErrMessage = errors.New("errMessage")

// ErrTTLExpired is returned by DecrementTTL when the packet must not be transmitted any further.
var ErrTTLExpired = errors.New("errTTLExpired")

// ErrConfig is returned for invalid configuration, always at load time.
var ErrConfig = errors.New("errConfig")

// ErrEngine is returned when the relay engine cannot be set up or its event loop fails.
var ErrEngine = errors.New("errEngine")
