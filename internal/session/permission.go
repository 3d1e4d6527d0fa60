package session

import (
	"context"
	"errors"
)

// ErrPermissionDenied is returned by StartSession when scanning is not
// permitted. It is not retried until StartSession is called again.
var ErrPermissionDenied = errors.New("bluetooth scanning permission denied")

// Permissions grants or denies the right to scan.
type Permissions interface {
	Request(ctx context.Context) (bool, error)
}

// AllowAll grants every request. Used in demo mode.
type AllowAll struct{}

// Request always grants.
func (AllowAll) Request(context.Context) (bool, error) { return true, nil }

// CapabilityGate grants scanning when the process may administer the
// radio. See permission_linux.go.
type CapabilityGate struct{}
