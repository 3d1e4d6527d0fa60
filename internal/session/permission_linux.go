//go:build linux

package session

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// Request reports whether CAP_NET_ADMIN is in the effective set.
func (CapabilityGate) Request(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return false, fmt.Errorf("capget: %w", err)
	}
	return hasCap(data, unix.CAP_NET_ADMIN), nil
}

func hasCap(data [2]unix.CapUserData, capability int) bool {
	return data[capability/32].Effective&(1<<uint(capability%32)) != 0
}
