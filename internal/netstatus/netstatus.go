// Package netstatus answers whether the machine currently has a usable
// network connection.
package netstatus

import (
	"slices"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// Checker reports connectivity. The tunnel manager queries it before every start.
type Checker func() bool

// Online reports whether any non-loopback interface is up and has an address.
// Errors enumerating interfaces count as online so a probing failure never
// blocks tunnel starts on its own.
func Online() bool {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return true
	}
	return anyUsable(ifaces)
}

func anyUsable(ifaces psnet.InterfaceStatList) bool {
	for _, iface := range ifaces {
		if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		if len(iface.Addrs) > 0 {
			return true
		}
	}
	return false
}
