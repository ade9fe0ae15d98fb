package utils

import (
	"net"
	"strconv"

	"go.uber.org/zap"

	"towerward/internal/logger"
)

// LogReachableAddresses logs host:port for every address of an up, non-loopback interface.
// Players on the LAN connect to one of these when the listener binds all interfaces.
func LogReachableAddresses(port int) {
	ifaces, err := net.Interfaces()
	if err != nil {
		logger.L.Warn("Error getting interfaces", zap.Error(err))
		return
	}
	var addrs []net.Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		ifAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		addrs = append(addrs, ifAddrs...)
	}
	for _, hp := range hostPorts(addrs, port) {
		logger.L.Info("Reachable at", zap.String("addr", hp))
	}
}

// hostPorts keeps unicast IPv4 and IPv6 addresses, skipping link-local ones.
func hostPorts(addrs []net.Addr, port int) []string {
	var out []string
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() {
			continue
		}
		out = append(out, net.JoinHostPort(ip.String(), strconv.Itoa(port)))
	}
	return out
}
