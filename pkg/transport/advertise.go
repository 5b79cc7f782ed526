package transport

import (
    "net"

    sockaddr "github.com/hashicorp/go-sockaddr"
)

// AdvertiseHost picks the host a receiver bound to ip publishes to peers.
// An explicit advertise host wins. For a wildcard bind the first private
// address of this machine is used, the way memberlist picks its advertise
// address; loopback is the last resort.
func AdvertiseHost(advertise string, ip net.IP) string {
    if advertise != "" { return advertise }
    if ip != nil && !ip.IsUnspecified() { return ip.String() }
    if priv, err := sockaddr.GetPrivateIP(); err == nil && priv != "" { return priv }
    return "127.0.0.1"
}
