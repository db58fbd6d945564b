package sip

import (
	"net"
	"strconv"
)

// Addr is a resolved transport-layer address: the strconv.Atoi parsed port
// and, when known, the resolved IP and the original hostname it came from.
type Addr struct {
	IP       net.IP
	Port     int
	Hostname string
}

func (a *Addr) String() string {
	host := a.Hostname
	if host == "" && a.IP != nil {
		host = a.IP.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(a.Port))
}

// Copy fills dst with a's values, copying the IP slice so later mutation of
// a does not affect dst.
func (a *Addr) Copy(dst *Addr) {
	dst.Hostname = a.Hostname
	dst.Port = a.Port
	if a.IP == nil {
		dst.IP = nil
		return
	}
	dst.IP = make(net.IP, len(a.IP))
	copy(dst.IP, a.IP)
}
