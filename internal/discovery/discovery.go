// Package discovery advertises the device on the local network over mDNS
// so the companion app can find it without knowing its address.
package discovery

import (
	"fmt"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the mDNS service type advertised by florasys devices
	ServiceType = "_florasys._tcp"

	// ServiceDomain is the mDNS domain (typically "local.")
	ServiceDomain = "local."
)

// Advertiser keeps the mDNS registration alive.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the device on the local network. TXT records carry
// key=value pairs the companion app reads before connecting.
func Advertise(instance string, port int, txt []string) (*Advertiser, error) {
	server, err := zeroconf.Register(instance, ServiceType, ServiceDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the registration.
func (a *Advertiser) Shutdown() {
	if a.server != nil {
		a.server.Shutdown()
	}
}

// TXTRecord formats one key=value TXT entry.
func TXTRecord(key, value string) string {
	return fmt.Sprintf("%s=%s", key, value)
}
