package admission

import (
	"fmt"
	"net"
	"strings"

	log "github.com/sirupsen/logrus"

	config "github.com/openmri/receptor/config"
)

// RejectionError is the structured, connection-level rejection handed to the
// protocol layer during association negotiation. It is permanent for that
// connection; the sender sees a standard negotiation failure, not a server
// error.
type RejectionError struct {
	DeviceID string
	Reason   string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("connection from %s rejected: %s", e.DeviceID, e.Reason)
}

// entry is one parsed allow-list line. An entry may match on device
// identity, on source network, or on both.
type entry struct {
	deviceID string
	network  *net.IPNet
}

// Filter decides whether to admit an incoming connection based on its
// claimed device identity and source address. The decision happens during
// connection negotiation, before any payload is read.
type Filter struct {
	enabled bool
	entries []entry
}

// NewFilter parses the configured allow-list into a Filter. Entries take
// three forms: "<deviceId>@<ipOrCIDR>", "<ipOrCIDR>", or a bare
// "<deviceId>". A malformed address spec in the qualified form is logged and
// skipped rather than treated as a filter error.
func NewFilter(cfg config.ReceiverConfig) *Filter {
	f := &Filter{enabled: cfg.AllowListEnabled}

	for _, raw := range cfg.AllowList {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		if idx := strings.Index(raw, "@"); idx >= 0 {
			deviceID := raw[:idx]
			network, err := parseAddrSpec(raw[idx+1:])
			if err != nil {
				log.Warnf("Skipping allow-list entry %q: %v", raw, err)
				continue
			}
			f.entries = append(f.entries, entry{deviceID: deviceID, network: network})
			continue
		}

		// No device qualifier: prefer an address interpretation, fall back
		// to a bare device identity when the string isn't parseable as one.
		network, err := parseAddrSpec(raw)
		if err != nil {
			f.entries = append(f.entries, entry{deviceID: raw})
			continue
		}
		f.entries = append(f.entries, entry{network: network})
	}

	return f
}

// Admit evaluates the allow-list against a claimed device identity and a
// source address. A disabled or empty list admits unconditionally.
func (f *Filter) Admit(deviceID string, sourceAddress net.IP) bool {
	if !f.enabled || len(f.entries) == 0 {
		return true
	}

	for _, e := range f.entries {
		if e.deviceID != "" && e.deviceID != deviceID {
			continue
		}
		if e.network != nil && (sourceAddress == nil || !e.network.Contains(sourceAddress)) {
			continue
		}
		return true
	}

	log.Debugf("Rejecting connection from %s at %s: no allow-list match", deviceID, sourceAddress)
	return false
}

// Negotiate wraps Admit for the protocol layer: nil means proceed with the
// association, a *RejectionError carries the negotiation-rejection reason.
func (f *Filter) Negotiate(deviceID string, sourceAddress net.IP) error {
	if f.Admit(deviceID, sourceAddress) {
		return nil
	}
	return &RejectionError{
		DeviceID: deviceID,
		Reason:   "calling device identity not recognized",
	}
}

// parseAddrSpec interprets a string as either a CIDR block or a single IP
// address (treated as a host-length prefix).
func parseAddrSpec(spec string) (*net.IPNet, error) {
	if strings.Contains(spec, "/") {
		_, network, err := net.ParseCIDR(spec)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR block %q", spec)
		}
		return network, nil
	}

	ip := net.ParseIP(spec)
	if ip == nil {
		return nil, fmt.Errorf("invalid address %q", spec)
	}
	if v4 := ip.To4(); v4 != nil {
		return &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}, nil
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}, nil
}
