package enforcement

import (
	"net"
	"strings"
	"time"
)

// NormalizeIP canonicalizes an IP address's textual form. Invalid input is
// returned unchanged so it simply never matches.
func NormalizeIP(ip string) string {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return ip
	}
	return parsed.String()
}

// NormalizeMAC canonicalizes a MAC address to lowercase colon-separated form
// (aa:bb:cc:dd:ee:ff). Colon, dash, and dot separators are accepted. Returns
// "" for anything that is not 12 hex digits.
func NormalizeMAC(mac string) string {
	if mac == "" {
		return ""
	}
	cleaned := strings.ToLower(mac)
	for _, sep := range []string{":", "-", "."} {
		cleaned = strings.ReplaceAll(cleaned, sep, "")
	}
	if len(cleaned) != 12 {
		return ""
	}
	for _, c := range cleaned {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return ""
		}
	}
	var b strings.Builder
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(cleaned[i : i+2])
	}
	return b.String()
}

// deviceActive reports whether an allowlist entry currently grants exemption.
// Permanent devices are always active, even when disabled; expired
// non-permanent entries are inert without requiring deletion.
func deviceActive(d Device, now time.Time) bool {
	if d.Permanent {
		return true
	}
	if !d.Enabled {
		return false
	}
	if d.ExpiresAt != nil && !now.Before(*d.ExpiresAt) {
		return false
	}
	return true
}

// IsAllowlisted answers whether the client is exempt from enforcement.
// When a MAC is supplied and matches a device, that match is preferred over
// an IP match so a device is followed across DHCP lease changes. Read-only:
// no touch side effects, safe on every request.
func (s *Snapshot) IsAllowlisted(clientIP, clientMAC string, now time.Time) (bool, *Device) {
	mac := NormalizeMAC(clientMAC)
	if mac != "" {
		for i := range s.Devices {
			d := &s.Devices[i]
			if d.MAC == mac && deviceActive(*d, now) {
				return true, d
			}
		}
	}

	ip := NormalizeIP(clientIP)
	for i := range s.Devices {
		d := &s.Devices[i]
		if d.IP == ip && deviceActive(*d, now) {
			return true, d
		}
	}

	return false, nil
}
