package proxy

import (
	"bufio"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/yori-gw/yori/internal/enforcement"
)

// arpTablePath is the kernel ARP table. Resolution only works when the
// gateway runs on the router itself; elsewhere lookups simply miss and
// enforcement falls back to IP matching.
const arpTablePath = "/proc/net/arp"

// arpCacheTTL bounds how stale a parsed ARP table may be. Lease churn is slow
// compared to request rate, so a short cache avoids re-reading per request.
const arpCacheTTL = 30 * time.Second

// MACResolver maps client IPs to MAC addresses via the ARP table.
type MACResolver interface {
	MACForIP(ip string) string
}

// ARPResolver reads /proc/net/arp with a short-lived cache.
type ARPResolver struct {
	path string

	mu     sync.Mutex
	table  map[string]string
	readAt time.Time
	now    func() time.Time
}

// NewARPResolver creates a resolver over the kernel ARP table.
func NewARPResolver() *ARPResolver {
	return &ARPResolver{path: arpTablePath, now: time.Now}
}

// MACForIP returns the normalized MAC for an IP, or "" when unknown.
func (r *ARPResolver) MACForIP(ip string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.table == nil || r.now().Sub(r.readAt) > arpCacheTTL {
		r.table = readARPTable(r.path)
		r.readAt = r.now()
	}
	return r.table[enforcement.NormalizeIP(ip)]
}

// readARPTable parses the ARP table into ip → normalized MAC. Incomplete
// entries (MAC 00:00:00:00:00:00) are skipped. Any error yields an empty map.
func readARPTable(path string) map[string]string {
	table := make(map[string]string)

	f, err := os.Open(path)
	if err != nil {
		return table
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			first = false // header line
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		ip, mac := fields[0], fields[3]
		if mac == "00:00:00:00:00:00" {
			continue
		}
		if normalized := enforcement.NormalizeMAC(mac); normalized != "" {
			table[enforcement.NormalizeIP(ip)] = normalized
		}
	}
	return table
}

// StaticResolver returns fixed mappings; used in tests and for deployments
// where the router exports its lease table out of band.
type StaticResolver map[string]string

func (s StaticResolver) MACForIP(ip string) string {
	return s[enforcement.NormalizeIP(ip)]
}
