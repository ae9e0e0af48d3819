package fetcher

import (
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"sharecal/internal/common"
)

var (
	localHosts = map[string]struct{}{
		"localhost": {}, "127.0.0.1": {}, "::1": {}, "0.0.0.0": {},
	}

	privateRanges = []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
		netip.MustParsePrefix("169.254.0.0/16"),
		netip.MustParsePrefix("127.0.0.0/8"),
		netip.MustParsePrefix("100.64.0.0/10"),
		netip.MustParsePrefix("0.0.0.0/8"),
		netip.MustParsePrefix("::/128"),
		netip.MustParsePrefix("::1/128"),
		netip.MustParsePrefix("fc00::/7"),
		netip.MustParsePrefix("fe80::/10"),
	}

	metadataHosts = []string{
		"169.254.169.254",
		"metadata.google.internal",
		"metadata.azure.com",
		"metadata.packet.net",
	}

	blockedPorts = map[int]struct{}{
		22: {}, 23: {}, 25: {}, 53: {}, 135: {}, 139: {}, 445: {}, 993: {}, 995: {},
		1433: {}, 1521: {}, 3306: {}, 3389: {}, 5432: {}, 5984: {}, 6379: {},
		9200: {}, 9300: {}, 11211: {}, 27017: {},
	}
)

// ValidateURL applies the outbound fetch policy. Rules run in order and the first
// match wins; a rejection never reaches the network.
func ValidateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return common.NewError(common.KindValidation, "unparseable url", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return common.Errorf(common.KindFetchBlocked, "invalid protocol")
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return common.Errorf(common.KindValidation, "url has no host")
	}

	if _, ok := localHosts[host]; ok {
		return common.Errorf(common.KindFetchBlocked, "localhost blocked")
	}

	// Literal addresses only; ::ffff:a.b.c.d is checked as a.b.c.d.
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.WithZone("").Unmap()
		for _, p := range privateRanges {
			if p.Contains(addr) {
				return common.Errorf(common.KindFetchBlocked, "private range blocked")
			}
		}
	}

	for _, m := range metadataHosts {
		if strings.Contains(host, m) {
			return common.Errorf(common.KindFetchBlocked, "metadata endpoint blocked")
		}
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return common.Errorf(common.KindValidation, "invalid port %q", p)
		}
		if _, ok := blockedPorts[port]; ok {
			return common.Errorf(common.KindFetchBlocked, "port blocked")
		}
	}
	return nil
}
