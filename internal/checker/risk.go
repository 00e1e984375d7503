package checker

import (
	"net"
	"strings"
)

// hostingKeywords mark ISP names that belong to hosting and cloud networks.
var hostingKeywords = []string{
	"cloud", "hosting", "host", "data", "server", "colo", "vps",
	"digitalocean", "aws", "amazon", "google", "azure", "microsoft",
	"hetzner", "ovh", "linode", "akamai", "vultr", "leaseweb", "contabo",
}

// mobileKeywords mark carrier networks.
var mobileKeywords = []string{
	"mobile", "wireless", "cellular", "telekom", "vodafone", "t-mobile", "verizon",
}

// EstimateRiskScore is a heuristic (0..100) of how likely an exit IP is
// to be flagged by anti-fraud systems. Higher is riskier.
func EstimateRiskScore(ip string, isp string) float64 {
	if ip == "" {
		return 80.0
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 90.0
	}
	// A private exit address cannot be a real egress.
	if isPrivateIP(parsed) {
		return 95.0
	}

	lowerISP := strings.ToLower(isp)
	switch {
	case lowerISP == "":
		return 50.0
	case containsAny(lowerISP, hostingKeywords):
		return 70.0
	case containsAny(lowerISP, mobileKeywords):
		return 10.0
	default:
		return 20.0
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}
