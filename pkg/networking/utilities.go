// Package networking provides utilities for building outbound HTTP clients
// that talk to the identity provider.
package networking

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// HttpsScheme is the URL scheme for HTTPS
const HttpsScheme = "https"

// ErrPrivateIpAddress is the error returned when the target address resolves
// to a private IP address and private addresses were not explicitly allowed.
var ErrPrivateIpAddress = errors.New(
	"the provider endpoint resolves to a private IP address, which is not allowed; " +
		"set OIDC_ALLOW_PRIVATE_IP=true to override for internal deployments")

var privateIPBlocks []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",    // IPv4 loopback
		"10.0.0.0/8",     // RFC1918
		"172.16.0.0/12",  // RFC1918
		"192.168.0.0/16", // RFC1918
		"169.254.0.0/16", // RFC3927 link-local
		"::1/128",        // IPv6 loopback
		"fe80::/10",      // IPv6 link-local
		"fc00::/7",       // IPv6 unique local addr
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Errorf("parse error on %q: %v", cidr, err))
		}
		privateIPBlocks = append(privateIPBlocks, block)
	}
}

func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, block := range privateIPBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// AddressReferencesPrivateIp returns an error if the address references a private IP address
func AddressReferencesPrivateIp(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if isPrivateIP(ip) {
		return ErrPrivateIpAddress
	}

	return nil
}

// IsLocalhost returns true if the host (optionally with port) refers to the
// local machine. Localhost endpoints are exempt from the HTTPS requirement so
// development and test setups can run without TLS.
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

// ValidateEndpointURL checks that an endpoint URL from a discovery document is
// absolute and uses HTTPS (HTTP is tolerated for localhost only).
func ValidateEndpointURL(endpoint string) error {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("URL %q is not absolute", endpoint)
	}
	if parsed.Scheme != HttpsScheme && !IsLocalhost(parsed.Host) {
		return fmt.Errorf("URL %q is not HTTPS", endpoint)
	}
	return nil
}
