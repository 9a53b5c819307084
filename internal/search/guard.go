// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package search

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// =============================================================================
// SSRF PROTECTION
// =============================================================================

// blockedCIDRs are private, loopback and reserved ranges. Page URLs come from
// search results, so they are untrusted input.
var blockedCIDRs = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"0.0.0.0/8",
	"100.64.0.0/10",
	"192.0.0.0/24",
	"198.18.0.0/15",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::1/128",
	"::/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
}

// blockedHosts are cloud metadata names and local aliases.
var blockedHosts = []string{
	"metadata.google.internal",
	"metadata",
	"instance-data",
	"localhost",
}

var blockedNetworks []*net.IPNet

func init() {
	blockedNetworks = make([]*net.IPNet, 0, len(blockedCIDRs))
	for _, cidr := range blockedCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil {
			blockedNetworks = append(blockedNetworks, network)
		}
	}
}

var (
	ErrInvalidURL       = errors.New("invalid URL")
	ErrInvalidScheme    = errors.New("only http and https URLs are allowed")
	ErrBlockedIP        = errors.New("IP address is blocked (private/internal range)")
	ErrBlockedHost      = errors.New("hostname is blocked")
	ErrTooManyRedirects = errors.New("too many redirects")
)

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// validateURL parses rawURL and rejects non-HTTP schemes and blocked hosts.
func validateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, ErrInvalidURL
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, ErrInvalidScheme
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, ErrInvalidURL
	}
	for _, blocked := range blockedHosts {
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return nil, ErrBlockedHost
		}
	}
	if ip := net.ParseIP(host); ip != nil && isBlockedIP(ip) {
		return nil, ErrBlockedIP
	}
	return u, nil
}

// guardedClient returns a client whose dialer re-checks every resolved
// address, which also covers DNS rebinding and redirects to internal hosts.
func guardedClient(timeout time.Duration, maxRedirects int) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, err
			}
			if len(ips) == 0 {
				return nil, errors.New("no IP addresses resolved")
			}
			for _, ip := range ips {
				if isBlockedIP(ip) {
					return nil, ErrBlockedIP
				}
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
		},
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return ErrTooManyRedirects
			}
			_, err := validateURL(req.URL.String())
			return err
		},
	}
}
