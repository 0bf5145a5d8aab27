package workers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SSRF prevention for the download stage, adapted from the teacher's
// image downloader (internal/images/downloader.go): validate the URL's
// scheme and resolved IP before connecting, pin the dial to the
// validated IP to defeat DNS-rebinding, and re-validate every redirect.

var privateIPBlocks []*net.IPNet

func init() {
	privateCIDRs := []string{
		"0.0.0.0/8", "10.0.0.0/8", "100.64.0.0/10", "127.0.0.0/8",
		"169.254.0.0/16", "172.16.0.0/12", "192.0.0.0/24", "192.0.2.0/24",
		"192.168.0.0/16", "198.18.0.0/15", "198.51.100.0/24", "203.0.113.0/24",
		"224.0.0.0/4", "240.0.0.0/4", "255.255.255.255/32",
		"::1/128", "fc00::/7", "fe80::/10", "ff00::/8", "2001:db8::/32", "2001::/32", "64:ff9b::/96",
	}
	for _, cidr := range privateCIDRs {
		if _, block, err := net.ParseCIDR(cidr); err == nil {
			privateIPBlocks = append(privateIPBlocks, block)
		}
	}
}

func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsLinkLocalMulticast() || ip.IsLinkLocalUnicast() || ip.IsPrivate() {
		return true
	}
	for _, block := range privateIPBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

func resolveAndValidateHost(hostname string) (net.IP, error) {
	if ip := net.ParseIP(hostname); ip != nil {
		if isPrivateIP(ip) {
			return nil, fmt.Errorf("blocked private IP: %s", ip)
		}
		return ip, nil
	}
	if strings.EqualFold(hostname, "localhost") {
		return nil, errors.New("blocked access to localhost")
	}

	ips, err := net.LookupIP(hostname)
	if err != nil {
		return nil, fmt.Errorf("dns lookup failed: %w", err)
	}
	if len(ips) == 0 {
		return nil, errors.New("no IP found for hostname")
	}

	var valid net.IP
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return nil, fmt.Errorf("dns resolved to private IP: %s -> %s", hostname, ip)
		}
		if valid == nil {
			valid = ip
		}
	}
	return valid, nil
}

func validateDownloadURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("scheme not permitted: %s", scheme)
	}
	hostname := parsed.Hostname()
	if hostname == "" {
		return nil, errors.New("empty hostname")
	}
	if _, err := resolveAndValidateHost(hostname); err != nil {
		return nil, err
	}
	return parsed, nil
}

const maxDownloadRedirects = 10

func newSecureDownloadClient(targetURL *url.URL, pinnedIP net.IP) *http.Client {
	port := targetURL.Port()
	if port == "" {
		if targetURL.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	transport := &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
			return dialer.DialContext(ctx, network, net.JoinHostPort(pinnedIP.String(), port))
		},
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          5,
		IdleConnTimeout:       30 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxDownloadRedirects {
				return errors.New("too many redirects")
			}
			if _, err := validateDownloadURL(req.URL.String()); err != nil {
				return fmt.Errorf("redirect blocked: %w", err)
			}
			return nil
		},
	}
}
