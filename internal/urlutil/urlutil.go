package urlutil

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"sort"
	"strings"

	"golang.org/x/net/idna"
)

var (
	ErrEmptyURL          = errors.New("empty url")
	ErrMissingHost       = errors.New("missing host")
	ErrUnsupportedScheme = errors.New("unsupported scheme")
)

// ValidateCaptureURL checks that raw is an absolute http or https URL and
// returns it parsed, with the host converted to ASCII.
func ValidateCaptureURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmptyURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("couldn't parse url %s: %w", raw, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, ErrMissingHost
	}
	host, err := asciiHost(u.Hostname())
	if err != nil {
		return nil, fmt.Errorf("invalid host %q: %w", u.Hostname(), err)
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}
	return u, nil
}

// IsHTTP reports whether raw has an http or https scheme.
func IsHTTP(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func asciiHost(host string) (string, error) {
	host = strings.ToLower(host)
	if net.ParseIP(host) != nil {
		return host, nil
	}
	return idna.Lookup.ToASCII(host)
}

// CanonicalizeOptions controls optional canonicalization policies.
type CanonicalizeOptions struct {
	StripTrailingSlash bool   // treat /a and /a/ the same (except for root "/")
	DefaultScheme      string // if empty, require scheme in input
	StripWWW           bool   // drop a leading "www." label
}

// Canonicalize returns a deterministic canonical URL string.
// It uses net/url plus path.Clean and sorts query params.
func Canonicalize(raw string, opts CanonicalizeOptions) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmptyURL
	}
	if opts.DefaultScheme != "" && !strings.Contains(raw, "://") {
		raw = opts.DefaultScheme + "://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", ErrMissingHost
	}
	u.Scheme = strings.ToLower(u.Scheme)

	host := strings.ToLower(u.Hostname())
	if puny, err := idna.Lookup.ToASCII(host); err == nil {
		host = puny
	}
	if opts.StripWWW {
		host = strings.TrimPrefix(host, "www.")
	}

	port := u.Port()
	switch {
	case (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") || port == "":
		if strings.Contains(host, ":") {
			u.Host = "[" + host + "]"
		} else {
			u.Host = host
		}
	default:
		u.Host = net.JoinHostPort(host, port)
	}
	u.User = nil

	cleanPath := "/"
	if u.Path != "" {
		cleanPath = path.Clean(u.Path)
		if strings.HasSuffix(u.Path, "/") && cleanPath != "/" && !opts.StripTrailingSlash {
			cleanPath += "/"
		}
	}
	u.Path = cleanPath
	u.RawPath = ""
	u.Fragment = ""

	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := url.Values{}
	for _, k := range keys {
		values := q[k]
		sort.Strings(values)
		for _, v := range values {
			ordered.Add(k, v)
		}
	}
	u.RawQuery = ordered.Encode()
	u.ForceQuery = false

	return u.String(), nil
}

// SURT returns the Sort-friendly URI Reordering Transform key used by CDX
// indexes: "com,example)/path?a=1". Non-http URLs are returned lowercased.
func SURT(raw string) (string, error) {
	if !IsHTTP(raw) {
		return strings.ToLower(raw), nil
	}
	canon, err := Canonicalize(raw, CanonicalizeOptions{StripWWW: true})
	if err != nil {
		return "", err
	}
	u, err := url.Parse(canon)
	if err != nil {
		return "", err
	}

	labels := strings.Split(u.Hostname(), ".")
	if net.ParseIP(u.Hostname()) == nil {
		for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
			labels[i], labels[j] = labels[j], labels[i]
		}
	}
	key := strings.Join(labels, ",")
	if port := u.Port(); port != "" {
		key += ":" + port
	}
	key += ")" + u.EscapedPath()
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return strings.ToLower(key), nil
}
