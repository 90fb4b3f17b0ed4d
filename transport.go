package cachingproxy

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// newOriginTransport returns the transport used for origin requests.
// If resolver is set, host lookups go through it instead of hitting DNS for every new connection.
// If serverName is set, it is used for TLS negotiation, e.g. when the origin URL is an IP address.
func newOriginTransport(resolver *dnscache.Resolver, serverName string) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if serverName != "" {
		t.TLSClientConfig = &tls.Config{
			ServerName: serverName,
		}
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			if len(ips) == 0 {
				return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
			}
			var d net.Dialer
			var conn net.Conn
			for _, ip := range ips {
				conn, err = d.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
			}
			return nil, err
		}
	}
	return t
}

// newOriginClient returns the client used for origin requests.
// Redirects are followed. A zero timeout means no timeout beyond the request context.
func newOriginClient(resolver *dnscache.Resolver, serverName string, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: newOriginTransport(resolver, serverName),
		Timeout:   timeout,
	}
}
