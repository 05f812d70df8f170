package reqx

import (
	"context"
	"fmt"
	"net"
)

// resolveEndpoints turns a host into the set of dialable "ip:port" strings
// a Pool round-robins across, grounded on original_source's
// basic_pool::lookup (asio::ip::tcp::resolver::async_resolve) feeding its
// endpoint_sequence.
func resolveEndpoints(ctx context.Context, host, port string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{net.JoinHostPort(host, port)}, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDNS, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: no addresses found for %s", ErrDNS, host)
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = net.JoinHostPort(a.IP.String(), port)
	}
	return out, nil
}
