package proxy

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/zond/swarmbot"
	"github.com/zond/swarmbot/structs"

	xproxy "golang.org/x/net/proxy"
)

// DialFunc opens a connection to addr.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

var (
	ErrUnsupported = errors.New("unsupported proxy kind")
	ErrRejected    = errors.New("proxy rejected the connection")
)

// SOCKSDialer returns a dial function tunnelling through a SOCKS proxy.
func SOCKSDialer(p *structs.Proxy, timeout time.Duration) (DialFunc, error) {
	direct := &net.Dialer{Timeout: timeout}
	switch p.Kind {
	case structs.ProxySOCKS5:
		var auth *xproxy.Auth
		if p.Username != "" {
			auth = &xproxy.Auth{User: p.Username, Password: p.Password}
		}
		d, err := xproxy.SOCKS5("tcp", p.Addr(), auth, direct)
		if err != nil {
			return nil, swarmbot.WithStack(err)
		}
		if cd, ok := d.(xproxy.ContextDialer); ok {
			return cd.DialContext, nil
		}
		return func(ctx context.Context, network, addr string) (net.Conn, error) {
			return d.Dial(network, addr)
		}, nil
	case structs.ProxySOCKS4:
		return func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialSOCKS4(ctx, direct, p, addr)
		}, nil
	}
	return nil, errors.Wrapf(ErrUnsupported, "%q is not a SOCKS proxy", p.Kind)
}

// Transport returns an HTTP transport that sends every request through p.
func Transport(p *structs.Proxy, timeout time.Duration) (*http.Transport, error) {
	t := &http.Transport{
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		DisableKeepAlives:     true,
	}
	switch p.Kind {
	case structs.ProxyHTTP:
		t.Proxy = http.ProxyURL(p.URL())
		t.DialContext = (&net.Dialer{Timeout: timeout}).DialContext
	default:
		dial, err := SOCKSDialer(p, timeout)
		if err != nil {
			return nil, err
		}
		t.DialContext = dial
	}
	return t, nil
}

// dialSOCKS4 performs a SOCKS4a CONNECT. Hostnames are resolved by the proxy.
func dialSOCKS4(ctx context.Context, direct *net.Dialer, p *structs.Proxy, addr string) (net.Conn, error) {
	host, portString, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, swarmbot.WithStack(err)
	}
	port, err := strconv.Atoi(portString)
	if err != nil || port < 1 || port > 65535 {
		return nil, errors.Errorf("invalid port in %q", addr)
	}
	conn, err := direct.DialContext(ctx, "tcp", p.Addr())
	if err != nil {
		return nil, swarmbot.WithStack(err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else if direct.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(direct.Timeout))
	}

	req := []byte{4, 1, 0, 0}
	binary.BigEndian.PutUint16(req[2:], uint16(port))
	ip := net.ParseIP(host).To4()
	if ip == nil {
		req = append(req, 0, 0, 0, 1)
	} else {
		req = append(req, ip...)
	}
	req = append(req, []byte(p.Username)...)
	req = append(req, 0)
	if ip == nil {
		req = append(req, []byte(host)...)
		req = append(req, 0)
	}
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, swarmbot.WithStack(err)
	}
	resp := make([]byte, 8)
	if _, err := io.ReadFull(conn, resp); err != nil {
		conn.Close()
		return nil, swarmbot.WithStack(err)
	}
	if resp[1] != 0x5a {
		conn.Close()
		return nil, errors.Wrapf(ErrRejected, "socks4 status 0x%02x", resp[1])
	}
	conn.SetDeadline(time.Time{})
	return conn, nil
}
