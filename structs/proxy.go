package structs

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

type ProxyKind string

const (
	ProxyHTTP   ProxyKind = "http"
	ProxySOCKS4 ProxyKind = "socks4"
	ProxySOCKS5 ProxyKind = "socks5"
)

func ParseProxyKind(s string) (ProxyKind, bool) {
	switch k := ProxyKind(s); k {
	case ProxyHTTP, ProxySOCKS4, ProxySOCKS5:
		return k, true
	}
	return "", false
}

// Proxy is an upstream egress point. Working is nil until the proxy has been
// tested.
type Proxy struct {
	Host     string    `json:"host"`
	Port     int       `json:"port"`
	Username string    `json:"username,omitempty"`
	Password string    `json:"password,omitempty"`
	Kind     ProxyKind `json:"kind"`
	Working  *bool     `json:"working,omitempty"`
}

func (p *Proxy) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func (p *Proxy) Is(host string, port int) bool {
	return p.Host == host && p.Port == port
}

// URL returns the proxy as a URL suitable for http.ProxyURL.
func (p *Proxy) URL() *url.URL {
	u := &url.URL{
		Scheme: string(p.Kind),
		Host:   p.Addr(),
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

func (p *Proxy) Status() string {
	switch {
	case p.Working == nil:
		return "untested"
	case *p.Working:
		return "working"
	default:
		return "failed"
	}
}

func (p *Proxy) String() string {
	if p.Username != "" {
		return fmt.Sprintf("%s://%s@%s", p.Kind, p.Username, p.Addr())
	}
	return fmt.Sprintf("%s://%s", p.Kind, p.Addr())
}
