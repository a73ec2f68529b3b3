// Package negotiator implements the six per-protocol handshakes Checker
// runs against a candidate proxy. Grounded on proxybroker/negotiators.py;
// represented as a sealed set of structs implementing one interface rather
// than the source's class hierarchy, per spec.md §9's REDESIGN FLAGS.
package negotiator

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/grishkovelli/proxybroker/internal/perrors"
	"github.com/grishkovelli/proxybroker/internal/proxyrec"
)

// Negotiator is the capability every protocol tag implements (spec.md §9).
type Negotiator interface {
	Name() string
	Tag() proxyrec.Tag
	CheckAnonLvl() bool
	UseFullPath() bool
	// Negotiate assumes the transport is already connected and leaves it
	// ready to carry the payload a judge or client sends. host/ip/port
	// identify the judge being reached through the proxy.
	Negotiate(p *proxyrec.Proxy, host, ip string, port int) error
}

// ByTag is the fixed registry of negotiators, one per protocol tag.
var ByTag = map[proxyrec.Tag]Negotiator{
	proxyrec.TagHTTP:      httpNgtr{},
	proxyrec.TagHTTPS:     httpsNgtr{},
	proxyrec.TagConnect80: connectNgtr{port: 80, tag: proxyrec.TagConnect80, name: "CONNECT:80"},
	proxyrec.TagConnect25: connectNgtr{port: 25, tag: proxyrec.TagConnect25, name: "CONNECT:25", smtp: true},
	proxyrec.TagSOCKS4:    socks4Ngtr{},
	proxyrec.TagSOCKS5:    socks5Ngtr{},
}

//  ██╗  ██╗████████╗████████╗██████╗
//  ██║  ██║╚══██╔══╝╚══██╔══╝██╔══██╗
//  ███████║   ██║      ██║   ██████╔╝
//  ██╔══██║   ██║      ██║   ██╔═══╝
//  ██║  ██║   ██║      ██║   ██║
//  ╚═╝  ╚═╝   ╚═╝      ╚═╝   ╚═╝
//

// httpNgtr is a no-op: the caller sends a full-URI request directly.
type httpNgtr struct{}

func (httpNgtr) Name() string               { return "HTTP" }
func (httpNgtr) Tag() proxyrec.Tag          { return proxyrec.TagHTTP }
func (httpNgtr) CheckAnonLvl() bool         { return true }
func (httpNgtr) UseFullPath() bool          { return true }
func (httpNgtr) Negotiate(*proxyrec.Proxy, string, string, int) error { return nil }

//  ██╗  ██╗████████╗████████╗██████╗ ███████╗
//  ██║  ██║╚══██╔══╝╚══██╔══╝██╔══██╗██╔════╝
//  ███████║   ██║      ██║   ██████╔╝███████╗
//  ██╔══██║   ██║      ██║   ██╔═══╝ ╚════██║
//  ██║  ██║   ██║      ██║   ██║     ███████║
//  ╚═╝  ╚═╝   ╚═╝      ╚═╝   ╚═╝     ╚══════╝
//

// httpsNgtr sends CONNECT host:443 and then upgrades the same transport to
// TLS itself (Proxy.Connect with tls=true).
type httpsNgtr struct{}

func (httpsNgtr) Name() string       { return "HTTPS" }
func (httpsNgtr) Tag() proxyrec.Tag  { return proxyrec.TagHTTPS }
func (httpsNgtr) CheckAnonLvl() bool { return false }
func (httpsNgtr) UseFullPath() bool  { return false }

func (httpsNgtr) Negotiate(p *proxyrec.Proxy, host, ip string, port int) error {
	req := connectRequest(host, 443)
	if err := p.Send(req); err != nil {
		return err
	}

	resp, err := p.Recv(proxyrec.RecvOptions{HeadOnly: true})
	if err != nil {
		return err
	}

	code, err := proxyrec.ParseStatusLine(resp)
	if err != nil {
		return perrors.BadResponse(err)
	}
	if code != 200 {
		return perrors.BadStatus(fmt.Errorf("CONNECT returned %d", code))
	}

	return p.Connect(context.Background(), true)
}

//  ██████╗ ██████╗ ███╗   ██╗███╗   ██╗███████╗ ██████╗████████╗
//  ██╔════╝██╔═══██╗████╗  ██║████╗  ██║██╔════╝██╔════╝╚══██╔══╝
//  ██║     ██║   ██║██╔██╗ ██║██╔██╗ ██║█████╗  ██║        ██║
//  ██║     ██║   ██║██║╚██╗██║██║╚██╗██║██╔══╝  ██║        ██║
//  ╚██████╗╚██████╔╝██║ ╚████║██║ ╚████║███████╗╚██████╗   ██║
//   ╚═════╝ ╚═════╝ ╚═╝  ╚═══╝╚═╝  ╚═══╝╚══════╝ ╚═════╝   ╚═╝
//

// connectNgtr implements raw CONNECT to ports 80 and 25. The :25 variant
// additionally requires an SMTP "220" greeting after the CONNECT response
// (spec.md §4.4) and never carries a follow-on judge request.
type connectNgtr struct {
	port int
	tag  proxyrec.Tag
	name string
	smtp bool
}

func (c connectNgtr) Name() string       { return c.name }
func (c connectNgtr) Tag() proxyrec.Tag  { return c.tag }
func (c connectNgtr) CheckAnonLvl() bool { return false }
func (c connectNgtr) UseFullPath() bool  { return false }

func (c connectNgtr) Negotiate(p *proxyrec.Proxy, host, ip string, port int) error {
	req := connectRequest(host, c.port)
	if err := p.Send(req); err != nil {
		return err
	}

	resp, err := p.Recv(proxyrec.RecvOptions{HeadOnly: true})
	if err != nil {
		return err
	}

	code, err := proxyrec.ParseStatusLine(resp)
	if err != nil {
		return perrors.BadResponse(err)
	}
	if code != 200 {
		return perrors.BadStatus(fmt.Errorf("CONNECT returned %d", code))
	}

	if c.smtp {
		greeting, err := p.Recv(proxyrec.RecvOptions{Length: 3})
		if err != nil {
			return err
		}
		if string(greeting) != "220" {
			return perrors.BadResponse(fmt.Errorf("expected SMTP 220 greeting, got %q", greeting))
		}
	}

	return nil
}

func connectRequest(host string, port int) []byte {
	return []byte(fmt.Sprintf(
		"CONNECT %s:%d HTTP/1.1\r\nHost: %s:%d\r\nConnection: keep-alive\r\n\r\n",
		host, port, host, port,
	))
}

//  ███████╗ ██████╗  ██████╗██╗  ██╗███████╗██╗  ██╗
//  ██╔════╝██╔═══██╗██╔════╝██║ ██╔╝██╔════╝██║  ██║
//  ███████╗██║   ██║██║     █████╔╝ ███████╗███████║
//  ╚════██║██║   ██║██║     ██╔═██╗ ╚════██║╚════██║
//  ███████║╚██████╔╝╚██████╗██║  ██╗███████║     ██║
//  ╚══════╝ ╚═════╝  ╚═════╝╚═╝  ╚═╝╚══════╝     ╚═╝
//

// socks4Ngtr implements a SOCKS4 CONNECT request: 04 01 <port> <ip> 00.
type socks4Ngtr struct{}

func (socks4Ngtr) Name() string       { return "SOCKS4" }
func (socks4Ngtr) Tag() proxyrec.Tag  { return proxyrec.TagSOCKS4 }
func (socks4Ngtr) CheckAnonLvl() bool { return false }
func (socks4Ngtr) UseFullPath() bool  { return false }

func (socks4Ngtr) Negotiate(p *proxyrec.Proxy, host, ip string, port int) error {
	bip, err := ipv4Bytes(ip)
	if err != nil {
		return perrors.BadResponse(err)
	}

	req := make([]byte, 0, 9)
	req = append(req, 0x04, 0x01)
	req = binary.BigEndian.AppendUint16(req, uint16(port))
	req = append(req, bip[:]...)
	req = append(req, 0x00)

	if err := p.Send(req); err != nil {
		return err
	}

	resp, err := p.Recv(proxyrec.RecvOptions{Length: 8})
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[0] != 0x00 || resp[1] != 0x5A {
		return perrors.BadResponse(fmt.Errorf("SOCKS4 request rejected: % x", resp))
	}
	return nil
}

// socks5Ngtr implements no-auth SOCKS5 negotiation followed by a CONNECT
// request.
type socks5Ngtr struct{}

func (socks5Ngtr) Name() string       { return "SOCKS5" }
func (socks5Ngtr) Tag() proxyrec.Tag  { return proxyrec.TagSOCKS5 }
func (socks5Ngtr) CheckAnonLvl() bool { return false }
func (socks5Ngtr) UseFullPath() bool  { return false }

func (socks5Ngtr) Negotiate(p *proxyrec.Proxy, host, ip string, port int) error {
	if err := p.Send([]byte{0x05, 0x01, 0x00}); err != nil {
		return err
	}

	resp, err := p.Recv(proxyrec.RecvOptions{Length: 2})
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[0] != 0x05 || resp[1] != 0x00 {
		return perrors.BadResponse(fmt.Errorf("SOCKS5 greeting rejected: % x", resp))
	}

	bip, err := ipv4Bytes(ip)
	if err != nil {
		return perrors.BadResponse(err)
	}

	req := make([]byte, 0, 10)
	req = append(req, 0x05, 0x01, 0x00, 0x01)
	req = append(req, bip[:]...)
	req = binary.BigEndian.AppendUint16(req, uint16(port))

	if err := p.Send(req); err != nil {
		return err
	}

	resp, err = p.Recv(proxyrec.RecvOptions{Length: 10})
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[0] != 0x05 || resp[1] != 0x00 {
		return perrors.BadResponse(fmt.Errorf("SOCKS5 request rejected: % x", resp))
	}
	return nil
}

func ipv4Bytes(ip string) ([4]byte, error) {
	var out [4]byte
	parsed := net.ParseIP(ip).To4()
	if parsed == nil {
		return out, fmt.Errorf("not an IPv4 address: %q", ip)
	}
	copy(out[:], parsed)
	return out, nil
}
