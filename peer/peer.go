// Package peer defines various peer information associated with calls and
// corresponding utils.
package peer

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/crazyfrankie/zrpcweb/share"
)

// Peer contains the information of the peer for a call.
type Peer struct {
	// Addr is the peer address.
	Addr net.Addr
	// LocalAddr is the local address.
	LocalAddr net.Addr
}

// String ensures the Peer types implements the Stringer interface in order to
// allow to print a context with a peerKey value effectively.
func (p *Peer) String() string {
	if p == nil {
		return "Peer<nil>"
	}
	sb := &strings.Builder{}
	sb.WriteString("Peer{")
	if p.Addr != nil {
		fmt.Fprintf(sb, "Addr: '%s', ", p.Addr.String())
	} else {
		fmt.Fprintf(sb, "Addr: <nil>, ")
	}
	if p.LocalAddr != nil {
		fmt.Fprintf(sb, "LocalAddr: '%s'", p.LocalAddr.String())
	} else {
		fmt.Fprintf(sb, "LocalAddr: <nil>")
	}
	sb.WriteString("}")

	return sb.String()
}

type peerKey struct{}

// NewContext creates a new context with peer information attached.
func NewContext(ctx context.Context, p *Peer) context.Context {
	return context.WithValue(ctx, peerKey{}, p)
}

// FromContext returns the peer information in ctx if it exists.
func FromContext(ctx context.Context) (p *Peer, ok bool) {
	p, ok = ctx.Value(peerKey{}).(*Peer)
	return
}

// FromRequest resolves the peer of r. The connection stored by
// share.SetConnection is preferred; otherwise the addresses known to
// net/http are used.
func FromRequest(r *http.Request) *Peer {
	ctx := r.Context()
	if conn, ok := share.GetConnection(ctx); ok {
		return &Peer{Addr: conn.RemoteAddr(), LocalAddr: conn.LocalAddr()}
	}

	p := &Peer{}
	if r.RemoteAddr != "" {
		p.Addr = addr(r.RemoteAddr)
	}
	if local, ok := ctx.Value(http.LocalAddrContextKey).(net.Addr); ok {
		p.LocalAddr = local
	}
	return p
}

func addr(hostport string) net.Addr {
	if ap, err := net.ResolveTCPAddr("tcp", hostport); err == nil {
		return ap
	}
	return stringAddr(hostport)
}

type stringAddr string

func (a stringAddr) Network() string { return "tcp" }
func (a stringAddr) String() string  { return string(a) }
