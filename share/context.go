// Package share passes the accepted connection from the listener to the
// handlers serving requests on it.
package share

import (
	"context"
	"net"
)

type connKey struct{}

// SetConnection adds the connection to the context. It has the signature of
// http.Server.ConnContext.
func SetConnection(ctx context.Context, conn net.Conn) context.Context {
	return context.WithValue(ctx, connKey{}, conn)
}

// GetConnection gets the connection from the context.
func GetConnection(ctx context.Context) (net.Conn, bool) {
	conn, ok := ctx.Value(connKey{}).(net.Conn)
	return conn, ok
}
