// Package stats defines the hooks through which a server reports the
// lifecycle of every call.
package stats

import (
	"context"
	"net"
	"time"
)

// Handler defines the interface for RPC stats collection.
// Methods are called from the goroutines of a call's pipeline and must be
// safe for concurrent use.
type Handler interface {
	// TagRPC can attach some information to the given context.
	// The context used for the rest lifetime of the RPC will be derived from
	// the returned context.
	TagRPC(ctx context.Context, info *RPCTagInfo) context.Context
	// HandleRPC processes the RPC stats.
	HandleRPC(ctx context.Context, stats RPCStats)
}

// RPCStats contains stats information about RPCs.
type RPCStats interface {
	isRPCStats()
}

// RPCTagInfo defines the relevant information needed by RPC context tagger.
type RPCTagInfo struct {
	// FullMethodName is the RPC method in the format of /service/method.
	FullMethodName string
	// IsClientStream indicates whether the RPC accepts a stream of requests.
	IsClientStream bool
	// IsServerStream indicates whether the RPC returns a stream of responses.
	IsServerStream bool
}

// Begin contains stats when an RPC begins.
type Begin struct {
	// BeginTime is the time when the RPC begins.
	BeginTime time.Time
	// IsClientStream indicates whether the RPC accepts a stream of requests.
	IsClientStream bool
	// IsServerStream indicates whether the RPC returns a stream of responses.
	IsServerStream bool
}

// InHeader contains stats when the request headers are received.
type InHeader struct {
	// Header contains the header metadata received.
	Header map[string][]string
	// FullMethod is the full RPC method string, i.e., /service/method.
	FullMethod string
	// RemoteAddr is the remote address of the corresponding connection.
	RemoteAddr net.Addr
	// LocalAddr is the local address of the corresponding connection.
	LocalAddr net.Addr
}

// InPayload contains the information for an incoming message.
type InPayload struct {
	// Payload is the decoded message.
	Payload any
	// Length is the length of the serialized message.
	Length int
	// WireLength is the length of the frame on the wire.
	WireLength int
	// Compressed reports the frame's compression flag.
	Compressed bool
	// RecvTime is the time when the payload is received.
	RecvTime time.Time
}

// OutHeader contains stats when the response headers are sent.
type OutHeader struct {
	// Header contains the header metadata sent.
	Header map[string][]string
	// FullMethod is the full RPC method string, i.e., /service/method.
	FullMethod string
}

// OutPayload contains the information for an outgoing message.
type OutPayload struct {
	// Payload is the message before serialization.
	Payload any
	// Length is the length of the serialized message.
	Length int
	// WireLength is the length of the frame on the wire.
	WireLength int
	// SentTime is the time when the payload is handed to the writer.
	SentTime time.Time
}

// OutTrailer contains stats when the trailer is sent.
type OutTrailer struct {
	// Trailer contains the trailer metadata sent to the client.
	Trailer map[string][]string
}

// End contains stats when an RPC ends.
type End struct {
	// BeginTime is the time when the RPC began.
	BeginTime time.Time
	// EndTime is the time when the RPC ends.
	EndTime time.Time
	// Trailer contains the trailer metadata sent, nil if none was.
	Trailer map[string][]string
	// Code is the status code carried by the trailer, -1 when the client
	// went away before one could be sent.
	Code int
	// Error is the error the RPC ended with.
	Error error
}

func (*Begin) isRPCStats()      {}
func (*InHeader) isRPCStats()   {}
func (*InPayload) isRPCStats()  {}
func (*OutHeader) isRPCStats()  {}
func (*OutPayload) isRPCStats() {}
func (*OutTrailer) isRPCStats() {}
func (*End) isRPCStats()        {}
