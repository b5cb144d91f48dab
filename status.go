package zrpcweb

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ContentType is the media type of framed request and response bodies.
const ContentType = "application/grpc"

const (
	statusTrailer  = "Grpc-Status"
	messageTrailer = "Grpc-Message"
)

// Code is the status carried by the trailer that terminates every response.
type Code uint32

const (
	// OK means the response stream completed normally.
	OK Code = 0
	// Unknown means the call failed while decoding, handling or encoding.
	Unknown Code = 2
	// NotFound means the service has no method of the requested name.
	NotFound Code = 5
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case Unknown:
		return "Unknown"
	case NotFound:
		return "NotFound"
	default:
		return "Code(" + strconv.FormatUint(uint64(c), 10) + ")"
	}
}

const internalErrorMessage = "internal error"

var (
	// ErrNoRequest is returned by unary-input calls whose request body
	// carried no message.
	ErrNoRequest = errors.New("zrpcweb: call requires a request message but none was sent")
	// ErrMessageTooLarge is returned when a response exceeds the maximum
	// send size.
	ErrMessageTooLarge = errors.New("zrpcweb: message exceeds the maximum send size")
)

// encodeMessage percent-encodes msg for the Grpc-Message trailer. Only
// printable ASCII other than '%' is left as is.
func encodeMessage(msg string) string {
	for i := 0; i < len(msg); i++ {
		if c := msg[i]; c < ' ' || c > '~' || c == '%' {
			return encodeMessageSlow(msg, i)
		}
	}
	return msg
}

func encodeMessageSlow(msg string, offset int) string {
	var sb strings.Builder
	sb.Grow(len(msg) + 8)
	sb.WriteString(msg[:offset])
	for i := offset; i < len(msg); i++ {
		c := msg[i]
		if c < ' ' || c > '~' || c == '%' {
			fmt.Fprintf(&sb, "%%%02X", c)
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// DecodeMessage reverses the percent-encoding of a Grpc-Message trailer.
// Malformed escapes are kept verbatim.
func DecodeMessage(encoded string) string {
	if !strings.Contains(encoded, "%") {
		return encoded
	}

	var sb strings.Builder
	sb.Grow(len(encoded))
	for i := 0; i < len(encoded); i++ {
		c := encoded[i]
		if c == '%' && i+2 < len(encoded) {
			if b, err := strconv.ParseUint(encoded[i+1:i+3], 16, 8); err == nil {
				sb.WriteByte(byte(b))
				i += 2
				continue
			}
		}
		sb.WriteByte(c)
	}
	return sb.String()
}
