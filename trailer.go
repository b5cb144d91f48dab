package zrpcweb

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/crazyfrankie/zrpcweb/metadata"
)

type trailerKey struct{}

// trailerHolder collects the metadata handlers add to the trailer of the
// call they serve.
type trailerHolder struct {
	mu sync.Mutex
	md metadata.MD
}

func newTrailerContext(ctx context.Context) (context.Context, *trailerHolder) {
	th := &trailerHolder{}
	return context.WithValue(ctx, trailerKey{}, th), th
}

func (th *trailerHolder) get() metadata.MD {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.md.Copy()
}

// SetTrailer adds md to the trailer of the call served under ctx. The
// status fields always take precedence over keys of the same name.
func SetTrailer(ctx context.Context, md metadata.MD) error {
	if md.Len() == 0 {
		return nil
	}

	th, ok := ctx.Value(trailerKey{}).(*trailerHolder)
	if !ok {
		return fmt.Errorf("zrpcweb: failed to fetch the call's trailer from context: %v", ctx)
	}

	th.mu.Lock()
	th.md = metadata.Join(th.md, md)
	th.mu.Unlock()
	return nil
}

// declareTrailer announces the status trailer. It must be called before the
// response header is written, and forces a chunked HTTP/1.1 body even when
// the body is empty. Grpc-Message is only sent by failed calls, so it is not
// declared and goes out through http.TrailerPrefix instead.
func declareTrailer(h http.Header) {
	h.Add("Trailer", statusTrailer)
}

// writeTrailer sets the terminal trailer of a response whose header has
// already been written, returning what was set.
func writeTrailer(w http.ResponseWriter, code Code, msg string, extra metadata.MD) http.Header {
	h := w.Header()
	trailer := make(http.Header, len(extra)+2)

	for k, vs := range extra {
		key := http.CanonicalHeaderKey(k)
		if key == statusTrailer || key == messageTrailer {
			continue
		}
		for _, v := range vs {
			h.Add(http.TrailerPrefix+key, v)
			trailer.Add(key, v)
		}
	}

	h.Set(statusTrailer, strconv.FormatUint(uint64(code), 10))
	trailer.Set(statusTrailer, h.Get(statusTrailer))
	if code != OK && msg != "" {
		trailer.Set(messageTrailer, encodeMessage(msg))
		h.Set(http.TrailerPrefix+messageTrailer, trailer.Get(messageTrailer))
	}
	return trailer
}
