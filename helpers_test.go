package zrpcweb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/crazyfrankie/zrpcweb/codec"
	"github.com/crazyfrankie/zrpcweb/metadata"
	"github.com/crazyfrankie/zrpcweb/protocol"
	"github.com/crazyfrankie/zrpcweb/stats"
	"github.com/crazyfrankie/zrpcweb/stream"
)

var (
	stringCodec = codec.Proto[*wrapperspb.StringValue]()
	int64Codec  = codec.Proto[*wrapperspb.Int64Value]()

	errChatFailed = errors.New("chat failed")
)

type testService struct {
	prefix string
}

func (s *testService) Echo(_ context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	return wrapperspb.String(s.prefix + req.GetValue()), nil
}

func (s *testService) Sum(_ context.Context, in *stream.Stream[*wrapperspb.Int64Value]) (*wrapperspb.Int64Value, error) {
	vals, err := stream.Collect(in)
	if err != nil {
		return nil, err
	}
	var sum int64
	for _, v := range vals {
		sum += v.GetValue()
	}
	return wrapperspb.Int64(sum), nil
}

func (s *testService) Count(ctx context.Context, req *wrapperspb.Int64Value) *stream.Stream[*wrapperspb.Int64Value] {
	return stream.Produce(ctx, func(ctx context.Context, send stream.SendFunc[*wrapperspb.Int64Value]) error {
		for i := int64(1); req.GetValue() < 0 || i <= req.GetValue(); i++ {
			if err := send(wrapperspb.Int64(i)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Chat answers the first two messages and then fails.
func (s *testService) Chat(ctx context.Context, in *stream.Stream[*wrapperspb.StringValue]) *stream.Stream[*wrapperspb.StringValue] {
	return stream.Produce(ctx, func(ctx context.Context, send stream.SendFunc[*wrapperspb.StringValue]) error {
		for i := 0; i < 2; i++ {
			req, err := in.Recv()
			if err != nil {
				return err
			}
			if err := send(wrapperspb.String("re: " + req.GetValue())); err != nil {
				return err
			}
		}
		return errChatFailed
	})
}

func (s *testService) Whoami(ctx context.Context, _ *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if err := SetTrailer(ctx, metadata.Pairs("x-served-by", "test")); err != nil {
		return nil, err
	}
	return wrapperspb.String(fmt.Sprint(md.Get("x-user"))), nil
}

func (s *testService) Panic(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	panic("boom")
}

func newTestDesc() *ServiceDesc[*testService] {
	return &ServiceDesc[*testService]{
		Name: "svc",
		Calls: []CallDesc[*testService]{
			Unary("Echo", stringCodec, stringCodec, (*testService).Echo),
			ClientStream("Sum", int64Codec, int64Codec, (*testService).Sum),
			ServerStream("Count", int64Codec, int64Codec, (*testService).Count),
			BidiStream("Chat", stringCodec, stringCodec, (*testService).Chat),
			Unary("Whoami", stringCodec, stringCodec, (*testService).Whoami),
			Unary("Panic", stringCodec, stringCodec, (*testService).Panic),
		},
	}
}

func frameBody(t testing.TB, msgs ...proto.Message) []byte {
	t.Helper()
	var body []byte
	for _, m := range msgs {
		data, err := proto.Marshal(m)
		require.NoError(t, err)
		body = protocol.AppendFrame(body, data)
	}
	return body
}

func readFrames(t *testing.T, body []byte) [][]byte {
	t.Helper()
	d := protocol.NewDecoder()
	frames, err := d.Feed(body)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	out := make([][]byte, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Payload)
	}
	return out
}

func decodeStrings(t *testing.T, body []byte) []string {
	t.Helper()
	var out []string
	for _, p := range readFrames(t, body) {
		v, err := stringCodec.Unmarshal(p)
		require.NoError(t, err)
		out = append(out, v.GetValue())
	}
	return out
}

func decodeInt64s(t *testing.T, body []byte) []int64 {
	t.Helper()
	var out []int64
	for _, p := range readFrames(t, body) {
		v, err := int64Codec.Unmarshal(p)
		require.NoError(t, err)
		out = append(out, v.GetValue())
	}
	return out
}

func doCall(rt *Router, path string, body []byte) (*httptest.ResponseRecorder, bool) {
	r := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	r.Header.Set("Content-Type", ContentType)
	w := httptest.NewRecorder()
	return w, rt.Handle(w, r)
}

type recordingStats struct {
	mu     sync.Mutex
	events []string
	tag    *stats.RPCTagInfo
	end    *stats.End
}

func (h *recordingStats) TagRPC(ctx context.Context, info *stats.RPCTagInfo) context.Context {
	h.mu.Lock()
	h.tag = info
	h.mu.Unlock()
	return ctx
}

func (h *recordingStats) HandleRPC(_ context.Context, rs stats.RPCStats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch rs := rs.(type) {
	case *stats.Begin:
		h.events = append(h.events, "begin")
	case *stats.InHeader:
		h.events = append(h.events, "in-header")
	case *stats.InPayload:
		h.events = append(h.events, "in-payload")
	case *stats.OutHeader:
		h.events = append(h.events, "out-header")
	case *stats.OutPayload:
		h.events = append(h.events, "out-payload")
	case *stats.OutTrailer:
		h.events = append(h.events, "out-trailer")
	case *stats.End:
		h.events = append(h.events, "end")
		h.end = rs
	}
}

func (h *recordingStats) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func readerOf(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
