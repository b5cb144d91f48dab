package zrpcweb

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/crazyfrankie/zrpcweb/mem"
	"github.com/crazyfrankie/zrpcweb/stats"
	"github.com/crazyfrankie/zrpcweb/stream"
)

func TestRouterRouting(t *testing.T) {
	rt := newTestDesc().Attach(&testService{})

	t.Run("other service declined", func(t *testing.T) {
		w, ok := doCall(rt, "/other/Echo", nil)
		assert.False(t, ok)
		assert.Empty(t, w.Header())
		assert.Zero(t, w.Body.Len())
	})

	t.Run("service name prefix declined", func(t *testing.T) {
		_, ok := doCall(rt, "/svcX/Echo", nil)
		assert.False(t, ok)
	})

	for _, path := range []string{"/svc/Missing", "/svc", "/svc/Echo/extra"} {
		t.Run("not found "+path, func(t *testing.T) {
			w, ok := doCall(rt, path, frameBody(t, wrapperspb.String("x")))
			require.True(t, ok)

			res := w.Result()
			assert.Equal(t, http.StatusOK, res.StatusCode)
			assert.Equal(t, ContentType, res.Header.Get("Content-Type"))
			assert.Zero(t, w.Body.Len())
			assert.Equal(t, "5", res.Trailer.Get(statusTrailer))
			assert.Contains(t, DecodeMessage(res.Trailer.Get(messageTrailer)), path)
		})
	}

	t.Run("missing method named", func(t *testing.T) {
		w, _ := doCall(rt, "/svc/Missing", nil)
		assert.Contains(t, w.Result().Trailer.Get(messageTrailer), "Missing")
	})
}

func TestUnaryRoundTrip(t *testing.T) {
	rt := newTestDesc().Attach(&testService{})
	body := frameBody(t, wrapperspb.String("hello"))

	w, ok := doCall(rt, "/svc/Echo", body)
	require.True(t, ok)

	res := w.Result()
	assert.Equal(t, body, w.Body.Bytes())
	assert.Equal(t, "0", res.Trailer.Get(statusTrailer))
	assert.NotContains(t, res.Trailer, messageTrailer)
	assert.Equal(t, []string{statusTrailer}, res.Header.Values("Trailer"))
}

func TestUnaryConsumesFirstRequestOnly(t *testing.T) {
	rt := newTestDesc().Attach(&testService{prefix: "> "})

	w, _ := doCall(rt, "/svc/Echo", frameBody(t, wrapperspb.String("a"), wrapperspb.String("b")))
	assert.Equal(t, []string{"> a"}, decodeStrings(t, w.Body.Bytes()))
	assert.Equal(t, "0", w.Result().Trailer.Get(statusTrailer))
}

func TestEmptyUnaryInput(t *testing.T) {
	rt := newTestDesc().Attach(&testService{})

	for _, path := range []string{"/svc/Echo", "/svc/Count"} {
		w, ok := doCall(rt, path, nil)
		require.True(t, ok)

		res := w.Result()
		assert.Zero(t, w.Body.Len())
		assert.Equal(t, "2", res.Trailer.Get(statusTrailer))
		assert.Equal(t, internalErrorMessage, res.Trailer.Get(messageTrailer))
	}
}

func TestPartialOutputOnFailure(t *testing.T) {
	rt := newTestDesc().Attach(&testService{})
	body := frameBody(t, wrapperspb.String("one"), wrapperspb.String("two"), wrapperspb.String("three"))

	w, ok := doCall(rt, "/svc/Chat", body)
	require.True(t, ok)

	assert.Equal(t, []string{"re: one", "re: two"}, decodeStrings(t, w.Body.Bytes()))
	assert.Equal(t, "2", w.Result().Trailer.Get(statusTrailer))
}

func TestClientStream(t *testing.T) {
	rt := newTestDesc().Attach(&testService{})

	w, _ := doCall(rt, "/svc/Sum", frameBody(t, wrapperspb.Int64(1), wrapperspb.Int64(2), wrapperspb.Int64(39)))
	assert.Equal(t, []int64{42}, decodeInt64s(t, w.Body.Bytes()))
	assert.Equal(t, "0", w.Result().Trailer.Get(statusTrailer))

	w, _ = doCall(rt, "/svc/Sum", nil)
	assert.Equal(t, []int64{0}, decodeInt64s(t, w.Body.Bytes()))
	assert.Equal(t, "0", w.Result().Trailer.Get(statusTrailer))
}

func TestServerStream(t *testing.T) {
	rt := newTestDesc().Attach(&testService{})

	w, _ := doCall(rt, "/svc/Count", frameBody(t, wrapperspb.Int64(3)))
	assert.Equal(t, []int64{1, 2, 3}, decodeInt64s(t, w.Body.Bytes()))
	assert.Equal(t, "0", w.Result().Trailer.Get(statusTrailer))
}

func TestDecodeFailures(t *testing.T) {
	rt := newTestDesc().Attach(&testService{})

	cases := []struct {
		name string
		body []byte
	}{
		{name: "malformed payload", body: []byte{0, 0, 0, 0, 1, 0xff}},
		{name: "truncated frame", body: []byte{0, 0, 0, 0, 10, 1, 2, 3}},
		{name: "truncated header", body: []byte{0, 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, ok := doCall(rt, "/svc/Echo", tc.body)
			require.True(t, ok)
			assert.Zero(t, w.Body.Len())
			assert.Equal(t, "2", w.Result().Trailer.Get(statusTrailer))
		})
	}
}

func TestBidiKeepsFramesBeforeMalformedPayload(t *testing.T) {
	rt := newTestDesc().Attach(&testService{})
	body := frameBody(t, wrapperspb.String("one"))
	body = append(body, 0, 0, 0, 0, 1, 0xff)

	w, _ := doCall(rt, "/svc/Chat", body)
	assert.Equal(t, []string{"re: one"}, decodeStrings(t, w.Body.Bytes()))
	assert.Equal(t, "2", w.Result().Trailer.Get(statusTrailer))
}

func TestHandlerPanic(t *testing.T) {
	rt := newTestDesc().Attach(&testService{})

	w, ok := doCall(rt, "/svc/Panic", frameBody(t, wrapperspb.String("x")))
	require.True(t, ok)
	assert.Equal(t, "2", w.Result().Trailer.Get(statusTrailer))
}

func TestErrorFunc(t *testing.T) {
	var gotInfo *ServerInfo
	rt := newTestDesc().Attach(&testService{}, WithErrorFunc(func(info *ServerInfo, err error) string {
		gotInfo = info
		return "chat: " + err.Error() + " 100%"
	}))

	w, _ := doCall(rt, "/svc/Chat", frameBody(t, wrapperspb.String("a"), wrapperspb.String("b")))

	msg := w.Result().Trailer.Get(messageTrailer)
	assert.Equal(t, "chat: chat failed 100%25", msg)
	assert.Equal(t, "chat: chat failed 100%", DecodeMessage(msg))
	require.NotNil(t, gotInfo)
	assert.Equal(t, "/svc/Chat", gotInfo.FullMethod)
	assert.Equal(t, BidiStreaming, gotInfo.Shape)
}

func TestMetadataAndTrailer(t *testing.T) {
	rt := newTestDesc().Attach(&testService{})

	r := httptest.NewRequest(http.MethodPost, "/svc/Whoami", nil)
	r.Body = io.NopCloser(readerOf(frameBody(t, wrapperspb.String(""))))
	r.Header.Set("X-User", "bob")
	w := httptest.NewRecorder()
	require.True(t, rt.Handle(w, r))

	res := w.Result()
	assert.Equal(t, []string{"[bob]"}, decodeStrings(t, w.Body.Bytes()))
	assert.Equal(t, "0", res.Trailer.Get(statusTrailer))
	assert.Equal(t, "test", res.Trailer.Get("X-Served-By"))
}

func TestMaxSendMessageSize(t *testing.T) {
	rt := newTestDesc().Attach(&testService{}, WithMaxSendMessageSize(4))

	w, _ := doCall(rt, "/svc/Echo", frameBody(t, wrapperspb.String("too long")))
	assert.Zero(t, w.Body.Len())
	assert.Equal(t, "2", w.Result().Trailer.Get(statusTrailer))
}

func TestMaxReceiveMessageSize(t *testing.T) {
	rt := newTestDesc().Attach(&testService{}, WithMaxReceiveMessageSize(4))

	w, _ := doCall(rt, "/svc/Echo", frameBody(t, wrapperspb.String("too long")))
	assert.Zero(t, w.Body.Len())
	assert.Equal(t, "2", w.Result().Trailer.Get(statusTrailer))
}

func TestClientGoneWritesNoTrailer(t *testing.T) {
	rt := newTestDesc().Attach(&testService{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := httptest.NewRequest(http.MethodPost, "/svc/Count", readerOf(frameBody(t, wrapperspb.Int64(-1))))
	r = r.WithContext(ctx)
	w := httptest.NewRecorder()

	require.True(t, rt.Handle(w, r))
	assert.Empty(t, w.Result().Trailer.Get(statusTrailer))
}

func TestStatsHandler(t *testing.T) {
	sh := &recordingStats{}
	rt := newTestDesc().Attach(&testService{}, WithStatsHandler(sh))

	w, _ := doCall(rt, "/svc/Count", frameBody(t, wrapperspb.Int64(2)))
	require.Equal(t, "0", w.Result().Trailer.Get(statusTrailer))

	events := sh.snapshot()
	require.Len(t, events, 8)
	assert.Equal(t, []string{"begin", "in-header"}, events[:2])
	assert.Equal(t, []string{"out-trailer", "end"}, events[6:])
	assert.Equal(t, &stats.RPCTagInfo{FullMethodName: "/svc/Count", IsServerStream: true}, sh.tag)
	assert.ElementsMatch(t, []string{"in-payload", "out-header", "out-payload", "out-payload"}, events[2:6])

	require.NotNil(t, sh.end)
	assert.Equal(t, int(OK), sh.end.Code)
	assert.NoError(t, sh.end.Error)
	assert.Equal(t, []string{"0"}, sh.end.Trailer[statusTrailer])
}

func TestStatsHandlerFailure(t *testing.T) {
	sh := &recordingStats{}
	rt := newTestDesc().Attach(&testService{}, WithStatsHandler(sh))

	doCall(rt, "/svc/Chat", frameBody(t, wrapperspb.String("a"), wrapperspb.String("b")))

	require.NotNil(t, sh.end)
	assert.Equal(t, int(Unknown), sh.end.Code)
	assert.ErrorIs(t, sh.end.Error, errChatFailed)
}

func TestMiddlewareOrder(t *testing.T) {
	var order []string
	mw := func(name string) ServerMiddleware {
		return func(ctx context.Context, body io.Reader, info *ServerInfo, next CallHandler) *stream.Stream[mem.Buffer] {
			order = append(order, name+":"+info.FullMethod)
			return next(ctx, body)
		}
	}

	rt := newTestDesc().Attach(&testService{},
		WithChainMiddleware(mw("second"), mw("third")),
		WithMiddleware(mw("first")),
	)
	w, _ := doCall(rt, "/svc/Echo", frameBody(t, wrapperspb.String("x")))

	assert.Equal(t, "0", w.Result().Trailer.Get(statusTrailer))
	assert.Equal(t, []string{"first:/svc/Echo", "second:/svc/Echo", "third:/svc/Echo"}, order)
}

func TestMiddlewareShortCircuit(t *testing.T) {
	errDenied := errors.New("denied")
	rt := newTestDesc().Attach(&testService{},
		WithMiddleware(func(ctx context.Context, body io.Reader, info *ServerInfo, next CallHandler) *stream.Stream[mem.Buffer] {
			return stream.Fail[mem.Buffer](errDenied)
		}),
		WithErrorFunc(func(_ *ServerInfo, err error) string { return err.Error() }),
	)

	w, _ := doCall(rt, "/svc/Echo", frameBody(t, wrapperspb.String("x")))
	assert.Zero(t, w.Body.Len())
	assert.Equal(t, "2", w.Result().Trailer.Get(statusTrailer))
	assert.Equal(t, "denied", w.Result().Trailer.Get(messageTrailer))
}

func TestMiddlewarePanic(t *testing.T) {
	rt := newTestDesc().Attach(&testService{},
		WithMiddleware(func(context.Context, io.Reader, *ServerInfo, CallHandler) *stream.Stream[mem.Buffer] {
			panic("middleware")
		}),
	)

	w, _ := doCall(rt, "/svc/Echo", frameBody(t, wrapperspb.String("x")))
	assert.Equal(t, "2", w.Result().Trailer.Get(statusTrailer))
}

func TestDuplicateMethodShadows(t *testing.T) {
	desc := newTestDesc()
	desc.Calls = append(desc.Calls, Unary("Echo", stringCodec, stringCodec,
		func(_ *testService, _ context.Context, _ *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
			return wrapperspb.String("shadow"), nil
		}))
	rt := desc.Attach(&testService{})

	w, _ := doCall(rt, "/svc/Echo", frameBody(t, wrapperspb.String("x")))
	assert.Equal(t, []string{"shadow"}, decodeStrings(t, w.Body.Bytes()))
}

func TestChain(t *testing.T) {
	first := newTestDesc().Attach(&testService{prefix: "first "})
	otherDesc := newTestDesc()
	otherDesc.Name = "other"
	second := otherDesc.Attach(&testService{prefix: "second "})

	h := Chain(nil, first, second)
	for path, want := range map[string]string{
		"/svc/Echo":   "first x",
		"/other/Echo": "second x",
	} {
		r := httptest.NewRequest(http.MethodPost, path, readerOf(frameBody(t, wrapperspb.String("x"))))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Equal(t, []string{want}, decodeStrings(t, w.Body.Bytes()), path)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/third/Echo", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	first.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/other/Echo", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "OK", OK.String())
	assert.Equal(t, "Unknown", Unknown.String())
	assert.Equal(t, "NotFound", NotFound.String())
	assert.Equal(t, "Code(7)", Code(7).String())

	assert.Equal(t, "plain message", encodeMessage("plain message"))
	assert.Equal(t, "line%0Abreak %25 caf%C3%A9", encodeMessage("line\nbreak % café"))
	assert.Equal(t, "line\nbreak % café", DecodeMessage("line%0Abreak %25 caf%C3%A9"))
	assert.Equal(t, "bad %zz", DecodeMessage("bad %zz"))
}

// closeSignalBody reports when a read of the wrapped body fails.
type closeSignalBody struct {
	io.Reader
	once sync.Once
	done chan struct{}
}

func (b *closeSignalBody) Read(p []byte) (int, error) {
	n, err := b.Reader.Read(p)
	if err != nil {
		b.once.Do(func() { close(b.done) })
	}
	return n, err
}

func TestUnaryEndsBeforeBodyIsClosed(t *testing.T) {
	rt := newTestDesc().Attach(&testService{})

	pr, pw := io.Pipe()
	body := &closeSignalBody{Reader: pr, done: make(chan struct{})}
	go pw.Write(frameBody(t, wrapperspb.String("hi")))

	r := httptest.NewRequest(http.MethodPost, "/svc/Echo", body)
	w := httptest.NewRecorder()
	require.True(t, rt.Handle(w, r))
	assert.Equal(t, []string{"hi"}, decodeStrings(t, w.Body.Bytes()))
	assert.Equal(t, "0", w.Result().Trailer.Get(statusTrailer))

	select {
	case <-body.done:
		t.Fatal("body reader exited before the body was closed")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, pw.Close())
	select {
	case <-body.done:
	case <-time.After(time.Second):
		t.Fatal("body reader still blocked after the body was closed")
	}
}
