package sagex

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPTransportOpenProbesHealth(t *testing.T) {
	var probed bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, healthPath, r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.Equal(t, "sagex-go/test", r.Header.Get("User-Agent"))
		require.Equal(t, "yes", r.Header.Get("X-Custom"))
		probed = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, "tok",
		WithUserAgent("sagex-go/test"),
		WithHeader("X-Custom", "yes"))
	require.NoError(t, tr.Open(context.Background()))
	require.True(t, probed)
	require.Equal(t, TransportHTTP, tr.Kind())
	require.NoError(t, tr.Close())
}

func TestHTTPTransportOpenAuthRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, "bad-token")
	err := tr.Open(context.Background())

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	require.False(t, Recoverable(err))
}

func TestHTTPTransportOpenServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, "tok")
	err := tr.Open(context.Background())

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, "open", terr.Op)
	require.True(t, Recoverable(err))
}

func TestHTTPTransportSendReceive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == healthPath {
			w.WriteHeader(http.StatusOK)
			return
		}
		require.Equal(t, messagePath, r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Contains(t, string(body), `"method":"ping"`)
		// Response body without a trailing newline; the transport frames it.
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":{}}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, "tok")
	ctx := context.Background()
	require.NoError(t, tr.Open(ctx))

	frame, err := EncodeMessage(Message{JSONRPC: JSONRPCVersion, ID: "1", Method: "ping"})
	require.NoError(t, err)
	require.NoError(t, tr.Send(ctx, frame))

	got, err := tr.Receive(ctx)
	require.NoError(t, err)

	var d Decoder
	msgs, err := d.Feed(got)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, MustString("1"), msgs[0].ID)
}

func TestHTTPTransportSendBeforeOpen(t *testing.T) {
	tr := NewHTTPTransport("http://localhost:9", "tok")
	err := tr.Send(context.Background(), []byte("{}\n"))

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
}

func TestHTTPTransportReceiveAfterClose(t *testing.T) {
	tr := NewHTTPTransport("http://localhost:9", "tok")
	require.NoError(t, tr.Close())

	_, err := tr.Receive(context.Background())
	require.ErrorIs(t, err, ErrEndOfStream)
}

func TestPipeTransportRoundTrip(t *testing.T) {
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	tr := NewPipeTransport(clientReader, clientWriter)
	ctx := context.Background()
	require.NoError(t, tr.Open(ctx))
	defer tr.Close()
	require.Equal(t, TransportPipe, tr.Kind())

	// Server side: echo one frame back.
	go func() {
		buf := make([]byte, 256)
		n, err := serverReader.Read(buf)
		if err != nil {
			return
		}
		_, _ = serverWriter.Write(buf[:n])
	}()

	frame, err := EncodeMessage(Message{JSONRPC: JSONRPCVersion, ID: "1", Method: "ping"})
	require.NoError(t, err)
	require.NoError(t, tr.Send(ctx, frame))

	got, err := tr.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, frame, got)
}

func TestPipeTransportEOF(t *testing.T) {
	reader, writer := io.Pipe()
	tr := NewPipeTransport(reader, io.Discard)
	require.NoError(t, tr.Open(context.Background()))
	defer tr.Close()

	require.NoError(t, writer.Close())

	_, err := tr.Receive(context.Background())
	require.ErrorIs(t, err, ErrEndOfStream)
}

func TestPipeTransportReceiveHonorsContext(t *testing.T) {
	reader, _ := io.Pipe()
	tr := NewPipeTransport(reader, io.Discard)
	require.NoError(t, tr.Open(context.Background()))
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tr.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMockTransportFailureInjection(t *testing.T) {
	tr := NewMockTransport()
	ctx := context.Background()

	tr.FailOpens(1)
	require.Error(t, tr.Open(ctx))
	require.NoError(t, tr.Open(ctx))
	require.Equal(t, 2, tr.Opens())

	tr.SetSendErr(io.ErrClosedPipe)
	err := tr.Send(ctx, []byte(`{"jsonrpc":"2.0","method":"ping"}`))
	var terr *TransportError
	require.ErrorAs(t, err, &terr)

	tr.SetSendErr(nil)
	require.NoError(t, tr.Send(ctx, []byte(`{"jsonrpc":"2.0","method":"ping"}`)))
	require.Len(t, tr.SentMessages(), 1)
}
