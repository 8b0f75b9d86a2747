package quic

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goburrow/quic/transport"
)

func generateTestCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
}

type streamEvent struct {
	conn transport.Event
	id   uint64
	data []byte
}

// recordingHandler is a Handler that echoes every byte it reads back on
// the same stream and records every event it sees, for tests to assert
// against without racing the endpoint's own goroutine.
type recordingHandler struct {
	events chan transport.Event
	accept chan Conn
	reads  chan streamEvent
	echo   bool
}

func newRecordingHandler(echo bool) *recordingHandler {
	return &recordingHandler{
		events: make(chan transport.Event, 64),
		accept: make(chan Conn, 8),
		reads:  make(chan streamEvent, 64),
		echo:   echo,
	}
}

func (h *recordingHandler) Serve(c Conn, events []transport.Event) {
	for _, e := range events {
		if e.Type == EventConnAccept {
			select {
			case h.accept <- c:
			default:
			}
		}
		if e.Type == transport.EventStream {
			if st := c.Stream(e.StreamID); st != nil {
				buf := make([]byte, 512)
				n, _ := st.Read(buf)
				if n > 0 {
					data := append([]byte(nil), buf[:n]...)
					select {
					case h.reads <- streamEvent{conn: e, id: e.StreamID, data: data}:
					default:
					}
					if h.echo {
						_, _ = st.Write(data)
						_ = st.Close()
					}
				}
			}
		}
		select {
		case h.events <- e:
		default:
		}
	}
}

func requireEvent(t *testing.T, ch chan transport.Event, typ transport.EventType, timeout time.Duration) transport.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %v", typ)
		}
	}
}

func TestClientServerHandshakeAndEcho(t *testing.T) {
	cert := generateTestCert(t)

	serverConfig := NewConfig()
	serverConfig.TLS.Certificates = []tls.Certificate{cert}
	serverHandler := newRecordingHandler(true)
	server := NewServer(serverConfig)
	server.SetHandler(serverHandler)
	require.NoError(t, server.ListenAndServe("127.0.0.1:0"))
	defer server.Close()

	serverAddr := server.endpoint.localAddr().String()

	clientConfig := NewConfig()
	clientConfig.TLS.InsecureSkipVerify = true
	clientHandler := newRecordingHandler(false)
	client := NewClient(clientConfig)
	client.SetHandler(clientHandler)
	require.NoError(t, client.ListenAndServe("127.0.0.1:0"))
	defer client.Close()

	require.NoError(t, client.Connect(serverAddr))

	requireEvent(t, clientHandler.events, EventConnAccept, 2*time.Second)
	clientConn := <-clientHandler.accept

	st, err := clientConn.OpenStream(true)
	require.NoError(t, err)
	_, err = st.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	serverRead := requireStreamRead(t, serverHandler.reads, 2*time.Second)
	require.Equal(t, "hello", string(serverRead.data))

	clientRead := requireStreamRead(t, clientHandler.reads, 2*time.Second)
	require.Equal(t, "hello", string(clientRead.data))

	require.NoError(t, clientConn.Close())
	requireEvent(t, serverHandler.events, EventConnClose, 2*time.Second)
}

func requireStreamRead(t *testing.T, ch chan streamEvent, timeout time.Duration) streamEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(timeout):
		t.Fatal("timed out waiting for stream data")
		return streamEvent{}
	}
}
