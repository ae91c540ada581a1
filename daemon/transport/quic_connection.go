package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/quantarax/verisync/internal/identity"
	"github.com/quantarax/verisync/internal/quicutil"
)

// Stream is one ordered, reliable, bidirectional byte stream carrying a
// single transfer session.
type Stream interface {
	io.Reader
	io.Writer
	// Close finishes the write side; pending writes are delivered.
	Close() error
	// Reset abandons both directions immediately.
	Reset()
}

// streamErrorCancelled is sent when a session is abandoned.
const streamErrorCancelled quic.StreamErrorCode = 1

type quicStream struct {
	*quic.Stream
}

func (s quicStream) Reset() {
	s.CancelRead(streamErrorCancelled)
	s.CancelWrite(streamErrorCancelled)
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 60 * time.Second,
		InitialStreamReceiveWindow:     8 << 20,   // 8 MiB
		InitialConnectionReceiveWindow: 128 << 20, // 128 MiB
		MaxIncomingStreams:             1024,
	}
}

// QUICConnection wraps a QUIC connection with helper methods
type QUICConnection struct {
	conn *quic.Conn
	peer identity.PeerID
}

// NewQUICConnection wraps conn and extracts the authenticated peer.
func NewQUICConnection(conn *quic.Conn) (*QUICConnection, error) {
	peer, err := quicutil.RemotePeerID(conn.ConnectionState().TLS)
	if err != nil {
		conn.CloseWithError(1, "unauthenticated peer")
		return nil, err
	}
	return &QUICConnection{conn: conn, peer: peer}, nil
}

// OpenStream opens a new stream for one session.
func (q *QUICConnection) OpenStream(ctx context.Context) (Stream, error) {
	stream, err := q.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return quicStream{stream}, nil
}

// AcceptStream waits for the peer to open a stream.
func (q *QUICConnection) AcceptStream(ctx context.Context) (Stream, error) {
	stream, err := q.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return quicStream{stream}, nil
}

// RemotePeerID returns the peer authenticated during the handshake.
func (q *QUICConnection) RemotePeerID() identity.PeerID { return q.peer }

// RemoteAddr returns the peer's network address.
func (q *QUICConnection) RemoteAddr() net.Addr { return q.conn.RemoteAddr() }

// Context is cancelled when the connection closes.
func (q *QUICConnection) Context() context.Context { return q.conn.Context() }

// Close closes the QUIC connection
func (q *QUICConnection) Close() error {
	return q.conn.CloseWithError(0, "connection closed")
}

// DialQUIC establishes a QUIC connection to a remote address
func DialQUIC(ctx context.Context, addr string, tlsConfig *tls.Config) (*QUICConnection, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, err
	}
	return NewQUICConnection(conn)
}

// ListenQUIC starts a QUIC listener
func ListenQUIC(addr string, tlsConfig *tls.Config) (*QUICListener, error) {
	listener, err := quic.ListenAddr(addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, err
	}
	return &QUICListener{listener: listener}, nil
}

// QUICListener wraps a QUIC listener
type QUICListener struct {
	listener *quic.Listener
}

// Accept accepts a new QUIC connection
func (l *QUICListener) Accept(ctx context.Context) (*QUICConnection, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return NewQUICConnection(conn)
}

// Close closes the listener
func (l *QUICListener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address
func (l *QUICListener) Addr() string {
	return l.listener.Addr().String()
}

// IsClosed reports whether err means the peer or the local side went
// away, as opposed to a protocol or storage failure.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var streamErr *quic.StreamError
	var appErr *quic.ApplicationError
	var idleErr *quic.IdleTimeoutError
	return errors.As(err, &streamErr) || errors.As(err, &appErr) || errors.As(err, &idleErr)
}

// Opener opens session streams to a peer. *QUICConnection implements it;
// tests substitute in-process pipes.
type Opener interface {
	OpenStream(ctx context.Context) (Stream, error)
}
