package server

import (
	"net"
	"sync"

	"github.com/relayhub/relaychat/pkg/protocol"
)

// SafeConn wraps a net.Conn with automatic write synchronization so
// concurrent writers cannot corrupt wire frames.
//
// A session's output is written both by its own worker (replies,
// history replay) and by other workers routing broadcasts and whispers
// to it. Without synchronization their frame bytes would interleave on
// the wire. SafeConn encapsulates the connection and its write mutex,
// making an unsynchronized write impossible: each encode+flush holds
// the lock as one atomic unit.
type SafeConn struct {
	conn net.Conn
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps a net.Conn with write synchronization.
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// SendText encodes and sends one TEXT frame under the write lock.
func (sc *SafeConn) SendText(text string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return protocol.EncodeText(sc.conn, text)
}

// SendFile encodes and sends one FILE frame under the write lock.
func (sc *SafeConn) SendFile(name string, data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return protocol.EncodeFile(sc.conn, name, data)
}

// ReadFrame reads the next frame. Reads are single-consumer (the
// session's worker) and need no lock.
func (sc *SafeConn) ReadFrame() (*protocol.Frame, error) {
	return protocol.DecodeFrame(sc.conn)
}

// Close closes the underlying connection, unblocking any pending read.
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address.
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
