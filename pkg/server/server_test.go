package server

import (
	"bufio"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayhub/relaychat/pkg/logging"
	"github.com/relayhub/relaychat/pkg/protocol"
)

func newTestServer(t *testing.T, maxClients int) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.MetricsPort = 0
	cfg.DatabasePath = filepath.Join(t.TempDir(), "chat.db")
	cfg.MaxClients = maxClients
	cfg.ShutdownGrace = 20 * time.Millisecond
	cfg.WorkerWaitTimeout = 3 * time.Second

	srv, err := NewServer(cfg, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

// chatClient drives one client connection from the test. A background
// pump decodes inbound frames into a channel so the test never blocks
// the server's fanout.
type chatClient struct {
	conn   net.Conn
	frames chan *protocol.Frame
}

func dial(t *testing.T, srv *Server) *chatClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &chatClient{conn: conn, frames: make(chan *protocol.Frame, 32)}
	go func() {
		for {
			frame, err := protocol.DecodeFrame(conn)
			if err != nil {
				close(c.frames)
				return
			}
			c.frames <- frame
		}
	}()
	return c
}

func (c *chatClient) send(t *testing.T, text string) {
	t.Helper()
	require.NoError(t, protocol.EncodeText(c.conn, text))
}

func (c *chatClient) sendFile(t *testing.T, name string, data []byte) {
	t.Helper()
	require.NoError(t, protocol.EncodeFile(c.conn, name, data))
}

func (c *chatClient) next(t *testing.T) *protocol.Frame {
	t.Helper()
	select {
	case frame, ok := <-c.frames:
		require.True(t, ok, "connection closed while awaiting frame")
		return frame
	case <-time.After(3 * time.Second):
		t.Fatal("timed out awaiting frame")
		return nil
	}
}

func (c *chatClient) nextText(t *testing.T) string {
	t.Helper()
	frame := c.next(t)
	require.Equal(t, protocol.TypeText, frame.Type)
	return frame.Text
}

func (c *chatClient) expectText(t *testing.T, want string) {
	t.Helper()
	assert.Equal(t, want, c.nextText(t))
}

func (c *chatClient) expectClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				return
			}
			// Drain frames in flight before the close.
		case <-deadline:
			t.Fatal("connection was not closed")
		}
	}
}

func (c *chatClient) assertSilent(t *testing.T) {
	t.Helper()
	select {
	case frame := <-c.frames:
		t.Fatalf("unexpected frame: %+v", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

// register performs a new-user handshake and consumes the welcome line.
func (c *chatClient) register(t *testing.T, name, password string) {
	t.Helper()
	c.send(t, protocol.CheckUserPrefix+name)
	c.expectText(t, protocol.UserNew)
	c.send(t, protocol.RegisterPasswordPrefix+password)
	c.send(t, name)
	c.expectText(t, "Welcome, "+name+"!")
}

// login performs an existing-user handshake and consumes the welcome
// line.
func (c *chatClient) login(t *testing.T, name, password string) {
	t.Helper()
	c.send(t, protocol.CheckUserPrefix+name)
	c.expectText(t, protocol.UserExists)
	c.send(t, protocol.VerifyPasswordPrefix+password)
	c.expectText(t, protocol.PasswordCorrect)
	c.send(t, name)
	c.expectText(t, "Welcome, "+name+"!")
}

func TestChatJourney(t *testing.T) {
	srv := newTestServer(t, 10)

	alice := dial(t, srv)
	alice.register(t, "alice", "alicepw")

	bob := dial(t, srv)
	bob.register(t, "bob", "bobpw")
	alice.expectText(t, "SERVER: bob has joined the chat!")

	// Public message reaches bob, not alice, with a timestamp prefix.
	alice.send(t, "hello everyone")
	got := bob.nextText(t)
	assert.True(t, strings.HasPrefix(got, "["), "missing timestamp prefix: %q", got)
	assert.True(t, strings.HasSuffix(got, "] alice: hello everyone"), "unexpected line: %q", got)
	alice.assertSilent(t)

	// Whisper delivers to the target and confirms to the sender.
	bob.send(t, "/w alice meet at noon")
	assert.True(t, strings.HasSuffix(alice.nextText(t), "] bob (Whisper): meet at noon"))
	assert.True(t, strings.HasSuffix(bob.nextText(t), "] You whispered to alice: meet at noon"))

	alice.send(t, "/list")
	alice.expectText(t, "List of users currently connected: [alice, bob]")

	// File relay: notice first, then the payload.
	payload := []byte("file contents")
	alice.sendFile(t, "notes.txt", payload)
	bob.expectText(t, "Incoming file from alice")
	frame := bob.next(t)
	require.Equal(t, protocol.TypeFile, frame.Type)
	assert.Equal(t, "notes.txt", frame.FileName)
	assert.Equal(t, payload, frame.FileData)

	// bob leaves; alice is told.
	bob.send(t, "bye")
	bob.expectClosed(t)
	alice.expectText(t, "SERVER: bob has left the chat!")

	// A late joiner replays the visible history: the public message and
	// the file placeholder, never bob's whisper to alice.
	dave := dial(t, srv)
	dave.register(t, "dave", "davepw")
	alice.expectText(t, "SERVER: dave has joined the chat!")
	first := dave.nextText(t)
	assert.True(t, strings.HasSuffix(first, "] alice: hello everyone"), "unexpected history line: %q", first)
	second := dave.nextText(t)
	assert.True(t, strings.HasSuffix(second, "] alice: [File: notes.txt]"), "unexpected history line: %q", second)
	dave.assertSilent(t)

	// Shutdown: everyone is notified, then the sockets close.
	srv.Stop()
	alice.expectClosed(t)
	dave.expectClosed(t)
}

func TestWrongPasswordDisconnectsBeforeRegistration(t *testing.T) {
	srv := newTestServer(t, 10)

	alice := dial(t, srv)
	alice.register(t, "alice", "alicepw")

	intruder := dial(t, srv)
	intruder.send(t, protocol.CheckUserPrefix+"alice")
	intruder.expectText(t, protocol.UserExists)
	intruder.send(t, protocol.VerifyPasswordPrefix+"guess")
	intruder.expectText(t, protocol.PasswordIncorrect)
	intruder.expectClosed(t)

	// The failed attempt never became a session: no join notice, and
	// alice's session is untouched.
	alice.assertSilent(t)
	alice.send(t, "/list")
	alice.expectText(t, "List of users currently connected: [alice]")
}

func TestDuplicateLoginRefused(t *testing.T) {
	srv := newTestServer(t, 10)

	first := dial(t, srv)
	first.register(t, "alice", "alicepw")

	second := dial(t, srv)
	second.send(t, protocol.CheckUserPrefix+"alice")
	second.expectText(t, protocol.UserExists)
	second.send(t, protocol.VerifyPasswordPrefix+"alicepw")
	second.expectText(t, protocol.PasswordCorrect)
	second.send(t, "alice")
	second.expectText(t, "SERVER: alice is already connected. Disconnecting.")
	second.expectClosed(t)

	// No spurious leave notice, and the first session stays routable.
	first.assertSilent(t)
	first.send(t, "/list")
	first.expectText(t, "List of users currently connected: [alice]")
}

func TestOversizedFileRejectedStreamStaysUsable(t *testing.T) {
	srv := newTestServer(t, 10)

	alice := dial(t, srv)
	alice.register(t, "alice", "alicepw")
	bob := dial(t, srv)
	bob.register(t, "bob", "bobpw")
	alice.expectText(t, "SERVER: bob has joined the chat!")

	// Hand-build a FILE frame declaring one byte over the limit; the
	// encoder refuses these, the server must drain and reject.
	w := bufio.NewWriter(alice.conn)
	require.NoError(t, protocol.WriteUint8(w, protocol.TypeFile))
	require.NoError(t, protocol.WriteString(w, "huge.bin"))
	require.NoError(t, protocol.WriteUint64(w, uint64(protocol.MaxFileSize)+1))
	require.NoError(t, w.Flush())
	_, err := io.CopyN(alice.conn, zeroReader{}, int64(protocol.MaxFileSize)+1)
	require.NoError(t, err)

	reject := alice.nextText(t)
	assert.Contains(t, reject, "huge.bin")
	assert.Contains(t, reject, "rejected")

	// Nothing was forwarded, and the stream is still frame-aligned.
	bob.assertSilent(t)
	alice.send(t, "/list")
	alice.expectText(t, "List of users currently connected: [alice, bob]")
}

func TestAcceptanceBlocksWhenSlotsFull(t *testing.T) {
	srv := newTestServer(t, 1)

	first := dial(t, srv)
	first.register(t, "alice", "alicepw")

	// The lone slot is taken: the second connection is queued by the
	// kernel and sees no handshake reply.
	second := dial(t, srv)
	second.send(t, protocol.CheckUserPrefix+"bob")
	second.assertSilent(t)

	// Freeing the slot lets the queued connection proceed.
	first.send(t, "bye")
	first.expectClosed(t)
	second.expectText(t, protocol.UserNew)
	second.send(t, protocol.RegisterPasswordPrefix+"bobpw")
	second.send(t, "bob")
	second.expectText(t, "Welcome, bob!")
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
