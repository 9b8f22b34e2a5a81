package server

// Session is the server-side state for one authenticated, connected
// client. It is owned exclusively by its worker goroutine; the Registry
// holds a non-owning reference used only for routing lookups. A Session
// is routable if and only if it is registered.
type Session struct {
	Username   string
	RemoteAddr string // Host portion of the remote address, for persisted rows
	Conn       *SafeConn
}

// SendText delivers one TEXT frame to this session.
func (s *Session) SendText(text string) error {
	return s.Conn.SendText(text)
}

// SendFile delivers one FILE frame to this session.
func (s *Session) SendFile(name string, data []byte) error {
	return s.Conn.SendFile(name, data)
}
