package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/relayhub/relaychat/pkg/database"
	"github.com/relayhub/relaychat/pkg/protocol"
)

// Store is the persistence gateway consumed by the connection core. All
// calls are short-lived and independent; failures are reported, never
// fatal to the process.
type Store interface {
	UserExists(name string) (bool, error)
	RegisterUser(name, password string) error
	VerifyPassword(name, password string) (bool, error)
	InsertMessage(sender, senderAddr, recipient, recipientAddr, content, timestamp string) error
	GetHistory(username string) ([]string, error)
}

var (
	// ErrPasswordMismatch terminates a login attempt after the
	// PASSWORD_INCORRECT reply has been sent.
	ErrPasswordMismatch = errors.New("password verification failed")

	// ErrUsernameMismatch indicates the final username frame did not
	// match the name authenticated via CHECK_USER.
	ErrUsernameMismatch = errors.New("final username does not match authenticated name")

	// ErrUnexpectedFrame indicates the client broke the handshake
	// sequence (wrong frame type or missing control prefix).
	ErrUnexpectedFrame = errors.New("unexpected frame during handshake")
)

// Handshaker drives the per-connection authentication exchange. It
// walks the connection from the initial identity request to an
// authenticated username, or fails without side effects: nothing is
// registered until the handshake succeeds.
type Handshaker struct {
	store Store
	log   zerolog.Logger
}

// NewHandshaker creates a handshaker over the given credential store.
func NewHandshaker(store Store, log zerolog.Logger) *Handshaker {
	return &Handshaker{store: store, log: log}
}

// Run performs the handshake on conn and returns the authenticated
// username. On any error the connection must be discarded by the
// caller; replies owed to the client (USER_EXISTS, PASSWORD_INCORRECT,
// registration failures) have already been sent.
func (h *Handshaker) Run(conn *SafeConn) (string, error) {
	frame, err := conn.ReadFrame()
	if err != nil {
		return "", fmt.Errorf("reading identity request: %w", err)
	}
	if frame.Type != protocol.TypeText {
		return "", fmt.Errorf("%w: frame type 0x%02X", ErrUnexpectedFrame, frame.Type)
	}

	if !strings.HasPrefix(frame.Text, protocol.CheckUserPrefix) {
		// Legacy bare-username login: no password exchange. Kept for old
		// clients; there is no identity verification on this path.
		h.log.Warn().Str("username", frame.Text).Msg("legacy login without password check")
		return frame.Text, nil
	}

	name := strings.TrimPrefix(frame.Text, protocol.CheckUserPrefix)

	exists, err := h.store.UserExists(name)
	if err != nil {
		return "", fmt.Errorf("checking user existence: %w", err)
	}

	if exists {
		if err := h.verifyExisting(conn, name); err != nil {
			return "", err
		}
	} else {
		if err := h.registerNew(conn, name); err != nil {
			return "", err
		}
	}

	// The client confirms its username once more after the password
	// exchange. It must match the name it authenticated as; accepting a
	// different name here would let a client log in as one user and
	// chat as another.
	frame, err = conn.ReadFrame()
	if err != nil {
		return "", fmt.Errorf("reading final username: %w", err)
	}
	if frame.Type != protocol.TypeText {
		return "", fmt.Errorf("%w: frame type 0x%02X", ErrUnexpectedFrame, frame.Type)
	}
	if frame.Text != name {
		conn.SendText("SERVER: Username mismatch. Disconnecting.")
		return "", fmt.Errorf("%w: authenticated %q, confirmed %q", ErrUsernameMismatch, name, frame.Text)
	}

	return name, nil
}

func (h *Handshaker) verifyExisting(conn *SafeConn, name string) error {
	if err := conn.SendText(protocol.UserExists); err != nil {
		return err
	}

	frame, err := conn.ReadFrame()
	if err != nil {
		return fmt.Errorf("reading password verification: %w", err)
	}
	if frame.Type != protocol.TypeText || !strings.HasPrefix(frame.Text, protocol.VerifyPasswordPrefix) {
		return fmt.Errorf("%w: expected VERIFY_PASSWORD", ErrUnexpectedFrame)
	}
	password := strings.TrimPrefix(frame.Text, protocol.VerifyPasswordPrefix)

	ok, err := h.store.VerifyPassword(name, password)
	if err != nil {
		return fmt.Errorf("verifying password: %w", err)
	}
	if !ok {
		conn.SendText(protocol.PasswordIncorrect)
		return ErrPasswordMismatch
	}

	return conn.SendText(protocol.PasswordCorrect)
}

func (h *Handshaker) registerNew(conn *SafeConn, name string) error {
	if err := conn.SendText(protocol.UserNew); err != nil {
		return err
	}

	frame, err := conn.ReadFrame()
	if err != nil {
		return fmt.Errorf("reading password registration: %w", err)
	}
	if frame.Type != protocol.TypeText || !strings.HasPrefix(frame.Text, protocol.RegisterPasswordPrefix) {
		return fmt.Errorf("%w: expected REGISTER_PASSWORD", ErrUnexpectedFrame)
	}
	password := strings.TrimPrefix(frame.Text, protocol.RegisterPasswordPrefix)

	if err := h.store.RegisterUser(name, password); err != nil {
		// Two connections racing to register the same name are settled
		// by the store's uniqueness constraint; the loser lands here.
		if errors.Is(err, database.ErrUsernameTaken) {
			conn.SendText("SERVER: Registration failed: username already taken.")
		} else {
			conn.SendText("SERVER: Registration failed.")
		}
		return fmt.Errorf("registering user %q: %w", name, err)
	}

	h.log.Info().Str("username", name).Msg("user registered")
	return nil
}
