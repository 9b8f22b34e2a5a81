package protocol

// Handshake control strings, carried inside TEXT frames during the
// authentication exchange.
const (
	// CheckUserPrefix precedes the username whose existence the client
	// wants checked: "CHECK_USER:<name>".
	CheckUserPrefix = "CHECK_USER:"

	// VerifyPasswordPrefix precedes the password for an existing
	// account: "VERIFY_PASSWORD:<pwd>".
	VerifyPasswordPrefix = "VERIFY_PASSWORD:"

	// RegisterPasswordPrefix precedes the password for a new account:
	// "REGISTER_PASSWORD:<pwd>".
	RegisterPasswordPrefix = "REGISTER_PASSWORD:"

	// Server replies.
	UserExists        = "USER_EXISTS"
	UserNew           = "USER_NEW"
	PasswordCorrect   = "PASSWORD_CORRECT"
	PasswordIncorrect = "PASSWORD_INCORRECT"
)
