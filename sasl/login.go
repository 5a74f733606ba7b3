package sasl

import (
	"encoding/base64"
)

// Base64 encoded "Username:" and "Password:" prompts.
const (
	LoginChallengeUsername = "VXNlcm5hbWU6"
	LoginChallengePassword = "UGFzc3dvcmQ6"
)

type loginState int

const (
	loginWantUsername loginState = iota
	loginWantPassword
	loginDone
)

// Login implements the legacy LOGIN mechanism. Some clients send the
// username as an initial response, which is honored.
type Login struct {
	state    loginState
	username string
	creds    *Credentials
}

func NewLogin() *Login { return &Login{} }

func (l *Login) Name() string { return "LOGIN" }

func (l *Login) Start(initialResponse string) (string, bool, error) {
	l.state = loginWantUsername
	if initialResponse == "" {
		return LoginChallengeUsername, false, nil
	}
	return l.Next(initialResponse)
}

func (l *Login) Next(response string) (string, bool, error) {
	if response == "*" {
		l.state = loginDone
		return "", true, ErrAuthenticationCancelled
	}

	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		l.state = loginDone
		return "", true, ErrInvalidBase64
	}

	switch l.state {
	case loginWantUsername:
		if len(decoded) == 0 {
			l.state = loginDone
			return "", true, ErrInvalidFormat
		}
		l.username = string(decoded)
		l.state = loginWantPassword
		return LoginChallengePassword, false, nil
	case loginWantPassword:
		l.creds = &Credentials{AuthenticationID: l.username, Password: string(decoded)}
		l.state = loginDone
		return "", true, nil
	default:
		return "", true, ErrInvalidFormat
	}
}

func (l *Login) Credentials() *Credentials { return l.creds }
