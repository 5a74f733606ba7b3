package sasl

import (
	"bytes"
	"encoding/base64"
)

// Plain implements PLAIN (RFC 4616). The password travels in the clear
// and should only be offered over TLS.
type Plain struct {
	creds *Credentials
}

func NewPlain() *Plain { return &Plain{} }

func (p *Plain) Name() string { return "PLAIN" }

// Start consumes the initial response, or asks for it with an empty
// challenge when the client sent none.
func (p *Plain) Start(initialResponse string) (string, bool, error) {
	if initialResponse == "" {
		return "", false, nil
	}
	return p.Next(initialResponse)
}

// Next decodes "authzid NUL authcid NUL passwd".
func (p *Plain) Next(response string) (string, bool, error) {
	if response == "*" {
		return "", true, ErrAuthenticationCancelled
	}
	if response == "=" {
		response = ""
	}

	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return "", true, ErrInvalidBase64
	}
	parts := bytes.Split(decoded, []byte{0})
	if len(parts) != 3 || len(parts[1]) == 0 {
		return "", true, ErrInvalidFormat
	}

	p.creds = &Credentials{
		AuthorizationID:  string(parts[0]),
		AuthenticationID: string(parts[1]),
		Password:         string(parts[2]),
	}
	return "", true, nil
}

func (p *Plain) Credentials() *Credentials { return p.creds }
