package rook

import (
	"fmt"
	"strings"
)

// SMTPCode represents SMTP reply codes (RFC 5321).
// 2yz: Success, 3yz: Continue, 4yz: Transient failure, 5yz: Permanent failure.
type SMTPCode int

const (
	// 2xx - Success
	CodeServiceReady   SMTPCode = 220
	CodeServiceClosing SMTPCode = 221
	CodeAuthSuccess    SMTPCode = 235
	CodeOK             SMTPCode = 250
	CodeCannotVRFY     SMTPCode = 252

	// 3xx - Intermediate
	CodeAuthContinue   SMTPCode = 334
	CodeStartMailInput SMTPCode = 354

	// 4xx - Transient Failure
	CodeServiceUnavailable  SMTPCode = 421
	CodeMailboxUnavailable  SMTPCode = 450
	CodeLocalError          SMTPCode = 451
	CodeInsufficientStorage SMTPCode = 452
	CodeTLSNotAvailable     SMTPCode = 454

	// 5xx - Permanent Failure
	CodeCommandUnrecognized    SMTPCode = 500
	CodeSyntaxError            SMTPCode = 501
	CodeCommandNotImplemented  SMTPCode = 502
	CodeBadSequence            SMTPCode = 503
	CodeParameterNotImpl       SMTPCode = 504
	CodeNoService              SMTPCode = 521
	CodeAuthCredentialsInvalid SMTPCode = 535
	CodeMailboxNotFound        SMTPCode = 550
	CodeExceededStorage        SMTPCode = 552
	CodeTransactionFailed      SMTPCode = 554
)

// Class returns the first digit of the code.
func (c SMTPCode) Class() int {
	return int(c) / 100
}

// EnhancedCode represents an enhanced status code (RFC 3463, RFC 2034).
// Format: "class.subject.detail" (e.g., "2.1.5").
type EnhancedCode string

const (
	// Success (2.x.x)
	ESCSuccess         EnhancedCode = "2.0.0"
	ESCAddressValid    EnhancedCode = "2.1.0"
	ESCRecipientValid  EnhancedCode = "2.1.5"
	ESCCannotVerify    EnhancedCode = "2.5.2"
	ESCMessageAccepted EnhancedCode = "2.6.0"
	ESCSecuritySuccess EnhancedCode = "2.7.0"

	// Transient Failure (4.x.x)
	ESCTempFailure             EnhancedCode = "4.0.0"
	ESCTempBadDestMailbox      EnhancedCode = "4.1.1"
	ESCTempLocalError          EnhancedCode = "4.3.0"
	ESCTempInsufficientStorage EnhancedCode = "4.3.1"
	ESCTempCommandRejected     EnhancedCode = "4.5.1"
	ESCTempSecurityError       EnhancedCode = "4.7.0"
	ESCTempDeliveryNotAuth     EnhancedCode = "4.7.1"

	// Permanent failure codes (5.x.x)
	ESCPermFailure            EnhancedCode = "5.0.0"
	ESCBadDestMailbox         EnhancedCode = "5.1.1"
	ESCBadDestSyntax          EnhancedCode = "5.1.3"
	ESCMessageTooLarge        EnhancedCode = "5.2.3"
	ESCMailSystemFull         EnhancedCode = "5.3.4"
	ESCRoutingLoop            EnhancedCode = "5.4.6"
	ESCInvalidCommand         EnhancedCode = "5.5.0"
	ESCBadCommandSequence     EnhancedCode = "5.5.1"
	ESCSyntaxError            EnhancedCode = "5.5.2"
	ESCTooManyRecipients      EnhancedCode = "5.5.3"
	ESCInvalidArgs            EnhancedCode = "5.5.4"
	ESCSecurityError          EnhancedCode = "5.7.0"
	ESCDeliveryNotAuth        EnhancedCode = "5.7.1"
	ESCAuthCredentialsInvalid EnhancedCode = "5.7.8"
)

// String returns the enhanced code as a string.
func (e EnhancedCode) String() string {
	return string(e)
}

// ForClass adjusts the enhanced code class to match the response code (RFC 2034).
func (e EnhancedCode) ForClass(class int) EnhancedCode {
	if len(e) < 1 {
		return e
	}
	s := string(e)
	switch class {
	case 2, 4, 5:
		return EnhancedCode(fmt.Sprintf("%d%s", class, s[1:]))
	default:
		return e
	}
}

// Response represents an SMTP response to be sent to the client. Lines,
// when present, follow Message in a multi-line reply.
type Response struct {
	Code         SMTPCode
	EnhancedCode string
	Message      string
	Lines        []string
}

// String formats the first line of the response.
func (r Response) String() string {
	if r.EnhancedCode != "" {
		return fmt.Sprintf("%d %s %s", r.Code, r.EnhancedCode, r.Message)
	}
	return fmt.Sprintf("%d %s", r.Code, r.Message)
}

// Wire formats the whole response, one CRLF terminated line per text line.
func (r Response) Wire() string {
	text := r.Lines
	if r.Message != "" || len(text) == 0 {
		text = append([]string{r.Message}, r.Lines...)
	}
	var b strings.Builder
	for i, line := range text {
		sep := " "
		if i < len(text)-1 {
			sep = "-"
		}
		b.WriteString(fmt.Sprintf("%d%s", r.Code, sep))
		if r.EnhancedCode != "" {
			b.WriteString(r.EnhancedCode)
			b.WriteByte(' ')
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	return b.String()
}

// IsError returns true for 4xx or 5xx codes.
func (r Response) IsError() bool {
	return r.Code >= 400
}

// IsTransientError returns true for 4xx codes.
func (r Response) IsTransientError() bool {
	return r.Code >= 400 && r.Code < 500
}

// IsPermanentError returns true for 5xx codes.
func (r Response) IsPermanentError() bool {
	return r.Code >= 500
}

// ResponseServiceReady creates a 220 service ready response.
// The domain must be the first word after the code.
func ResponseServiceReady(domain string, message string) Response {
	msg := domain
	if message != "" {
		msg = domain + " " + message
	}
	return Response{Code: CodeServiceReady, Message: msg}
}

// ResponseServiceClosing creates a 221 service closing response.
func ResponseServiceClosing(domain string, message string) Response {
	msg := domain
	if message != "" {
		msg = domain + " " + message
	}
	return Response{Code: CodeServiceClosing, Message: msg}
}

// ResponseServiceUnavailable creates a 421 service unavailable response.
func ResponseServiceUnavailable(domain string, message string) Response {
	msg := domain
	if message != "" {
		msg = domain + " " + message
	}
	return Response{Code: CodeServiceUnavailable, Message: msg}
}

// ResponseBadSequence creates a 503 bad sequence of commands response.
func ResponseBadSequence(message string) Response {
	return Response{
		Code:         CodeBadSequence,
		EnhancedCode: string(ESCBadCommandSequence),
		Message:      message,
	}
}

// ResponseSyntaxError creates a 501 syntax error response.
func ResponseSyntaxError(message string) Response {
	return Response{
		Code:         CodeSyntaxError,
		EnhancedCode: string(ESCSyntaxError),
		Message:      message,
	}
}

// ResponseCommandNotImplemented creates a 502 command not implemented response.
func ResponseCommandNotImplemented(command string) Response {
	return Response{
		Code:    CodeCommandNotImplemented,
		Message: fmt.Sprintf("%s not implemented", command),
	}
}

// ResponseLackOfSecurity refuses a command after a failed TLS negotiation.
func ResponseLackOfSecurity() Response {
	return Response{
		Code:         CodeTransactionFailed,
		EnhancedCode: string(ESCSecurityError),
		Message:      "Command refused due to lack of security",
	}
}

// ResponseLocalError creates a 451 local error response.
func ResponseLocalError(message string) Response {
	return Response{
		Code:         CodeLocalError,
		EnhancedCode: string(ESCTempLocalError),
		Message:      message,
	}
}

// ResponseExceededStorage creates a 552 exceeded storage response.
func ResponseExceededStorage(message string) Response {
	if message == "" {
		message = "Requested mail action aborted: exceeded storage allocation"
	}
	return Response{
		Code:         CodeExceededStorage,
		EnhancedCode: string(ESCMessageTooLarge),
		Message:      message,
	}
}
