package rook

import "fmt"

// replyRule turns a hook result into the SMTP reply sent to the client.
type replyRule struct {
	code       SMTPCode
	enhanced   EnhancedCode
	message    string
	disconnect bool
}

// replyTable maps the result codes a hook rejects on to their replies.
// Codes absent from the table let the command proceed.
type replyTable map[Code]replyRule

type replyTables map[Hook]replyTable

// denyTable builds the usual four-way rejection table.
func denyTable(perm SMTPCode, permESC EnhancedCode, permMsg string, temp SMTPCode, tempESC EnhancedCode, tempMsg string) replyTable {
	return replyTable{
		Deny:               {code: perm, enhanced: permESC, message: permMsg},
		DenySoft:           {code: temp, enhanced: tempESC, message: tempMsg},
		DenyDisconnect:     {code: perm, enhanced: permESC, message: permMsg, disconnect: true},
		DenySoftDisconnect: {code: CodeServiceUnavailable, enhanced: tempESC, message: tempMsg, disconnect: true},
	}
}

// newReplyTables builds the per-hook reply tables for a server.
func newReplyTables(hostname string) replyTables {
	bye := fmt.Sprintf("Connection from you denied, bye bye. (%s)", hostname)
	tempBye := fmt.Sprintf("Connection from you temporarily denied, bye bye. (%s)", hostname)

	connect := replyTable{
		Deny:               {code: CodeTransactionFailed, enhanced: ESCDeliveryNotAuth, message: bye, disconnect: true},
		DenyDisconnect:     {code: CodeTransactionFailed, enhanced: ESCDeliveryNotAuth, message: bye, disconnect: true},
		DenySoft:           {code: CodeServiceUnavailable, enhanced: ESCTempDeliveryNotAuth, message: tempBye, disconnect: true},
		DenySoftDisconnect: {code: CodeServiceUnavailable, enhanced: ESCTempDeliveryNotAuth, message: tempBye, disconnect: true},
	}

	helo := denyTable(CodeMailboxNotFound, ESCDeliveryNotAuth, "HELO rejected",
		CodeMailboxUnavailable, ESCTempDeliveryNotAuth, "HELO temporarily rejected")

	auth := denyTable(CodeAuthCredentialsInvalid, ESCAuthCredentialsInvalid, "Authentication failed",
		CodeTLSNotAvailable, ESCTempSecurityError, "Temporary authentication failure")
	auth[Declined] = replyRule{code: CodeAuthCredentialsInvalid, enhanced: ESCAuthCredentialsInvalid, message: "Authentication failed"}

	rcpt := denyTable(CodeMailboxNotFound, ESCBadDestMailbox, "Recipient denied",
		CodeMailboxUnavailable, ESCTempBadDestMailbox, "Recipient temporarily denied")
	rcpt[Declined] = replyRule{code: CodeMailboxNotFound, enhanced: ESCDeliveryNotAuth, message: "Relaying denied"}

	queue := denyTable(CodeExceededStorage, ESCPermFailure, "Message denied",
		CodeInsufficientStorage, ESCTempLocalError, "Message denied temporarily")
	queue[Declined] = replyRule{code: CodeLocalError, enhanced: ESCTempLocalError, message: "Queuing declined or disabled; try later"}

	unrec := denyTable(CodeCommandUnrecognized, ESCInvalidCommand, "Unrecognized command",
		CodeLocalError, ESCTempCommandRejected, "Unrecognized command")
	unrec[Declined] = replyRule{code: CodeCommandUnrecognized, enhanced: ESCInvalidCommand, message: "Unrecognized command"}
	unrec[DenyDisconnect] = replyRule{code: CodeNoService, enhanced: ESCInvalidCommand, message: "Unrecognized command", disconnect: true}

	tlsFatal := replyRule{code: CodeServiceUnavailable, enhanced: ESCTempSecurityError, message: "TLS negotiation failed", disconnect: true}
	starttls := replyTable{
		Deny:               {code: CodeTransactionFailed, enhanced: ESCSecurityError, message: "TLS session rejected", disconnect: true},
		DenyDisconnect:     tlsFatal,
		DenySoft:           tlsFatal,
		DenySoftDisconnect: tlsFatal,
	}

	vrfy := denyTable(CodeTransactionFailed, ESCDeliveryNotAuth, "Access denied",
		CodeMailboxUnavailable, ESCTempDeliveryNotAuth, "Access temporarily denied")
	vrfy[Declined] = replyRule{code: CodeCannotVRFY, enhanced: ESCCannotVerify, message: "Just try sending a mail and we'll see how it turns out"}

	return replyTables{
		HookPreConnection: connect,
		HookConnect:       connect,
		HookHelo:          helo,
		HookEhlo:          helo,
		HookMail: denyTable(CodeMailboxNotFound, ESCDeliveryNotAuth, "Sender denied",
			CodeMailboxUnavailable, ESCTempDeliveryNotAuth, "Sender temporarily denied"),
		HookRcpt: rcpt,
		HookData: denyTable(CodeTransactionFailed, ESCDeliveryNotAuth, "Message denied",
			CodeLocalError, ESCTempDeliveryNotAuth, "Message denied temporarily"),
		HookDataPost: denyTable(CodeExceededStorage, ESCDeliveryNotAuth, "Message denied",
			CodeInsufficientStorage, ESCTempDeliveryNotAuth, "Message denied temporarily"),
		HookQueue:               queue,
		HookUnrecognizedCommand: unrec,
		HookAuthPlain:           auth,
		HookAuthLogin:           auth,
		HookAuth:                auth,
		HookStartTLS:            starttls,
		HookVrfy:                vrfy,
		HookNoop: denyTable(CodeCommandUnrecognized, ESCInvalidCommand, "Stop wasting my time",
			CodeMailboxUnavailable, ESCTempFailure, "Stop wasting my time"),
	}
}

// lookup returns the reply for res on hook and whether the hook rejects
// with it. The result message, or lines, replace the default text.
func (t replyTables) lookup(hook Hook, res Result) (Response, bool, bool) {
	rule, ok := t[hook][res.Code]
	if !ok {
		return Response{}, false, false
	}
	text := res.Text(rule.message)
	resp := Response{
		Code:         rule.code,
		EnhancedCode: string(rule.enhanced),
		Message:      text[0],
		Lines:        text[1:],
	}
	return resp, rule.disconnect, true
}
