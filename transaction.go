package rook

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/synqronlabs/rook/utils"
)

// Header is a single message header field.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header collection.
type Headers []Header

// Get returns the first value of the named header, case-insensitively.
func (h Headers) Get(name string) string {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// GetAll returns every value of the named header in message order.
func (h Headers) GetAll(name string) []string {
	var values []string
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			values = append(values, hdr.Value)
		}
	}
	return values
}

// Count returns the number of headers with the given name.
func (h Headers) Count(name string) int {
	n := 0
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			n++
		}
	}
	return n
}

// Transaction is one mail transaction: the envelope, the message and the
// notes plugins attach to it. A Connection has at most one open
// transaction.
type Transaction struct {
	mu sync.RWMutex

	id           string
	startedAt    time.Time
	sender       *Address
	mailParams   map[string]string
	recipients   []Address
	headers      Headers
	body         []byte
	size         int64
	capabilities []string
	notes        *Notes
}

func newTransaction(capabilities []string) *Transaction {
	return &Transaction{
		id:           utils.NewID(),
		startedAt:    time.Now(),
		capabilities: slices.Clone(capabilities),
		notes:        NewNotes(),
	}
}

// ID returns the transaction's ULID.
func (t *Transaction) ID() string {
	return t.id
}

// StartedAt returns when the transaction was opened.
func (t *Transaction) StartedAt() time.Time {
	return t.startedAt
}

// Notes returns the transaction-scoped notes.
func (t *Transaction) Notes() *Notes {
	return t.notes
}

// Sender returns the reverse-path, or nil before MAIL FROM.
func (t *Transaction) Sender() *Address {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.sender == nil {
		return nil
	}
	s := *t.sender
	return &s
}

// SetSender records the reverse-path and its ESMTP parameters.
func (t *Transaction) SetSender(addr Address, params map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sender = &addr
	t.mailParams = params
}

// MailParam returns an ESMTP parameter of the MAIL command.
func (t *Transaction) MailParam(key string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.mailParams[strings.ToUpper(key)]
	return v, ok
}

// Recipients returns the accepted forward-paths in order.
func (t *Transaction) Recipients() []Address {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.recipients)
}

// AddRecipient appends an accepted recipient.
func (t *Transaction) AddRecipient(addr Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recipients = append(t.recipients, addr)
}

// RecipientCount returns the number of accepted recipients.
func (t *Transaction) RecipientCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.recipients)
}

// Headers returns the parsed message header.
func (t *Transaction) Headers() Headers {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.headers
}

// AddHeader prepends a header field, as trace fields are.
func (t *Transaction) AddHeader(name, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.headers = append(Headers{{Name: name, Value: value}}, t.headers...)
}

// Body returns the message body without the header section.
func (t *Transaction) Body() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.body
}

// Size returns the size in bytes of the received message data.
func (t *Transaction) Size() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// SetData parses raw message data into headers and body.
func (t *Transaction) SetData(data []byte) {
	headers, body := parseMessageContent(data)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.headers = headers
	t.body = body
	t.size = int64(len(data))
}

// Message reassembles the header section and body into wire form.
func (t *Transaction) Message() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var b strings.Builder
	for _, h := range t.headers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.Write(t.body)
	return []byte(b.String())
}

// Capabilities returns the EHLO capability list in effect when the
// transaction was opened.
func (t *Transaction) Capabilities() []string {
	return slices.Clone(t.capabilities)
}

// HasCapability reports whether the named capability was advertised.
func (t *Transaction) HasCapability(name string) bool {
	for _, c := range t.capabilities {
		keyword, _, _ := strings.Cut(c, " ")
		if strings.EqualFold(keyword, name) {
			return true
		}
	}
	return false
}

// parseMessageContent splits raw message data at the first empty line and
// parses the header section, unfolding continuation lines (RFC 5322).
func parseMessageContent(data []byte) (Headers, []byte) {
	headerEnd := -1
	for i := 0; i+3 < len(data); i++ {
		if data[i] == '\r' && data[i+1] == '\n' && data[i+2] == '\r' && data[i+3] == '\n' {
			headerEnd = i + 2
			break
		}
	}
	if headerEnd == -1 {
		return nil, data
	}

	headers := make(Headers, 0, max(headerEnd/50, 8))
	var name, value string
	for line := range strings.SplitSeq(string(data[:headerEnd-2]), "\r\n") {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if name != "" {
				value += " " + strings.TrimSpace(line)
			}
			continue
		}
		if name != "" {
			headers = append(headers, Header{Name: name, Value: value})
		}
		n, v, found := strings.Cut(line, ":")
		if !found {
			name, value = "", ""
			continue
		}
		name, value = strings.TrimSpace(n), strings.TrimSpace(v)
	}
	if name != "" {
		headers = append(headers, Header{Name: name, Value: value})
	}

	var body []byte
	if headerEnd+2 < len(data) {
		body = data[headerEnd+2:]
	}
	return headers, body
}
