package queue

import (
	"time"

	"github.com/tinylib/msgp/msgp"
)

// Record is a queued message with its envelope and session details.
type Record struct {
	ID           string
	ConnectionID string
	ReceivedAt   time.Time
	RemoteIP     string
	RemoteHost   string
	Helo         string
	AuthUser     string
	TLS          bool
	Sender       string
	Recipients   []string
	Message      []byte
}

var (
	_ msgp.Marshaler   = (*Record)(nil)
	_ msgp.Unmarshaler = (*Record)(nil)
	_ msgp.Sizer       = (*Record)(nil)
)

// MarshalMsg appends the MessagePack encoding of r to b.
func (r *Record) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.Require(b, r.Msgsize())
	o = msgp.AppendMapHeader(o, 11)
	o = msgp.AppendString(o, "id")
	o = msgp.AppendString(o, r.ID)
	o = msgp.AppendString(o, "conn")
	o = msgp.AppendString(o, r.ConnectionID)
	o = msgp.AppendString(o, "received")
	o = msgp.AppendTime(o, r.ReceivedAt)
	o = msgp.AppendString(o, "ip")
	o = msgp.AppendString(o, r.RemoteIP)
	o = msgp.AppendString(o, "host")
	o = msgp.AppendString(o, r.RemoteHost)
	o = msgp.AppendString(o, "helo")
	o = msgp.AppendString(o, r.Helo)
	o = msgp.AppendString(o, "auth")
	o = msgp.AppendString(o, r.AuthUser)
	o = msgp.AppendString(o, "tls")
	o = msgp.AppendBool(o, r.TLS)
	o = msgp.AppendString(o, "from")
	o = msgp.AppendString(o, r.Sender)
	o = msgp.AppendString(o, "rcpt")
	o = msgp.AppendArrayHeader(o, uint32(len(r.Recipients)))
	for _, rcpt := range r.Recipients {
		o = msgp.AppendString(o, rcpt)
	}
	o = msgp.AppendString(o, "msg")
	o = msgp.AppendBytes(o, r.Message)
	return o, nil
}

// UnmarshalMsg decodes r from bts and returns the remaining bytes.
// Unknown fields are skipped.
func (r *Record) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var fields uint32
	fields, bts, err = msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return nil, msgp.WrapError(err)
	}
	for range fields {
		var key []byte
		key, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			return nil, msgp.WrapError(err)
		}
		switch msgp.UnsafeString(key) {
		case "id":
			r.ID, bts, err = msgp.ReadStringBytes(bts)
		case "conn":
			r.ConnectionID, bts, err = msgp.ReadStringBytes(bts)
		case "received":
			r.ReceivedAt, bts, err = msgp.ReadTimeBytes(bts)
		case "ip":
			r.RemoteIP, bts, err = msgp.ReadStringBytes(bts)
		case "host":
			r.RemoteHost, bts, err = msgp.ReadStringBytes(bts)
		case "helo":
			r.Helo, bts, err = msgp.ReadStringBytes(bts)
		case "auth":
			r.AuthUser, bts, err = msgp.ReadStringBytes(bts)
		case "tls":
			r.TLS, bts, err = msgp.ReadBoolBytes(bts)
		case "from":
			r.Sender, bts, err = msgp.ReadStringBytes(bts)
		case "rcpt":
			var n uint32
			n, bts, err = msgp.ReadArrayHeaderBytes(bts)
			if err != nil {
				return nil, msgp.WrapError(err, "rcpt")
			}
			r.Recipients = make([]string, n)
			for i := range r.Recipients {
				r.Recipients[i], bts, err = msgp.ReadStringBytes(bts)
				if err != nil {
					return nil, msgp.WrapError(err, "rcpt", i)
				}
			}
		case "msg":
			r.Message, bts, err = msgp.ReadBytesBytes(bts, r.Message[:0])
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return nil, msgp.WrapError(err, string(key))
		}
	}
	return bts, nil
}

// Msgsize returns an upper bound for the encoded size of r.
func (r *Record) Msgsize() int {
	// 42 is the total length of the field names.
	s := msgp.MapHeaderSize + 11*msgp.StringPrefixSize + 42 +
		msgp.StringPrefixSize*7 + len(r.ID) + len(r.ConnectionID) + len(r.RemoteIP) +
		len(r.RemoteHost) + len(r.Helo) + len(r.AuthUser) + len(r.Sender) +
		msgp.TimeSize + msgp.BoolSize +
		msgp.ArrayHeaderSize + msgp.BytesPrefixSize + len(r.Message)
	for _, rcpt := range r.Recipients {
		s += msgp.StringPrefixSize + len(rcpt)
	}
	return s
}
