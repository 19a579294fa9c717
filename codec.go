package sagex

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the protocol version carried by every message.
const JSONRPCVersion = "2.0"

// protocolVersion is negotiated during the initialize handshake.
const protocolVersion = "2025-03-26"

// MessageKind classifies a decoded Message.
type MessageKind int

// The three message variants of the protocol.
const (
	KindRequest MessageKind = iota
	KindResponse
	KindNotification
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// MustString is a string that also accepts JSON integer input, for servers
// that emit numeric correlation identifiers.
type MustString string

// UnmarshalJSON implements json.Unmarshaler, coercing numbers to their
// decimal string form.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(fmt.Sprintf("%d", int64(v)))
	default:
		return fmt.Errorf("invalid type %T for id", v)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

// Message is the tagged request/response/notification variant exchanged with
// the server. A request carries both an ID and a Method, a notification a
// Method only, and a response an ID with either Result or Error populated.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      MustString      `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError is the error object of a response message.
type ResponseError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e ResponseError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s", e.Code, e.Message)
}

// Error codes used by the service.
const (
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeParseError     = -32700
	codeAuthFailed     = -32001
)

// Kind classifies the message by which fields are populated.
func (m Message) Kind() MessageKind {
	switch {
	case m.Method != "" && m.ID != "":
		return KindRequest
	case m.Method != "":
		return KindNotification
	default:
		return KindResponse
	}
}

// NewRequest builds a request message, marshaling params when non-nil.
func NewRequest(id, method string, params any) (Message, error) {
	msg := Message{JSONRPC: JSONRPCVersion, ID: MustString(id), Method: method}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = bs
	}
	return msg, nil
}

// NewNotification builds a notification message, marshaling params when
// non-nil.
func NewNotification(method string, params any) (Message, error) {
	msg := Message{JSONRPC: JSONRPCVersion, Method: method}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = bs
	}
	return msg, nil
}

// NewResponse builds a success response for the given correlation identifier.
func NewResponse(id string, result any) (Message, error) {
	bs, err := json.Marshal(result)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return Message{JSONRPC: JSONRPCVersion, ID: MustString(id), Result: bs}, nil
}

// EncodeMessage serializes a message into a newline-terminated frame. The
// trailing newline is the frame delimiter understood by Decoder and by the
// pipe transport.
func EncodeMessage(msg Message) ([]byte, error) {
	if msg.JSONRPC == "" {
		msg.JSONRPC = JSONRPCVersion
	}
	bs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return append(bs, '\n'), nil
}

// Decoder is a streaming message decoder. A batch of bytes fed to it may
// yield zero, one, or more complete messages; a trailing partial frame is
// kept in an owned residual buffer and completed by a later Feed call.
//
// Decoder is not safe for concurrent use; each connection owns one.
type Decoder struct {
	buf bytes.Buffer
}

// Feed appends p to the residual buffer and decodes every complete frame in
// it. A malformed frame is discarded and reported as a *ProtocolError; the
// messages decoded before it are still returned, and subsequent frames remain
// decodable by further Feed calls.
func (d *Decoder) Feed(p []byte) ([]Message, error) {
	d.buf.Write(p)

	var msgs []Message
	for {
		raw := d.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			return msgs, nil
		}

		line := make([]byte, idx)
		copy(line, raw[:idx])
		d.buf.Next(idx + 1)

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return msgs, &ProtocolError{Reason: "malformed message frame", Err: err}
		}
		if msg.JSONRPC != JSONRPCVersion {
			return msgs, &ProtocolError{
				MsgID:  string(msg.ID),
				Reason: fmt.Sprintf("unsupported jsonrpc version %q", msg.JSONRPC),
			}
		}
		msgs = append(msgs, msg)
	}
}

// Reset discards any residual partial frame. Called when a connection is
// re-established, since framing does not survive a reconnect.
func (d *Decoder) Reset() {
	d.buf.Reset()
}

// Buffered returns the number of residual bytes awaiting a frame delimiter.
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}
