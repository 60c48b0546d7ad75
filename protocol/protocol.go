// Package protocol defines the JSON frames exchanged with chat clients.
//
// Every frame is a single JSON document terminated by '\n'.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	ErrInvalidFrame  = errors.New("invalid frame format")
	ErrFrameTooLarge = errors.New("frame too large")
)

const DefaultMaxFrameSize = 64 * 1024

// TimestampLayout is used for every timestamp sent to clients.
const TimestampLayout = "2006-01-02 15:04:05"

const (
	TypeMessage     = "message"
	TypeActiveUsers = "active_users"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeBye         = "bye"
)

const (
	ActionLogin    = "login"
	ActionRegister = "register"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Frame is the union of every client->server frame. Handshake frames carry
// Action, relay frames carry Type.
type Frame struct {
	Type     string `json:"type,omitempty"`
	Action   string `json:"action,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Receiver string `json:"receiver,omitempty"`
	Content  string `json:"content,omitempty"`
}

type Response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// LoginResponse always carries unread_messages, even when empty.
type LoginResponse struct {
	Response
	UnreadMessages []UnreadMessage `json:"unread_messages"`
}

type UnreadMessage struct {
	ID        int64  `json:"id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type ActiveUsers struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

type InboundMessage struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type Control struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

func Success(message string) Response {
	return Response{Status: StatusSuccess, Message: message}
}

func Error(message string) Response {
	return Response{Status: StatusError, Message: message}
}

func NewActiveUsers(users []string) ActiveUsers {
	if users == nil {
		users = []string{}
	}
	return ActiveUsers{Type: TypeActiveUsers, Users: users}
}

func NewInboundMessage(sender, content string, ts time.Time) InboundMessage {
	return InboundMessage{
		Type:      TypeMessage,
		Sender:    sender,
		Content:   content,
		Timestamp: FormatTimestamp(ts),
	}
}

func Bye(reason string) Control {
	return Control{Type: TypeBye, Reason: reason}
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseFrame decodes one line received from a client.
func ParseFrame(line []byte) (*Frame, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, ErrInvalidFrame
	}

	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return &f, nil
}

// Encode marshals v and appends the frame delimiter.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Reader splits a byte stream into frames.
type Reader struct {
	br  *bufio.Reader
	max int
}

func NewReader(r io.Reader, maxFrameSize int) *Reader {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Reader{br: bufio.NewReader(r), max: maxFrameSize}
}

// ReadLine returns the next frame without its delimiter. A frame longer than
// the limit, not counting the delimiter, is consumed and reported as ErrFrameTooLarge so the caller can
// skip it. A trailing frame without delimiter is returned before io.EOF.
func (r *Reader) ReadLine() ([]byte, error) {
	var line []byte
	tooLarge := false

	for {
		chunk, err := r.br.ReadSlice('\n')
		if !tooLarge {
			line = append(line, chunk...)
			if len(bytes.TrimSuffix(line, []byte{'\n'})) > r.max {
				tooLarge = true
				line = nil
			}
		}

		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			if err == io.EOF && len(line) > 0 && !tooLarge {
				return bytes.TrimSpace(line), nil
			}
			return nil, err
		}
		break
	}

	if tooLarge {
		return nil, ErrFrameTooLarge
	}
	return bytes.TrimSpace(line), nil
}
