package protocol

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Frame
	}{
		{
			name: "handshake",
			line: `{"action":"login","username":"alice","password":"pw"}`,
			want: Frame{Action: ActionLogin, Username: "alice", Password: "pw"},
		},
		{
			name: "message",
			line: `{"type":"message","receiver":"bob","content":"hello"}` + "\r\n",
			want: Frame{Type: TypeMessage, Receiver: "bob", Content: "hello"},
		},
		{
			name: "unknown fields ignored",
			line: `{"type":"ping","extra":42}`,
			want: Frame{Type: TypePing},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFrame([]byte(tt.line))
			if err != nil {
				t.Fatalf("ParseFrame: %v", err)
			}
			if *got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, *got)
			}
		})
	}
}

func TestParseFrameInvalid(t *testing.T) {
	for _, line := range []string{"", "   ", "not json", `{"type":`, `{"receiver":7}`, `[1,2]`} {
		if _, err := ParseFrame([]byte(line)); !errors.Is(err, ErrInvalidFrame) {
			t.Errorf("ParseFrame(%q): expected ErrInvalidFrame, got %v", line, err)
		}
	}
}

func TestEncodeAppendsDelimiter(t *testing.T) {
	data, err := Encode(NewActiveUsers(nil))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got := string(data); got != `{"type":"active_users","users":[]}`+"\n" {
		t.Errorf("unexpected encoding %q", got)
	}
}

func TestResponses(t *testing.T) {
	data, _ := json.Marshal(Error("Username already exists"))
	if got := string(data); got != `{"status":"error","message":"Username already exists"}` {
		t.Errorf("unexpected error response %s", got)
	}

	login := LoginResponse{Response: Success("Login successful"), UnreadMessages: []UnreadMessage{}}
	data, _ = json.Marshal(login)
	if got := string(data); got != `{"status":"success","message":"Login successful","unread_messages":[]}` {
		t.Errorf("unexpected login response %s", got)
	}
}

func TestNewInboundMessage(t *testing.T) {
	ts := time.Date(2024, 3, 5, 7, 8, 9, 500, time.FixedZone("X", 3600))
	msg := NewInboundMessage("alice", "hello", ts)
	if msg.Type != TypeMessage || msg.Sender != "alice" || msg.Content != "hello" {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.Timestamp != "2024-03-05 06:08:09" {
		t.Errorf("unexpected timestamp %q", msg.Timestamp)
	}
}

func TestReaderSplitsFrames(t *testing.T) {
	input := "{\"type\":\"ping\"}\n\n{\"type\":\"bye\"}\n{\"type\":\"message\"}"
	r := NewReader(strings.NewReader(input), 0)

	want := []string{`{"type":"ping"}`, ``, `{"type":"bye"}`, `{"type":"message"}`}
	for i, w := range want {
		line, err := r.ReadLine()
		if err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if string(line) != w {
			t.Errorf("line %d: expected %q, got %q", i, w, line)
		}
	}

	if _, err := r.ReadLine(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestReaderSkipsOversizedFrame(t *testing.T) {
	big := `{"content":"` + strings.Repeat("x", 100) + `"}`
	input := big + "\n" + `{"type":"ping"}` + "\n"
	r := NewReader(strings.NewReader(input), 32)

	if _, err := r.ReadLine(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}

	line, err := r.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine after oversized frame: %v", err)
	}
	if string(line) != `{"type":"ping"}` {
		t.Errorf("expected ping frame, got %q", line)
	}
}

func TestReaderFrameAtLimit(t *testing.T) {
	const limit = 32
	exact := `{"content":"` + strings.Repeat("x", limit-14) + `"}`
	over := `{"content":"` + strings.Repeat("x", limit-13) + `"}`
	if len(exact) != limit || len(over) != limit+1 {
		t.Fatalf("bad fixture lengths %d and %d", len(exact), len(over))
	}

	r := NewReader(strings.NewReader(exact+"\n"+over+"\n"+exact), limit)

	line, err := r.ReadLine()
	if err != nil || string(line) != exact {
		t.Fatalf("frame of exactly %d bytes: got %q (%v)", limit, line, err)
	}
	if _, err := r.ReadLine(); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("frame of %d bytes: expected ErrFrameTooLarge, got %v", limit+1, err)
	}
	line, err = r.ReadLine()
	if err != nil || string(line) != exact {
		t.Errorf("unterminated frame at the limit: got %q (%v)", line, err)
	}
}

func TestReaderOversizedLargerThanBuffer(t *testing.T) {
	// Larger than bufio's default buffer to exercise ErrBufferFull.
	big := strings.Repeat("y", 10000)
	r := NewReader(strings.NewReader(big+"\n{}\n"), 8192)

	if _, err := r.ReadLine(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	line, err := r.ReadLine()
	if err != nil || string(line) != "{}" {
		t.Errorf("expected {}, got %q (%v)", line, err)
	}
}
