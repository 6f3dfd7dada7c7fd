package frame

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// maxEventSize bounds a single event to protect the client from a runaway
// stream.
const maxEventSize = 1 << 20

// ErrMalformedFrame is returned when an event cannot be decoded as a frame.
var ErrMalformedFrame = errors.New("malformed frame")

// Event is one dispatched server-sent event.
type Event struct {
	Name string
	Data []byte
}

// Reader parses frames from an event stream.
type Reader struct {
	reader *bufio.Reader
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{reader: bufio.NewReader(r)}
}

// ReadEvent returns the next complete event. Comment lines are skipped. An
// event cut off by the end of the stream is discarded and io.EOF returned.
func (r *Reader) ReadEvent() (Event, error) {
	var (
		name string
		data [][]byte
		size int
	)

	for {
		line, err := r.reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Event{}, io.EOF
			}
			return Event{}, err
		}

		size += len(line)
		if size > maxEventSize {
			return Event{}, fmt.Errorf("%w: event exceeds %d bytes", ErrMalformedFrame, maxEventSize)
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if len(data) > 0 {
				return Event{Name: name, Data: bytes.Join(data, []byte("\n"))}, nil
			}
			name = ""
			size = 0
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "event":
			name = string(value)
		case "data":
			data = append(data, append([]byte(nil), value...))
		}
		// id and retry fields are not used by the protocol.
	}
}

// Next returns the next protocol frame, skipping events the protocol does
// not define.
func (r *Reader) Next() (Frame, error) {
	for {
		ev, err := r.ReadEvent()
		if err != nil {
			return Frame{}, err
		}
		f, ok, err := Decode(ev)
		if err != nil {
			return Frame{}, err
		}
		if ok {
			return f, nil
		}
	}
}

// Decode converts an event into a frame. ok is false for unknown events.
func Decode(ev Event) (f Frame, ok bool, err error) {
	switch ev.Name {
	case "", "message":
		var payload struct {
			Text    string `json:"text"`
			Success bool   `json:"success"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			return Frame{}, false, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if payload.Success {
			return Success(), true, nil
		}
		return Token(payload.Text), true, nil
	case EventError:
		var payload errorPayload
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			return Error(string(ev.Data), 0), true, nil
		}
		return Error(payload.Error, payload.StatusCode), true, nil
	case EventFatal:
		var message string
		if err := json.Unmarshal(ev.Data, &message); err != nil {
			message = string(ev.Data)
		}
		return Fatal(message), true, nil
	default:
		return Frame{}, false, nil
	}
}
