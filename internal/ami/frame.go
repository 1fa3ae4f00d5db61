package ami

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"pbx-controlplane/internal/telephony"
)

const maxFrameLines = 4096

// Frame is one AMI message: "Key: Value" lines closed by a blank line.
type Frame map[string]string

// Get looks a key up, falling back to a case-insensitive match.
func (f Frame) Get(key string) string {
	if v, ok := f[key]; ok {
		return v
	}
	for k, v := range f {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func (f Frame) has(key string) bool {
	if _, ok := f[key]; ok {
		return true
	}
	for k := range f {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

// IsResponse reports whether the frame answers an action.
func (f Frame) IsResponse() bool { return f.has("Response") }

// IsEvent reports whether the frame is an unsolicited or list event.
func (f Frame) IsEvent() bool { return f.has("Event") }

// Field is an ordered action parameter. Keys may repeat (Variable).
type Field struct {
	Key   string
	Value string
}

// ReadBanner consumes the greeting line sent on connect.
func ReadBanner(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.Contains(line, "Call Manager") {
		return line, fmt.Errorf("ami: unexpected banner %q: %w", line, telephony.ErrProtocolParse)
	}
	return line, nil
}

// ReadFrame reads up to and including the terminating blank line. A frame
// containing a line without a colon is consumed in full and reported as
// ErrProtocolParse so the stream stays aligned. Any other error comes from
// the transport.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	f := Frame{}
	var bad string
	lines := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && line != "" {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(f) == 0 && bad == "" {
				continue
			}
			break
		}
		lines++
		if lines > maxFrameLines {
			bad = "frame too long"
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			if bad == "" {
				bad = line
			}
			continue
		}
		val = strings.TrimSpace(val)
		if prev, dup := f[key]; dup {
			val = prev + "\n" + val
		}
		f[key] = val
	}
	if bad != "" {
		return nil, fmt.Errorf("ami: bad line %q: %w", bad, telephony.ErrProtocolParse)
	}
	return f, nil
}

// WriteAction serializes an action with its ActionID.
func WriteAction(w io.Writer, name, actionID string, fields []Field) error {
	var b strings.Builder
	b.WriteString("Action: ")
	b.WriteString(name)
	b.WriteString("\r\n")
	if actionID != "" {
		b.WriteString("ActionID: ")
		b.WriteString(actionID)
		b.WriteString("\r\n")
	}
	for _, f := range fields {
		if strings.ContainsAny(f.Key, "\r\n:") || strings.ContainsAny(f.Value, "\r\n") {
			return fmt.Errorf("ami: field %q contains a line break or colon", f.Key)
		}
		b.WriteString(f.Key)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// ToEvent converts an event frame to the shared event shape.
func ToEvent(f Frame, receivedAt time.Time) telephony.Event {
	fields := make(map[string]string, len(f))
	for k, v := range f {
		fields[k] = v
	}
	return telephony.Event{
		Source:     telephony.SourceAMI,
		Type:       f.Get("Event"),
		Fields:     fields,
		ReceivedAt: receivedAt,
	}
}
