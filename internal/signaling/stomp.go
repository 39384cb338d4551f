package signaling

import (
	"encoding/json"
	"fmt"
	"strings"
)

// STOMP frame commands used by the signaling session.
const (
	cmdConnect   = "CONNECT"
	cmdConnected = "CONNECTED"
	cmdSubscribe = "SUBSCRIBE"
	cmdSend      = "SEND"
	cmdMessage   = "MESSAGE"
	cmdError     = "ERROR"
)

// frame is a single STOMP frame: a command line, newline-separated headers,
// a blank line and a NUL-terminated body.
type frame struct {
	Command string
	Headers map[string]string
	Body    string
}

// header returns a header value, "" when absent.
func (f *frame) header(key string) string {
	return f.Headers[key]
}

// marshalFrame renders a STOMP frame. Header order follows the order given.
func marshalFrame(command string, headers [][2]string, body string) string {
	var b strings.Builder
	b.WriteString(command)
	b.WriteByte('\n')
	for _, h := range headers {
		b.WriteString(h[0])
		b.WriteByte(':')
		b.WriteString(h[1])
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(body)
	b.WriteByte(0)
	return b.String()
}

// unmarshalFrame parses a raw STOMP frame string.
func unmarshalFrame(raw string) (*frame, error) {
	raw = strings.TrimSuffix(raw, "\x00")

	head, body, found := strings.Cut(raw, "\n\n")
	if !found {
		return nil, fmt.Errorf("stomp frame missing header terminator")
	}

	lines := strings.Split(head, "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("stomp frame missing command")
	}

	f := &frame{
		Command: strings.TrimRight(lines[0], "\r"),
		Headers: make(map[string]string, len(lines)-1),
		Body:    body,
	}
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("stomp header %q missing colon", line)
		}
		// First occurrence wins per the STOMP spec.
		if _, seen := f.Headers[k]; !seen {
			f.Headers[k] = v
		}
	}
	return f, nil
}

// buildSendFrame renders a SEND frame carrying a JSON payload.
func buildSendFrame(destination string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return marshalFrame(cmdSend, [][2]string{
		{"destination", destination},
		{"content-type", "application/json"},
	}, string(body)), nil
}

// SockJS message kinds. The server wraps every STOMP frame: inbound messages
// are `a[<json array of frame strings>]`, outbound are `[<frame string>]`.
// `o` opens the session and `h` is a transport heartbeat.
const (
	sockOpen      = "o"
	sockHeartbeat = "h"
)

// decodeSockJS extracts the STOMP frame strings from one inbound SockJS
// message. Returns nil for heartbeats and non-array messages.
func decodeSockJS(msg string) ([]string, error) {
	if !strings.HasPrefix(msg, "a[") {
		return nil, nil
	}
	var frames []string
	if err := json.Unmarshal([]byte(msg[1:]), &frames); err != nil {
		return nil, fmt.Errorf("sockjs array decode: %w", err)
	}
	return frames, nil
}

// encodeSockJS wraps one raw STOMP frame for outbound transmission.
func encodeSockJS(rawFrame string) ([]byte, error) {
	return json.Marshal([]string{rawFrame})
}
