package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// STOMP 1.2 commands used by the client.
const (
	cmdConnect     = "CONNECT"
	cmdConnected   = "CONNECTED"
	cmdSubscribe   = "SUBSCRIBE"
	cmdUnsubscribe = "UNSUBSCRIBE"
	cmdSend        = "SEND"
	cmdDisconnect  = "DISCONNECT"
	cmdMessage     = "MESSAGE"
	cmdReceipt     = "RECEIPT"
	cmdError       = "ERROR"
)

const (
	hdrAcceptVersion = "accept-version"
	hdrHost          = "host"
	hdrHeartBeat     = "heart-beat"
	hdrAuthorization = "Authorization"
	hdrDestination   = "destination"
	hdrID            = "id"
	hdrSubscription  = "subscription"
	hdrContentType   = "content-type"
	hdrContentLength = "content-length"
	hdrMessage       = "message"
	hdrAck           = "ack"
)

var ErrMalformedFrame = errors.New("malformed stomp frame")

type header struct {
	key, value string
}

type Frame struct {
	Command string
	headers []header
	Body    []byte
}

func newFrame(command string, kv ...string) *Frame {
	f := &Frame{Command: command}
	for i := 0; i+1 < len(kv); i += 2 {
		f.headers = append(f.headers, header{kv[i], kv[i+1]})
	}
	return f
}

// Header returns the first value of a header; repeated headers keep the first occurrence.
func (f *Frame) Header(key string) string {
	for _, h := range f.headers {
		if h.key == key {
			return h.value
		}
	}
	return ""
}

func (f *Frame) Set(key, value string) {
	for i := range f.headers {
		if f.headers[i].key == key {
			f.headers[i].value = value
			return
		}
	}
	f.headers = append(f.headers, header{key, value})
}

var (
	escaper = strings.NewReplacer(
		"\\", "\\\\",
		"\r", "\\r",
		"\n", "\\n",
		":", "\\c",
	)
	unescaper = strings.NewReplacer(
		"\\\\", "\\",
		"\\r", "\r",
		"\\n", "\n",
		"\\c", ":",
	)
)

// Marshal encodes the frame. CONNECT and CONNECTED headers are not escaped, as STOMP 1.2 requires.
func (f *Frame) Marshal() []byte {
	escape := f.Command != cmdConnect && f.Command != cmdConnected

	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')
	for _, h := range f.headers {
		k, v := h.key, h.value
		if escape {
			k, v = escaper.Replace(k), escaper.Replace(v)
		}
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 && f.Header(hdrContentLength) == "" {
		fmt.Fprintf(&buf, "%s:%d\n", hdrContentLength, len(f.Body))
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// Unmarshal decodes all frames in b. Heart-beat EOLs between frames are skipped.
// A websocket message normally carries exactly one frame.
func Unmarshal(b []byte) ([]*Frame, error) {
	var frames []*Frame
	for {
		b = bytes.TrimLeft(b, "\r\n")
		if len(b) == 0 {
			return frames, nil
		}
		f, rest, err := unmarshalOne(b)
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
		b = rest
	}
}

func unmarshalOne(b []byte) (*Frame, []byte, error) {
	headEnd := bytes.Index(b, []byte("\n\n"))
	sepLen := 2
	if crlf := bytes.Index(b, []byte("\r\n\r\n")); crlf >= 0 && (headEnd < 0 || crlf < headEnd) {
		headEnd, sepLen = crlf, 4
	}
	if headEnd < 0 {
		return nil, nil, fmt.Errorf("%w: no header terminator", ErrMalformedFrame)
	}

	lines := strings.Split(strings.ReplaceAll(string(b[:headEnd]), "\r\n", "\n"), "\n")
	f := &Frame{Command: lines[0]}
	if f.Command == "" {
		return nil, nil, fmt.Errorf("%w: empty command", ErrMalformedFrame)
	}
	unescape := f.Command != cmdConnect && f.Command != cmdConnected
	for _, line := range lines[1:] {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return nil, nil, fmt.Errorf("%w: bad header line %q", ErrMalformedFrame, line)
		}
		if unescape {
			k, v = unescaper.Replace(k), unescaper.Replace(v)
		}
		f.headers = append(f.headers, header{k, v})
	}

	body := b[headEnd+sepLen:]
	var n int
	if cl := f.Header(hdrContentLength); cl != "" {
		if _, err := fmt.Sscanf(cl, "%d", &n); err != nil || n < 0 || n >= len(body) || body[n] != 0 {
			return nil, nil, fmt.Errorf("%w: bad content-length %q", ErrMalformedFrame, cl)
		}
	} else {
		n = bytes.IndexByte(body, 0)
		if n < 0 {
			return nil, nil, fmt.Errorf("%w: missing NUL terminator", ErrMalformedFrame)
		}
	}
	f.Body = append([]byte(nil), body[:n]...)
	return f, body[n+1:], nil
}
