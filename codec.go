package stomp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/srishina/stomp.go/internal/stomputil"
)

const nul = byte(0)

var headerEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"\r", "\\r",
	"\n", "\\n",
	":", "\\c",
)

func unescapeHeader(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i == len(s) {
			return "", fmt.Errorf("truncated escape sequence in header %q", s)
		}
		switch s[i] {
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 'c':
			b.WriteByte(':')
		case '\\':
			b.WriteByte('\\')
		default:
			return "", fmt.Errorf("invalid escape sequence \\%c in header %q", s[i], s)
		}
	}
	return b.String(), nil
}

// CONNECT/CONNECTED headers are never escaped, for 1.0 compatibility.
func escapedCommand(command string) bool {
	return command != CmdConnect && command != CmdConnected && command != CmdStomp
}

// frameReader decodes frames from a byte stream.
type frameReader struct {
	br *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{br: bufio.NewReaderSize(r, 4*1024)}
}

// readFrame returns the next frame from the stream. A bare EOL
// (heart-beat) is returned as a nil frame with a nil error.
func (r *frameReader) readFrame() (*Frame, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, nil // heart-beat
	}

	frame := &Frame{Command: string(line)}
	escaped := escapedCommand(frame.Command)
	for {
		line, err = r.readLine()
		if err != nil {
			return nil, err
		}
		if len(line) == 0 {
			break
		}
		sep := bytes.IndexByte(line, ':')
		if sep < 0 {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		name, value := string(line[:sep]), string(line[sep+1:])
		if escaped {
			if name, err = unescapeHeader(name); err != nil {
				return nil, err
			}
			if value, err = unescapeHeader(value); err != nil {
				return nil, err
			}
		}
		frame.Headers.Add(name, value)
	}

	if lengthHdr, ok := frame.Headers.Get(HdrContentLength); ok {
		length, err := strconv.Atoi(lengthHdr)
		if err != nil || length < 0 {
			return nil, fmt.Errorf("invalid content-length %q", lengthHdr)
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(r.br, body); err != nil {
			return nil, err
		}
		terminator, err := r.br.ReadByte()
		if err != nil {
			return nil, err
		}
		if terminator != nul {
			return nil, fmt.Errorf("frame body exceeds content-length %d", length)
		}
		frame.Body = body
		return frame, nil
	}

	body, err := r.br.ReadBytes(nul)
	if err != nil {
		return nil, err
	}
	frame.Body = body[:len(body)-1]
	return frame, nil
}

// readLine reads up to LF and strips an optional preceding CR.
func (r *frameReader) readLine() ([]byte, error) {
	line, err := r.br.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}

// writeFrame encodes a frame onto w. A nil frame writes a single
// heart-beat EOL.
func writeFrame(w io.Writer, frame *Frame) error {
	bw := stomputil.NewBufioWriter(w)
	defer stomputil.PutBufioWriter(bw)

	if frame == nil {
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
		return bw.Flush()
	}

	if _, err := bw.WriteString(frame.Command); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	escaped := escapedCommand(frame.Command)
	for _, hdr := range frame.Headers {
		name, value := hdr.Name, hdr.Value
		if escaped {
			name = headerEscaper.Replace(name)
			value = headerEscaper.Replace(value)
		}
		if _, err := bw.WriteString(name + ":" + value); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	if len(frame.Body) > 0 && !frame.Headers.Contains(HdrContentLength) {
		if _, err := bw.WriteString(HdrContentLength + ":" + strconv.Itoa(len(frame.Body)) + "\n"); err != nil {
			return err
		}
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if _, err := bw.Write(frame.Body); err != nil {
		return err
	}
	if err := bw.WriteByte(nul); err != nil {
		return err
	}
	return bw.Flush()
}
