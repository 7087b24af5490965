package twirphttp

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/twirpchan/twirpchan/twerr"
)

const (
	// Frame kinds for the binary stream encoding. A message frame carries a
	// binary-encoded protobuf payload; an error frame carries the Twirp JSON
	// error payload and always terminates the stream.
	frameKindMessage = 0x00
	frameKindError   = 0x30 // ASCII '0'

	// maxFrameSize bounds a single frame payload (100mb). A length prefix
	// beyond this is treated as a protocol violation rather than an
	// allocation request.
	maxFrameSize = 100 * 1024 * 1024
)

// frameWriter emits one side of a Twirp stream. Implementations flush each
// frame to the transport before returning, so a slow consumer blocks the
// producer instead of growing a buffer. After WriteError the stream is
// terminated and further writes fail.
type frameWriter interface {
	WriteMessage(payload []byte) error
	WriteError(e *twerr.Error) error
}

// frameReader consumes one side of a Twirp stream. Next returns the next
// message payload; a terminal error frame is surfaced as a *twerr.Error and
// orderly end of stream as io.EOF. Any result other than a payload is
// sticky: once the stream has ended or failed, Next keeps returning the
// same outcome.
type frameReader interface {
	Next() ([]byte, error)
}

func newFrameWriter(neg negotiation, w io.Writer) frameWriter {
	if neg.codec.Name() == "json" {
		return &jsonFrameWriter{w: w}
	}
	return &binaryFrameWriter{w: w}
}

func newFrameReader(neg negotiation, r io.Reader) frameReader {
	if neg.codec.Name() == "json" {
		return &jsonFrameReader{r: bufio.NewReader(r)}
	}
	return &binaryFrameReader{r: r}
}

// flush pushes buffered bytes down to the transport, so that each frame is
// observable by the peer as soon as it is written.
func flush(w io.Writer) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

type binaryFrameWriter struct {
	w      io.Writer
	closed bool
}

func (bw *binaryFrameWriter) writeFrame(kind byte, payload []byte) error {
	if bw.closed {
		return fmt.Errorf("stream already terminated by an error frame")
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame too large to send: %d bytes", len(payload))
	}
	var hdr [5]byte
	hdr[0] = kind
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := bw.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := bw.w.Write(payload); err != nil {
		return err
	}
	flush(bw.w)
	return nil
}

func (bw *binaryFrameWriter) WriteMessage(payload []byte) error {
	return bw.writeFrame(frameKindMessage, payload)
}

func (bw *binaryFrameWriter) WriteError(e *twerr.Error) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := bw.writeFrame(frameKindError, payload); err != nil {
		return err
	}
	bw.closed = true
	return nil
}

type binaryFrameReader struct {
	r    io.Reader
	done error // sticky outcome once the stream has ended
}

func (br *binaryFrameReader) Next() ([]byte, error) {
	if br.done != nil {
		return nil, br.done
	}
	payload, err := br.next()
	if err != nil {
		br.done = err
	}
	return payload, err
}

func (br *binaryFrameReader) next() ([]byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(br.r, hdr[:]); err != nil {
		if err == io.EOF {
			// clean end of stream between frames
			return nil, io.EOF
		}
		return nil, twerr.Wrap(twerr.DataLoss, "stream ended inside a frame header", err)
	}
	kind := hdr[0]
	size := binary.BigEndian.Uint32(hdr[1:])
	if kind != frameKindMessage && kind != frameKindError {
		return nil, twerr.Newf(twerr.Malformed, "invalid stream frame kind 0x%02x", kind)
	}
	if size > maxFrameSize {
		return nil, twerr.Newf(twerr.Malformed, "stream frame declares an excessive size: %d bytes", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(br.r, payload); err != nil {
		return nil, twerr.Wrap(twerr.DataLoss,
			fmt.Sprintf("stream frame declares %d payload bytes but the transport ended early", size), err)
	}
	if kind == frameKindError {
		var e twerr.Error
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, twerr.Wrap(twerr.Malformed, "invalid error frame payload", err)
		}
		return nil, &e
	}
	return payload, nil
}

// jsonStreamLine is one line of the JSON-lines stream encoding. Exactly one
// of the two fields is present; the payloads reuse the unary JSON forms.
type jsonStreamLine struct {
	Message json.RawMessage `json:"message,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

type jsonFrameWriter struct {
	w      io.Writer
	closed bool
}

func (jw *jsonFrameWriter) writeLine(line jsonStreamLine) error {
	if jw.closed {
		return fmt.Errorf("stream already terminated by an error frame")
	}
	b, err := json.Marshal(line)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := jw.w.Write(b); err != nil {
		return err
	}
	flush(jw.w)
	return nil
}

func (jw *jsonFrameWriter) WriteMessage(payload []byte) error {
	return jw.writeLine(jsonStreamLine{Message: payload})
}

func (jw *jsonFrameWriter) WriteError(e *twerr.Error) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := jw.writeLine(jsonStreamLine{Error: payload}); err != nil {
		return err
	}
	jw.closed = true
	return nil
}

type jsonFrameReader struct {
	r    *bufio.Reader
	done error
}

func (jr *jsonFrameReader) Next() ([]byte, error) {
	if jr.done != nil {
		return nil, jr.done
	}
	payload, err := jr.next()
	if err != nil {
		jr.done = err
	}
	return payload, err
}

func (jr *jsonFrameReader) next() ([]byte, error) {
	line, err := jr.r.ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, twerr.Wrap(twerr.DataLoss, "failed to read the next stream line", err)
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		if err == io.EOF {
			return nil, io.EOF
		}
		// blank line between frames; skip it
		return jr.next()
	}
	var item jsonStreamLine
	if decodeErr := json.Unmarshal(line, &item); decodeErr != nil {
		return nil, twerr.Wrap(twerr.Malformed, "invalid stream line", decodeErr)
	}
	switch {
	case item.Message != nil && item.Error == nil:
		return item.Message, nil
	case item.Error != nil && item.Message == nil:
		var e twerr.Error
		if decodeErr := json.Unmarshal(item.Error, &e); decodeErr != nil {
			return nil, twerr.Wrap(twerr.Malformed, "invalid error frame payload", decodeErr)
		}
		return nil, &e
	default:
		return nil, twerr.NewMalformed(`stream line must contain exactly one of "message" or "error"`)
	}
}
