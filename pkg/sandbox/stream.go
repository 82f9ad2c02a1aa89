package sandbox

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
)

// frameHeaderLen is the fixed multiplex header size: one stream type
// byte, three zero bytes, and a big-endian uint32 payload length.
const frameHeaderLen = 8

// demux reads the framed container output stream and forwards payload
// lines to onLine. Frames from the two logical streams are buffered
// independently so a partial stdout line is never spliced into stderr
// output. Remaining partial lines flush when the stream closes.
func demux(r io.Reader, onLine func(string)) error {
	buffers := make(map[byte]*bytes.Buffer)
	header := make([]byte, frameHeaderLen)

	flush := func() {
		for _, buf := range buffers {
			if buf.Len() > 0 {
				onLine(strings.TrimRight(buf.String(), "\r"))
				buf.Reset()
			}
		}
	}

	for {
		if _, err := io.ReadFull(r, header); err != nil {
			flush()
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			// Attach connections surface a use-of-closed error when the
			// executor closes them after the container exits.
			if strings.Contains(err.Error(), "use of closed") {
				return nil
			}
			return err
		}

		stream := header[0]
		size := binary.BigEndian.Uint32(header[4:frameHeaderLen])
		if size == 0 {
			continue
		}

		buf, ok := buffers[stream]
		if !ok {
			buf = &bytes.Buffer{}
			buffers[stream] = buf
		}

		if _, err := io.CopyN(buf, r, int64(size)); err != nil {
			flush()
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}

		emitLines(buf, onLine)
	}
}

// emitLines drains every complete line from buf, leaving any partial
// trailing line in place.
func emitLines(buf *bytes.Buffer, onLine func(string)) {
	for {
		data := buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			return
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		buf.Next(i + 1)
		onLine(line)
	}
}
