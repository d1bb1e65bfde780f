package dat

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/text/encoding/japanese"
)

var errInvalidSequence = errors.New("invalid Shift_JIS byte sequence")

// Decode turns a raw dat or subject.txt payload into UTF-8 text. compressed
// reports whether the response carried Content-Encoding: gzip.
func Decode(raw []byte, compressed bool) (string, error) {
	plain, err := decompress(raw, compressed)
	if err != nil {
		return "", err
	}
	return transcode(plain)
}

func decompress(raw []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return raw, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, &DecodingError{Stage: "gzip", Err: err}
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, &DecodingError{Stage: "gzip", Err: err}
	}
	return out, nil
}

// transcode converts Shift_JIS (CP932) bytes to UTF-8. The decoder substitutes
// U+FFFD for bytes it cannot map; Shift_JIS has no encoding for U+FFFD, so its
// presence in the output means the input was malformed.
func transcode(b []byte) (string, error) {
	out, err := japanese.ShiftJIS.NewDecoder().Bytes(b)
	if err != nil {
		return "", &DecodingError{Stage: "charset", Err: err}
	}
	if bytes.ContainsRune(out, utf8.RuneError) {
		return "", &DecodingError{Stage: "charset", Err: errInvalidSequence}
	}
	return string(out), nil
}

// undecodableLine stands in for a dat line that is not valid Shift_JIS, so
// post numbering and the byte offset still advance past it.
const undecodableLine = "<><><>(undecodable post)<>"

// transcodeLines transcodes b one line at a time and reports how many lines
// were replaced by undecodableLine. 0x0A never occurs inside a Shift_JIS
// multibyte sequence, so every line decodes on its own.
func transcodeLines(b []byte) (string, int) {
	if text, err := transcode(b); err == nil {
		return text, 0
	}
	var sb strings.Builder
	bad := 0
	for len(b) > 0 {
		line, rest, found := bytes.Cut(b, []byte{'\n'})
		text, err := transcode(line)
		if err != nil {
			bad++
			text = undecodableLine
		}
		sb.WriteString(text)
		if found {
			sb.WriteByte('\n')
		}
		b = rest
	}
	return sb.String(), bad
}

// completeLines returns the prefix of b that ends with the last newline.
// Bytes after it belong to a line the server has not finished writing.
func completeLines(b []byte) []byte {
	i := bytes.LastIndexByte(b, '\n')
	if i < 0 {
		return nil
	}
	return b[:i+1]
}
