// Package httpframe finds the end of an HTTP/1.x message in a byte buffer
// without consuming it, so a relay can forward whole messages.
package httpframe

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformedHeader      = errors.New("httpframe: header line without colon")
	ErrInvalidContentLength = errors.New("httpframe: invalid content-length")
	ErrInvalidChunkSize     = errors.New("httpframe: invalid chunk size")
	ErrMalformedChunk       = errors.New("httpframe: chunk data not terminated by CRLF")
)

// Direction tells the detector which default applies when no framing header
// is present.
type Direction int

const (
	Request Direction = iota
	Response
)

func (d Direction) String() string {
	if d == Response {
		return "response"
	}
	return "request"
}

type Kind int

const (
	FixedLength Kind = iota
	Chunked
	UntilClose
)

// Framing describes how a message body is delimited. Length is only
// meaningful for FixedLength.
type Framing struct {
	Kind   Kind
	Length int
}

func (f Framing) String() string {
	switch f.Kind {
	case FixedLength:
		return fmt.Sprintf("fixed(%d)", f.Length)
	case Chunked:
		return "chunked"
	default:
		return "until-close"
	}
}

// Result reports whether a complete message is buffered and, if so, the
// offset just past its last byte. Interim marks a 1xx response other than
// 101; the final response to the same request still follows it.
type Result struct {
	Complete bool
	End      int
	Interim  bool
}

// ScanLine returns the text of the first line in buf and the offset past its
// terminator. A line ends at "\r\n", a bare "\r" or a bare "\n". ok is false
// when no terminator is buffered yet.
func ScanLine(buf []byte) (line string, next int, ok bool) {
	for i, c := range buf {
		switch c {
		case '\n':
			return string(buf[:i]), i + 1, true
		case '\r':
			if i+1 >= len(buf) {
				// The next byte decides whether this is "\r\n".
				return "", 0, false
			}
			if buf[i+1] == '\n' {
				return string(buf[:i]), i + 2, true
			}
			return string(buf[:i]), i + 1, true
		}
	}
	return "", 0, false
}

// ScanHeaders reads the start line and header block. It returns the body
// framing and the offset of the first body byte; ok is false while the
// header block is incomplete.
func ScanHeaders(buf []byte, dir Direction) (framing Framing, bodyStart int, ok bool, err error) {
	start, pos, ok := ScanLine(buf)
	if !ok {
		return Framing{}, 0, false, nil
	}

	framing = Framing{Kind: FixedLength}
	found := false
	for {
		line, n, ok := ScanLine(buf[pos:])
		if !ok {
			return Framing{}, 0, false, nil
		}
		pos += n
		if line == "" {
			break
		}

		name, value, hasColon := strings.Cut(line, ":")
		if !hasColon {
			return Framing{}, 0, false, fmt.Errorf("%q: %w", line, ErrMalformedHeader)
		}
		name = strings.ReplaceAll(name, " ", "")
		value = strings.ReplaceAll(value, " ", "")

		switch {
		case strings.EqualFold(name, "transfer-encoding"):
			if isChunked(value) {
				framing = Framing{Kind: Chunked}
				found = true
			}
		case strings.EqualFold(name, "content-length"):
			if framing.Kind == Chunked {
				continue
			}
			size, err := strconv.Atoi(value)
			if err != nil || size < 0 {
				return Framing{}, 0, false, fmt.Errorf("%q: %w", value, ErrInvalidContentLength)
			}
			framing = Framing{Kind: FixedLength, Length: size}
			found = true
		}
	}

	if dir == Response && responseHasNoBody(start) {
		return Framing{Kind: FixedLength}, pos, true, nil
	}
	if !found && dir == Response {
		framing = Framing{Kind: UntilClose}
	}
	return framing, pos, true, nil
}

// Detect reports whether buf holds a complete message. closed tells whether
// the sending peer has shut down its side.
func Detect(buf []byte, dir Direction, closed bool) (Result, error) {
	return detect(buf, dir, "", closed)
}

// DetectResponse is Detect for a response to a request made with method.
// Responses to HEAD never carry a body, whatever their headers announce.
func DetectResponse(buf []byte, method string, closed bool) (Result, error) {
	return detect(buf, Response, method, closed)
}

func detect(buf []byte, dir Direction, method string, closed bool) (Result, error) {
	framing, bodyStart, ok, err := ScanHeaders(buf, dir)
	if err != nil || !ok {
		return Result{}, err
	}
	if dir == Response && strings.EqualFold(method, "HEAD") {
		framing = Framing{Kind: FixedLength}
	}
	res, err := resolveBody(buf, framing, bodyStart, closed)
	if err != nil || !res.Complete || dir != Response {
		return res, err
	}
	start, _, _ := ScanLine(buf)
	code := statusCode(start)
	res.Interim = code >= 100 && code < 200 && code != 101
	return res, nil
}

// Method returns the method token of the request at the start of buf, or ""
// while the request line is incomplete.
func Method(buf []byte) string {
	line, _, ok := ScanLine(buf)
	if !ok {
		return ""
	}
	method, _, _ := strings.Cut(line, " ")
	return method
}

func resolveBody(buf []byte, framing Framing, bodyStart int, closed bool) (Result, error) {
	switch framing.Kind {
	case FixedLength:
		if len(buf)-bodyStart < framing.Length {
			return Result{}, nil
		}
		return Result{Complete: true, End: bodyStart + framing.Length}, nil
	case UntilClose:
		if !closed {
			return Result{}, nil
		}
		return Result{Complete: true, End: len(buf)}, nil
	default:
		return resolveChunked(buf, bodyStart)
	}
}

func resolveChunked(buf []byte, pos int) (Result, error) {
	for {
		line, n, ok := ScanLine(buf[pos:])
		if !ok {
			return Result{}, nil
		}
		pos += n

		size, err := parseChunkSize(line)
		if err != nil {
			return Result{}, err
		}

		if size == 0 {
			// Trailer fields, then the terminating empty line.
			for {
				line, n, ok := ScanLine(buf[pos:])
				if !ok {
					return Result{}, nil
				}
				pos += n
				if line == "" {
					return Result{Complete: true, End: pos}, nil
				}
			}
		}

		if size > uint64(len(buf)-pos) || len(buf)-pos-int(size) < 2 {
			return Result{}, nil
		}
		end := pos + int(size)
		if buf[end] != '\r' || buf[end+1] != '\n' {
			return Result{}, ErrMalformedChunk
		}
		pos = end + 2
	}
}

func parseChunkSize(line string) (uint64, error) {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	size, err := strconv.ParseUint(strings.TrimSpace(line), 16, 63)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", line, ErrInvalidChunkSize)
	}
	return size, nil
}

// Only a final "chunked" coding frames the body.
func isChunked(value string) bool {
	codings := strings.Split(value, ",")
	return strings.EqualFold(codings[len(codings)-1], "chunked")
}

func responseHasNoBody(statusLine string) bool {
	code := statusCode(statusLine)
	return (code >= 100 && code < 200) || code == 204 || code == 304
}

// statusCode returns 0 when the status line has no numeric code.
func statusCode(statusLine string) int {
	fields := strings.Fields(statusLine)
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}
