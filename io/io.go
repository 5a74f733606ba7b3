// Package io implements the strict line and DATA readers used by the SMTP
// command loop.
package io

import (
	"bufio"
	"bytes"
	"errors"
)

var (
	ErrLineTooLong    = errors.New("smtp: line too long")
	ErrBadLineEnding  = errors.New("smtp: line not terminated by CRLF")
	Err8BitIn7BitMode = errors.New("smtp: 8-bit data in 7BIT mode")
	ErrDataTooLarge   = errors.New("smtp: message exceeds size limit")
)

// ReadLine reads one CRLF terminated line and returns it without the
// terminator. Bare LF endings are rejected to prevent SMTP smuggling.
// When enforce7bit is set any octet above 127 fails the read.
func ReadLine(reader *bufio.Reader, max int, enforce7bit bool) (string, error) {
	line, err := reader.ReadSlice('\n')
	if err == nil {
		if enforce7bit && !isASCII(line) {
			return "", Err8BitIn7BitMode
		}
		return validateAndConvert(line, max)
	}
	if err != bufio.ErrBufferFull {
		return "", err
	}

	// The line is longer than the bufio buffer; ReadSlice reuses its
	// buffer so every chunk is copied out before the next read.
	buf := append([]byte(nil), line...)
	for {
		line, err = reader.ReadSlice('\n')
		if len(buf)+len(line) > max {
			drainLine(reader)
			return "", ErrLineTooLong
		}
		buf = append(buf, line...)
		if err == nil {
			break
		}
		if err != bufio.ErrBufferFull {
			return "", err
		}
	}

	if enforce7bit && !isASCII(buf) {
		return "", Err8BitIn7BitMode
	}
	return validateAndConvert(buf, max)
}

// ReadData reads a DATA payload up to the terminating "." line, removing
// dot-stuffing. Lines are returned with CRLF restored. When maxSize is
// exceeded the rest of the payload is still consumed so the session stays
// in sync, and ErrDataTooLarge is returned.
func ReadData(reader *bufio.Reader, maxLine int, maxSize int64) ([]byte, error) {
	var buf bytes.Buffer
	var tooLarge, tooLong bool

	for {
		line, err := ReadLine(reader, maxLine, false)
		if errors.Is(err, ErrLineTooLong) {
			tooLong = true
			continue
		}
		if err != nil {
			return nil, err
		}
		if line == "." {
			break
		}
		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}
		if tooLarge {
			continue
		}
		if maxSize > 0 && int64(buf.Len()+len(line)+2) > maxSize {
			tooLarge = true
			buf.Reset()
			continue
		}
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}

	if tooLarge {
		return nil, ErrDataTooLarge
	}
	if tooLong {
		return nil, ErrLineTooLong
	}
	return buf.Bytes(), nil
}

func validateAndConvert(b []byte, max int) (string, error) {
	if len(b) > max {
		return "", ErrLineTooLong
	}
	if len(b) < 2 || b[len(b)-2] != '\r' {
		return "", ErrBadLineEnding
	}
	return string(b[:len(b)-2]), nil
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c > 127 {
			return false
		}
	}
	return true
}

// drainLine discards the rest of the current line.
func drainLine(reader *bufio.Reader) {
	for {
		_, err := reader.ReadSlice('\n')
		if err != bufio.ErrBufferFull {
			return
		}
	}
}
