package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"crawshaw.io/iox"
)

// ErrParse is the sentinel the spec calls ParseError: a malformed line or
// literal that bounded memory could not make sense of.
var ErrParse = errors.New("wire: parse error")

// maxLiteral bounds how large a single literal this client will accept
// inline. Large message bodies are read directly by the IMAP driver's
// fetch path (see imapclient.FetchBody), which streams past the Scanner
// into an *iox.BufferFile rather than building a Node tree entry for it.
const maxLiteral = 64 << 20

// Scanner reads raw IMAP wire bytes one byte at a time, the same shape as
// the teacher's imapparser.Scanner (peekChar/readChar over a bufio.Reader),
// generalized to the subset of tokens a response grammar needs: atom,
// quoted string, literal, list delimiters, and whitespace/CRLF.
type Scanner struct {
	br    *bufio.Reader
	filer *iox.Filer
	ioErr error

	// ContFn, when non-nil, is invoked with "+ Ready..." style text just
	// before a literal's bytes are read off the wire. The IMAP driver
	// uses this to know when a command's literal payload may be sent.
	ContFn func(n uint32)
}

// NewScanner wraps r (typically the Transport's connection) in a bounded
// buffer. size must be at least 1 KiB (spec.md §4.2); a response line that
// does not fit within it before a CRLF is a ParseError, matching the
// "bounded memory" requirement.
func NewScanner(r io.Reader, size int, filer *iox.Filer) *Scanner {
	if size < 1024 {
		size = 1024
	}
	return &Scanner{br: bufio.NewReaderSize(r, size), filer: filer}
}

// Filer returns the literal-buffering Filer this Scanner was built with, so
// a caller that rewraps the underlying reader (e.g. after STARTTLS) can
// build a fresh Scanner without losing it.
func (s *Scanner) Filer() *iox.Filer { return s.filer }

func (s *Scanner) peek() byte {
	if s.ioErr != nil {
		return 0
	}
	b, err := s.br.Peek(1)
	if err != nil {
		s.ioErr = err
		return 0
	}
	return b[0]
}

func (s *Scanner) read() byte {
	if s.ioErr != nil {
		return 0
	}
	b, err := s.br.ReadByte()
	if err != nil {
		s.ioErr = err
		return 0
	}
	return b
}

func (s *Scanner) skipSpace() {
	for s.peek() == ' ' {
		s.read()
	}
}

// atEnd reports whether the scanner is positioned at CRLF, consuming it.
func (s *Scanner) atEnd() (bool, error) {
	if s.peek() != '\r' {
		return false, nil
	}
	s.read()
	if s.peek() != '\n' {
		return false, fmt.Errorf(`%w: "\r" not followed by "\n"`, ErrParse)
	}
	s.read()
	return true, nil
}

func (s *Scanner) err() error {
	if s.ioErr != nil {
		if s.ioErr == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("wire: io: %w", s.ioErr)
	}
	return nil
}

// readAtom reads a run of printable, non-special bytes: an atom, a tag, or
// one of the bare sentinels "*" and "+".
func (s *Scanner) readAtom() ([]byte, error) {
	var buf []byte
	for {
		b := s.peek()
		if s.ioErr != nil {
			break
		}
		switch b {
		case ' ', '\r', '\n', '(', ')', '{', '"':
			goto done
		}
		buf = append(buf, b)
		s.read()
	}
done:
	if err := s.err(); err != nil && len(buf) == 0 {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty atom", ErrParse)
	}
	return buf, nil
}

func (s *Scanner) readQuoted() ([]byte, error) {
	s.read() // opening quote
	var buf []byte
	for {
		b := s.read()
		if err := s.err(); err != nil {
			return nil, fmt.Errorf("%w: unterminated quoted string: %v", ErrParse, err)
		}
		switch b {
		case '"':
			return buf, nil
		case '\\':
			b = s.read()
			if err := s.err(); err != nil {
				return nil, fmt.Errorf("%w: unterminated quoted string: %v", ErrParse, err)
			}
			buf = append(buf, b)
		case '\r', '\n':
			return nil, fmt.Errorf("%w: bare CR/LF in quoted string", ErrParse)
		default:
			buf = append(buf, b)
		}
	}
}

// readLiteral reads "{n}CRLF" then pulls exactly n bytes directly off the
// wire, which may span several physical lines of buffering underneath —
// literals are the one place the line/byte distinction in spec.md §4.2
// actually matters.
func (s *Scanner) readLiteral() ([]byte, error) {
	s.read() // '{'
	var n uint64
	any := false
	for {
		b := s.peek()
		if b < '0' || b > '9' {
			break
		}
		s.read()
		n = n*10 + uint64(b-'0')
		any = true
		if n > maxLiteral {
			return nil, fmt.Errorf("%w: literal length %d exceeds limit", ErrParse, n)
		}
	}
	if !any {
		return nil, fmt.Errorf("%w: missing literal length", ErrParse)
	}
	if b := s.read(); b != '}' {
		return nil, fmt.Errorf("%w: literal missing closing brace", ErrParse)
	}
	if ok, err := s.atEnd(); err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("%w: literal header missing CRLF", ErrParse)
		}
		return nil, err
	}

	if s.ContFn != nil {
		s.ContFn(uint32(n))
	}

	bf := s.filer.BufferFile(0)
	defer bf.Close()
	if _, err := io.CopyN(bf, s.br, int64(n)); err != nil {
		return nil, fmt.Errorf("wire: literal read: %w", err)
	}
	if _, err := bf.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	buf, err := io.ReadAll(bf)
	if err != nil {
		return nil, err
	}
	return buf, nil
}
