// Package cmdline captures the invocation of the current process so it can
// be replayed, with extra tokens, to launch a brother process.
package cmdline

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/valyala/bytebufferpool"
)

const (
	// MaxArgs is the largest argument count Capture and Parse accept.
	MaxArgs = 20
	// ReservedSlots is the number of tokens Append can add to a record.
	ReservedSlots = 2

	// BrotherToken marks an invocation as the launched brother.
	BrotherToken = "brother"
	// DeviceFlag precedes the device identifier on the command line.
	DeviceFlag = "--device"
	// EnumerationMarker appears in invocations that only list the
	// available tests; such runs never launch a brother.
	EnumerationMarker = "list-subtests"

	procSelfCmdline = "/proc/self/cmdline"
)

var (
	// ErrArgumentParsing is returned when the raw command line has no
	// tokens or more than MaxArgs.
	ErrArgumentParsing = errors.New("cmdline: cannot parse arguments")
	// ErrRecordFull is returned by Append once the reserved slots are used.
	ErrRecordFull = errors.New("cmdline: no reserved slot left")
	// ErrReleased is returned by Append on a released record.
	ErrReleased = errors.New("cmdline: record released")
)

// Record is an owned copy of a command line. The zero Record is empty.
type Record struct {
	path string
	argv []string
	argc int
}

// Capture reads the current process's command line from procfs.
func Capture() (*Record, error) {
	f, err := os.Open(procSelfCmdline)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArgumentParsing, err)
	}
	defer f.Close()

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrArgumentParsing, procSelfCmdline, err)
	}
	return Parse(buf.B)
}

// Parse splits a NUL separated command line. Trailing NULs are ignored, so
// "prog\x00--flag\x00value\x00\x00" yields three tokens.
func Parse(raw []byte) (*Record, error) {
	raw = bytes.TrimRight(raw, "\x00")
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty command line", ErrArgumentParsing)
	}
	fields := bytes.Split(raw, []byte{0})
	if len(fields) > MaxArgs {
		return nil, fmt.Errorf("%w: %d arguments, at most %d supported", ErrArgumentParsing, len(fields), MaxArgs)
	}
	argv := make([]string, len(fields))
	for i, f := range fields {
		argv[i] = string(f)
	}
	return newRecord(argv), nil
}

// New builds a record from a program path and its arguments.
func New(path string, args ...string) (*Record, error) {
	if len(args)+1 > MaxArgs {
		return nil, fmt.Errorf("%w: %d arguments, at most %d supported", ErrArgumentParsing, len(args)+1, MaxArgs)
	}
	return newRecord(append([]string{path}, args...)), nil
}

func newRecord(tokens []string) *Record {
	argv := make([]string, len(tokens), len(tokens)+ReservedSlots)
	copy(argv, tokens)
	return &Record{
		path: strings.Clone(tokens[0]),
		argv: argv,
		argc: len(tokens),
	}
}

// Path returns the program token, argv[0].
func (r *Record) Path() string { return r.path }

// Argc returns the number of tokens, including appended ones.
func (r *Record) Argc() int { return len(r.argv) }

// Captured returns the number of tokens the record was built with.
func (r *Record) Captured() int { return r.argc }

// Argv returns a copy of every token, starting with the program.
func (r *Record) Argv() []string {
	return append([]string(nil), r.argv...)
}

// Args returns a copy of the tokens after the program.
func (r *Record) Args() []string {
	if len(r.argv) < 2 {
		return nil
	}
	return append([]string(nil), r.argv[1:]...)
}

// Contains reports whether token is one of the arguments. The program
// token is not considered.
func (r *Record) Contains(token string) bool {
	for _, a := range r.Args() {
		if a == token {
			return true
		}
	}
	return false
}

// ContainsSubstring reports whether any token, the program included,
// contains marker.
func (r *Record) ContainsSubstring(marker string) bool {
	for _, a := range r.argv {
		if strings.Contains(a, marker) {
			return true
		}
	}
	return false
}

// Append adds token to the end of the record. Duplicates are allowed;
// callers check Contains first when they need uniqueness.
func (r *Record) Append(token string) error {
	if r.argv == nil {
		return ErrReleased
	}
	if len(r.argv) == cap(r.argv) {
		return fmt.Errorf("%w: %d tokens", ErrRecordFull, len(r.argv))
	}
	r.argv = append(r.argv, token)
	return nil
}

// Release drops every token. The record reads as empty afterwards.
func (r *Record) Release() {
	r.argv = nil
	r.path = ""
	r.argc = 0
}

// Released reports whether Release has been called.
func (r *Record) Released() bool { return r.argv == nil }

// DeviceKey returns the sum of the bytes of the argument following flag,
// or 0 when flag is absent or last.
func (r *Record) DeviceKey(flag string) int {
	args := r.Args()
	for i, a := range args {
		if a != flag {
			continue
		}
		if i+1 >= len(args) {
			return 0
		}
		sum := 0
		for _, c := range []byte(args[i+1]) {
			sum += int(c)
		}
		return sum
	}
	return 0
}

// String returns the tokens joined by spaces.
func (r *Record) String() string {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	for i, a := range r.argv {
		if i > 0 {
			_ = buf.WriteByte(' ')
		}
		_, _ = buf.WriteString(a)
	}
	return buf.String()
}
