// Package control implements the newline-terminated ASCII command grammar
// relaynet's file-transfer layer runs over the reliable control stream:
// LIST, DELETE, PUT, GET, DONE on the way in; OFFSET/OK/NOTFOUND/CRCERR/
// ERROR replies, multi-line responses terminated by the literal line END,
// on the way out.
package control

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// End is the literal terminator line for every multi-line reply.
const End = "END"

// ErrProtocolViolation covers malformed command lines, DONE without an
// active session, and other grammar violations that get an ERROR reply
// rather than a dropped connection.
var ErrProtocolViolation = errors.New("control: protocol violation")

// Command is a parsed request line.
type Command struct {
	Verb string
	Args []string
}

// ParseCommand parses a single command line (no trailing newline).
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, ErrProtocolViolation
	}
	cmd := Command{Verb: strings.ToUpper(fields[0])}
	if len(fields) > 1 {
		cmd.Args = fields[1:]
	}
	return cmd, nil
}

// EncodeLine appends a single newline-terminated line to a growing control
// message.
func EncodeLine(format string, args ...interface{}) []byte {
	return []byte(fmt.Sprintf(format, args...) + "\n")
}

// EncodeEnd returns the literal END terminator line.
func EncodeEnd() []byte {
	return []byte(End + "\n")
}

// List builds a LIST command line.
func List() []byte { return EncodeLine("LIST") }

// Delete builds a DELETE command line.
func Delete(name string) []byte { return EncodeLine("DELETE %s", name) }

// Put builds a PUT command line.
func Put(name string, size int64) []byte { return EncodeLine("PUT %s %d", name, size) }

// Get builds a GET command line.
func Get(name string, offset int64) []byte { return EncodeLine("GET %s %d", name, offset) }

// Done builds a DONE command line.
func Done() []byte { return EncodeLine("DONE") }

// Offset builds an OFFSET reply line.
func Offset(n int64) []byte { return EncodeLine("OFFSET %d", n) }

// OK builds an OK reply line.
func OK() []byte { return EncodeLine("OK") }

// NotFound builds a NOTFOUND reply line.
func NotFound() []byte { return EncodeLine("NOTFOUND") }

// CRCErr builds a CRCERR reply line.
func CRCErr() []byte { return EncodeLine("CRCERR") }

// Error builds an ERROR reply line with a free-form reason.
func Error(reason string) []byte { return EncodeLine("ERROR %s", reason) }

// ParsePutArgs extracts name and size from a PUT command's arguments.
func ParsePutArgs(args []string) (name string, size int64, err error) {
	if len(args) != 2 {
		return "", 0, ErrProtocolViolation
	}
	size, err = strconv.ParseInt(args[1], 10, 64)
	if err != nil || size < 0 {
		return "", 0, ErrProtocolViolation
	}
	return args[0], size, nil
}

// ParseGetArgs extracts name and offset from a GET command's arguments.
func ParseGetArgs(args []string) (name string, offset int64, err error) {
	if len(args) != 2 {
		return "", 0, ErrProtocolViolation
	}
	offset, err = strconv.ParseInt(args[1], 10, 64)
	if err != nil || offset < 0 {
		return "", 0, ErrProtocolViolation
	}
	return args[0], offset, nil
}

// ParseDeleteArgs extracts name from a DELETE command's arguments.
func ParseDeleteArgs(args []string) (name string, err error) {
	if len(args) != 1 {
		return "", ErrProtocolViolation
	}
	return args[0], nil
}
