// Package ftpclient implements the client half of the application framing
// layer atop the reliable transport: LIST, DELETE, GET-with-resume, and
// PUT-with-resume, plus a progress bar for the transfer operations.
package ftpclient

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/dkendall/relaynet/chunkframe"
	"github.com/dkendall/relaynet/control"
	"github.com/dkendall/relaynet/packet"
	"github.com/dkendall/relaynet/transport"
	"github.com/dkendall/relaynet/waiter"
)

// errClosed is returned by awaitReply when the connection is closed while a
// reply is still outstanding.
var errClosed = errors.New("ftpclient: connection closed")

// ChunkSize is the unit PUT reads and frames local file data in,
// independent of the transport's MSS.
const ChunkSize = 16 * 1024

// ErrNotFound is returned by Delete/Get when the server reports NOTFOUND.
var ErrNotFound = errors.New("ftpclient: file not found")

// ErrServer wraps an ERROR <reason> reply from the server.
type ErrServer struct{ Reason string }

func (e *ErrServer) Error() string { return "ftpclient: server error: " + e.Reason }

// Client drives one relaynet reliable connection to a file-transfer server.
type Client struct {
	conn *transport.Client
	log  *logrus.Entry

	replies chan string
	data    chan []byte

	cmdBuf []byte

	// closeQueue wakes any awaitReply blocked waiting for a reply when Close
	// is called, so a caller giving up on a connection never hangs.
	closeQueue waiter.Queue
}

// Dial connects to server and starts listening for its replies.
func Dial(server string, log *logrus.Entry, opts ...transport.Option) (*Client, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	conn, err := transport.Dial(server, opts...)
	if err != nil {
		return nil, err
	}
	return wrap(conn, log), nil
}

// DialConn is Dial with the caller supplying the client's UDP socket, so it
// can be wrapped (e.g. in a lossy.Conn) before relaynet's reliability layer
// ever sees it.
func DialConn(conn net.PacketConn, server string, log *logrus.Entry, opts ...transport.Option) (*Client, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	tc, err := transport.DialConn(conn, server, opts...)
	if err != nil {
		return nil, err
	}
	return wrap(tc, log), nil
}

func wrap(conn *transport.Client, log *logrus.Entry) *Client {
	c := &Client{
		conn:    conn,
		log:     log,
		replies: make(chan string, 256),
		data:    make(chan []byte, 256),
	}
	conn.RegisterDelivery(c.onDeliver)
	return c
}

// Close tears down the underlying connection, waking any goroutine blocked
// in awaitReply.
func (c *Client) Close() {
	c.closeQueue.Notify(waiter.EventHup)
	c.conn.Close()
}

func (c *Client) onDeliver(hdr *packet.Header, payload []byte) {
	if hdr == nil {
		return
	}
	if hdr.IsCmd() {
		var lines []string
		c.cmdBuf = append(c.cmdBuf, payload...)
		lines, c.cmdBuf = control.SplitLines(c.cmdBuf)
		for _, l := range lines {
			c.replies <- l
		}
		return
	}
	c.data <- append([]byte(nil), payload...)
}

// awaitReply collects control lines up to and including the END terminator
// and returns the lines before it. It returns errClosed if the connection is
// closed before the reply completes.
func (c *Client) awaitReply() ([]string, error) {
	entry, closed := waiter.NewChannelEntry(nil)
	c.closeQueue.EventRegister(&entry, waiter.EventHup)
	defer c.closeQueue.EventUnregister(&entry)

	var lines []string
	for {
		select {
		case line := <-c.replies:
			if line == control.End {
				return lines, nil
			}
			lines = append(lines, line)
		case <-closed:
			return lines, errClosed
		}
	}
}

// List returns the names the server reports via LIST.
func (c *Client) List() ([]string, error) {
	c.conn.SendControl(control.List())
	return c.awaitReply()
}

// Delete removes name on the server.
func (c *Client) Delete(name string) error {
	c.conn.SendControl(control.Delete(name))
	reply, err := c.awaitReply()
	if err != nil {
		return err
	}
	return interpretSimpleReply(reply)
}

func interpretSimpleReply(reply []string) error {
	if len(reply) != 1 {
		return fmt.Errorf("ftpclient: unexpected reply %v", reply)
	}
	switch {
	case reply[0] == "OK":
		return nil
	case reply[0] == "NOTFOUND":
		return ErrNotFound
	case len(reply[0]) > 6 && reply[0][:6] == "ERROR ":
		return &ErrServer{Reason: reply[0][6:]}
	default:
		return fmt.Errorf("ftpclient: unexpected reply %q", reply[0])
	}
}

// Put uploads localPath to the server under remoteName, resuming from
// whatever offset the server reports it already holds. If showProgress is
// set, a progress bar is driven with the file's total size and advanced per
// chunk sent.
func (c *Client) Put(localPath, remoteName string, showProgress bool) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	c.conn.SendControl(control.Put(remoteName, info.Size()))
	reply, err := c.awaitReply()
	if err != nil {
		return err
	}
	if len(reply) != 1 || len(reply[0]) < 7 || reply[0][:7] != "OFFSET " {
		return fmt.Errorf("ftpclient: unexpected PUT reply %v", reply)
	}
	var offset int64
	if _, err := fmt.Sscanf(reply[0], "OFFSET %d", &offset); err != nil {
		return fmt.Errorf("ftpclient: malformed OFFSET reply %q", reply[0])
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.DefaultBytes(info.Size(), "uploading "+remoteName)
		bar.Add64(offset)
	}

	buf := make([]byte, ChunkSize)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			c.conn.Send(chunkframe.Encode(buf[:n]))
			if bar != nil {
				bar.Add(n)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	c.conn.SendControl(control.Done())
	reply, err = c.awaitReply()
	if err != nil {
		return err
	}
	return interpretSimpleReply(reply)
}

// Get downloads remoteName from the server into localPath, resuming from
// the local file's current size if it already exists.
func (c *Client) Get(remoteName, localPath string, showProgress bool) error {
	var offset int64
	flag := os.O_CREATE | os.O_WRONLY
	if info, err := os.Stat(localPath); err == nil {
		offset = info.Size()
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}

	f, err := os.OpenFile(localPath, flag, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	c.conn.SendControl(control.Get(remoteName, offset))

	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.DefaultBytes(-1, "downloading "+remoteName)
	}

	var reasmErr error
	reasm := chunkframe.NewReassembler(
		func(chunk []byte) {
			if _, err := f.Write(chunk); err != nil {
				reasmErr = err
				return
			}
			if bar != nil {
				bar.Add(len(chunk))
			}
		},
		func(chunkframe.Header) {
			c.log.Warn("ftpclient: CRC mismatch on GET chunk, chunk dropped")
		},
	)

	for {
		select {
		case chunk := <-c.data:
			if err := reasm.Feed(chunk); err != nil {
				return err
			}
			if reasmErr != nil {
				return reasmErr
			}
		case line := <-c.replies:
			if line == "NOTFOUND" {
				c.drainUntilEnd(line)
				return ErrNotFound
			}
			if line == "DONE" {
				c.drainUntilEnd(line)
				return nil
			}
			if len(line) > 6 && line[:6] == "ERROR " {
				c.drainUntilEnd(line)
				return &ErrServer{Reason: line[6:]}
			}
		}
	}
}

// drainUntilEnd consumes remaining reply lines through the END terminator;
// first is the line already read that triggered completion.
func (c *Client) drainUntilEnd(first string) {
	if first == control.End {
		return
	}
	for line := range c.replies {
		if line == control.End {
			return
		}
	}
}
