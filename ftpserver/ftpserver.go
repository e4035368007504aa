// Package ftpserver implements the server half of the application framing
// layer: LIST, DELETE, GET, and PUT-with-resume, running one Session per
// client address atop the reliable transport. A PUT resumes by seeking to
// the byte offset the server already holds and writing arriving chunks
// there directly — never by buffering chunks in memory and overwriting the
// file on DONE, which silently discards any previously-persisted prefix.
package ftpserver

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/dkendall/relaynet/metrics"
	"github.com/dkendall/relaynet/transport"
)

// ChunkSize is the unit the server reads and frames file data in for GET,
// independent of the transport's MSS.
const ChunkSize = 16 * 1024

// ErrInvalidName is returned when a client-supplied filename contains path
// components or otherwise can't be safely joined under the server
// directory.
var ErrInvalidName = errors.New("ftpserver: invalid filename")

// Server multiplexes client sessions over one shared UDP socket, storing
// files under Dir.
type Server struct {
	Dir     string
	log     *logrus.Entry
	metrics *metrics.Transport
	opts    []transport.Option

	listener *transport.Listener

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewServer wraps conn, creating a fresh Session (and its own reliable
// Endpoint) for each newly-observed client address.
func NewServer(conn net.PacketConn, dir string, log *logrus.Entry, m *metrics.Transport, opts ...transport.Option) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		Dir:      dir,
		log:      log,
		metrics:  m,
		opts:     opts,
		sessions: make(map[string]*Session),
	}

	allOpts := append([]transport.Option{transport.WithMetrics(m), transport.WithLogger(log)}, opts...)
	s.listener = transport.NewListener(conn, func(addr net.Addr) *transport.Endpoint {
		id := xid.New()
		ep := transport.New(conn, connIDFromXID(id), allOpts...)
		sess := newSession(id, ep, dir, log.WithField("client", addr.String()), m)
		s.mu.Lock()
		s.sessions[addr.String()] = sess
		s.mu.Unlock()
		return ep
	})

	return s
}

// Serve reads datagrams from the server's socket until it errors, typically
// because the socket was closed.
func (s *Server) Serve() error {
	return s.listener.Serve()
}

// SessionCount returns the number of client sessions seen so far.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Session looks up the session for a given client address, as previously
// passed to NewPeerFunc. The bool is false if no session has been created
// for that address.
func (s *Server) Session(addr string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[addr]
	return sess, ok
}

func connIDFromXID(id xid.ID) uint32 {
	b := id.Bytes()
	var v uint32
	for i := 0; i < len(b); i += 4 {
		var word uint32
		for j := 0; j < 4 && i+j < len(b); j++ {
			word = word<<8 | uint32(b[i+j])
		}
		v ^= word
	}
	return v
}

func sanitizeName(name string) (string, error) {
	if name == "" || name == "." || name == ".." {
		return "", ErrInvalidName
	}
	if name != filepath.Base(name) {
		return "", ErrInvalidName
	}
	return name, nil
}

func isNotFound(err error) bool {
	return os.IsNotExist(err)
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
