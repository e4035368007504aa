package ftpserver

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/dkendall/relaynet/chunkframe"
	"github.com/dkendall/relaynet/control"
	"github.com/dkendall/relaynet/metrics"
	"github.com/dkendall/relaynet/packet"
	"github.com/dkendall/relaynet/transport"
)

type uploadState struct {
	name        string
	path        string
	file        *os.File
	writeOffset int64
	reasm       *chunkframe.Reassembler
}

// Session tracks one client's command stream and any in-progress PUT
// upload. It is driven entirely by its Endpoint's delivery callback, which
// the owning transport.Listener invokes on its single read-loop goroutine —
// Session never needs its own locking against concurrent deliveries, only
// against the GET streaming goroutine it spawns.
type Session struct {
	id      xid.ID
	ep      *transport.Endpoint
	dir     string
	log     *logrus.Entry
	metrics *metrics.Transport

	cmdBuf []byte

	mu     sync.Mutex
	upload *uploadState
}

func newSession(id xid.ID, ep *transport.Endpoint, dir string, log *logrus.Entry, m *metrics.Transport) *Session {
	s := &Session{id: id, ep: ep, dir: dir, log: log, metrics: m}
	ep.RegisterDelivery(s.handleDelivery)
	return s
}

func (s *Session) reply(lines ...[]byte) {
	for _, line := range lines {
		s.ep.SendControl(line)
	}
}

func (s *Session) handleDelivery(hdr *packet.Header, payload []byte) {
	if hdr == nil {
		return // unframed debug passthrough; nothing to do with it here
	}
	if hdr.IsCmd() {
		s.cmdBuf = append(s.cmdBuf, payload...)
		var lines []string
		lines, s.cmdBuf = control.SplitLines(s.cmdBuf)
		for _, line := range lines {
			s.handleCommandLine(line)
		}
		return
	}

	s.mu.Lock()
	u := s.upload
	s.mu.Unlock()
	if u == nil {
		return // stray data outside an active PUT
	}
	if err := u.reasm.Feed(payload); err == chunkframe.ErrBadHeader {
		s.log.Warn("ftpserver: malformed data frame, aborting upload")
		s.abortUpload()
		s.reply(control.Error("bad DATA"), control.EncodeEnd())
	}
}

func (s *Session) handleCommandLine(line string) {
	cmd, err := control.ParseCommand(line)
	if err != nil {
		s.reply(control.Error("malformed command"), control.EncodeEnd())
		return
	}

	switch cmd.Verb {
	case "LIST":
		s.handleList()
	case "DELETE":
		s.handleDelete(cmd.Args)
	case "PUT":
		s.handlePut(cmd.Args)
	case "GET":
		s.handleGet(cmd.Args)
	case "DONE":
		s.handleDone()
	default:
		s.reply(control.Error("unknown command"), control.EncodeEnd())
	}
}

func (s *Session) handleList() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.reply(control.Error(err.Error()), control.EncodeEnd())
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		s.reply(control.EncodeLine("%s", entry.Name()))
	}
	s.reply(control.EncodeEnd())
}

func (s *Session) handleDelete(args []string) {
	name, err := control.ParseDeleteArgs(args)
	if err != nil {
		s.reply(control.Error("malformed DELETE"), control.EncodeEnd())
		return
	}
	name, err = sanitizeName(name)
	if err != nil {
		s.reply(control.Error("invalid filename"), control.EncodeEnd())
		return
	}

	path := filepath.Join(s.dir, name)
	if err := os.Remove(path); err != nil {
		if isNotFound(err) {
			s.reply(control.NotFound(), control.EncodeEnd())
		} else {
			s.reply(control.Error(err.Error()), control.EncodeEnd())
		}
		return
	}
	s.reply(control.OK(), control.EncodeEnd())
}

func (s *Session) handlePut(args []string) {
	name, _, err := control.ParsePutArgs(args)
	if err != nil {
		s.reply(control.Error("malformed PUT"), control.EncodeEnd())
		return
	}
	name, err = sanitizeName(name)
	if err != nil {
		s.reply(control.Error("invalid filename"), control.EncodeEnd())
		return
	}

	path := filepath.Join(s.dir, name)
	offset := fileSize(path)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		s.reply(control.Error(err.Error()), control.EncodeEnd())
		return
	}

	u := &uploadState{name: name, path: path, file: file, writeOffset: offset}
	u.reasm = chunkframe.NewReassembler(
		func(chunk []byte) { s.onUploadChunk(u, chunk) },
		func(chunkframe.Header) { s.onUploadCRCMismatch() },
	)

	s.mu.Lock()
	s.upload = u
	s.mu.Unlock()

	s.log.WithField("file", name).WithField("offset", offset).Info("ftpserver: PUT resuming")
	s.reply(control.Offset(offset), control.EncodeEnd())
}

func (s *Session) onUploadChunk(u *uploadState, chunk []byte) {
	if _, err := u.file.WriteAt(chunk, u.writeOffset); err != nil {
		s.log.WithError(err).Error("ftpserver: write failed")
		return
	}
	u.writeOffset += int64(len(chunk))
}

func (s *Session) onUploadCRCMismatch() {
	if s.metrics != nil {
		s.metrics.IncCRCMismatch()
	}
	s.reply(control.CRCErr(), control.EncodeEnd())
}

func (s *Session) abortUpload() {
	s.mu.Lock()
	u := s.upload
	s.upload = nil
	s.mu.Unlock()
	if u != nil {
		u.file.Close()
	}
}

func (s *Session) handleDone() {
	s.mu.Lock()
	u := s.upload
	s.upload = nil
	s.mu.Unlock()

	if u == nil {
		s.reply(control.Error("no active PUT"), control.EncodeEnd())
		return
	}
	if err := u.file.Close(); err != nil {
		s.reply(control.Error(err.Error()), control.EncodeEnd())
		return
	}
	s.log.WithField("file", u.name).WithField("bytes", u.writeOffset).Info("ftpserver: PUT complete")
	s.reply(control.OK(), control.EncodeEnd())
}

func (s *Session) handleGet(args []string) {
	name, offset, err := control.ParseGetArgs(args)
	if err != nil {
		s.reply(control.Error("malformed GET"), control.EncodeEnd())
		return
	}
	name, err = sanitizeName(name)
	if err != nil {
		s.reply(control.Error("invalid filename"), control.EncodeEnd())
		return
	}

	path := filepath.Join(s.dir, name)
	file, err := os.Open(path)
	if err != nil {
		s.reply(control.NotFound(), control.EncodeEnd())
		return
	}

	go s.streamFile(file, offset)
}

// streamFile runs on its own goroutine so a slow disk read never stalls the
// listener's shared read loop. It only ever calls the Endpoint's
// externally-synchronized Send/SendControl entry points.
func (s *Session) streamFile(file *os.File, offset int64) {
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		s.log.WithError(err).Error("ftpserver: seek failed")
		s.reply(control.Error(err.Error()), control.EncodeEnd())
		return
	}

	buf := make([]byte, ChunkSize)
	for {
		n, err := file.Read(buf)
		if n > 0 {
			s.ep.Send(chunkframe.Encode(buf[:n]))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			s.log.WithError(err).Error("ftpserver: read failed")
			s.reply(control.Error(err.Error()), control.EncodeEnd())
			return
		}
	}
	s.reply(control.Done(), control.EncodeEnd())
}
