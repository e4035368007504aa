package ftpserver

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/dkendall/relaynet/chunkframe"
	"github.com/dkendall/relaynet/control"
	"github.com/dkendall/relaynet/packet"
	"github.com/dkendall/relaynet/transport"
)

func startServer(t *testing.T) (addr string, dir string, stop func()) {
	t.Helper()

	dir = t.TempDir()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}

	srv := NewServer(conn, dir, nil, nil, transport.WithTimerInterval(50*time.Millisecond))
	go srv.Serve()

	return conn.LocalAddr().String(), dir, func() { conn.Close() }
}

// testClient is a minimal direct Endpoint-level driver, standing in for
// ftpclient so this package's tests don't depend on it.
type testClient struct {
	ep     *transport.Endpoint
	conn   *net.UDPConn
	lineCh chan string
	dataCh chan []byte
}

func dialTestClient(t *testing.T, serverAddr string) *testClient {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	addr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}

	tc := &testClient{conn: conn, lineCh: make(chan string, 256), dataCh: make(chan []byte, 256)}
	tc.ep = transport.New(conn, 99, transport.WithPeer(addr), transport.WithTimerInterval(50*time.Millisecond))

	var cmdBuf []byte
	tc.ep.RegisterDelivery(func(hdr *packet.Header, payload []byte) {
		if hdr == nil {
			return
		}
		if hdr.IsCmd() {
			var lines []string
			cmdBuf = append(cmdBuf, payload...)
			lines, cmdBuf = control.SplitLines(cmdBuf)
			for _, l := range lines {
				tc.lineCh <- l
			}
			return
		}
		tc.dataCh <- append([]byte(nil), payload...)
	})

	go func() {
		buf := make([]byte, 65535)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			datagram := make([]byte, n)
			copy(datagram, buf[:n])
			tc.ep.HandlePacket(datagram, from)
		}
	}()

	return tc
}

func (tc *testClient) close() {
	tc.ep.Close()
	tc.conn.Close()
}

func (tc *testClient) awaitReply(t *testing.T, timeout time.Duration) []string {
	t.Helper()
	var lines []string
	deadline := time.After(timeout)
	for {
		select {
		case line := <-tc.lineCh:
			if line == control.End {
				return lines
			}
			lines = append(lines, line)
		case <-deadline:
			t.Fatalf("timed out waiting for END, got %v so far", lines)
		}
	}
}

func TestPutResumeAndGet(t *testing.T) {
	addr, dir, stop := startServer(t)
	defer stop()

	tc := dialTestClient(t, addr)
	defer tc.close()

	content := bytes.Repeat([]byte("relaynet-content-"), 2000)

	tc.ep.SendControl(control.Put("report.bin", int64(len(content))))
	reply := tc.awaitReply(t, 5*time.Second)
	if len(reply) != 1 || reply[0] != "OFFSET 0" {
		t.Fatalf("got reply %v, want [OFFSET 0]", reply)
	}

	tc.ep.Send(chunkframe.Encode(content))
	tc.ep.SendControl(control.Done())
	reply = tc.awaitReply(t, 5*time.Second)
	if len(reply) != 1 || reply[0] != "OK" {
		t.Fatalf("got reply %v, want [OK]", reply)
	}

	stored, err := os.ReadFile(filepath.Join(dir, "report.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(stored, content) {
		t.Fatalf("stored file doesn't match uploaded content")
	}

	// Resuming a PUT of the same name should report the already-persisted
	// size and leave the existing content intact.
	tc.ep.SendControl(control.Put("report.bin", int64(len(content))))
	reply = tc.awaitReply(t, 5*time.Second)
	want := "OFFSET " + strconv.Itoa(len(content))
	if len(reply) != 1 || reply[0] != want {
		t.Fatalf("got reply %v, want [%s]", reply, want)
	}
	tc.ep.SendControl(control.Done())
	tc.awaitReply(t, 5*time.Second)

	// GET should stream back exactly what was stored.
	tc.ep.SendControl(control.Get("report.bin", 0))
	var got []byte
	deadline := time.After(10 * time.Second)
	reasm := chunkframe.NewReassembler(func(p []byte) { got = append(got, p...) }, func(chunkframe.Header) {
		t.Fatalf("unexpected CRC mismatch during GET")
	})
collectData:
	for {
		select {
		case d := <-tc.dataCh:
			if err := reasm.Feed(d); err != nil {
				t.Fatalf("Feed: %v", err)
			}
		case line := <-tc.lineCh:
			if line == "DONE" {
				continue
			}
			if line == control.End {
				break collectData
			}
		case <-deadline:
			t.Fatalf("timed out waiting for GET to complete")
		}
	}

	if !bytes.Equal(got, content) {
		t.Fatalf("GET content doesn't match stored file")
	}
}

func TestListAndDelete(t *testing.T) {
	addr, dir, stop := startServer(t)
	defer stop()

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tc := dialTestClient(t, addr)
	defer tc.close()

	tc.ep.SendControl(control.List())
	reply := tc.awaitReply(t, 5*time.Second)
	if len(reply) != 1 || reply[0] != "a.txt" {
		t.Fatalf("got %v, want [a.txt]", reply)
	}

	tc.ep.SendControl(control.Delete("a.txt"))
	reply = tc.awaitReply(t, 5*time.Second)
	if len(reply) != 1 || reply[0] != "OK" {
		t.Fatalf("got %v, want [OK]", reply)
	}

	tc.ep.SendControl(control.Delete("a.txt"))
	reply = tc.awaitReply(t, 5*time.Second)
	if len(reply) != 1 || reply[0] != "NOTFOUND" {
		t.Fatalf("got %v, want [NOTFOUND]", reply)
	}
}

func TestSessionLookupAndCount(t *testing.T) {
	dir := t.TempDir()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	srv := NewServer(conn, dir, nil, nil, transport.WithTimerInterval(50*time.Millisecond))
	go srv.Serve()
	defer conn.Close()

	if n := srv.SessionCount(); n != 0 {
		t.Fatalf("SessionCount before any client = %d, want 0", n)
	}

	tc := dialTestClient(t, conn.LocalAddr().String())
	defer tc.close()

	tc.ep.SendControl(control.List())
	tc.awaitReply(t, 5*time.Second)

	if n := srv.SessionCount(); n != 1 {
		t.Fatalf("SessionCount after one client = %d, want 1", n)
	}
	sess, ok := srv.Session(tc.conn.LocalAddr().String())
	if !ok || sess == nil {
		t.Fatalf("Session lookup for known client failed")
	}
	if _, ok := srv.Session("127.0.0.1:1"); ok {
		t.Fatalf("Session lookup for unknown address should fail")
	}
}

func TestGetMissingFile(t *testing.T) {
	addr, _, stop := startServer(t)
	defer stop()

	tc := dialTestClient(t, addr)
	defer tc.close()

	tc.ep.SendControl(control.Get("missing.bin", 0))
	reply := tc.awaitReply(t, 5*time.Second)
	if len(reply) != 1 || reply[0] != "NOTFOUND" {
		t.Fatalf("got %v, want [NOTFOUND]", reply)
	}
}
