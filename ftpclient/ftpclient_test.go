package ftpclient

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkendall/relaynet/chunkframe"
	"github.com/dkendall/relaynet/control"
	"github.com/dkendall/relaynet/ftpserver"
	"github.com/dkendall/relaynet/transport"
)

func startServer(t *testing.T) (addr string, dir string, stop func()) {
	t.Helper()

	dir = t.TempDir()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}

	srv := ftpserver.NewServer(conn, dir, nil, nil, transport.WithTimerInterval(50*time.Millisecond))
	go srv.Serve()

	return conn.LocalAddr().String(), dir, func() { conn.Close() }
}

func TestPutGetRoundTrip(t *testing.T) {
	addr, dir, stop := startServer(t)
	defer stop()

	c, err := Dial(addr, nil, transport.WithTimerInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	localDir := t.TempDir()
	uploadPath := filepath.Join(localDir, "upload.bin")
	content := bytes.Repeat([]byte("0123456789"), 10000)
	if err := os.WriteFile(uploadPath, content, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := c.Put(uploadPath, "remote.bin", false); err != nil {
		t.Fatalf("Put: %v", err)
	}

	stored, err := os.ReadFile(filepath.Join(dir, "remote.bin"))
	if err != nil {
		t.Fatalf("ReadFile server copy: %v", err)
	}
	if !bytes.Equal(stored, content) {
		t.Fatalf("server copy doesn't match uploaded content")
	}

	downloadPath := filepath.Join(localDir, "download.bin")
	if err := c.Get("remote.bin", downloadPath, false); err != nil {
		t.Fatalf("Get: %v", err)
	}

	downloaded, err := os.ReadFile(downloadPath)
	if err != nil {
		t.Fatalf("ReadFile download: %v", err)
	}
	if !bytes.Equal(downloaded, content) {
		t.Fatalf("downloaded content doesn't match uploaded content")
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	addr, _, stop := startServer(t)
	defer stop()

	c, err := Dial(addr, nil, transport.WithTimerInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	err = c.Get("nope.bin", filepath.Join(t.TempDir(), "nope.bin"), false)
	if err != ErrNotFound {
		t.Fatalf("got err %v, want ErrNotFound", err)
	}
}

func TestListAndDelete(t *testing.T) {
	addr, dir, stop := startServer(t)
	defer stop()

	if err := os.WriteFile(filepath.Join(dir, "x.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c, err := Dial(addr, nil, transport.WithTimerInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	names, err := c.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 1 || names[0] != "x.txt" {
		t.Fatalf("got %v, want [x.txt]", names)
	}

	if err := c.Delete("x.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := c.Delete("x.txt"); err != ErrNotFound {
		t.Fatalf("got err %v, want ErrNotFound", err)
	}
}

// TestInterruptedPutResume exercises Property 6 / Scenario 3: a PUT
// interrupted partway through resumes from the server's reported offset and
// completes with the full original content on disk.
func TestInterruptedPutResume(t *testing.T) {
	addr, dir, stop := startServer(t)
	defer stop()

	localDir := t.TempDir()
	uploadPath := filepath.Join(localDir, "upload.bin")
	full := bytes.Repeat([]byte{0x5A}, 256*1024)
	if err := os.WriteFile(uploadPath, full, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// First client uploads only the first half, then disappears without
	// sending DONE.
	c1, err := Dial(addr, nil, transport.WithTimerInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	half := full[:128*1024]
	c1.conn.SendControl(control.Put("resume.bin", int64(len(full))))
	if _, err := c1.awaitReply(); err != nil {
		t.Fatalf("awaitReply: %v", err)
	}
	c1.conn.Send(chunkframe.Encode(half))
	time.Sleep(200 * time.Millisecond) // let the data actually land before vanishing
	c1.Close()

	// Second client resumes the same name.
	c2, err := Dial(addr, nil, transport.WithTimerInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c2.Close()

	if err := c2.Put(uploadPath, "resume.bin", false); err != nil {
		t.Fatalf("Put (resume): %v", err)
	}

	stored, err := os.ReadFile(filepath.Join(dir, "resume.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(stored, full) {
		t.Fatalf("resumed file doesn't match original content")
	}
}
