package control

import (
	"reflect"
	"testing"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		line string
		want Command
	}{
		{"LIST", Command{Verb: "LIST"}},
		{"put foo.bin 1024", Command{Verb: "PUT", Args: []string{"foo.bin", "1024"}}},
		{"  GET  bar.bin   0  ", Command{Verb: "GET", Args: []string{"bar.bin", "0"}}},
	}
	for _, c := range cases {
		got, err := ParseCommand(c.line)
		if err != nil {
			t.Fatalf("ParseCommand(%q): %v", c.line, err)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Fatalf("ParseCommand(%q) = %+v, want %+v", c.line, got, c.want)
		}
	}
}

func TestParseCommandEmpty(t *testing.T) {
	if _, err := ParseCommand("   "); err != ErrProtocolViolation {
		t.Fatalf("got err %v, want ErrProtocolViolation", err)
	}
}

func TestParsePutArgs(t *testing.T) {
	name, size, err := ParsePutArgs([]string{"report.csv", "4096"})
	if err != nil || name != "report.csv" || size != 4096 {
		t.Fatalf("got (%q, %d, %v)", name, size, err)
	}
	if _, _, err := ParsePutArgs([]string{"only-one-arg"}); err != ErrProtocolViolation {
		t.Fatalf("got err %v, want ErrProtocolViolation", err)
	}
	if _, _, err := ParsePutArgs([]string{"name", "-1"}); err != ErrProtocolViolation {
		t.Fatalf("got err %v, want ErrProtocolViolation", err)
	}
}

func TestReplyReaderCollectsUntilEnd(t *testing.T) {
	var lines []string
	r := NewReplyReader(func(line string) bool {
		if line == End {
			return true
		}
		lines = append(lines, line)
		return false
	})

	wire := []byte("a.txt\nb.txt\nc.txt\nEND\n")
	for i := 0; i < len(wire); i++ {
		r.Feed(wire[i : i+1])
	}

	want := []string{"a.txt", "b.txt", "c.txt"}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("got %v, want %v", lines, want)
	}
}

func TestReplyReaderIgnoresBytesAfterEnd(t *testing.T) {
	var lines []string
	r := NewReplyReader(func(line string) bool {
		if line == End {
			return true
		}
		lines = append(lines, line)
		return false
	})

	r.Feed([]byte("OK\nEND\ngarbage-from-a-later-reply\n"))
	if !reflect.DeepEqual(lines, []string{"OK"}) {
		t.Fatalf("got %v, want [OK]", lines)
	}
}
