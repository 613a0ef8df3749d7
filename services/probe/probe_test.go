package probe

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

// fakeServer accepts one connection and runs script on it. The returned
// channel yields whatever the client sent after the script finished.
func fakeServer(t *testing.T, script func(conn net.Conn) error) (int, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		done <- script(conn)
	}()
	return ln.Addr().(*net.TCPAddr).Port, done
}

func expect(conn net.Conn, want []byte) error {
	got := make([]byte, len(want))
	if _, err := io.ReadFull(conn, got); err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return errors.New("unexpected client bytes: " + string(got))
	}
	return nil
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func serverInit(w, h uint16, name string) []byte {
	b := make([]byte, 24)
	binary.BigEndian.PutUint16(b[0:2], w)
	binary.BigEndian.PutUint16(b[2:4], h)
	binary.BigEndian.PutUint32(b[20:24], uint32(len(name)))
	return append(b, name...)
}

func testOptions() Options {
	return Options{ConnectTimeout: time.Second, IOTimeout: 2 * time.Second}
}

func TestHandshakeLegacySuccess(t *testing.T) {
	port, done := fakeServer(t, func(conn net.Conn) error {
		_, _ = conn.Write([]byte("RFB 003.003\n"))
		if err := expect(conn, []byte(ClientVersion)); err != nil {
			return err
		}
		_, _ = conn.Write(u32(1))
		if err := expect(conn, []byte{0x01}); err != nil {
			return err
		}
		_, _ = conn.Write(serverInit(1024, 768, "penguin:0"))
		return nil
	})

	res := Handshake(context.Background(), "127.0.0.1", port, testOptions())
	if err := <-done; err != nil {
		t.Fatalf("server: %v", err)
	}
	if !res.Success || res.Step != StepDone {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Form != FormLegacy || res.Width != 1024 || res.Height != 768 || res.DesktopName != "penguin:0" {
		t.Fatalf("unexpected details %+v", res)
	}
	if !strings.Contains(res.String(), "UP (Auth:1, Name:penguin:0) 1024x768") {
		t.Fatalf("summary = %q", res.String())
	}
}

func TestHandshakeFailureReasonStopsIO(t *testing.T) {
	port, done := fakeServer(t, func(conn net.Conn) error {
		_, _ = conn.Write([]byte("RFB 003.003\n"))
		if err := expect(conn, []byte(ClientVersion)); err != nil {
			return err
		}
		reason := "Too many attempts"
		_, _ = conn.Write(append(append(u32(0), u32(uint32(len(reason)))...), reason...))

		// The client must hang up without sending ClientInit.
		rest, err := io.ReadAll(conn)
		if err != nil {
			return err
		}
		if len(rest) != 0 {
			return errors.New("client kept talking after failure: " + string(rest))
		}
		return nil
	})

	res := Handshake(context.Background(), "127.0.0.1", port, testOptions())
	if err := <-done; err != nil {
		t.Fatalf("server: %v", err)
	}
	if res.Success || res.Step != StepSecurity || res.Reason != "Too many attempts" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.ServerVersion != "RFB 003.003" || res.Form != FormLegacy {
		t.Fatalf("unexpected version or form %+v", res)
	}
}

func TestHandshakeModernFailureReason(t *testing.T) {
	port, done := fakeServer(t, func(conn net.Conn) error {
		_, _ = conn.Write([]byte("RFB 003.008\n"))
		if err := expect(conn, []byte(ClientVersion)); err != nil {
			return err
		}
		reason := "Too many attempts"
		_, _ = conn.Write(append(append([]byte{0}, u32(uint32(len(reason)))...), reason...))

		rest, err := io.ReadAll(conn)
		if err != nil {
			return err
		}
		if len(rest) != 0 {
			return errors.New("client kept talking after failure: " + string(rest))
		}
		return nil
	})

	res := Handshake(context.Background(), "127.0.0.1", port, testOptions())
	if err := <-done; err != nil {
		t.Fatalf("server: %v", err)
	}
	if res.Success || res.Step != StepSecurity || res.Reason != "Too many attempts" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Form != FormModern {
		t.Fatalf("form = %v", res.Form)
	}
}

func TestHandshakeUnsupportedAuth(t *testing.T) {
	port, done := fakeServer(t, func(conn net.Conn) error {
		_, _ = conn.Write([]byte("RFB 003.003\n"))
		if err := expect(conn, []byte(ClientVersion)); err != nil {
			return err
		}
		_, _ = conn.Write(u32(2))
		_, err := io.ReadAll(conn)
		return err
	})

	res := Handshake(context.Background(), "127.0.0.1", port, testOptions())
	<-done
	if res.Success || res.Step != StepAuth || !strings.HasPrefix(res.Reason, "unsupported auth") {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestHandshakeModernFormWithSecurityResult(t *testing.T) {
	port, done := fakeServer(t, func(conn net.Conn) error {
		_, _ = conn.Write([]byte("RFB 003.008\n"))
		if err := expect(conn, []byte(ClientVersion)); err != nil {
			return err
		}
		_, _ = conn.Write([]byte{2, 2, 1})
		if err := expect(conn, []byte{securityNone}); err != nil {
			return err
		}
		_, _ = conn.Write(u32(0))
		if err := expect(conn, []byte{0x01}); err != nil {
			return err
		}
		_, _ = conn.Write(serverInit(800, 600, "desk"))
		return nil
	})

	res := Handshake(context.Background(), "127.0.0.1", port, testOptions())
	if err := <-done; err != nil {
		t.Fatalf("server: %v", err)
	}
	if !res.Success || res.Form != FormModern || len(res.SecurityTypes) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestHandshakeShortServerInit(t *testing.T) {
	port, done := fakeServer(t, func(conn net.Conn) error {
		_, _ = conn.Write([]byte("RFB 003.003\n"))
		if err := expect(conn, []byte(ClientVersion)); err != nil {
			return err
		}
		_, _ = conn.Write(u32(1))
		if err := expect(conn, []byte{0x01}); err != nil {
			return err
		}
		_, _ = conn.Write(make([]byte, 10))
		return nil
	})

	res := Handshake(context.Background(), "127.0.0.1", port, testOptions())
	<-done
	if res.Success || res.Step != StepServerInit {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestHandshakeNoServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	res := Handshake(context.Background(), "127.0.0.1", port, testOptions())
	if res.Success || res.Step != StepConnect || res.Reason != "no server" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSweepReportsFirstResponsivePort(t *testing.T) {
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	closedPort := closed.Addr().(*net.TCPAddr).Port
	closed.Close()

	port, done := fakeServer(t, func(conn net.Conn) error {
		_, _ = conn.Write([]byte("RFB 003.003\n"))
		if err := expect(conn, []byte(ClientVersion)); err != nil {
			return err
		}
		_, _ = conn.Write(u32(1))
		if err := expect(conn, []byte{0x01}); err != nil {
			return err
		}
		_, _ = conn.Write(serverInit(640, 480, "kiosk"))
		return nil
	})

	opts := testOptions()
	opts.Ports = []int{closedPort, port}
	res := Sweep(context.Background(), "127.0.0.1", opts)
	if err := <-done; err != nil {
		t.Fatalf("server: %v", err)
	}
	if !res.Found || res.Port != port || res.Status != "UP (Auth:1, Name:kiosk)" {
		t.Fatalf("unexpected sweep %+v", res)
	}
}

func TestSweepNothingFound(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	opts := testOptions()
	opts.Ports = []int{port}
	res := Sweep(context.Background(), "127.0.0.1", opts)
	if res.Found || res.Status != "No VNC server found" {
		t.Fatalf("unexpected sweep %+v", res)
	}
	if res.String() != "RESULT: FAIL | No VNC server found" {
		t.Fatalf("summary = %q", res.String())
	}
}

func TestAtLeast(t *testing.T) {
	tests := []struct {
		banner       string
		major, minor int
		want         bool
	}{
		{"RFB 003.003", 3, 8, false},
		{"RFB 003.007", 3, 8, false},
		{"RFB 003.008", 3, 8, true},
		{"RFB 004.001", 3, 8, true},
		{"garbage", 3, 8, false},
		{"RFB 003.003", 3, 7, false},
		{"RFB 003.007", 3, 7, true},
	}
	for _, tt := range tests {
		if got := atLeast(tt.banner, tt.major, tt.minor); got != tt.want {
			t.Fatalf("atLeast(%q, %d, %d) = %v", tt.banner, tt.major, tt.minor, got)
		}
	}
}
