package socks

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// fakeSocks5 runs a minimal SOCKS5 server for one connection.
// replyCode is the REP byte sent in the CONNECT reply. If wantAuth is true
// the server requires username/password and checks against user/pass.
func fakeSocks5(t *testing.T, replyCode byte, wantAuth bool, user, pass string) (addr string, gotHost chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	gotHost = make(chan string, 1)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		greeting := make([]byte, 2)
		if _, err := io.ReadFull(conn, greeting); err != nil {
			return
		}
		methods := make([]byte, int(greeting[1]))
		io.ReadFull(conn, methods)

		if wantAuth {
			conn.Write([]byte{socks5Version, authPassword})
			hdr := make([]byte, 2)
			io.ReadFull(conn, hdr)
			u := make([]byte, int(hdr[1]))
			io.ReadFull(conn, u)
			plen := make([]byte, 1)
			io.ReadFull(conn, plen)
			p := make([]byte, int(plen[0]))
			io.ReadFull(conn, p)
			if string(u) != user || string(p) != pass {
				conn.Write([]byte{0x01, 0x01})
				return
			}
			conn.Write([]byte{0x01, 0x00})
		} else {
			conn.Write([]byte{socks5Version, authNone})
		}

		hdr := make([]byte, 4)
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		var host string
		switch hdr[3] {
		case atypIPv4:
			b := make([]byte, 4)
			io.ReadFull(conn, b)
			host = net.IP(b).String()
		case atypDomain:
			l := make([]byte, 1)
			io.ReadFull(conn, l)
			b := make([]byte, int(l[0]))
			io.ReadFull(conn, b)
			host = string(b)
		case atypIPv6:
			b := make([]byte, 16)
			io.ReadFull(conn, b)
			host = net.IP(b).String()
		}
		port := make([]byte, 2)
		io.ReadFull(conn, port)
		gotHost <- host

		conn.Write([]byte{socks5Version, replyCode, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
		if replyCode != socks5ReplySuccess {
			return
		}

		// Echo one line of application data.
		buf := make([]byte, 5)
		if _, err := io.ReadFull(conn, buf); err == nil {
			conn.Write(buf)
		}
	}()

	return ln.Addr().String(), gotHost
}

func TestSocks5Connect(t *testing.T) {
	addr, gotHost := fakeSocks5(t, socks5ReplySuccess, false, "", "")

	d, err := NewDialer("socks5h://" + addr)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := d.DialContext(context.Background(), "tcp", "example.test:80")
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()

	if host := <-gotHost; host != "example.test" {
		t.Errorf("proxy saw target %q, want example.test (socks5h must not resolve locally)", host)
	}

	// The tunnel carries application bytes untouched.
	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hello" {
		t.Errorf("echo = %q, want hello", buf)
	}
}

func TestSocks5IPTarget(t *testing.T) {
	addr, gotHost := fakeSocks5(t, socks5ReplySuccess, false, "", "")

	d, err := NewDialer("socks5://" + addr)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := d.DialContext(context.Background(), "tcp", "127.0.0.1:80")
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	conn.Close()

	if host := <-gotHost; host != "127.0.0.1" {
		t.Errorf("proxy saw target %q, want 127.0.0.1", host)
	}
}

func TestSocks5Auth(t *testing.T) {
	addr, _ := fakeSocks5(t, socks5ReplySuccess, true, "user", "secret")

	d, err := NewDialer("socks5h://user:secret@" + addr)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := d.DialContext(context.Background(), "tcp", "example.test:80")
	if err != nil {
		t.Fatalf("DialContext with auth: %v", err)
	}
	conn.Close()
}

func TestSocks5AuthRejected(t *testing.T) {
	addr, _ := fakeSocks5(t, socks5ReplySuccess, true, "user", "secret")

	d, err := NewDialer("socks5h://user:wrong@" + addr)
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.DialContext(context.Background(), "tcp", "example.test:80")
	var replyErr *ReplyError
	if !errors.As(err, &replyErr) {
		t.Fatalf("expected *ReplyError, got %v", err)
	}
}

func TestSocks5HostUnreachable(t *testing.T) {
	addr, _ := fakeSocks5(t, 0x04, false, "", "")

	d, err := NewDialer("socks5h://" + addr)
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.DialContext(context.Background(), "tcp", "example.test:80")
	var replyErr *ReplyError
	if !errors.As(err, &replyErr) {
		t.Fatalf("expected *ReplyError, got %v", err)
	}
	if replyErr.Code != 0x04 {
		t.Errorf("reply code = %d, want 4", replyErr.Code)
	}
}

func TestSocks4Connect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	type result struct {
		ip       net.IP
		port     uint16
		hostname string
	}
	got := make(chan result, 1)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		hdr := make([]byte, 8)
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		r := result{
			port: binary.BigEndian.Uint16(hdr[2:4]),
			ip:   net.IP(hdr[4:8]),
		}
		// userid up to NUL
		readString := func() string {
			var s []byte
			b := make([]byte, 1)
			for {
				if _, err := conn.Read(b); err != nil || b[0] == 0 {
					return string(s)
				}
				s = append(s, b[0])
			}
		}
		readString() // userid
		if r.ip[0] == 0 && r.ip[1] == 0 && r.ip[2] == 0 && r.ip[3] != 0 {
			r.hostname = readString()
		}
		got <- r
		conn.Write([]byte{0x00, socks4Granted, 0, 0, 0, 0, 0, 0})
	}()

	d, err := NewDialer("socks4a://" + ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	conn, err := d.DialContext(context.Background(), "tcp", "example.test:8080")
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	conn.Close()

	r := <-got
	if r.hostname != "example.test" {
		t.Errorf("proxy saw hostname %q, want example.test", r.hostname)
	}
	if r.port != 8080 {
		t.Errorf("proxy saw port %d, want 8080", r.port)
	}
}

func TestSocks4Rejected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		conn.Read(buf)
		conn.Write([]byte{0x00, 91, 0, 0, 0, 0, 0, 0})
	}()

	d, err := NewDialer("socks4a://" + ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.DialContext(context.Background(), "tcp", "example.test:80")
	var replyErr *ReplyError
	if !errors.As(err, &replyErr) {
		t.Fatalf("expected *ReplyError, got %v", err)
	}
	if replyErr.Code != 91 {
		t.Errorf("reply code = %d, want 91", replyErr.Code)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	// A listener that accepts and then stays silent: the handshake read must
	// fail with a timeout, not a protocol ReplyError.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(2 * time.Second)
	}()

	d, err := NewDialer("socks5h://" + ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = d.DialContext(ctx, "tcp", "example.test:80")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var replyErr *ReplyError
	if errors.As(err, &replyErr) {
		t.Fatalf("timeout misclassified as proxy rejection: %v", err)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected net timeout error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout took too long: %v", time.Since(start))
	}
}

func TestUnsupportedScheme(t *testing.T) {
	if _, err := NewDialer("socks6://127.0.0.1:1080"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}
