package handlers

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snatchdl/snatch/cookies"
	"github.com/snatchdl/snatch/impersonate"
	"github.com/snatchdl/snatch/request"
)

func TestStdGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua == "" {
			t.Error("no User-Agent sent")
		}
		w.Header().Set("X-Test", "yes")
		w.Write([]byte("hello"))
	}))
	defer server.Close()

	h := NewStdHandler()
	defer h.Close()

	resp, err := h.Send(context.Background(), request.New(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	body, err := resp.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "hello" {
		t.Errorf("body = %q", body)
	}
	if resp.Status != 200 {
		t.Errorf("status = %d", resp.Status)
	}
	if got := resp.Headers.Get("X-Test"); got != "yes" {
		t.Errorf("X-Test = %q", got)
	}
}

func TestStdGzipResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		zw.Write([]byte("compressed payload"))
		zw.Close()
	}))
	defer server.Close()

	h := NewStdHandler()
	defer h.Close()

	resp, err := h.Send(context.Background(), request.New(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	body, err := resp.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "compressed payload" {
		t.Errorf("body = %q", body)
	}
}

func TestStdRedirectRewrite(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/perm", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/landed", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/preserve", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/landed", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/landed", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write([]byte(r.Method + ":" + string(body)))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	h := NewStdHandler()
	defer h.Close()

	t.Run("301 POST becomes GET", func(t *testing.T) {
		req := request.New(server.URL + "/perm")
		req.Method = http.MethodPost
		req.Body = []byte("data")
		resp, err := h.Send(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := resp.Bytes()
		if string(body) != "GET:" {
			t.Errorf("landed as %q, want GET with empty body", body)
		}
	})

	t.Run("307 preserves method and body", func(t *testing.T) {
		req := request.New(server.URL + "/preserve")
		req.Method = http.MethodPost
		req.Body = []byte("data")
		resp, err := h.Send(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := resp.Bytes()
		if string(body) != "POST:data" {
			t.Errorf("landed as %q, want POST with body", body)
		}
	})

	t.Run("301 PUT is preserved", func(t *testing.T) {
		req := request.New(server.URL + "/perm")
		req.Method = http.MethodPut
		req.Body = []byte("data")
		resp, err := h.Send(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := resp.Bytes()
		if string(body) != "PUT:data" {
			t.Errorf("landed as %q, want PUT with body", body)
		}
	})
}

func TestStdRedirectLoop(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Redirect(w, r, "/again", http.StatusFound)
	}))
	defer server.Close()

	h := NewStdHandler(WithMaxRedirects(3))
	defer h.Close()

	_, err := h.Send(context.Background(), request.New(server.URL))
	var httpErr *request.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want HTTPError", err)
	}
	defer httpErr.Close()
	if !httpErr.RedirectLoop {
		t.Error("RedirectLoop not set")
	}
	if httpErr.Response.Status != 302 {
		t.Errorf("status = %d", httpErr.Response.Status)
	}
	if n := hits.Load(); n > 5 {
		t.Errorf("server hit %d times", n)
	}
}

func TestStdHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("not here"))
	}))
	defer server.Close()

	h := NewStdHandler()
	defer h.Close()

	resp, err := h.Send(context.Background(), request.New(server.URL))
	if resp != nil {
		t.Error("response must be nil on error")
	}
	var httpErr *request.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want HTTPError", err)
	}
	defer httpErr.Close()
	if httpErr.RedirectLoop {
		t.Error("RedirectLoop set on plain 404")
	}
	body, _ := httpErr.Response.Bytes()
	if string(body) != "not here" {
		t.Errorf("error body = %q", body)
	}
	if got := httpErr.Error(); got != "HTTP Error 404: Not Found" {
		t.Errorf("message = %q", got)
	}
}

func TestStdIncompleteRead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatal("no hijack support")
		}
		conn, bw, err := hj.Hijack()
		if err != nil {
			t.Fatal(err)
		}
		bw.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 1000\r\n\r\n")
		bw.Write(make([]byte, 400))
		bw.Flush()
		conn.Close()
	}))
	defer server.Close()

	h := NewStdHandler()
	defer h.Close()

	resp, err := h.Send(context.Background(), request.New(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	_, err = resp.Bytes()
	var incomplete *request.IncompleteReadError
	if !errors.As(err, &incomplete) {
		t.Fatalf("err = %v, want IncompleteReadError", err)
	}
	if incomplete.Partial != 400 || incomplete.Expected != 1000 {
		t.Errorf("Partial = %d, Expected = %d", incomplete.Partial, incomplete.Expected)
	}
}

func TestStdValidateNoIO(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	h := NewStdHandler()
	defer h.Close()

	t.Run("unknown extension", func(t *testing.T) {
		req := request.New(server.URL)
		req.SetExtension("unknownext", true)
		_, err := h.Send(context.Background(), req)
		var unsupported *request.UnsupportedRequestError
		if !errors.As(err, &unsupported) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		err := h.Validate(request.New("ftp://example.com/file"))
		var unsupported *request.UnsupportedRequestError
		if !errors.As(err, &unsupported) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("impersonation unsupported", func(t *testing.T) {
		req := request.New(server.URL)
		req.SetExtension(request.ExtImpersonate, &impersonate.Target{Client: "chrome"})
		err := h.Validate(req)
		var unsupported *request.UnsupportedRequestError
		if !errors.As(err, &unsupported) {
			t.Fatalf("err = %v", err)
		}
	})

	if n := hits.Load(); n != 0 {
		t.Errorf("validation reached the network, %d hits", n)
	}
}

func TestStdCookieJar(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/set", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc123", Path: "/"})
	})
	mux.HandleFunc("/check", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("session")
		if err != nil {
			w.Write([]byte("missing"))
			return
		}
		w.Write([]byte(c.Value))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	jar := cookies.NewJar()
	h := NewStdHandler(WithCookieJar(jar))
	defer h.Close()

	resp, err := h.Send(context.Background(), request.New(server.URL+"/set"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Close()

	resp, err = h.Send(context.Background(), request.New(server.URL+"/check"))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := resp.Bytes()
	if string(body) != "abc123" {
		t.Errorf("cookie value = %q", body)
	}
}

func TestStdTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer server.Close()

	h := NewStdHandler()
	defer h.Close()

	req := request.New(server.URL)
	req.SetExtension(request.ExtTimeout, 50*time.Millisecond)
	_, err := h.Send(context.Background(), req)
	var transportErr *request.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("err = %v, want TransportError", err)
	}
}

func TestStdPost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !bytes.Equal(body, []byte(`{"k":"v"}`)) {
			t.Errorf("server saw body %q", body)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	h := NewStdHandler()
	defer h.Close()

	req := request.New(server.URL)
	req.Method = http.MethodPost
	req.Body = []byte(`{"k":"v"}`)
	req.Headers.Set("Content-Type", "application/json")
	resp, err := h.Send(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := resp.Bytes(); err != nil {
		t.Fatal(err)
	}
}
