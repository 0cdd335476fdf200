// snatch-fetch is a small curl-like client exercising the full dispatch
// stack: handler selection, impersonation, proxies and cookies.
//
// Usage:
//
//	snatch-fetch [flags] URL
//
//	snatch-fetch https://example.com
//	snatch-fetch -impersonate chrome https://example.com
//	snatch-fetch -proxy socks5://127.0.0.1:1080 -method POST -data '{"a":1}' https://httpbin.org/post
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/snatchdl/snatch"
	"github.com/snatchdl/snatch/cookies"
	"github.com/snatchdl/snatch/handlers"
	"github.com/snatchdl/snatch/impersonate"
	"github.com/snatchdl/snatch/request"
)

type headerFlags []string

func (h *headerFlags) String() string { return strings.Join(*h, ", ") }

func (h *headerFlags) Set(v string) error {
	if !strings.Contains(v, ":") {
		return fmt.Errorf("header must be Name: Value, got %q", v)
	}
	*h = append(*h, v)
	return nil
}

func main() {
	var (
		method      = flag.String("method", "GET", "HTTP method")
		data        = flag.String("data", "", "request body")
		proxy       = flag.String("proxy", "", "proxy URL (http, https, socks4, socks4a, socks5, socks5h)")
		target      = flag.String("impersonate", "", "browser target, e.g. chrome or chrome:131:windows")
		timeout     = flag.Duration("timeout", 20*time.Second, "request deadline")
		insecure    = flag.Bool("insecure", false, "skip TLS certificate verification")
		legacySSL   = flag.Bool("legacy-ssl", false, "allow old TLS versions and ciphers")
		includeHdrs = flag.Bool("include", false, "print response headers before the body")
		verbose     = flag.Bool("verbose", false, "debug logging to stderr")
	)
	var headers headerFlags
	flag.Var(&headers, "header", "extra request header, repeatable")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: snatch-fetch [flags] URL")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if err := run(flag.Arg(0), *method, *data, *proxy, *target, *timeout,
		*insecure, *legacySSL, *includeHdrs, *verbose, headers); err != nil {
		fmt.Fprintln(os.Stderr, "snatch-fetch:", err)
		os.Exit(1)
	}
}

func run(url, method, data, proxy, target string, timeout time.Duration,
	insecure, legacySSL, includeHdrs, verbose bool, headers headerFlags) error {

	logger := slog.New(slog.DiscardHandler)
	if verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}

	opts := []handlers.Option{
		handlers.WithTimeout(timeout),
		handlers.WithCookieJar(cookies.NewJar()),
		handlers.WithProxiesFromEnvironment(),
	}
	if insecure {
		opts = append(opts, handlers.WithoutVerify())
	}
	if legacySSL {
		opts = append(opts, handlers.WithLegacySSL())
	}

	client := snatch.NewWithLogger(logger, opts...)
	defer client.Close()

	req := request.New(url)
	req.Method = strings.ToUpper(method)
	if data != "" {
		req.Body = []byte(data)
	}
	for _, h := range headers {
		name, value, _ := strings.Cut(h, ":")
		req.Headers.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	if proxy != "" {
		req.SetExtension(request.ExtProxies, map[string]string{"all": proxy})
	}
	if target != "" {
		parsed, err := impersonate.Parse(target)
		if err != nil {
			return err
		}
		req.SetExtension(request.ExtImpersonate, &parsed)
	}

	resp, err := client.Do(context.Background(), req)
	if err != nil {
		return err
	}
	defer resp.Close()

	if includeHdrs {
		fmt.Printf("HTTP %d %s\n", resp.Status, resp.Reason)
		for _, key := range resp.Headers.Keys() {
			for _, v := range resp.Headers.Values(key) {
				fmt.Printf("%s: %s\n", key, v)
			}
		}
		fmt.Println()
	}

	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}
