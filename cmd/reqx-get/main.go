// Command reqx-get fetches a single URL and prints or saves its response,
// a thin demonstrator over the reqx package in the spirit of curl -O.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shiroyk/reqx"
)

func main() {
	out := flag.String("o", "", "write the response body to this file instead of stdout")
	method := flag.String("X", "GET", "HTTP method")
	timeout := flag.Duration("timeout", 30*time.Second, "overall request timeout")
	redirectMode := flag.String("redirect", "same_host", "redirect policy: none, same_endpoint, same_host, same_domain, any")
	maxRedirects := flag.Uint("max-redirects", 10, "maximum redirect hops to follow")
	insecure := flag.Bool("k", false, "skip TLS certificate verification")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: reqx-get [flags] <url>")
		os.Exit(2)
	}

	cfg := reqx.DefaultConfig()
	cfg.RedirectMode = *redirectMode
	cfg.MaxRedirects = uint32(*maxRedirects)
	cfg.InsecureSkipTLS = *insecure

	session, err := cfg.NewSession()
	if err != nil {
		slog.Error("building session", "error", err)
		os.Exit(1)
	}

	req, err := reqx.NewRequest(*method, flag.Arg(0), reqx.NoBody)
	if err != nil {
		slog.Error("building request", "error", err)
		os.Exit(1)
	}
	req.Options = cfg.RequestOptions()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *out != "" {
		res, err := session.Download(ctx, req, *out)
		if err != nil {
			slog.Error("download failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("%d %s -> %s\n", res.Status, res.Reason, res.BodyFile)
		return
	}

	res, err := session.Request(ctx, req)
	if err != nil {
		slog.Error("request failed", "error", err)
		os.Exit(1)
	}
	text, err := res.Text(false)
	if err != nil {
		slog.Error("decoding response", "error", err)
		os.Exit(1)
	}
	fmt.Println(text)
}
