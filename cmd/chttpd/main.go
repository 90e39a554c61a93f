// Command chttpd is a small demonstration of the Manager: it submits one
// request per argv URL, waits for every completion, and prints a one-line
// summary for each.
//
// Run with: go run ./cmd/chttpd https://example.com https://example.org
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	chttp "github.com/joeycumines/go-concurrent-http"
	"github.com/joeycumines/go-concurrent-http/eventloop"
)

func main() {
	workers := flag.Int("workers", 4, "number of worker goroutines")
	maxClients := flag.Int("max-clients", 32, "per-worker in-flight transfer limit")
	timeout := flag.Duration("timeout", 30*time.Second, "per-request timeout")
	verbose := flag.Bool("v", false, "log worker/driver diagnostics to stderr")
	flag.Parse()

	urls := flag.Args()
	if len(urls) == 0 {
		fmt.Fprintln(os.Stderr, "usage: chttpd [flags] url [url...]")
		os.Exit(2)
	}

	opts := []chttp.ManagerOption{
		chttp.WithWorkerCount(*workers),
		chttp.WithMaxClients(*maxClients),
	}
	if *verbose {
		opts = append(opts, chttp.WithLogger(eventloop.NewWriterLogger(os.Stderr)))
	}

	m, err := chttp.NewManager(opts...)
	if err != nil {
		log.Fatalf("chttpd: %v", err)
	}
	if err := m.Start(); err != nil {
		log.Fatalf("chttpd: start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.Stop(ctx); err != nil {
			log.Printf("chttpd: stop: %v", err)
		}
	}()

	handles := make([]*chttp.Handle, len(urls))
	for i, u := range urls {
		req := chttp.NewRequest(u, chttp.WithTimeouts(10*time.Second, *timeout))
		h, err := m.Submit(req)
		if err != nil {
			log.Printf("chttpd: submit %s: %v", u, err)
			continue
		}
		handles[i] = h
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for i, h := range handles {
		if h == nil {
			continue
		}
		wg.Add(1)
		go func(i int, h *chttp.Handle) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), *timeout+10*time.Second)
			defer cancel()
			resp, err := h.Wait(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fmt.Printf("%s -> error: %v\n", urls[i], err)
				return
			}
			status := "ok"
			if resp.Err() != nil {
				status = resp.Err().Error()
			}
			fmt.Printf("%s -> %d %s (%s, %d bytes)\n", urls[i], resp.Code, status, resp.RequestTime, len(resp.Body))
		}(i, h)
	}
	wg.Wait()
}
