// Command rudp-demo is a minimal demonstration of a rudp client and
// server exchanging a message over loopback. It takes no flags: argument
// parsing and payload generation are left to whatever harness wraps this
// module.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/rudpio/rudp"
	"github.com/rudpio/rudp/internal"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: internal.LevelTrace}))
	opts := rudp.DefaultOptions()

	srv, err := rudp.Listen("127.0.0.1:0", opts, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "listen:", err)
		os.Exit(1)
	}
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		peer, err := srv.Accept(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "accept:", err)
			return
		}
		for {
			data, err := peer.Read(ctx)
			if err != nil {
				return
			}
			fmt.Printf("server received: %q\n", data)
		}
	}()

	client, err := rudp.Connect(ctx, srv.Addr().String(), opts, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}
	if _, err := client.Write(ctx, []byte("hello over rudp")); err != nil {
		fmt.Fprintln(os.Stderr, "write:", err)
		os.Exit(1)
	}
	if err := client.Close(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "close:", err)
	}

	time.Sleep(100 * time.Millisecond)
}
