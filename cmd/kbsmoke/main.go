// Command kbsmoke is a CI-friendly smoke test against a kb.realtime.v1 endpoint.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - channel join for two independent sockets
//   - duplicate subscribe reuses the live channel
//   - broadcast fanout from one socket to the other
//   - broadcast after unsubscribe is dropped
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/Longtran2404/knowledge-base-sub000/cmd/internal/realtime"
)

type smokeClient struct {
	name     string
	socket   *realtime.Socket
	registry *realtime.Registry
}

type ping struct {
	Nonce string `json:"nonce"`
	From  string `json:"from"`
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:4000/realtime/v1", "Realtime WebSocket URL")
		apiKey  = flag.String("apikey", os.Getenv("KB_BACKEND_ANON_KEY"), "Project API key sent on the upgrade request")
		token   = flag.String("token", "", "Access token for hello (empty: anonymous)")
		scope   = flag.String("scope", "smoke", "Resource scope (table) to join")
		filter  = flag.String("filter", "", "Row filter for the scope")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if *verbose {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	root := context.Background()
	cfg := realtime.SocketConfig{URL: *wsURL, APIKey: *apiKey, AccessToken: *token}

	a := mustConnect(root, log, "A", cfg, *timeout)
	defer func() { _ = a.socket.Close() }()

	b := mustConnect(root, log, "B", cfg, *timeout)
	defer func() { _ = b.socket.Close() }()

	if *verbose {
		fmt.Printf("connected: A=%s B=%s\n", a.socket.SessionID(), b.socket.SessionID())
	}

	key := realtime.Key{Scope: *scope, Filter: *filter}

	ha := mustSubscribe(root, a, key, *timeout)
	hb := mustSubscribe(root, b, key, *timeout)

	// A second subscribe on the same key must reuse the live handle.
	if again := mustSubscribe(root, a, key, *timeout); again != ha {
		fatalf("duplicate subscribe: got a new handle")
	}
	if n := a.registry.Len(); n != 1 {
		fatalf("duplicate subscribe: registry has %d keys, want 1", n)
	}

	got := make(chan ping, 4)
	hb.Broadcasts("smoke", func(_ string, payload json.RawMessage) {
		var p ping
		if err := json.Unmarshal(payload, &p); err == nil {
			got <- p
		}
	})

	nonce := fmt.Sprintf("n-%d", time.Now().UnixNano())
	if !a.registry.Broadcast(root, key, "smoke", ping{Nonce: nonce, From: a.socket.SessionID()}) {
		fatalf("broadcast on live key returned false")
	}
	mustReceive(got, nonce, *timeout)

	a.registry.Unsubscribe(root, key)
	if a.registry.Broadcast(root, key, "smoke", ping{Nonce: "late"}) {
		fatalf("broadcast after unsubscribe returned true")
	}
	b.registry.UnsubscribeAll(root)

	fmt.Printf("OK: A=%s B=%s channel=%s nonce=%s\n", a.socket.SessionID(), b.socket.SessionID(), key.ChannelName(), nonce)
}

func mustConnect(parent context.Context, log *slog.Logger, name string, cfg realtime.SocketConfig, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	s, err := realtime.Dial(ctx, log.With("client", name), cfg)
	if err != nil {
		fatalf("%s: connect: %v", name, err)
	}
	return &smokeClient{
		name:     name,
		socket:   s,
		registry: realtime.NewRegistry(log.With("client", name), s),
	}
}

func mustSubscribe(parent context.Context, c *smokeClient, key realtime.Key, stepTimeout time.Duration) *realtime.Handle {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h, err := c.registry.Subscribe(ctx, key, realtime.EventAll, func(realtime.Change) {})
	if err != nil {
		fatalf("%s: subscribe %s: %v", c.name, key.ChannelName(), err)
	}
	return h
}

func mustReceive(got <-chan ping, nonce string, stepTimeout time.Duration) {
	deadline := time.After(stepTimeout)
	for {
		select {
		case p := <-got:
			if p.Nonce == nonce {
				return
			}
		case <-deadline:
			fatalf("timeout waiting for broadcast nonce=%s", nonce)
		}
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
