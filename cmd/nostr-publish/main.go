// Package main implements a test publisher: it encrypts a payload for
// the bridge and publishes it to the configured relays. Useful for
// end-to-end testing without the real publishing application.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/IanDowney11/NOSTR-HA-Bridge/nostr"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		relaysFlag = flag.String("relays", "wss://relay.damus.io", "Comma-separated relay URLs")
		secretKey  = flag.String("sec", "", "Publisher private key (hex or nsec)")
		recipient  = flag.String("recipient", "", "Bridge public key (hex or npub)")
		dTag       = flag.String("d-tag", "", "Optional d tag (e.g. mmp:plan:<id>)")
		kind       = flag.Int("kind", nostr.KindAppData, "Event kind")
		payload    = flag.String("payload", "", "JSON payload to encrypt and publish")
		file       = flag.String("file", "", "Read payload from file instead of -payload")
		timeout    = flag.Duration("timeout", 10*time.Second, "Publish timeout")
	)
	flag.Parse()

	if *secretKey == "" || *recipient == "" {
		return fmt.Errorf("-sec and -recipient are required")
	}

	body := *payload
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			return err
		}
		body = string(data)
	}
	if body == "" {
		return fmt.Errorf("one of -payload or -file is required")
	}

	keys, err := nostr.ParseKeys(*secretKey)
	if err != nil {
		return err
	}
	recipientHex, err := nostr.ParsePublicKey(*recipient)
	if err != nil {
		return err
	}
	crypto, err := nostr.NewCrypto(keys, recipientHex)
	if err != nil {
		return err
	}

	encrypted, err := crypto.Encrypt(body)
	if err != nil {
		return err
	}

	ev := &nostr.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      *kind,
		Tags:      nostr.Tags{},
		Content:   encrypted,
	}
	if *dTag != "" {
		ev.Tags = append(ev.Tags, nostr.Tag{"d", *dTag})
	}
	if err := ev.Sign(keys); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	pool := nostr.NewPool(strings.Split(*relaysFlag, ","), logger)
	if err := pool.Initialize(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// Subscribe to nothing; the pool only needs live connections
	pool.SetFilter(nostr.Filter{IDs: []string{ev.ID}})
	if err := pool.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = pool.Stop(2 * time.Second) }()

	// Wait for at least one relay before publishing
	for pool.ConnectedCount() == 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("no relay reachable within %v", *timeout)
		case <-time.After(100 * time.Millisecond):
		}
	}

	if err := pool.Publish(ctx, ev); err != nil {
		return err
	}

	fmt.Printf("published event %s to %d relay(s)\n", ev.ID, pool.ConnectedCount())
	// Give the relays a moment to acknowledge before disconnecting
	time.Sleep(500 * time.Millisecond)
	return nil
}
