// Package relayd exposes the Go APIs behind the gasless transaction relay.
// The relay sponsors SPL token transfers on behalf of end users: it verifies
// signed, encrypted transfer requests, enforces per-sender rate limits and a
// dynamic deny list, picks a priority fee from live congestion data, and
// returns a relay-signed transaction for the sender to counter-sign and
// submit.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Running a server
//
// The server listens on the TCP address in `Config.Listen`. Request payloads
// are encrypted with a shared passphrase, and request signing is enabled by
// supplying a shared HMAC secret.
//
//	cfg := relayd.Config{
//	    Store:             "disk:///var/lib/relayd",
//	    Listen:            ":8435",
//	    RPCEndpoint:       "https://api.mainnet-beta.solana.com",
//	    RelayKeyPath:      "/etc/relayd/relay-key.json",
//	    PayloadPassphrase: os.Getenv("RELAYD_PAYLOAD_PASSPHRASE"),
//	    PayloadIVSeed:     os.Getenv("RELAYD_PAYLOAD_IV_SEED"),
//	    SigningSecret:     os.Getenv("RELAYD_SIGNING_SECRET"),
//	}
//	srv, err := relayd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("relayd: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("relayd shutdown: %v", err)
//	    }
//	}()
//
// # Shared state
//
// Nonce replay markers, rate-limit counters, and deny-list entries live in the
// backend named by `Config.Store` (mem:// for tests, disk:///path for a
// single-node deployment). Pointing `Config.StorageKeysPath` at a PEM keystore
// envelope-encrypts those records at rest; the keystore is bootstrapped with a
// fresh root key on first start.
//
// # Embedding
//
// `StartServer` runs the server in the background and hands back a stop
// function, which suits tests and supervisors:
//
//	srv, stop, err := relayd.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// Mount the API inside an existing mux via `Server.Handler`.
package relayd
