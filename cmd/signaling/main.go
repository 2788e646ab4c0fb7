package main

import (
	"flag"
	"net/http"

	"github.com/whisperwire/whisperwire/internal/logger"
	"github.com/whisperwire/whisperwire/internal/signaling"
	"github.com/whisperwire/whisperwire/internal/signaling/store"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	dbPath := flag.String("db", "signaling.db", "presence database path")
	flag.Parse()

	log := logger.NewLogger()

	db, err := store.NewDB(*dbPath)
	if err != nil {
		log.Fatal(err)
	}
	presence := store.NewPresenceStore(db)

	// Presence rows from a previous run are meaningless, nobody is
	// connected yet.
	if err := presence.Reset(); err != nil {
		log.Fatal(err)
	}

	server := signaling.NewServer(log, presence)

	log.Infof("Signaling server listening on %s", *addr)
	if err := http.ListenAndServe(*addr, server); err != nil {
		log.Fatal(err)
	}
}
