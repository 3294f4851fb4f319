package main

import (
	"flag"
	"log"
	"net/http"
	"os"

	"callmesh/internal/infrastructure/transport/wsrelay"
	"callmesh/pkg/logger"
)

func main() {
	address := flag.String("address", ":8081", "listen address")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	secret := os.Getenv("CALLMESH_SIGNAL_SECRET")
	if secret == "" {
		log.Fatal("CALLMESH_SIGNAL_SECRET must be set")
	}

	zl, err := logger.New(*level, "json")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer zl.Sync()
	sugar := zl.Sugar()

	server := wsrelay.NewServer(secret, sugar)

	http.HandleFunc("/ws", server.HandleWS)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	sugar.Infow("relay server listening", "address", *address)
	if err := http.ListenAndServe(*address, nil); err != nil {
		sugar.Fatalw("relay server stopped", "error", err)
	}
}
