package main

import (
	"log"
	"net/http"
	"os"

	"github.com/lineagekeep/lineagekeep/internal/config"
	"github.com/lineagekeep/lineagekeep/internal/server"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal(err)
	}

	h, err := server.NewHandler(cfg)
	if err != nil {
		log.Fatal(err)
	}

	log.Printf("listening on %s", cfg.HTTPAddr)
	if err := http.ListenAndServe(cfg.HTTPAddr, h); err != nil {
		log.Fatal(err)
	}
}
