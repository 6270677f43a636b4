package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"

	"co2e-escrow-go/internal/multisig"
)

func main() {
	port := flag.Int("port", 8080, "port to listen on")
	flag.Parse()

	server := multisig.NewServer()

	log.Printf("Treasury signing relay started on port %d", *port)
	log.Println("Endpoints available:")
	log.Println("  - POST /session/initiate")
	log.Println("  - POST /session/{sessionID}/join")
	log.Println("  - GET  /session/{sessionID}/transaction")
	log.Println("  - POST /session/{sessionID}/signature")
	log.Println("  - GET  /session/{sessionID}/status")
	log.Println("  - GET  /session/{sessionID}/finalize")
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", *port), server.Router()))
}
