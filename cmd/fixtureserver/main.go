// Command fixtureserver serves the capture test fixtures.
// Usage: go run ./cmd/fixtureserver [port]
// Default port: 3000
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/raysh454/scoop/internal/fixtures"
)

func main() {
	cfg := fixtures.DefaultConfig()

	if len(os.Args) > 1 {
		port, err := strconv.Atoi(os.Args[1])
		if err != nil || port < 1 || port > 65535 {
			log.Fatalf("Invalid port: %s", os.Args[1])
		}
		cfg.Port = port
	}

	server := fixtures.NewServer(cfg)
	fmt.Printf("Fixture server on http://localhost%s/test.html\n", server.Addr())
	if err := server.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
