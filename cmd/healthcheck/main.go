// Package main probes the gateway's /health endpoint for container health
// checks. It exits 0 on HTTP 200 and 1 otherwise. Build with CGO_ENABLED=0
// for distroless images.
package main

import (
	"flag"
	"net/http"
	"os"
	"time"
)

func main() {
	url := flag.String("url", "", "Health endpoint (default $FORMBRIDGE_HEALTHCHECK_URL or http://localhost:8080/health)")
	timeout := flag.Duration("timeout", 3*time.Second, "Request timeout")
	flag.Parse()

	target := *url
	if target == "" {
		target = os.Getenv("FORMBRIDGE_HEALTHCHECK_URL")
	}
	if target == "" {
		target = "http://localhost:8080/health"
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Get(target)
	if err != nil {
		os.Exit(1)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}
