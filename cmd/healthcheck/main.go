// Command healthcheck is the container health probe: it exits non-zero unless
// the service answers 200 on /healthz.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	if err := check(context.Background(), probeURL(), 3*time.Second); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// probeURL honors HEALTHCHECK_URL, else derives the address from HTTP_ADDR.
func probeURL() string {
	if v := strings.TrimSpace(os.Getenv("HEALTHCHECK_URL")); v != "" {
		return v
	}
	addr := strings.TrimSpace(os.Getenv("HTTP_ADDR"))
	switch {
	case addr == "":
		addr = "localhost:8080"
	case strings.HasPrefix(addr, ":"):
		addr = "localhost" + addr
	}
	return "http://" + addr + "/healthz"
}

func check(ctx context.Context, url string, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned %d", resp.StatusCode)
	}
	return nil
}
