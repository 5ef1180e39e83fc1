// Package main implements ringctl, a read-only inspection tool for a running
// ringchat ring. It talks to the admin HTTP endpoint of each node.
//
// Commands:
//   - ring (default): fetch every node's /ring view, print the ring in
//     identifier order and report inconsistencies between the views
//   - health: print every node's /health report
//
// Configuration:
//   - RINGCTL_ADMIN: comma-separated admin base URLs (required)
//   - RINGCTL_TIMEOUT: per-request timeout (default: "5s")
//
// Example usage:
//
//	RINGCTL_ADMIN=http://10.0.0.1:8080,http://10.0.0.2:8080 ./ringctl ring
//	node 17 127.0.0.1:7001  pred 96  succ 42  established
//	node 42 127.0.0.1:7002  pred 17  succ 96  established
//	node 96 127.0.0.1:7000  pred 42  succ 17  established
//	ring consistent
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/dreamware/ringchat/internal/cluster"
)

// logFatal is a variable to allow mocking log.Fatalf in tests.
var logFatal = log.Fatalf

func main() {
	urls := splitURLs(mustGetenv("RINGCTL_ADMIN"))
	timeout, err := time.ParseDuration(getenv("RINGCTL_TIMEOUT", "5s"))
	if err != nil {
		logFatal("RINGCTL_TIMEOUT: %v", err)
	}

	command := "ring"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout*time.Duration(len(urls)+1))
	defer cancel()

	switch command {
	case "ring":
		problems, err := printRing(ctx, os.Stdout, urls)
		if err != nil {
			logFatal("ring: %v", err)
		}
		if problems > 0 {
			logFatal("ring inconsistent: %d problems", problems)
		}
	case "health":
		if err := printHealth(ctx, os.Stdout, urls); err != nil {
			logFatal("health: %v", err)
		}
	default:
		logFatal("unknown command %q (want ring or health)", command)
	}
}

// printRing fetches the views behind urls, prints them in identifier order
// followed by every inconsistency, and returns the number of problems.
func printRing(ctx context.Context, w io.Writer, urls []string) (int, error) {
	views := make([]cluster.RingView, 0, len(urls))
	for _, url := range urls {
		v, err := cluster.FetchRing(ctx, url)
		if err != nil {
			return 0, err
		}
		views = append(views, v)
	}
	slices.SortFunc(views, func(a, b cluster.RingView) int {
		switch {
		case a.Self.ID < b.Self.ID:
			return -1
		case a.Self.ID > b.Self.ID:
			return 1
		}
		return 0
	})

	for _, v := range views {
		state := "established"
		if !v.Established {
			state = "joining"
		}
		fmt.Fprintf(w, "node %d %s  pred %d  succ %d  %s\n", v.Self.ID, v.Self.Addr(), v.Predecessor.ID, v.Successor().ID, state)
	}
	problems := cluster.Check(views)
	for _, p := range problems {
		fmt.Fprintln(w, p)
	}
	if len(problems) == 0 {
		fmt.Fprintln(w, "ring consistent")
	}
	return len(problems), nil
}

// printHealth prints one line per node.
func printHealth(ctx context.Context, w io.Writer, urls []string) error {
	for _, url := range urls {
		h, err := cluster.FetchHealth(ctx, url)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("node %d %s  %s  accounts %d  online %d", h.Node.ID, h.Node.Addr(), h.Users.State, h.Users.KeyCount, h.Online)
		if h.Users.Misplaced > 0 {
			line += fmt.Sprintf("  misplaced %d", h.Users.Misplaced)
		}
		if h.Successor != nil {
			line += fmt.Sprintf("  successor %s", h.Successor.Status)
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func splitURLs(list string) []string {
	var urls []string
	for _, u := range strings.Split(list, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// getenv retrieves an environment variable with a default fallback value.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// mustGetenv retrieves a required environment variable, terminating the
// program if it's not set.
//
// Example:
//
//	urls := splitURLs(mustGetenv("RINGCTL_ADMIN"))
func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	logFatal("missing env %s", k)
	return ""
}
