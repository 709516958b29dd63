// Command siridb-admin is an operator CLI against a running siridbd's admin
// API: pool/server/group snapshots and the Postgres-backed topology audit
// log, for scripting and ad-hoc inspection without a browser.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/siridb/siridb-cluster/internal/clusterstore"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	adminAddr := os.Getenv("SIRIDB_ADMIN_ADDR")
	if adminAddr == "" {
		adminAddr = "http://localhost:9020"
	}

	switch os.Args[1] {
	case "pools":
		cmdGet(adminAddr, "/api/pools")
	case "groups":
		cmdGet(adminAddr, "/api/groups")
	case "server":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: siridb-admin server <uuid>")
			os.Exit(1)
		}
		cmdGet(adminAddr, "/api/servers/"+os.Args[2])
	case "audit":
		cmdAudit()
	case "version":
		fmt.Printf("siridb-admin v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func cmdGet(adminAddr, path string) {
	resp, err := http.Get(adminAddr + path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading response: %v\n", err)
		os.Exit(1)
	}

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "%s: %s\n", resp.Status, body)
		os.Exit(1)
	}

	var pretty interface{}
	if err := json.Unmarshal(body, &pretty); err == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
		return
	}
	fmt.Println(string(body))
}

// cmdAudit prints the most recent topology audit events directly from
// Postgres, for operators who don't have the admin HTTP surface enabled.
func cmdAudit() {
	dsn := os.Getenv("SIRIDB_AUDIT_DSN")
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "SIRIDB_AUDIT_DSN is not set")
		os.Exit(1)
	}

	log, err := clusterstore.OpenAuditLog(dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening audit log: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := log.Recent(ctx, 50)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading audit log: %v\n", err)
		os.Exit(1)
	}

	for _, e := range events {
		fmt.Printf("%s  %-20s  server=%s  pool=%d  %s\n",
			e.OccurredAt.Format(time.RFC3339), e.Event, e.ServerUUID, e.PoolIndex, e.Detail)
	}
}

func printUsage() {
	fmt.Println(`siridb-admin v` + version + `

Usage: siridb-admin <command> [args]

Commands:
  pools           List pools and their member servers
  groups          List registered series groups
  server <uuid>   Show one server's state
  audit           Print recent topology audit events (reads Postgres directly)
  version         Print version
  help            Show this message

Environment:
  SIRIDB_ADMIN_ADDR   Base URL of the admin API (default http://localhost:9020)
  SIRIDB_AUDIT_DSN    Postgres DSN for the "audit" command`)
}
