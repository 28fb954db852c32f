// Package main provides aicmqueue, a maintenance CLI for the durable
// on-disk queue the PERSISTENT_QUEUE delivery strategy writes to.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/aicostmanager/aicm-go/internal/config"
	"github.com/aicostmanager/aicm-go/internal/queuedb"
)

const usage = `aicmqueue - inspect and repair the AICM persistent delivery queue

Usage:
  aicmqueue [-db PATH] stats
  aicmqueue [-db PATH] list-failed [-limit N]
  aicmqueue [-db PATH] requeue [-ids 1,2,3]
  aicmqueue [-db PATH] purge [-ids 1,2,3]

-db defaults to AICM_DB_PATH; failing that, and only when AICM_API_KEY is
set, to the built-in default path (the config file is not read).`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		return 1
	}

	fs := flag.NewFlagSet("aicmqueue", flag.ContinueOnError)
	dbPath := fs.String("db", "", "path to the queue database")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		return 1
	}

	path := *dbPath
	if path == "" {
		if env := os.Getenv("AICM_DB_PATH"); env != "" {
			path = env
		} else {
			settings, err := config.Resolve(config.Settings{}, nil)
			if err == nil && settings.DBPath != "" {
				path = settings.DBPath
			}
		}
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "aicmqueue: no database path given (-db, AICM_DB_PATH)")
		return 1
	}

	db, err := queuedb.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aicmqueue: open %s: %v\n", path, err)
		return exitCodeFor(err)
	}
	defer db.Close()

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "stats":
		return cmdStats(db)
	case "list-failed":
		return cmdListFailed(db, cmdArgs)
	case "requeue":
		return cmdRequeue(db, cmdArgs)
	case "purge":
		return cmdPurge(db, cmdArgs)
	default:
		fmt.Fprintf(os.Stderr, "aicmqueue: unknown command %q\n\n%s\n", cmd, usage)
		return 1
	}
}

func cmdStats(db *queuedb.DB) int {
	counts, err := db.StatusCounts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "aicmqueue: stats: %v\n", err)
		return exitCodeFor(err)
	}
	fmt.Printf("queued:   %d\n", counts[queuedb.StatusQueued])
	fmt.Printf("inflight: %d\n", counts[queuedb.StatusInflight])
	fmt.Printf("failed:   %d\n", counts[queuedb.StatusFailed])
	fmt.Printf("done:     %d\n", counts[queuedb.StatusDone])
	return 0
}

func cmdListFailed(db *queuedb.DB, args []string) int {
	fs := flag.NewFlagSet("list-failed", flag.ContinueOnError)
	limit := fs.Int("limit", 50, "maximum rows to list")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	entries, err := db.ListFailed(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aicmqueue: list-failed: %v\n", err)
		return exitCodeFor(err)
	}
	if len(entries) == 0 {
		fmt.Println("no failed rows")
		return 0
	}
	for _, e := range entries {
		fmt.Printf("%d\tattempts=%d\tcreated=%s\terror=%s\n", e.ID, e.AttemptCount, e.CreatedAt.Format("2006-01-02T15:04:05Z"), e.LastError)
	}
	return 0
}

func cmdRequeue(db *queuedb.DB, args []string) int {
	fs := flag.NewFlagSet("requeue", flag.ContinueOnError)
	idsFlag := fs.String("ids", "", "comma-separated row ids; empty means all failed rows")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	ids, err := parseIDs(*idsFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aicmqueue: requeue: %v\n", err)
		return 1
	}

	n, err := db.RequeueFailed(ids)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aicmqueue: requeue: %v\n", err)
		return exitCodeFor(err)
	}
	fmt.Printf("requeued %d row(s)\n", n)
	return 0
}

func cmdPurge(db *queuedb.DB, args []string) int {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	idsFlag := fs.String("ids", "", "comma-separated row ids; empty means all failed rows")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	ids, err := parseIDs(*idsFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aicmqueue: purge: %v\n", err)
		return 1
	}

	n, err := db.PurgeFailed(ids)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aicmqueue: purge: %v\n", err)
		return exitCodeFor(err)
	}
	fmt.Printf("purged %d row(s)\n", n)
	return 0
}

// exitCodeFor distinguishes lock contention (another process holding the
// database's single writer lock past busy_timeout) from a plain I/O
// error, per the maintenance tool's exit code contract.
func exitCodeFor(err error) int {
	if strings.Contains(err.Error(), "locked") || strings.Contains(err.Error(), "busy") {
		return 3
	}
	return 2
}

func parseIDs(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
