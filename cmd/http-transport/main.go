// Package main is the entrypoint for the http-transport node.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/morezero/http-transport/internal/config"
	"github.com/morezero/http-transport/internal/server"
	"github.com/morezero/http-transport/pkg/db"
	"github.com/morezero/http-transport/pkg/envelope"
	"github.com/morezero/http-transport/pkg/httptransport"
	"github.com/morezero/http-transport/pkg/manifest"
	"github.com/morezero/http-transport/pkg/transport"
)

const usage = `Usage: http-transport [command]
       http-transport serve                                Start the node (HTTP listener, COMMS bridge, journal).
       http-transport send [flags] <action> [dest] [data]  Send one request envelope and print the response.
       http-transport journal [limit]                      Print the most recent settled exchanges.
       http-transport migrate up|status|down               Manage journal migrations.
       http-transport ensure-db [name]                     Create the journal database if missing.
       http-transport clear                                Truncate the exchange journal; schema is preserved.

Commands:
  serve           (default) Start the node described by the manifest.
  send            dest is a manifest destination name or host:port (default: manifest defaultDestination).
                  data is a JSON object. Flags: -correlation <id>, -request-id <id>, -timeout <duration>.
  journal [limit] List settled exchanges, newest first (default 20).
  migrate up      Run database migrations only.
  migrate status  Show current migration status.
  migrate down    Not supported (migrations are forward-only).
  ensure-db       Create the database named in DATABASE_URL (or [name]) on the same host.
  clear           Truncate the exchange journal.

Environment: HTTP_TRANSPORT_PORT, HTTP_TRANSPORT_MANIFEST, HTTP_TRANSPORT_DEFERRED_TIMEOUT,
HTTP_TRANSPORT_SEND_TIMEOUT, COMMS_URL, COMMS_ENABLED, DATABASE_URL (journal), MIGRATION_PATH, LOG_LEVEL.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("http-transport migrate: require subcommand (up, down, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("http-transport migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("http-transport migrate status: %v", err)
			}
		case "down":
			if err := db.MigrationDown(context.Background(), nil, ""); err != nil {
				log.Fatalf("http-transport migrate down: %v", err)
			}
		default:
			log.Fatalf("http-transport migrate: unknown subcommand %q (use up, down, status)", sub)
		}
		return
	case "send":
		if err := runSend(args[1:], os.Stdout); err != nil {
			log.Fatalf("http-transport send: %v", err)
		}
		return
	case "journal":
		limit := 20
		if len(args) > 1 {
			if _, err := fmt.Sscanf(args[1], "%d", &limit); err != nil {
				log.Fatalf("http-transport journal: invalid limit %q", args[1])
			}
		}
		if err := runJournal(limit, os.Stdout); err != nil {
			log.Fatalf("http-transport journal: %v", err)
		}
		return
	case "clear":
		if err := runClear(); err != nil {
			log.Fatalf("http-transport clear: %v", err)
		}
		return
	case "ensure-db":
		dbName := ""
		if len(args) > 1 {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("http-transport ensure-db: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		break
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("http-transport: %v", err)
	}
}

type sendArgs struct {
	action        string
	dest          string
	data          json.RawMessage
	correlationID string
	requestID     string
	timeout       time.Duration
}

func parseSendArgs(args []string, defaultTimeout time.Duration) (*sendArgs, error) {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	out := &sendArgs{}
	fs.StringVar(&out.correlationID, "correlation", "", "correlation id")
	fs.StringVar(&out.requestID, "request-id", "", "request id (generated when empty)")
	fs.DurationVar(&out.timeout, "timeout", defaultTimeout, "overall timeout, 0 for none")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	rest := fs.Args()
	if len(rest) < 1 || len(rest) > 3 {
		return nil, errors.New("usage: send [flags] <action> [dest] [data]")
	}
	out.action = rest[0]
	if len(rest) > 1 {
		out.dest = rest[1]
	}
	out.data = json.RawMessage(envelope.EmptyData)
	if len(rest) > 2 {
		if !json.Valid([]byte(rest[2])) {
			return nil, fmt.Errorf("data is not valid JSON: %s", rest[2])
		}
		out.data = json.RawMessage(rest[2])
	}
	return out, nil
}

func runSend(args []string, w io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	server.SetupLogging(cfg.LogLevel)

	sa, err := parseSendArgs(args, cfg.SendTimeout)
	if err != nil {
		return err
	}
	m, err := manifest.Load(cfg.ManifestFile)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	resolved := manifest.Resolve(m)
	dest, err := resolved.Destination(sa.dest)
	if err != nil {
		return err
	}

	// The operator names the action explicitly, so it is sendable for this call.
	sendable := append([]string{sa.action}, resolved.Sendable()...)
	adapter := httptransport.New(httptransport.Options{})
	ctx := context.Background()
	if err := adapter.Init(ctx, transport.NewStaticService(nil, sendable)); err != nil {
		return err
	}
	defer adapter.Shutdown(ctx)

	resp, err := adapter.Send(ctx, &envelope.Request{
		Action:        sa.action,
		CorrelationID: sa.correlationID,
		RequestID:     sa.requestID,
		Data:          sa.data,
	}, dest, sa.timeout)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func runJournal(limit int, w io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	records, err := db.NewJournal(pool).Recent(ctx, limit)
	if err != nil {
		return err
	}
	for _, r := range records {
		errText := ""
		if r.Error != nil {
			errText = " error=" + *r.Error
		}
		fmt.Fprintf(w, "%s %-8s %-9s %3d %-24s request_id=%s %dms%s\n",
			r.SettledAt.Format(time.RFC3339), r.Direction, r.Outcome, r.Status, r.Action, r.RequestID, r.DurationMs, errText)
	}
	return nil
}

func runMigrateUp() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	migrationSQL, err := db.LoadMigrationFiles(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runMigrateStatus() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	applied, files, err := db.MigrationStatus(ctx, pool, cfg.MigrationPath)
	if err != nil {
		return err
	}
	if applied {
		fmt.Printf("Migration status: applied (journal table present, %d migration files in %s)\n", files, cfg.MigrationPath)
	} else {
		fmt.Printf("Migration status: not applied (run 'http-transport migrate up'). %d migration files in %s\n", files, cfg.MigrationPath)
	}
	return nil
}

func runClear() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	return db.ClearJournal(ctx, pool)
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	targetURL, err := withDatabase(cfg.DatabaseURL, dbName)
	if err != nil {
		return err
	}
	if err := db.EnsureDatabase(context.Background(), targetURL); err != nil {
		return err
	}
	fmt.Println("Database is ready.")
	return nil
}

// withDatabase swaps the database name in rawURL; an empty name keeps it.
func withDatabase(rawURL, dbName string) (string, error) {
	if dbName == "" {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	u.Path = "/" + dbName
	return u.String(), nil
}
