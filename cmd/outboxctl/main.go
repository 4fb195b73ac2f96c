// Command outboxctl is the administration tool for an outbox deployment:
// API key lifecycle management and manual retry/cancel of individual
// messages, operating directly against the sqlite database.
//
// Usage:
//
//	outboxctl generate-key [--description text]
//	outboxctl list-keys
//	outboxctl enable-key <id>
//	outboxctl disable-key <id>
//	outboxctl delete-key <id>
//	outboxctl retry <uuid>
//	outboxctl cancel <uuid>
//	outboxctl show <uuid>
package main

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/technobok/outbox/internal/config"
	"github.com/technobok/outbox/internal/queue/admin"
	"github.com/technobok/outbox/internal/queue/db"
)

func main() {
	databasePath := flag.String("database-path", "", "path to the outbox sqlite database (overrides config)")
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath, nil)
	if err != nil {
		fatal(err)
	}
	if *databasePath != "" {
		cfg.DatabasePath = *databasePath
	}

	pool, err := db.Open(cfg.DatabasePath, 1)
	if err != nil {
		fatal(err)
	}
	defer pool.Close()

	messages := db.NewMessageRepo(pool)
	apiKeys := db.NewApiKeyRepo(pool)
	auditLogs := db.NewAuditLogRepo(pool)
	ops := admin.New(messages, apiKeys, auditLogs, cfg.QueueMaxRetries)

	ctx := context.Background()
	command, cmdArgs := args[0], args[1:]

	switch command {
	case "generate-key":
		runGenerateKey(ctx, ops, cmdArgs)
	case "list-keys":
		runListKeys(ctx, ops)
	case "enable-key":
		runSetKeyEnabled(ctx, ops, cmdArgs, true)
	case "disable-key":
		runSetKeyEnabled(ctx, ops, cmdArgs, false)
	case "delete-key":
		runDeleteKey(ctx, ops, cmdArgs)
	case "retry":
		runRetry(ctx, ops, cmdArgs)
	case "cancel":
		runCancel(ctx, ops, cmdArgs)
	case "show":
		runShow(ctx, messages, cmdArgs)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", command)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `outboxctl: administer an outbox deployment

Commands:
  generate-key [--description text]   generate a new API key
  list-keys                           list API keys and their status
  enable-key <id>                     re-enable a disabled API key
  disable-key <id>                    disable an API key
  delete-key <id>                     delete an API key
  retry <uuid>                        requeue a failed or dead message
  cancel <uuid>                       cancel a queued message
  show <uuid>                         print one message's current state`)
}

func runGenerateKey(ctx context.Context, ops *admin.Ops, args []string) {
	fs := flag.NewFlagSet("generate-key", flag.ExitOnError)
	description := fs.StringP("description", "d", "", "description for the API key")
	fs.Parse(args)

	key, err := ops.GenerateAPIKey(ctx, "outboxctl", *description)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("id=%d key=%s\n", key.ID, key.Key)
}

func runListKeys(ctx context.Context, ops *admin.Ops) {
	keys, err := ops.ListAPIKeys(ctx)
	if err != nil {
		fatal(err)
	}
	for _, k := range keys {
		status := "enabled"
		if !k.Enabled {
			status = "disabled"
		}
		fmt.Printf("%-6d %-10s %-30s created=%s\n", k.ID, status, k.Description, k.CreatedAt)
	}
}

func runSetKeyEnabled(ctx context.Context, ops *admin.Ops, args []string, enabled bool) {
	id := requireID(args, "key id")
	var err error
	if enabled {
		err = ops.EnableAPIKey(ctx, "outboxctl", id)
	} else {
		err = ops.DisableAPIKey(ctx, "outboxctl", id)
	}
	if err != nil {
		fatal(err)
	}
	fmt.Printf("key %d updated\n", id)
}

func runDeleteKey(ctx context.Context, ops *admin.Ops, args []string) {
	id := requireID(args, "key id")
	if err := ops.DeleteAPIKey(ctx, "outboxctl", id); err != nil {
		fatal(err)
	}
	fmt.Printf("key %d deleted\n", id)
}

func runRetry(ctx context.Context, ops *admin.Ops, args []string) {
	uuid := requireUUID(args)
	m, err := ops.Retry(ctx, "outboxctl", uuid)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("message %s requeued, retries_remaining=%d\n", m.UUID, m.RetriesRemaining)
}

func runCancel(ctx context.Context, ops *admin.Ops, args []string) {
	uuid := requireUUID(args)
	m, err := ops.Cancel(ctx, "outboxctl", uuid)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("message %s cancelled\n", m.UUID)
}

func runShow(ctx context.Context, messages *db.MessageRepo, args []string) {
	uuid := requireUUID(args)
	m, err := messages.GetByUUID(ctx, uuid)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("uuid=%s status=%s from=%s subject=%q retries_remaining=%d last_error=%q next_retry_at=%s\n",
		m.UUID, m.Status, m.FromAddress, m.Subject, m.RetriesRemaining, m.LastError, m.NextRetryAt)
}

func requireID(args []string, what string) int64 {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "missing %s\n", what)
		os.Exit(1)
	}
	var id int64
	if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s: %s\n", what, args[0])
		os.Exit(1)
	}
	return id
}

func requireUUID(args []string) string {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "missing message uuid")
		os.Exit(1)
	}
	return args[0]
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
