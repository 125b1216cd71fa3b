package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"medsync/internal/database"
	"medsync/internal/models"
	"medsync/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type queueFile struct {
	Changes []queuedChange `yaml:"changes"`
}

type queuedChange struct {
	ID         int64     `yaml:"id,omitempty"`
	Kind       string    `yaml:"kind"`
	Target     string    `yaml:"target"`
	Payload    string    `yaml:"payload,omitempty"`
	EnqueuedAt time.Time `yaml:"enqueued_at,omitempty"`
	RetryCount int       `yaml:"retry_count,omitempty"`
	Status     int       `yaml:"status,omitempty"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	var (
		dbPath     = flag.String("db", "./data/pending_changes.db", "path to sqlite queue")
		exportPath = flag.String("export", "", "write pending changes to this yaml file (- for stdout)")
		importPath = flag.String("import", "", "enqueue changes listed in this yaml file, keeping enqueued_at and retry_count (ids are reassigned)")
		redisAddr  = flag.String("redis", "", "redis address; dumps dead-lettered changes instead of the queue")
		deadKey    = flag.String("deadletter", "medsync:deadletter", "dead letter list key")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if *redisAddr != "" {
		return dumpDeadLetters(ctx, *redisAddr, *deadKey)
	}

	store := database.NewStore(*dbPath, database.WithLogger(&logger))
	if err := store.Open(ctx); err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer store.Close()

	switch {
	case *importPath != "":
		return importChanges(ctx, store, *importPath)
	case *exportPath != "":
		return exportChanges(ctx, store, *exportPath)
	default:
		n, err := store.Count(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("pending=%d\n", n)
		return nil
	}
}

func importChanges(ctx context.Context, store *database.Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read changes: %w", err)
	}
	var file queueFile
	if err = yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse changes: %w", err)
	}
	if len(file.Changes) == 0 {
		return fmt.Errorf("no changes in yaml")
	}

	added := 0
	skipped := 0
	for _, c := range file.Changes {
		change := models.PendingChange{
			Kind:       models.ChangeKind(c.Kind),
			Target:     c.Target,
			EnqueuedAt: c.EnqueuedAt,
			RetryCount: c.RetryCount,
		}
		if c.Payload != "" {
			change.Payload = []byte(c.Payload)
		}
		if _, err = store.Import(ctx, change); err != nil {
			fmt.Fprintf(os.Stderr, "skip %s %s: %v\n", c.Kind, c.Target, err)
			skipped++
			continue
		}
		added++
	}

	fmt.Printf("done: added=%d skipped=%d\n", added, skipped)
	return nil
}

func exportChanges(ctx context.Context, store *database.Store, path string) error {
	changes, err := store.ListAll(ctx)
	if err != nil {
		return err
	}
	file := queueFile{Changes: make([]queuedChange, 0, len(changes))}
	for _, c := range changes {
		file.Changes = append(file.Changes, queuedChange{
			ID:         c.ID,
			Kind:       string(c.Kind),
			Target:     c.Target,
			Payload:    string(c.Payload),
			EnqueuedAt: c.EnqueuedAt,
			RetryCount: c.RetryCount,
		})
	}
	return writeYAML(path, file)
}

func dumpDeadLetters(ctx context.Context, addr, key string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	entries, err := worker.NewRedisDeadLetter(client, key).List(ctx)
	if err != nil {
		return err
	}
	file := queueFile{Changes: make([]queuedChange, 0, len(entries))}
	for _, e := range entries {
		file.Changes = append(file.Changes, queuedChange{
			ID:         e.Change.ID,
			Kind:       string(e.Change.Kind),
			Target:     e.Change.Target,
			Payload:    string(e.Change.Payload),
			EnqueuedAt: e.Change.EnqueuedAt,
			RetryCount: e.Change.RetryCount,
			Status:     e.Status,
		})
	}
	return writeYAML("-", file)
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
