// Command streamsctl is an operator CLI over a streams.Store[json.RawMessage],
// structured the way the teacher's cmd/kmsServer lays out its urfave/cli
// App: a flat flag list feeding a typed Config, dispatched to subcommands
// instead of a single long-running Action.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/hexalith/streams-go/streams"
	"github.com/hexalith/streams-go/streams/clock"
	"github.com/hexalith/streams-go/streams/config"
	"github.com/hexalith/streams-go/streams/providers/badgerprovider"
	"github.com/hexalith/streams-go/streams/providers/fileprovider"
	"github.com/hexalith/streams-go/streams/providers/memprovider"
	"github.com/hexalith/streams-go/streams/providers/redisprovider"
	"github.com/hexalith/streams-go/streams/serializer/jsonserializer"
	"github.com/hexalith/streams-go/streams/uniqueid"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "streamsctl",
		Usage: "inspect and drive a versioned object-stream store",
		Flags: config.Flags(),
		Commands: []*cli.Command{
			{
				Name:      "version",
				Usage:     "print a stream's current version",
				ArgsUsage: "<stream-id>",
				Action:    runVersion,
			},
			{
				Name:      "read-all",
				Usage:     "print every item in a stream as JSON, one per line",
				ArgsUsage: "<stream-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "use-snapshot", Usage: "splice in the latest applicable snapshot"},
				},
				Action: runReadAll,
			},
			{
				Name:      "snapshot-versions",
				Usage:     "print a stream's latest snapshot version at or below its current version (0 if none); the full list is not printed",
				ArgsUsage: "<stream-id>",
				Action:    runSnapshotVersions,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("streamsctl: %v", err)
	}
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	if c.Bool("verbose") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// openStore builds the streams.Store selected by --backend, wiring in
// whichever provider/serializer pairing it needs. json.RawMessage is the
// CLI's payload type since it has no schema for the stream's actual
// contents.
func openStore(c *cli.Context, logger *zap.Logger) (*streams.Store[json.RawMessage], func() error, error) {
	cfg, err := config.FromContext(c)
	if err != nil {
		return nil, nil, err
	}

	serializer := jsonserializer.New[json.RawMessage]()
	sysClock := clock.System{}
	uid := uniqueid.UUID{}
	noopClose := func() error { return nil }

	switch cfg.Backend {
	case config.BackendMemory:
		p := memprovider.New[json.RawMessage](sysClock, uid, cfg.LockTimeout, logger)
		return streams.NewStore[json.RawMessage](p, cfg.LockTimeout), noopClose, nil

	case config.BackendFile:
		p := fileprovider.New[json.RawMessage](cfg.FileRoot, serializer, sysClock, uid, cfg.LockTimeout, logger)
		return streams.NewStore[json.RawMessage](p, cfg.LockTimeout), noopClose, nil

	case config.BackendBadger:
		p, err := badgerprovider.New[json.RawMessage](cfg.BadgerPath, serializer, sysClock, uid, cfg.LockTimeout, logger)
		if err != nil {
			return nil, nil, err
		}
		return streams.NewStore[json.RawMessage](p, cfg.LockTimeout), p.Close, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		p := redisprovider.New[json.RawMessage](client, serializer, sysClock, uid, cfg.LockTimeout, logger)
		return streams.NewStore[json.RawMessage](p, cfg.LockTimeout), client.Close, nil

	default:
		return nil, nil, streams.ErrConfigMissing("backend")
	}
}

func runVersion(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: streamsctl version <stream-id>")
	}
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := openStore(c, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	ctx := context.Background()
	h := store.GetStream(c.Args().Get(0))
	defer func() { _ = h.Close(ctx) }()

	version, err := h.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Println(version)
	return nil
}

func runReadAll(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: streamsctl read-all <stream-id>")
	}
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := openStore(c, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	ctx := context.Background()
	h := store.GetStream(c.Args().Get(0))
	defer func() { _ = h.Close(ctx) }()

	result, err := h.ReadAll(ctx, c.Bool("use-snapshot"))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, item := range result.Items {
		if err := enc.Encode(item); err != nil {
			return err
		}
	}
	return nil
}

func runSnapshotVersions(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: streamsctl snapshot-versions <stream-id>")
	}
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := openStore(c, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	ctx := context.Background()
	h := store.GetStream(c.Args().Get(0))
	defer func() { _ = h.Close(ctx) }()

	version, err := h.SnapshotVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Println(version)
	return nil
}
