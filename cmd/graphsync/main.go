package main

import (
	"fmt"
	"os"

	"github.com/docopt/docopt-go"
	"go.uber.org/zap"

	"github.com/network-goods-institute/negation-game-sub014/internal/config"
	"github.com/network-goods-institute/negation-game-sub014/internal/logging"
)

const version = "0.1.0"

const usage = `graphsync: collaborative argument-graph sync.

Usage:
    graphsync relay [--config=<path>] [--addr=<addr>] [--data=<dir>]
    graphsync client --url=<url> --doc=<id> --user=<id> [--name=<name>] [--color=<color>] [--metrics=<addr>] [--config=<path>]
    graphsync demo [--config=<path>]
    graphsync inspect --data=<dir> [<doc>]
    graphsync -h | --help
    graphsync --version

Options:
    -h --help         Show this screen.
    --version         Show version.
    --config=<path>   YAML config file. GRAPHSYNC_* environment variables override it.
    --addr=<addr>     Relay listen address.
    --data=<dir>      Badger data directory.
    --url=<url>       Relay websocket url, e.g. ws://127.0.0.1:8787/ws
    --doc=<id>        Document id.
    --user=<id>       Acting user id.
    --name=<name>     Display name [default: anonymous].
    --color=<color>   Cursor color [default: #4f46e5].
    --metrics=<addr>  Serve session metrics on this address, e.g. 127.0.0.1:9091`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(opts docopt.Opts) error {
	if inspect, _ := opts.Bool("inspect"); inspect {
		dir, _ := opts.String("--data")
		docID, _ := opts.String("<doc>")
		return runInspect(os.Stdout, dir, docID)
	}

	path, _ := opts.String("--config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Development())
	if err != nil {
		return err
	}
	defer logger.Sync()

	switch {
	case flag(opts, "relay"):
		if addr, _ := opts.String("--addr"); addr != "" {
			cfg.Relay.Addr = addr
		}
		if dir, _ := opts.String("--data"); dir != "" {
			cfg.Relay.DataDir = dir
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runRelay(cfg, logger)
	case flag(opts, "client"):
		var c clientOptions
		c.url, _ = opts.String("--url")
		c.doc, _ = opts.String("--doc")
		c.user, _ = opts.String("--user")
		c.name, _ = opts.String("--name")
		c.color, _ = opts.String("--color")
		c.metrics, _ = opts.String("--metrics")
		return runClient(cfg, c, logger)
	case flag(opts, "demo"):
		return runDemo(os.Stdout, cfg, logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel)))
	}
	return nil
}

func flag(opts docopt.Opts, name string) bool {
	v, _ := opts.Bool(name)
	return v
}
