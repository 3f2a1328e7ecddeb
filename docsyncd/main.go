package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/golang/glog"

	"github.com/ToposInstitute/CatColab-sub005/docsync"
)

const DocsyncdVersion = "0.1.0"

const DefaultPeerListenAddr = ":8010"
const DefaultBridgeListenAddr = ":8011"

// Content schema migration steps, keyed by the version they upgrade
// from. The embedding system registers its steps here; documents already
// at the current version pass through untouched.
const currentContentVersion = 1

var migrationSteps = map[int]docsync.MigrateFunc{}

func main() {
	usage := fmt.Sprintf(`Document synchronization daemon.

Serves the peer sync protocol on one port and the control-plane bridge
on another. The database url may also come from DATABASE_URL.

Usage:
    docsyncd [--config=<config>]
        [--peer_listen=<addr>]
        [--bridge_listen=<addr>]
        [--db_url=<db_url>]

Options:
    -h --help               Show this screen.
    --version               Show version.
    --config=<config>       YAML config path.
    --peer_listen=<addr>    Peer listen address [default: %s].
    --bridge_listen=<addr>  Bridge listen address [default: %s].
    --db_url=<db_url>       Postgres connection url.`,
		DefaultPeerListenAddr,
		DefaultBridgeListenAddr,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DocsyncdVersion)
	if err != nil {
		panic(err)
	}

	config := &docsync.Config{}
	if configPath, err := opts.String("--config"); err == nil && configPath != "" {
		config, err = docsync.LoadConfig(configPath)
		if err != nil {
			glog.Errorf("config error = %s\n", err)
			os.Exit(1)
		}
	}
	if addr, err := opts.String("--peer_listen"); err == nil && addr != "" {
		config.PeerListenAddr = addr
	}
	if config.PeerListenAddr == "" {
		config.PeerListenAddr = DefaultPeerListenAddr
	}
	if addr, err := opts.String("--bridge_listen"); err == nil && addr != "" {
		config.BridgeListenAddr = addr
	}
	if config.BridgeListenAddr == "" {
		config.BridgeListenAddr = DefaultBridgeListenAddr
	}
	if dbUrl, err := opts.String("--db_url"); err == nil && dbUrl != "" {
		config.DatabaseUrl = dbUrl
	}
	if config.DatabaseUrl == "" {
		config.DatabaseUrl = os.Getenv("DATABASE_URL")
	}
	if config.DatabaseUrl == "" {
		glog.Errorf("no database url (--db_url or DATABASE_URL)\n")
		os.Exit(1)
	}

	sharePolicy, err := config.SharePolicy.Compile()
	if err != nil {
		glog.Errorf("share policy error = %s\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, config.DatabaseUrl)
	if err != nil {
		glog.Errorf("database error = %s\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	storageSettings := docsync.DefaultPgStorageAdapterSettings()
	if config.StorageTable != "" {
		storageSettings.TableName = config.StorageTable
	}
	adapter := docsync.NewPgStorageAdapter(pool, storageSettings)
	repo := docsync.NewRepoWithDefaults(adapter)

	serverSettings := docsync.DefaultSyncServerSettings()
	serverSettings.SharePolicy = sharePolicy
	if config.PeerAuthSecret != "" {
		serverSettings.AuthSecret = []byte(config.PeerAuthSecret)
	}
	server := docsync.NewSyncServer(ctx, repo, serverSettings)

	bridgeSettings := docsync.DefaultBridgeSettings()
	// with no registered steps there is nothing to migrate; leaving
	// Migrate nil keeps version-less documents attachable
	if 0 < len(migrationSteps) {
		bridgeSettings.Migrate = docsync.VersionedMigration(currentContentVersion, migrationSteps)
	}
	gate := docsync.NewPgHeadGate(pool, "")
	bridge := docsync.NewBridge(ctx, repo, gate, bridgeSettings)

	errs := make(chan error, 2)
	go func() {
		glog.Infof("peer transport listening on %s\n", config.PeerListenAddr)
		errs <- server.ListenAndServe(config.PeerListenAddr)
	}()
	go func() {
		glog.Infof("bridge listening on %s\n", config.BridgeListenAddr)
		errs <- bridge.ListenAndServe(config.BridgeListenAddr)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		glog.Infof("signal %s, shutting down\n", sig)
	case err := <-errs:
		if err != nil {
			glog.Errorf("listen error = %s\n", err)
		}
	}

	// transport first, then the bridge channel; documents need no flush
	// because durability is per-change
	server.Close()
	bridge.Close()
}
