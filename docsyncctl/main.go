package main

import (
	"context"
	"log"
	"os"

	"github.com/docopt/docopt-go"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ToposInstitute/CatColab-sub005/docsync"
)

const DocsyncCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Document synchronization control.

backfill creates documents for legacy rows that have content but no
document yet. It is safe to rerun after a partial or interrupted run.

Usage:
    docsyncctl backfill [--db_url=<db_url>] [--refs_table=<table>] [--storage_table=<table>]
    docsyncctl list-chunks [--db_url=<db_url>] [--storage_table=<table>] <doc_id>

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --db_url=<db_url>          Postgres connection url (or DATABASE_URL).
    --refs_table=<table>       Refs table name [default: refs].
    --storage_table=<table>    Storage table name [default: storage].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DocsyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if backfill_, _ := opts.Bool("backfill"); backfill_ {
		backfill(opts)
	}
	if listChunks_, _ := opts.Bool("list-chunks"); listChunks_ {
		listChunks(opts)
	}
}

func connect(opts docopt.Opts) (*pgxpool.Pool, *docsync.PgStorageAdapter) {
	dbUrl, _ := opts.String("--db_url")
	if dbUrl == "" {
		dbUrl = os.Getenv("DATABASE_URL")
	}
	if dbUrl == "" {
		Err.Fatalf("no database url (--db_url or DATABASE_URL)")
	}

	pool, err := pgxpool.New(context.Background(), dbUrl)
	if err != nil {
		Err.Fatalf("database error = %s", err)
	}

	storageSettings := docsync.DefaultPgStorageAdapterSettings()
	if table, err := opts.String("--storage_table"); err == nil && table != "" {
		storageSettings.TableName = table
	}
	return pool, docsync.NewPgStorageAdapter(pool, storageSettings)
}

func backfill(opts docopt.Opts) {
	pool, adapter := connect(opts)
	defer pool.Close()

	sourceSettings := docsync.DefaultPgBackfillSourceSettings()
	if table, err := opts.String("--refs_table"); err == nil && table != "" {
		sourceSettings.TableName = table
	}
	source := docsync.NewPgBackfillSource(pool, sourceSettings)
	repo := docsync.NewRepoWithDefaults(adapter)

	result, err := docsync.RunBackfill(context.Background(), repo, adapter, source)
	if result != nil {
		Out.Printf("created=%d skipped=%d failed=%d", result.Created, result.Skipped, result.Failed)
	}
	if err != nil {
		Err.Fatalf("backfill error = %s", err)
	}
}

func listChunks(opts docopt.Opts) {
	pool, adapter := connect(opts)
	defer pool.Close()

	docIdStr, _ := opts.String("<doc_id>")
	docId, err := docsync.ParseId(docIdStr)
	if err != nil {
		Err.Fatalf("bad doc id %s: %s", docIdStr, err)
	}

	records, err := adapter.LoadRange(context.Background(), docsync.StorageKey{docId.String()})
	if err != nil {
		Err.Fatalf("load error = %s", err)
	}
	for _, record := range records {
		Out.Printf("%s  %d bytes", record.Key, len(record.Data))
	}
	Out.Printf("%d chunks", len(records))
}
