package main

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/gocql/gocql"
	"github.com/sirupsen/logrus"

	"cqlrep/pkg/applier"
	"cqlrep/pkg/cdc"
	"cqlrep/pkg/config"
	"cqlrep/pkg/cqlconn"
	"cqlrep/pkg/discovery"
	"cqlrep/pkg/ledger"
	"cqlrep/pkg/objstore"
	"cqlrep/pkg/orchestrator"
	"cqlrep/pkg/stats"
	"cqlrep/pkg/target"
	"cqlrep/pkg/transform"
)

var exitFn = os.Exit

// main runs one replicator process: a single (tile, process type) pair.
func main() {
	if err := run(); err != nil {
		logrus.Errorf("cqlrep: %v", err)
		if errors.Is(err, orchestrator.ErrPreflight) {
			exitFn(-1)
		}
		exitFn(1)
	}
}

func run() error {
	ctx := context.Background()
	args, err := config.ParseArgs(os.Args[1:])
	if err != nil {
		return err
	}

	srcSess, err := openSession(getenv("SOURCE_CONTACT_POINTS", "127.0.0.1"))
	if err != nil {
		return wrapPreflight(err)
	}
	src := cqlconn.Wrap(srcSess)
	defer src.Close()

	tgtSess, err := openSession(getenv("TARGET_CONTACT_POINTS", "127.0.0.1"))
	if err != nil {
		return wrapPreflight(err)
	}
	tgt := cqlconn.Wrap(tgtSess)
	defer tgt.Close()

	store, err := objstore.NewS3(args.LandingZone)
	if err != nil {
		return err
	}

	pkSchema, fullSchema, blobCols, err := cqlconn.TableSchemas(srcSess, args.SourceKeyspace, args.SourceTable)
	if err != nil {
		return wrapPreflight(err)
	}

	ledgerKs := getenv("LEDGER_KEYSPACE", "replicator")
	led := ledger.New(tgt, ledgerKs, args.SourceKeyspace, args.SourceTable)
	emit := stats.NewEmitter(store, args.SourceKeyspace, args.SourceTable)

	var trans *transform.Transformer
	ksCfg := args.Mapping.Keyspaces
	if ksCfg.CompressionConfig.Enabled || ksCfg.LargeObjectsConfig.Enabled {
		blobs := store
		if lob := ksCfg.LargeObjectsConfig; lob.Enabled && lob.Bucket != "" {
			blobs, err = objstore.NewS3("s3://" + lob.Bucket)
			if err != nil {
				return err
			}
		}
		trans = transform.New(ksCfg.CompressionConfig, ksCfg.LargeObjectsConfig, blobs, pkSchema.Names())
	}

	var ranges []config.TokenRange
	if f := args.Mapping.Replication.FilteringByTokenRanges; f.Enabled {
		ranges, err = config.ParseTokenRanges(f.TokenRanges)
		if err != nil {
			return err
		}
	}

	cdcAvailable, err := src.TableExists(ctx, args.SourceKeyspace, cdc.SupportTable)
	if err != nil {
		return wrapPreflight(err)
	}

	dlq := target.NewDLQ(store, args.SourceKeyspace, args.SourceTable, args.Tile)
	writer := target.NewWriter(tgt, dlq)
	app, err := applier.New(src, tgt, writer, store, led, trans, emit, args, applier.Options{
		PKSchema:     pkSchema,
		FullSchema:   fullSchema,
		BlobCols:     blobCols,
		TokenRanges:  ranges,
		CDCAvailable: cdcAvailable,
	})
	if err != nil {
		return err
	}
	defer app.Close()

	disc := discovery.New(src, store, led, emit, args, pkSchema)
	cdcE := cdc.New(src, store, led, args, cdc.NewPointerQueue(1024))

	orch := orchestrator.New(args, src, tgt, store, led, disc, cdcE, app, dlq)
	if err := orch.Preflight(ctx, ledgerKs); err != nil {
		return err
	}
	logrus.Infof("%s starting: tile %d/%d %s -> %s", args.JobName, args.Tile,
		args.TotalTiles, args.SourceKeyspace+"."+args.SourceTable,
		args.TargetKeyspace+"."+args.TargetTable)
	return orch.Run(ctx)
}

func openSession(contactPoints string) (*gocql.Session, error) {
	cluster := gocql.NewCluster(strings.Split(contactPoints, ",")...)
	cluster.Consistency = gocql.LocalQuorum
	return cluster.CreateSession()
}

func wrapPreflight(err error) error {
	return errors.Join(orchestrator.ErrPreflight, err)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
