// Command maintenance runs the storage housekeeping jobs.
//
// Usage:
//
//	maintenance [-config path] sweep
//	maintenance [-config path] gc [-grace 1h]
//	maintenance [-config path] empty-trash [-owner id] [-older-than 720h]
//	maintenance [-config path] quota-set -owner id -bytes n
//	maintenance [-config path] quota-recalc -owner id
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lk2023060901/filevault-backend/internal/conf"
	"github.com/lk2023060901/filevault-backend/internal/pkg/injector"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/storage/biz"
	"go.uber.org/zap"
)

var configFile = flag.String("config", "configs/config.yaml", "config file path")

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	config, err := conf.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	// events are delivered before exit
	config.Events.Async = false

	log, err := logger.New(config.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	log = log.Named("maintenance")

	m, cleanup, err := injector.InitializeMaintenance(config, log)
	if err != nil {
		log.Fatal("failed to initialize", zap.Error(err))
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, m, flag.Arg(0), flag.Args()[1:]); err != nil {
		log.Error("job failed", zap.String("job", flag.Arg(0)), zap.Error(err))
		cleanup()
		os.Exit(1)
	}
}

func run(ctx context.Context, m *injector.Maintenance, job string, args []string) error {
	fs := flag.NewFlagSet(job, flag.ExitOnError)
	start := time.Now()

	switch job {
	case "sweep":
		_ = fs.Parse(args)
		n, err := m.Lifecycle.SweepOrphans(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d orphaned records in %s\n", n, time.Since(start).Round(time.Millisecond))

	case "gc":
		grace := fs.Duration("grace", m.Config.Maintenance.GCGrace, "keep unreferenced blobs younger than this")
		_ = fs.Parse(args)
		n, err := m.Lifecycle.CollectGarbage(ctx, *grace)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d unreferenced blobs in %s\n", n, time.Since(start).Round(time.Millisecond))

	case "empty-trash":
		owner := fs.String("owner", "", "only this owner, empty for everyone")
		olderThan := fs.Duration("older-than", m.Config.Maintenance.TrashRetention, "purge items trashed before now minus this")
		_ = fs.Parse(args)
		n, err := m.Lifecycle.EmptyTrash(ctx, *owner, *olderThan)
		if err != nil {
			return err
		}
		fmt.Printf("purged %d trashed records in %s\n", n, time.Since(start).Round(time.Millisecond))

	case "quota-set":
		owner := fs.String("owner", "", "account owner id")
		bytes := fs.Int64("bytes", -1, "quota in bytes, 0 for unlimited")
		_ = fs.Parse(args)
		if *owner == "" || *bytes < 0 {
			return fmt.Errorf("quota-set requires -owner and a non-negative -bytes")
		}
		account, err := m.Files.SetQuota(ctx, biz.SystemActorID, *owner, *bytes)
		if err != nil {
			return err
		}
		printAccount(account)

	case "quota-recalc":
		owner := fs.String("owner", "", "account owner id")
		_ = fs.Parse(args)
		if *owner == "" {
			return fmt.Errorf("quota-recalc requires -owner")
		}
		account, err := m.Files.RecalculateQuota(ctx, *owner)
		if err != nil {
			return err
		}
		printAccount(account)

	default:
		usage()
		return fmt.Errorf("unknown job %q", job)
	}
	return nil
}

func printAccount(a *biz.QuotaAccount) {
	quota := "unlimited"
	if !a.Unlimited() {
		quota = fmt.Sprintf("%d", a.QuotaBytes)
	}
	fmt.Printf("owner=%s used=%d reserved=%d quota=%s\n", a.OwnerID, a.UsedBytes, a.ReservedBytes, quota)
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: maintenance [-config path] <job> [flags]

jobs:
  sweep         remove records whose blob is missing
  gc            delete blobs no record references
  empty-trash   purge trashed records past retention
  quota-set     set an owner's quota
  quota-recalc  rebuild an owner's usage from live records
`)
}
