// Command worker is the single entry point that wires the seven
// components of the worker-side query execution core together: config
// loading, the subchunk resource manager, the blend scheduler, the
// foreman's thread pool, the gRPC transport, and the replica/job
// persistence layer (SPEC_FULL.md Part B.3). Per spec §1 this binary
// only wires already-built collaborators: it does not parse SQL,
// partition chunks, or merge results -- those remain the czar's and the
// database driver's job.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lsst/qserv-sub010/pkg/base"
	"github.com/lsst/qserv-sub010/pkg/foreman"
	"github.com/lsst/qserv-sub010/pkg/proto"
	"github.com/lsst/qserv-sub010/pkg/replica"
	"github.com/lsst/qserv-sub010/pkg/wbase"
	"github.com/lsst/qserv-sub010/pkg/wdb"
	"github.com/lsst/qserv-sub010/pkg/wlog"
	"github.com/lsst/qserv-sub010/pkg/workerconfig"
	"github.com/lsst/qserv-sub010/pkg/wsched"
	"github.com/lsst/qserv-sub010/pkg/xport"
)

const (
	schedGroup  = "group"
	schedFast   = "fast"
	schedMedium = "medium"
	schedSlow   = "slow"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:   "worker",
		Short: "worker-side distributed query execution core",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := workerconfig.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	if err := workerconfig.BindFlags(root.PersistentFlags(), v); err != nil {
		panic(err)
	}
	return root
}

// run wires config into the seven components and blocks serving requests
// until interrupted, mirroring how the teacher's `pkg/cli` RunStart loads
// config, then starts a server and waits on a signal channel to shut it
// down cleanly.
func run(ctx context.Context, cfg workerconfig.Config) error {
	var log wlog.AmbientContext
	log.AddLogTag("worker", nil)
	wlog.Infof(ctx, "starting worker: %s", cfg)

	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return errors.Wrap(err, "worker: open mysql")
	}
	defer db.Close()

	lockConn, err := db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "worker: acquire dedicated lock connection")
	}
	procLock, err := wdb.NewProcessLock(ctx, lockConn, "qserv-worker-scratch", 0)
	if err != nil {
		// spec §4.3: a cohabiting process already owns the in-memory
		// scratch database; this process must exit rather than run
		// against empty tables that look populated.
		return errors.Wrap(err, "worker: exclusive scratch-database lock is held by another process")
	}
	defer procLock.Release(ctx)

	backend := wdb.NewSQLBackend(sqlExecer{db}, wdb.SubChunkColumn)
	mgr := wdb.NewManager(backend, cfg.DatabaseFamily)
	mgr.SetOwnershipChecker(procLock)

	scheduler := buildScheduler(cfg)
	boot := wsched.NewQueriesAndChunks(nil, wsched.BootPolicy{Multiplier: cfg.BootMultiplier, MaxBooted: cfg.BootMaxBooted})

	// replica.Store is exercised by the replica reconciliation job, started
	// on demand by an operator RPC outside this core's scope (spec §1
	// Non-goal: cross-worker coordination). It is wired here so the worker
	// process owns the one *sql.DB-backed store instance; nothing in this
	// core calls it yet.
	_ = replica.NewSQLStore(db)

	connFac := func(ctx context.Context) (wdb.QueryConn, error) {
		conn, err := db.Conn(ctx)
		if err != nil {
			return nil, err
		}
		return wdb.NewSQLQueryConn(ctx, db, conn)
	}

	f := foreman.New(scheduler, mgr, connFac, cfg.PoolSize)
	f.SetBootPolicy(boot, demoteBand, cfg.BootSweepInterval)
	f.SetConnMgr(wdb.NewSqlConnMgr(cfg.MaxSQLConns, cfg.MaxScanSQLConns))
	f.SetExecutive(logExecutive{})
	f.SetTransmitMgr(wbase.NewTransmitMgr(cfg.MaxInteractiveXmit, cfg.MaxScanXmit, cfg.CzarRate, cfg.CzarBurst))
	f.Start(ctx)
	defer f.Stop()

	server := xport.NewServer(func(ctx context.Context, ch wbase.Channel, firstFrame []byte) {
		req, err := proto.UnmarshalTaskRequest(firstFrame)
		if err != nil {
			ch.SendError("malformed task request", 1)
			return
		}
		task := req.ToTask()
		target := targetFor(task)
		if err := f.ProcessTask(target, task, ch); err != nil {
			ch.SendError(err.Error(), 1)
		}
	})
	ln, err := server.ListenAndServe(cfg.ListenAddr)
	if err != nil {
		return errors.Wrap(err, "worker: listen")
	}
	defer server.Stop()
	wlog.Infof(ctx, "listening on %s", ln.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	wlog.Infof(ctx, "shutting down")
	return nil
}

// buildScheduler constructs the blend scheduler with one group
// (interactive) sub-scheduler and three scan sub-schedulers, one per
// slowness band, in the default priority order named in spec §4.6:
// group < fast < medium < slow.
func buildScheduler(cfg workerconfig.Config) *wsched.BlendScheduler {
	group := wsched.NewGroupScheduler(schedGroup, cfg.GroupMaxThreads, cfg.GroupMinReserved, cfg.GroupMaxPerGroup)
	fast := wsched.NewScanScheduler(schedFast, cfg.ScanMaxThreads, cfg.ScanMinReserved, cfg.ScanPriority)
	medium := wsched.NewScanScheduler(schedMedium, cfg.ScanMaxThreads, cfg.ScanMinReserved, cfg.ScanPriority+1)
	slow := wsched.NewScanScheduler(schedSlow, cfg.ScanMaxThreads, cfg.ScanMinReserved, cfg.ScanPriority+2)
	sched := wsched.NewBlendScheduler(cfg.PoolSize, group, fast, medium, slow)
	sched.SetMetrics(wsched.NewMetrics(prometheus.DefaultRegisterer))
	return sched
}

// targetFor routes an incoming task to the sub-scheduler named by its
// interactive flag and scan rating (spec §4.6: interactive tasks go to
// the group scheduler; everything else is routed by slowness band).
func targetFor(t *base.Task) string {
	if t.Interactive {
		return schedGroup
	}
	switch base.SlowestRating(t.Tables) {
	case base.RatingFastest, base.RatingFast:
		return schedFast
	case base.RatingMedium:
		return schedMedium
	default:
		return schedSlow
	}
}

// logExecutive is the stand-in completion sink when no czar-side
// executive is attached: job outcomes are logged so an operator can
// correlate them with the czar's own bookkeeping.
type logExecutive struct{}

func (logExecutive) MarkCompleted(jobID int64, success bool) {
	wlog.Infof(context.Background(), "job %d completed success=%t", jobID, success)
}

// sqlExecer adapts *sql.DB to wdb.Execer.
type sqlExecer struct{ db *sql.DB }

func (e sqlExecer) ExecContext(ctx context.Context, query string, args ...interface{}) error {
	_, err := e.db.ExecContext(ctx, query, args...)
	return err
}

// demoteBand is the boot sweep's demotion policy (spec §4.6): a booted
// query's queued tasks move one band slower. The group scheduler has no
// slower sibling, so an interactive query that somehow gets booted is
// left alone.
func demoteBand(band string) (string, bool) {
	switch band {
	case schedFast:
		return schedMedium, true
	case schedMedium:
		return schedSlow, true
	default:
		return "", false
	}
}
