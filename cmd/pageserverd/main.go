// Command pageserverd loads a tenant's timelines from a working directory
// and drives their background checkpoint, compaction and GC loops. It
// exposes no network listener; ingestion and reads are library calls made
// by an embedding process, not RPCs (see pkg/timeline).
package main

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nainya/pageserver/internal/config"
	"github.com/nainya/pageserver/internal/logger"
	"github.com/nainya/pageserver/internal/metrics"
	"github.com/nainya/pageserver/internal/vfs"
	"github.com/nainya/pageserver/pkg/pagecache"
	"github.com/nainya/pageserver/pkg/storagesync"
	"github.com/nainya/pageserver/pkg/timeline"
	"github.com/nainya/pageserver/pkg/walredo"
)

var (
	workdir      = flag.String("workdir", "./pageserver-data", "root directory holding one subdirectory per timeline")
	tenantID     = flag.String("tenant-id", "default-tenant", "tenant identifier attached to log lines and metrics")
	logLevel     = flag.String("log-level", "info", "debug, info, warn or error")
	prettyLog    = flag.Bool("pretty-log", false, "pretty-print logs for local development")
	maxOpenFiles = flag.Int("max-open-layer-files", 1000, "cap on concurrently open layer files across all timelines")
	cacheBytes   = flag.Int64("page-cache-bytes", 512<<20, "byte budget for the materialized page cache")
)

func main() {
	flag.Parse()

	log := logger.NewLogger(logger.Config{Level: *logLevel, Pretty: *prettyLog, WithCaller: true})
	m := metrics.NewMetrics()
	log.LogServerStart(*workdir)

	vfsTable := vfs.New(*maxOpenFiles)
	cache := pagecache.New(*cacheBytes)
	redo := &walredo.FakeManager{}
	sync := storagesync.NoopScheduler{}

	timelines, err := loadTimelines(*workdir, *tenantID, vfsTable, cache, redo, sync, log, m)
	if err != nil {
		log.Fatal("failed to load timelines").Err(err).Send()
		os.Exit(1)
	}

	maintainers := make([]*timeline.Maintainer, 0, len(timelines))
	for _, t := range timelines {
		mt := timeline.NewMaintainer(t, timeline.DefaultMaintenanceInterval)
		mt.Start()
		maintainers = append(maintainers, mt)
	}
	log.LogServerReady(len(timelines))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.LogServerShutdown()
	for i, mt := range maintainers {
		mt.Stop()
		timelines[i].Shutdown()
	}
}

// loadTimelines opens every immediate subdirectory of workdir that carries
// a timeline metadata file, in no particular order; ancestor wiring across
// subdirectories is left to a tenant-level orchestrator, out of scope here.
func loadTimelines(
	workdir, tenant string,
	vfsTable *vfs.Table,
	cache *pagecache.Cache,
	redo walredo.Manager,
	sync storagesync.Scheduler,
	log *logger.Logger,
	m *metrics.Metrics,
) ([]*timeline.Timeline, error) {
	entries, err := os.ReadDir(workdir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*timeline.Timeline
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		timelineID := e.Name()
		dir := filepath.Join(workdir, timelineID)

		t, err := timeline.LoadFromDisk(timeline.LoadOptions{
			TenantID:   tenant,
			TimelineID: timelineID,
			Dir:        dir,
			Conf:       config.DefaultTenantConf(),
			VfsTable:   vfsTable,
			Cache:      cache,
			Redo:       redo,
			Sync:       sync,
			Log:        log.TimelineLogger(tenant, timelineID),
			Metrics:    m,
		})
		if err != nil {
			log.Warn("skipping directory without a loadable timeline").Str("dir", dir).Err(err).Send()
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
