package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	nethttp "net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rescale/rescale-vrows/internal/config"
	"github.com/rescale/rescale-vrows/internal/events"
	"github.com/rescale/rescale-vrows/internal/logging"
	"github.com/rescale/rescale-vrows/internal/metrics"
	"github.com/rescale/rescale-vrows/internal/pager"
	"github.com/rescale/rescale-vrows/internal/source"
)

// pumpSlice bounds a single RunOne so cancellation and failures are noticed.
const pumpSlice = 50 * time.Millisecond

// session is one opened source with its table. The goroutine that created
// it is the owner and must be the only one touching table.Cache.
type session struct {
	cfg     *config.Config
	table   *pager.Table[source.Record]
	logger  *logging.Logger
	failure error
	closers []func() error
	metrics *nethttp.Server
}

func openSession(ctx context.Context, cfg *config.Config, log *logging.Logger) (*session, error) {
	s := &session{cfg: cfg, logger: log}

	fetcher, err := s.openSource()
	if err != nil {
		s.close()
		return nil, err
	}

	tbl, err := pager.New[source.Record](fetcher, pager.Options[source.Record]{
		Name:           "rows",
		PageSize:       cfg.Pager.PageSize,
		Equal:          source.SameRecord,
		IdleDelay:      cfg.Pager.IdleDelay,
		HandoffTimeout: cfg.Pager.HandoffTimeout,
		Retry:          cfg.RetryConfig(),
		Logger:         log,
	})
	if err != nil {
		s.close()
		return nil, err
	}
	s.table = tbl

	// Published on the owner, like every cache event
	tbl.Bus.Handle(events.EventFetchFailed, func(e events.Event) {
		ev := e.(*events.FetchFailedEvent)
		s.failure = fmt.Errorf("%s of page %d failed: %w", ev.TaskKind, ev.Page, ev.Error)
	})

	addr := metricsAddr
	if addr == "" {
		addr = cfg.Metrics.Listen
	}
	if addr != "" {
		if err := s.serveMetrics(addr); err != nil {
			s.close()
			return nil, err
		}
	}

	if err := tbl.Start(ctx); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) openSource() (pager.Fetcher[source.Record], error) {
	src := s.cfg.Source
	switch src.Kind {
	case config.SourceMemory:
		m := source.NewMemorySource(demoRecords(src.DemoRows))
		m.SetLatency(src.DemoLatency)
		return m, nil

	case config.SourceSQLite:
		db, err := source.OpenSQLite(src.SQLitePath)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db.Close)
		return newSQLFetcher(db, src, s.logger)

	case config.SourceHTTP:
		return source.NewAPISource[source.Record](source.APIConfig{
			URL:        src.URL,
			APIKey:     src.APIKey,
			RatePerSec: src.RatePerSec,
			Burst:      src.Burst,
			Proxy:      s.cfg.ProxyConfig(),
			Logger:     s.logger,
		})
	}
	return nil, fmt.Errorf("unknown source kind %q", src.Kind)
}

func newSQLFetcher(db *sql.DB, src config.SourceConfig, log *logging.Logger) (pager.Fetcher[source.Record], error) {
	return source.NewSQLSource(db, source.SQLQuery{
		Table:   src.Table,
		Where:   src.Where,
		OrderBy: src.OrderBy,
	}, source.ScanRecord(src.IDColumn), log)
}

func (s *session) serveMetrics(addr string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := nethttp.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	s.metrics = &nethttp.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.metrics.Serve(ln); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			s.logger.Error().Err(err).Str("addr", addr).Msg("Metrics server stopped")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics on /metrics")
	return nil
}

// waitFor services hand-offs until cond holds, a fetch failed or ctx is done.
func (s *session) waitFor(ctx context.Context, cond func() bool) error {
	for {
		// A failure sticks: the cache kept stale data and the command gives up
		if s.failure != nil {
			return s.failure
		}
		if cond() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		sliceCtx, cancel := context.WithTimeout(ctx, pumpSlice)
		_ = s.table.Owner.RunOne(sliceCtx)
		cancel()
	}
}

// waitLoaded waits until the initial load has been applied.
func (s *session) waitLoaded(ctx context.Context) error {
	return s.waitFor(ctx, func() bool { return s.table.Loader.Pending() == 0 })
}

func (s *session) close() error {
	var errs []error
	if s.table != nil {
		if err := s.table.TearDown(s.cfg.Pager.TeardownTimeout); err != nil {
			errs = append(errs, err)
		}
		s.table.Bus.Close()
	}
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		errs = append(errs, s.metrics.Shutdown(ctx))
		cancel()
	}
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

var demoStatuses = []string{"Queued", "Running", "Completed", "Completed", "Failed"}

// demoRecords generates n job-like records for the memory source.
func demoRecords(n int) []source.Record {
	out := make([]source.Record, n)
	for i := range out {
		id := fmt.Sprintf("%06d", i+1)
		out[i] = source.Record{
			ID:      id,
			Columns: []string{"id", "name", "status", "cores"},
			Values:  []any{id, fmt.Sprintf("job-%d", i+1), demoStatuses[i%len(demoStatuses)], 4 << (i % 5)},
		}
	}
	return out
}
