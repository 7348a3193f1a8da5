package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/taskpdf/taskpdf/internal/database"
	"github.com/taskpdf/taskpdf/internal/gitsync"
	"github.com/taskpdf/taskpdf/internal/logging"
	"github.com/taskpdf/taskpdf/internal/metrics"
	"github.com/taskpdf/taskpdf/internal/pool"
	pkgsync "github.com/taskpdf/taskpdf/pkg/sync"
)

const maxErrorInterval = 30 * time.Second

type syncer interface {
	Sync(ctx context.Context, tenant string) (*gitsync.Mirror, error)
}

// MirrorWorker keeps one tenant's mirror warm so that interactive requests
// only pay for a fetch. It runs as a pool task: each Execute synchronizes once
// and returns the time of the next run.
type MirrorWorker struct {
	tenant        string
	syncer        syncer
	interval      time.Duration
	errorInterval time.Duration
	log           *logging.Logger

	mu       sync.Mutex
	status   Status
	done     chan struct{}
	stopOnce sync.Once
}

// Status is the outcome of the worker's last run.
type Status struct {
	State   string    `json:"state"`
	Message string    `json:"message,omitempty"`
	Head    string    `json:"head,omitempty"`
	At      time.Time `json:"at"`
}

func NewMirrorWorker(tenant string, s syncer, interval time.Duration, log *logging.Logger) *MirrorWorker {
	return &MirrorWorker{
		tenant:        tenant,
		syncer:        s,
		interval:      interval,
		errorInterval: min(interval, maxErrorInterval), // faster retry on error
		log:           log,
		done:          make(chan struct{}),
	}
}

// Execute runs one refresh. A tenant without configuration removes the
// worker from the pool.
func (w *MirrorWorker) Execute(ctx context.Context) time.Time {
	mirror, err := w.syncer.Sync(ctx, w.tenant)

	if errors.Is(err, database.ErrNotFound) {
		w.log.Debugf("tenant %q no longer configured, stopping refresh", w.tenant)
		return w.die()
	}

	return w.report(mirror, err)
}

func (w *MirrorWorker) report(mirror *gitsync.Mirror, err error) time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.status = Status{State: StatusOK, At: time.Now()}
	if mirror != nil {
		w.status.Head = mirror.Head
	}

	if err != nil {
		kind := pkgsync.KindOf(err)
		w.status.State = kind.String()
		w.status.Message = err.Error()
		metrics.RefreshFailed(kind.String())
		w.log.Warnf("failed to refresh mirror of tenant %q: %v", w.tenant, err)
		return time.Now().Add(w.errorInterval)
	}

	metrics.RefreshSucceeded()
	return time.Now().Add(w.interval)
}

func (w *MirrorWorker) die() time.Time {
	w.stop()

	var zero time.Time
	return zero
}

func (w *MirrorWorker) stop() {
	w.stopOnce.Do(func() {
		metrics.RefreshWorkerStopped()
		close(w.done)
	})
}

func (w *MirrorWorker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *MirrorWorker) Done() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// StartRefresher starts background refresh of all configured tenants. It
// returns without doing anything when mirrors.refresh_interval is zero. The
// workers stop when ctx is done.
func (s *Service) StartRefresher(ctx context.Context) error {
	interval := time.Duration(s.config.Mirrors.RefreshInterval)
	if interval <= 0 {
		return nil
	}

	tenants, err := s.db.ListTenants(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.pool = pool.New(ctx, s.config.Mirrors.Workers())
	s.workers = map[string]*MirrorWorker{}
	s.mu.Unlock()

	for _, t := range tenants {
		s.scheduleRefresh(t.ID)
	}

	s.log.Infof("refreshing %d tenant mirrors every %v", len(tenants), interval)
	return nil
}

// WaitRefresher blocks until the refresh workers have stopped.
func (s *Service) WaitRefresher() {
	s.mu.Lock()
	p := s.pool
	s.mu.Unlock()

	if p != nil {
		p.Wait()
	}
}

// scheduleRefresh adds a refresh task for tenant, or triggers the existing
// one. It does nothing if the refresher is not running.
func (s *Service) scheduleRefresh(tenant string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool == nil {
		return
	}

	if w, ok := s.workers[tenant]; ok && !w.Done() {
		if err := s.pool.Trigger(tenant); err == nil {
			return
		}
	}

	w := NewMirrorWorker(tenant, s, time.Duration(s.config.Mirrors.RefreshInterval), s.log)
	s.workers[tenant] = w
	s.pool.Add(tenant, w.Execute)
	metrics.RefreshWorkerStarted()
}

// stopRefresh removes the tenant's refresh task, if any.
func (s *Service) stopRefresh(tenant string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool == nil {
		return
	}

	s.pool.Remove(tenant)
	if w, ok := s.workers[tenant]; ok {
		w.stop()
		delete(s.workers, tenant)
	}
}

// RefreshStatus returns the last outcome of the tenant's background refresh.
func (s *Service) RefreshStatus(tenant string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[tenant]
	if !ok {
		return Status{}, false
	}
	return w.Status(), true
}
