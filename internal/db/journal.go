package db

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	journalBuffer    = 256
	defaultRetention = 5000
	pruneEvery       = 100
)

type entry struct {
	kind   string
	detail string
}

// Journal writes relay events to the store from its own goroutine so the
// broker loop never waits on disk. Record drops entries when the buffer is
// full.
type Journal struct {
	store     *DB
	entries   chan entry
	stop      chan struct{}
	wg        sync.WaitGroup
	logger    *slog.Logger
	retention int
	dropped   atomic.Int64
}

func NewJournal(store *DB, logger *slog.Logger) *Journal {
	return &Journal{
		store:     store,
		entries:   make(chan entry, journalBuffer),
		stop:      make(chan struct{}),
		logger:    logger,
		retention: defaultRetention,
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		written := 0
		for {
			select {
			case e := <-j.entries:
				j.write(e)
				written++
				if written%pruneEvery == 0 {
					j.prune()
				}
			case <-j.stop:
				j.drain()
				return
			}
		}
	}()
}

// Stop flushes buffered entries and waits for the writer to exit.
func (j *Journal) Stop() {
	close(j.stop)
	j.wg.Wait()
}

// Record implements broker.Journal.
func (j *Journal) Record(kind, detail string) {
	select {
	case j.entries <- entry{kind: kind, detail: detail}:
	default:
		if n := j.dropped.Add(1); n == 1 || n%100 == 0 {
			j.logger.Warn("journal: buffer full, dropping entries", "dropped", n)
		}
	}
}

func (j *Journal) Dropped() int64 { return j.dropped.Load() }

func (j *Journal) drain() {
	for {
		select {
		case e := <-j.entries:
			j.write(e)
		default:
			return
		}
	}
}

func (j *Journal) write(e entry) {
	if err := j.store.InsertEvent(e.kind, e.detail); err != nil {
		j.logger.Warn("journal: insert failed", "kind", e.kind, "err", err)
	}
}

func (j *Journal) prune() {
	n, err := j.store.Prune(j.retention)
	if err != nil {
		j.logger.Warn("journal: prune failed", "err", err)
		return
	}
	if n > 0 {
		j.logger.Debug("journal: pruned old events", "rows", n)
	}
}
