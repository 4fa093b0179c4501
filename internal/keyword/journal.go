package keyword

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// JournalWriter appends detections to durable storage.
type JournalWriter interface {
	AppendDetections(ctx context.Context, ds []Detection) error
}

const (
	defaultJournalSize  = 1024
	journalBatch        = 64
	journalFlushTimeout = 5 * time.Second
)

// Journal hands detections to a [JournalWriter] in the background so that
// committing a detection never waits on storage. When the buffer is full new
// detections are dropped and counted.
type Journal struct {
	w       JournalWriter
	ch      chan Detection
	dropped atomic.Uint64
}

// NewJournal returns a journal buffering up to size detections. size <= 0
// selects a default of 1024.
func NewJournal(w JournalWriter, size int) *Journal {
	if size <= 0 {
		size = defaultJournalSize
	}
	return &Journal{w: w, ch: make(chan Detection, size)}
}

// Record queues d without blocking. It returns false when d was dropped.
func (j *Journal) Record(d Detection) bool {
	select {
	case j.ch <- d:
		return true
	default:
		n := j.dropped.Add(1)
		slog.Warn("detection journal full, dropping detection", "keyword", d.Keyword, "dropped_total", n)
		return false
	}
}

// Dropped returns the number of detections dropped so far.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

// Run writes queued detections in batches until ctx is cancelled, then
// flushes whatever is still queued with a short timeout. It always returns
// nil; write failures are logged.
func (j *Journal) Run(ctx context.Context) error {
	batch := make([]Detection, 0, journalBatch)
	for {
		select {
		case <-ctx.Done():
			j.flush(context.WithoutCancel(ctx))
			return nil
		case d := <-j.ch:
			batch = append(batch[:0], d)
			batch = j.fill(batch)
			j.write(ctx, batch)
		}
	}
}

// fill appends queued detections to batch without blocking.
func (j *Journal) fill(batch []Detection) []Detection {
	for len(batch) < journalBatch {
		select {
		case d := <-j.ch:
			batch = append(batch, d)
		default:
			return batch
		}
	}
	return batch
}

func (j *Journal) flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, journalFlushTimeout)
	defer cancel()
	for {
		batch := j.fill(make([]Detection, 0, journalBatch))
		if len(batch) == 0 {
			return
		}
		j.write(ctx, batch)
		if ctx.Err() != nil {
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, batch []Detection) {
	if err := j.w.AppendDetections(ctx, batch); err != nil {
		slog.Warn("failed to journal detections", "count", len(batch), "err", err)
	}
}
