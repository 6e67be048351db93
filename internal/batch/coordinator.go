package batch

import (
	"context"
	"sync"
	"time"

	"go-sd-launcher/internal/models"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// MaxWorkers caps concurrent transfers regardless of configuration.
const MaxWorkers = 3

// Streamer performs one download. *downloader.Downloader satisfies it.
type Streamer interface {
	StreamToFile(ctx context.Context, desc *models.Descriptor, dest string, progress models.ProgressFunc) error
}

// Item is one unit of work: a descriptor and where to put it.
type Item struct {
	Descriptor *models.Descriptor
	Dest       string
}

// OverallFunc is called once per finished item, in completion order.
type OverallFunc func(completed, total int, name string)

// ItemState is the live view of one item.
type ItemState struct {
	Status    models.TransferStatus
	Progress  float64
	Message   string
	StartedAt time.Time
}

// Stats aggregates every item the coordinator has run.
type Stats struct {
	Total       int
	Completed   int
	Failed      int
	SuccessRate float64
	Bytes       int64
}

// Coordinator runs downloads on a bounded worker pool. A failing item never
// cancels its siblings.
type Coordinator struct {
	streamer Streamer
	workers  int

	// ItemProgress, when set, receives every per-item progress update.
	ItemProgress func(name string, progress float64, message string)

	mu     sync.Mutex
	active map[string]*ItemState
	stats  Stats
	runID  string
}

// New returns a coordinator using at most MaxWorkers workers; workers <= 0 means MaxWorkers.
func New(streamer Streamer, workers int) *Coordinator {
	if workers <= 0 || workers > MaxWorkers {
		workers = MaxWorkers
	}
	return &Coordinator{
		streamer: streamer,
		workers:  workers,
		active:   make(map[string]*ItemState),
	}
}

// Workers returns the effective pool size.
func (c *Coordinator) Workers() int { return c.workers }

// RunID identifies the batch currently (or most recently) running.
func (c *Coordinator) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

type runIDKey struct{}

// RunIDFrom returns the batch run id carried by ctx, if any.
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

type outcome struct {
	name  string
	ok    bool
	bytes int64
}

// DownloadMultiple runs every item and returns name -> success. Items sharing
// a name collapse to one map entry, last finisher wins.
func (c *Coordinator) DownloadMultiple(ctx context.Context, items []Item, overall OverallFunc) map[string]bool {
	results := make(map[string]bool, len(items))
	if len(items) == 0 {
		return results
	}

	runID := uuid.NewString()
	c.mu.Lock()
	c.runID = runID
	c.mu.Unlock()
	ctx = context.WithValue(ctx, runIDKey{}, runID)
	logger := log.WithFields(log.Fields{"batch": runID, "items": len(items), "workers": c.workers})
	logger.Info("Starting batch download")

	pool := workerpool.New(c.workers)
	done := make(chan outcome, len(items))

	for _, item := range items {
		item := item
		name := item.Descriptor.Name
		c.setState(name, &ItemState{Status: models.TransferPending})

		pool.Submit(func() {
			c.update(name, func(s *ItemState) {
				s.Status = models.TransferDownloading
				s.StartedAt = time.Now()
			})
			err := c.streamer.StreamToFile(ctx, item.Descriptor, item.Dest, c.progressFor(name))
			if err != nil {
				logger.WithError(err).Warnf("Item %s failed", name)
			}
			done <- outcome{name: name, ok: err == nil, bytes: item.Descriptor.State().Downloaded}
		})
	}

	for completed := 1; completed <= len(items); completed++ {
		o := <-done
		results[o.name] = o.ok

		c.mu.Lock()
		c.stats.Total++
		if o.ok {
			c.stats.Completed++
			c.stats.Bytes += o.bytes
			if s, ok := c.active[o.name]; ok {
				s.Status = models.TransferCompleted
				s.Progress = 100
			}
		} else {
			c.stats.Failed++
			delete(c.active, o.name)
		}
		c.stats.SuccessRate = float64(c.stats.Completed) / float64(c.stats.Total) * 100
		c.mu.Unlock()

		callOverall(overall, completed, len(items), o.name)
	}
	pool.StopWait()

	stats := c.Stats()
	logger.Infof("Batch complete: %d/%d successful (%.1f%%)", stats.Completed, stats.Total, stats.SuccessRate)
	return results
}

func callOverall(fn OverallFunc, completed, total int, name string) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Batch progress callback panicked: %v", r)
		}
	}()
	fn(completed, total, name)
}

func (c *Coordinator) progressFor(name string) models.ProgressFunc {
	return func(progress float64, message string) {
		c.update(name, func(s *ItemState) {
			if progress > s.Progress {
				s.Progress = progress
			}
			s.Message = message
		})
		if c.ItemProgress != nil {
			c.ItemProgress(name, progress, message)
		}
	}
}

func (c *Coordinator) setState(name string, s *ItemState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[name] = s
}

func (c *Coordinator) update(name string, fn func(*ItemState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.active[name]; ok {
		fn(s)
	}
}

// Status returns the live state of one item.
func (c *Coordinator) Status(name string) (ItemState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.active[name]
	if !ok {
		return ItemState{}, false
	}
	return *s, true
}

// Snapshot copies the live state of every tracked item.
func (c *Coordinator) Snapshot() map[string]ItemState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ItemState, len(c.active))
	for k, v := range c.active {
		out[k] = *v
	}
	return out
}

// Stats returns the aggregate counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
