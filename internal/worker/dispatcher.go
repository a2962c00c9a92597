package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mediaforge/longform/internal/config"
	"github.com/mediaforge/longform/internal/models"
	"github.com/mediaforge/longform/internal/observability"
	"github.com/mediaforge/longform/internal/repository"
)

// Dispatcher manages a pool of workers that claim and process segments.
type Dispatcher struct {
	mu sync.RWMutex

	segments  repository.SegmentRepository
	processor *Processor
	logger    *slog.Logger

	// Configuration
	workerCount       int
	pollInterval      time.Duration
	lockTTL           time.Duration
	maxInflightPerJob int
	instanceID        string

	// Stage slots partition the pool between upstream services so a
	// burst of one stage cannot monopolize the other's rate budget.
	audioSlots chan struct{}
	videoSlots chan struct{}

	// Running state
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher from worker configuration. Each
// process gets a fresh ULID instance id; worker lock owners derive
// from it.
func NewDispatcher(segments repository.SegmentRepository, processor *Processor, cfg config.WorkerConfig, logger *slog.Logger) *Dispatcher {
	audio := cfg.AudioConcurrency
	if audio < 1 {
		audio = 1
	}
	video := cfg.VideoConcurrency
	if video < 1 {
		video = 1
	}

	return &Dispatcher{
		segments:          segments,
		processor:         processor,
		logger:            observability.WithComponent(logger, "dispatcher"),
		workerCount:       cfg.Count,
		pollInterval:      cfg.PollInterval,
		lockTTL:           cfg.LockTTL,
		maxInflightPerJob: cfg.MaxInflightPerJob,
		instanceID:        ulid.Make().String(),
		audioSlots:        make(chan struct{}, audio),
		videoSlots:        make(chan struct{}, video),
	}
}

// InstanceID returns this process's dispatcher identity.
func (d *Dispatcher) InstanceID() string {
	return d.instanceID
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx != nil {
		return fmt.Errorf("dispatcher already started")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	for i := 0; i < d.workerCount; i++ {
		workerID := fmt.Sprintf("%s-%d", d.instanceID, i)
		d.wg.Add(1)
		go d.worker(workerID)
	}

	d.logger.Info("dispatcher started",
		slog.Int("workers", d.workerCount),
		slog.Duration("poll_interval", d.pollInterval),
		slog.String("instance_id", d.instanceID))

	return nil
}

// Stop stops the pool and waits for in-flight segments to settle.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()

	d.wg.Wait()

	d.mu.Lock()
	d.ctx = nil
	d.cancel = nil
	d.mu.Unlock()

	d.logger.Info("dispatcher stopped")
}

// worker is the claim-process loop.
func (d *Dispatcher) worker(workerID string) {
	defer d.wg.Done()

	d.logger.Debug("worker started", slog.String("worker_id", workerID))

	for {
		select {
		case <-d.ctx.Done():
			d.logger.Debug("worker stopping", slog.String("worker_id", workerID))
			return
		default:
			claimed, err := d.processOne(workerID)
			if err != nil {
				d.logger.Error("error processing segment",
					slog.String("worker_id", workerID),
					slog.Any("error", err))
			}
			if !claimed {
				// Jittered sleep so idle workers do not poll in step.
				select {
				case <-d.ctx.Done():
					return
				case <-time.After(jitter(d.pollInterval)):
				}
			}
		}
	}
}

// processOne claims at most one segment and runs it under its stage
// slot. It reports whether a segment was claimed.
func (d *Dispatcher) processOne(workerID string) (bool, error) {
	seg, err := d.segments.ClaimNextSegment(d.ctx, workerID, time.Now(), d.lockTTL, d.maxInflightPerJob)
	if err != nil {
		return false, fmt.Errorf("claiming segment: %w", err)
	}
	if seg == nil {
		return false, nil
	}

	d.logger.Debug("claimed segment",
		slog.String("worker_id", workerID),
		slog.String("segment_id", seg.ID.String()),
		slog.Int("segment_index", seg.SegmentIndex),
		slog.String("status", string(seg.Status)))

	slots := d.audioSlots
	if seg.Status == models.SegmentStatusVideoRunning {
		slots = d.videoSlots
	}

	select {
	case <-d.ctx.Done():
		// Shutting down before the slot freed; the lock TTL hands the
		// segment to another worker.
		return true, nil
	case slots <- struct{}{}:
	}
	defer func() { <-slots }()

	if err := d.processor.Process(d.ctx, workerID, seg); err != nil {
		if d.ctx.Err() != nil {
			return true, nil
		}
		return true, fmt.Errorf("processing segment %s: %w", seg.ID, err)
	}
	return true, nil
}

// jitter spreads d uniformly across ±20%.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*0.2*(2*rand.Float64()-1))
}
