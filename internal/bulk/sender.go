package bulk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coopsync/coopsync/internal/log"
	"github.com/coopsync/coopsync/internal/metrics"
	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/internal/store"
	"github.com/rs/zerolog"
)

// Outbox accepts messages for the peer.
type Outbox interface {
	Send(msg protocol.Message) error
}

// Journal records transfer progress. *store.Store implements it.
type Journal interface {
	BeginTransfer(ctx context.Context, sessionID, direction, slot string, save bool) (string, error)
	LogProgress(ctx context.Context, id string, bytes int64, chunks int) error
	CompleteTransfer(ctx context.Context, id, digest string) error
	AbortTransfer(ctx context.Context, id string) error
}

// Option configures a Sender or Receiver.
type Option func(*options)

type options struct {
	journal   Journal
	sessionID string
	metrics   *metrics.Metrics
}

// WithJournal journals every job under sessionID.
func WithJournal(j Journal, sessionID string) Option {
	return func(o *options) {
		o.journal = j
		o.sessionID = sessionID
	}
}

// WithMetrics records transfer counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// Job is one snapshot to send.
type Job struct {
	Slot protocol.Slot
	Data []byte
	Save bool
}

// Result reports the outcome of a job.
type Result struct {
	Slot   protocol.Slot
	Save   bool
	Bytes  int
	Chunks int
	Digest string
	Err    error
}

// Sender runs the bulk worker. It takes one job at a time.
type Sender struct {
	cfg  Config
	out  Outbox
	opts options
	log  zerolog.Logger

	jobs    chan Job
	acks    chan struct{}
	results chan Result
	busy    atomic.Bool
	stopped atomic.Bool
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewSender starts the worker goroutine. It runs until ctx is cancelled or
// Stop is called.
func NewSender(ctx context.Context, cfg Config, out Outbox, opts ...Option) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Sender{
		cfg:     cfg,
		out:     out,
		log:     log.With("bulk"),
		jobs:    make(chan Job, 1),
		acks:    make(chan struct{}, 1),
		results: make(chan Result, 8),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&s.opts)
	}

	s.wg.Add(1)
	go s.run(ctx)
	return s, nil
}

// Submit hands a job to the worker. It returns ErrBusy while another job is
// in flight.
func (s *Sender) Submit(job Job) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	if !job.Slot.Valid() {
		return fmt.Errorf("failed to submit transfer: unknown slot %q", job.Slot)
	}
	if !s.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	s.jobs <- job
	return nil
}

// Ack releases the worker to send the next chunk.
func (s *Sender) Ack() {
	select {
	case s.acks <- struct{}{}:
	default:
	}
}

// Busy reports whether a job is in flight.
func (s *Sender) Busy() bool {
	return s.busy.Load()
}

// Results delivers one Result per finished job.
func (s *Sender) Results() <-chan Result {
	return s.results
}

// Stop aborts any job in flight and waits for the worker to exit.
func (s *Sender) Stop() {
	s.once.Do(func() {
		s.stopped.Store(true)
		close(s.stop)
	})
	s.wg.Wait()
}

func (s *Sender) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			s.stopped.Store(true)
			return
		case <-s.stop:
			return
		case job := <-s.jobs:
			res := s.send(ctx, job)
			s.busy.Store(false)
			select {
			case s.results <- res:
			default:
				s.log.Warn().Str("slot", string(job.Slot)).Msg("Dropping transfer result, nobody is reading")
			}
		}
	}
}

func (s *Sender) send(ctx context.Context, job Job) Result {
	res := Result{Slot: job.Slot, Save: job.Save, Digest: store.Digest(job.Data)}

	// Acks left over from an aborted job must not release this one.
	select {
	case <-s.acks:
	default:
	}

	id := s.begin(ctx, job)
	start := time.Now()
	s.log.Info().
		Str("slot", string(job.Slot)).
		Int("size", len(job.Data)).
		Bool("save", job.Save).
		Msg("Starting snapshot transfer")

	err := s.out.Send(&protocol.SendFile{Slot: job.Slot, Size: len(job.Data), Save: job.Save})
	if err == nil {
		err = Chunk(bytes.NewReader(job.Data), s.cfg.LowWater, s.cfg.HighWater, func(chunk []byte) error {
			if err := s.out.Send(&protocol.MapResultData{Data: chunk}); err != nil {
				return fmt.Errorf("failed to send chunk %d: %w", res.Chunks, err)
			}
			res.Chunks++
			res.Bytes += len(chunk)
			if err := s.wait(ctx); err != nil {
				return err
			}
			s.progress(ctx, id, res)
			return nil
		})
	}
	if err == nil {
		err = s.out.Send(&protocol.MapResult{Slot: job.Slot, Save: job.Save, Size: len(job.Data)})
	}

	if err != nil {
		res.Err = err
		s.log.Error().Err(err).Str("slot", string(job.Slot)).Int("chunks", res.Chunks).Msg("Snapshot transfer failed")
		s.opts.metrics.Transfer("send", "aborted", res.Bytes)
		if s.opts.journal != nil && id != "" {
			if jerr := s.opts.journal.AbortTransfer(context.WithoutCancel(ctx), id); jerr != nil {
				s.log.Warn().Err(jerr).Msg("Failed to journal aborted transfer")
			}
		}
		return res
	}

	s.log.Info().
		Str("slot", string(job.Slot)).
		Int("bytes", res.Bytes).
		Int("chunks", res.Chunks).
		Str("digest", res.Digest).
		Dur("took", time.Since(start)).
		Msg("Snapshot transfer completed")
	s.opts.metrics.Transfer("send", "completed", res.Bytes)
	if s.opts.journal != nil && id != "" {
		if jerr := s.opts.journal.CompleteTransfer(ctx, id, res.Digest); jerr != nil {
			s.log.Warn().Err(jerr).Msg("Failed to journal completed transfer")
		}
	}
	return res
}

// wait blocks until the peer acknowledges the last chunk.
func (s *Sender) wait(ctx context.Context) error {
	var timeout <-chan time.Time
	if s.cfg.AckTimeout > 0 {
		timer := time.NewTimer(s.cfg.AckTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-s.acks:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return ErrStopped
	case <-timeout:
		return ErrAckTimeout
	}
}

func (s *Sender) begin(ctx context.Context, job Job) string {
	if s.opts.journal == nil {
		return ""
	}
	id, err := s.opts.journal.BeginTransfer(ctx, s.opts.sessionID, store.DirectionSend, string(job.Slot), job.Save)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to journal transfer start")
		return ""
	}
	return id
}

func (s *Sender) progress(ctx context.Context, id string, res Result) {
	if s.opts.journal == nil || id == "" {
		return
	}
	if err := s.opts.journal.LogProgress(ctx, id, int64(res.Bytes), res.Chunks); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn().Err(err).Msg("Failed to journal transfer progress")
	}
}
