package bulk

import (
	"bytes"
	"context"
	"fmt"

	"github.com/coopsync/coopsync/internal/log"
	"github.com/coopsync/coopsync/internal/protocol"
	"github.com/coopsync/coopsync/internal/store"
	"github.com/rs/zerolog"
)

// Receiver assembles one incoming snapshot at a time. It is driven from
// the simulation thread and is not safe for concurrent use.
type Receiver struct {
	opts options
	log  zerolog.Logger

	active   bool
	slot     protocol.Slot
	expected int
	save     bool
	buf      bytes.Buffer
	chunks   int
	id       string
}

// NewReceiver returns an idle Receiver.
func NewReceiver(opts ...Option) *Receiver {
	r := &Receiver{log: log.With("bulk")}
	for _, opt := range opts {
		opt(&r.opts)
	}
	return r
}

// Active reports whether a transfer is open.
func (r *Receiver) Active() bool {
	return r.active
}

// Begin opens a transfer into slot. size is the announced blob size, or a
// negative value when unknown. An open transfer is discarded.
func (r *Receiver) Begin(ctx context.Context, slot protocol.Slot, size int, save bool) {
	if r.active {
		r.log.Warn().Str("slot", string(r.slot)).Int("bytes", r.buf.Len()).Msg("Discarding unfinished transfer")
		r.abort(ctx)
	}

	r.active = true
	r.slot = slot
	r.expected = size
	r.save = save
	r.buf.Reset()
	r.chunks = 0
	r.id = ""
	if size > 0 {
		r.buf.Grow(size)
	}

	if r.opts.journal != nil {
		id, err := r.opts.journal.BeginTransfer(ctx, r.opts.sessionID, store.DirectionReceive, string(slot), save)
		if err != nil {
			r.log.Warn().Err(err).Msg("Failed to journal transfer start")
		} else {
			r.id = id
		}
	}
}

// Append adds the next chunk. A chunk with no open transfer opens one of
// unknown slot and size.
func (r *Receiver) Append(ctx context.Context, chunk []byte) {
	if !r.active {
		r.Begin(ctx, "", -1, false)
	}
	r.buf.Write(chunk)
	r.chunks++

	if r.opts.journal != nil && r.id != "" {
		if err := r.opts.journal.LogProgress(ctx, r.id, int64(r.buf.Len()), r.chunks); err != nil {
			r.log.Warn().Err(err).Msg("Failed to journal transfer progress")
		}
	}
}

// Complete closes the transfer and returns the assembled blob.
func (r *Receiver) Complete(ctx context.Context, slot protocol.Slot, save bool) ([]byte, error) {
	if !r.active {
		return nil, ErrNoTransfer
	}

	data := bytes.Clone(r.buf.Bytes())
	if data == nil {
		data = []byte{}
	}
	if r.expected >= 0 && len(data) != r.expected {
		err := fmt.Errorf("%w: got %d, announced %d", ErrSizeMismatch, len(data), r.expected)
		r.abort(ctx)
		r.clear()
		return nil, err
	}
	if r.slot != "" && r.slot != slot {
		r.log.Warn().Str("announced", string(r.slot)).Str("completed", string(slot)).Msg("Transfer slot changed at completion")
	}

	digest := store.Digest(data)
	r.log.Info().
		Str("slot", string(slot)).
		Bool("save", save).
		Int("bytes", len(data)).
		Int("chunks", r.chunks).
		Str("digest", digest).
		Msg("Snapshot received")
	r.opts.metrics.Transfer("receive", "completed", len(data))
	if r.opts.journal != nil && r.id != "" {
		if err := r.opts.journal.CompleteTransfer(ctx, r.id, digest); err != nil {
			r.log.Warn().Err(err).Msg("Failed to journal completed transfer")
		}
	}

	r.clear()
	return data, nil
}

// Reset discards any open transfer.
func (r *Receiver) Reset(ctx context.Context) {
	if r.active {
		r.abort(ctx)
	}
	r.clear()
}

func (r *Receiver) abort(ctx context.Context) {
	r.opts.metrics.Transfer("receive", "aborted", r.buf.Len())
	if r.opts.journal != nil && r.id != "" {
		if err := r.opts.journal.AbortTransfer(ctx, r.id); err != nil {
			r.log.Warn().Err(err).Msg("Failed to journal aborted transfer")
		}
	}
}

func (r *Receiver) clear() {
	r.active = false
	r.slot = ""
	r.expected = -1
	r.save = false
	r.buf.Reset()
	r.chunks = 0
	r.id = ""
}
