// Package bulk moves whole world snapshots between the peers outside the
// small-message path. A snapshot is cut into chunks of a few kilobytes and
// sent stop-and-wait: every map_result_data is acknowledged by a
// WAIT_MAP_SENDER before the next one leaves.
package bulk

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"time"
)

// Default chunk thresholds.
const (
	DefaultLowWater  = 3000
	DefaultHighWater = 4000
)

var (
	// ErrThresholds is returned when the chunk thresholds are unusable.
	ErrThresholds = errors.New("invalid chunk thresholds")
	// ErrBusy is returned by Submit while a job is in flight.
	ErrBusy = errors.New("bulk transfer already in flight")
	// ErrStopped is returned once the sender has been stopped.
	ErrStopped = errors.New("bulk sender stopped")
	// ErrAckTimeout is returned when the peer does not acknowledge a chunk.
	ErrAckTimeout = errors.New("timed out waiting for chunk acknowledgement")
	// ErrNoTransfer is returned when completing a transfer that was never opened.
	ErrNoTransfer = errors.New("no transfer in progress")
	// ErrSizeMismatch is returned when the assembled blob differs from the
	// announced size.
	ErrSizeMismatch = errors.New("assembled size does not match announced size")
)

// Config holds the chunking and flow-control settings.
type Config struct {
	LowWater   int           `yaml:"low_water"`
	HighWater  int           `yaml:"high_water"`
	AckTimeout time.Duration `yaml:"ack_timeout"`
}

// DefaultConfig returns the default bulk settings.
func DefaultConfig() Config {
	return Config{
		LowWater:   DefaultLowWater,
		HighWater:  DefaultHighWater,
		AckTimeout: 30 * time.Second,
	}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	if c.LowWater <= 0 || c.HighWater <= c.LowWater {
		return fmt.Errorf("%w: low=%d high=%d", ErrThresholds, c.LowWater, c.HighWater)
	}
	if c.AckTimeout < 0 {
		return fmt.Errorf("negative ack timeout %s", c.AckTimeout)
	}
	return nil
}

// Chunk reads r one line at a time and calls emit for every chunk.
//
// Lines accumulate until the buffer is larger than low and smaller than
// high, at which point it is emitted. A buffer that reaches high is cut
// into low-sized chunks and the remainder (at most low bytes) is kept. A
// final chunk, possibly empty, is always emitted. emit must not retain the
// slice it is given.
func Chunk(r io.Reader, low, high int, emit func([]byte) error) error {
	if low <= 0 || high <= low {
		return fmt.Errorf("%w: low=%d high=%d", ErrThresholds, low, high)
	}

	br := bufio.NewReader(r)
	acc := make([]byte, 0, high)
	for {
		line, err := br.ReadSlice('\n')
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read snapshot: %w", err)
		}
		acc = append(acc, line...)

		switch {
		case len(acc) >= high:
			off := 0
			for len(acc)-off > low {
				if e := emit(acc[off : off+low]); e != nil {
					return e
				}
				off += low
			}
			acc = append(acc[:0], acc[off:]...)
		case len(acc) > low:
			if e := emit(acc); e != nil {
				return e
			}
			acc = acc[:0]
		}

		if errors.Is(err, io.EOF) {
			break
		}
	}
	return emit(acc)
}
