// Package pipeline wires the producer (filling a ring buffer from the
// input io.Reader) and consumer (driving the transport-stream processor)
// halves of a decode job together, running both as errgroup-tracked
// goroutines sharing one cancellable context — the same pattern the
// teacher uses for its demuxer/relay pipeline, generalised here to a
// two-leg decrypt pipeline instead of a demux-and-broadcast one.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tivodecrypt/internal/decodeerr"
	"github.com/zsiec/tivodecrypt/internal/ringbuf"
	"github.com/zsiec/tivodecrypt/internal/tspacket"
	"github.com/zsiec/tivodecrypt/internal/tsproc"
)

// Pipeline drives one decode job end to end: read from source, frame into
// 188-byte transport packets, hand each to the processor.
type Pipeline struct {
	log    *slog.Logger
	source io.Reader
	ring   *ringbuf.RingBuffer
	pos    *ringbuf.PositionedReader
	proc   *tsproc.Processor
}

// New creates a Pipeline reading from source and driving proc. If log is
// nil, slog.Default() is used.
func New(source io.Reader, proc *tsproc.Processor, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "pipeline")
	ring := ringbuf.New(log)
	return &Pipeline{
		log:    log,
		source: source,
		ring:   ring,
		pos:    ringbuf.NewPositionedReader(ring),
		proc:   proc,
	}
}

// Run blocks until the input is fully consumed, a packet group is rejected
// (the distilled contract's "any failure during process() returns false"),
// or ctx is cancelled. It returns nil only on a clean, complete decode.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.produce(ctx) })
	g.Go(func() error { return p.consume(ctx) })

	err := g.Wait()

	stats := p.proc.Stats()
	p.log.Info("decode finished",
		"packets_in", stats.PacketsIn,
		"packets_out", stats.PacketsOut,
		"groups_dropped", stats.GroupsDropped,
		"error", err,
	)
	return err
}

// produce is the producer leg: it loops filling the ring buffer from
// source until the source is exhausted, an I/O error occurs, or ctx is
// cancelled (observed between iterations, per the distilled cancellation
// contract).
func (p *Pipeline) produce(ctx context.Context) error {
	defer p.pos.Close()
	for {
		more, err := p.ring.FillFrom(ctx, p.source)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// consume is the consumer leg: it reads fixed 188-byte frames through the
// PositionedReader façade and drives the processor synchronously, exactly
// as the distilled concurrency model specifies.
func (p *Pipeline) consume(ctx context.Context) error {
	buf := make([]byte, tspacket.Size)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := p.pos.ReadExact(buf); err != nil {
			if errors.Is(err, io.EOF) {
				// The producer stops early when ctx is cancelled; that is
				// not a clean finish even if it lands on a frame boundary.
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				// Input ended exactly on a frame boundary: a clean finish.
				return nil
			}
			return err
		}

		pkt, err := tspacket.Parse(buf)
		if err != nil {
			return fmt.Errorf("pipeline: parsing packet at byte offset %d: %w", p.pos.Position()-tspacket.Size, err)
		}

		ok, err := p.proc.Process(pkt)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("pipeline: packet group rejected, halting decode: %w", decodeerr.ErrMalformedPacket)
		}
	}
}
