// Command tivodecrypt reads a container-wrapped, selectively-scrambled
// transport stream and writes the fully cleartext transport stream to
// stdout (or a file), decrypting only the elementary-stream payload bytes
// that follow each PES header, leaving transport and PES framing untouched.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/zsiec/tivodecrypt/internal/container"
	"github.com/zsiec/tivodecrypt/internal/keyderive"
	"github.com/zsiec/tivodecrypt/internal/pipeline"
	"github.com/zsiec/tivodecrypt/internal/tsproc"
)

func main() {
	var (
		mak     = flag.String("mak", "", "media access key, or set TIVODECRYPT_MAK")
		inPath  = flag.String("in", "", "input file (default stdin)")
		outPath = flag.String("out", "", "output file (default stdout)")
		debug   = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug || os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if *mak == "" {
		*mak = os.Getenv("TIVODECRYPT_MAK")
	}
	if *mak == "" {
		log.Error("no MAK supplied (-mak or TIVODECRYPT_MAK)")
		os.Exit(1)
	}

	if err := run(log, *mak, *inPath, *outPath); err != nil {
		log.Error("decode failed", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, mak, inPath, outPath string) error {
	in, err := openInput(inPath)
	if err != nil {
		return fmt.Errorf("tivodecrypt: opening input: %w", err)
	}
	defer in.Close()

	out, err := openOutput(outPath)
	if err != nil {
		return fmt.Errorf("tivodecrypt: opening output: %w", err)
	}
	defer out.Close()

	header, err := container.ReadHeader(in)
	if err != nil {
		return fmt.Errorf("tivodecrypt: reading container header: %w", err)
	}

	keys := buildKeyTable(header, mak)
	log.Info("container header parsed", "version", header.Version, "streams", len(header.Streams))

	proc := tsproc.New(out, keys, log)
	p := pipeline.New(in, proc, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	return p.Run(ctx)
}

// buildKeyTable derives the per-stream Turing keys from the container
// header and folds them into the PID-keyed table tsproc.Processor expects.
// This implementation treats a stream's single-byte id as the low byte of
// its transport PID (see DESIGN.md); the high five bits are always zero, so
// a container's stream ids map 1:1 onto PIDs 0x00-0xFF.
func buildKeyTable(h *container.Header, mak string) map[uint16]tsproc.KeyEntry {
	derived := h.BuildKeyTable(mak, keyderive.Derive)

	keys := make(map[uint16]tsproc.KeyEntry, len(h.Streams))
	for _, s := range h.Streams {
		keys[uint16(s.StreamID)] = tsproc.KeyEntry{
			StreamID: s.StreamID,
			Key:      derived[s.StreamID],
		}
	}
	return keys
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func openOutput(path string) (io.WriteCloser, error) {
	if path == "" {
		return nopWriteCloser{os.Stdout}, nil
	}
	return os.Create(path)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
