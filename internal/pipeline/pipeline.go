package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glizzus/opus-normalize/internal/container"
	"github.com/glizzus/opus-normalize/internal/normalize"
	"github.com/glizzus/opus-normalize/internal/opus"
	"golang.org/x/sync/errgroup"
)

// Result describes a successful run. Packets, Frames, Samples, Pages and
// Bytes describe the output; Frames always equals the input frame count.
type Result struct {
	Packets int
	Frames  int
	Samples int64
	Pages   int
	Bytes   int64
	// Peak is the largest absolute input sample seen.
	Peak int
	// Gain is the linear gain applied, or the final limiter gain.
	Gain    float64
	Policy  normalize.Policy
	Elapsed time.Duration
}

// Pipeline normalizes Opus streams with one Codec. It holds no per-run
// state and may be used concurrently.
type Pipeline struct {
	codec opus.Codec
	opts  Options
}

func New(codec opus.Codec, opts ...Option) *Pipeline {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = DefaultQueueDepth
	}
	if o.SampleRate == 0 {
		o.SampleRate = 48000
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Pipeline{codec: codec, opts: o}
}

// With returns a copy of p with opts applied on top of its options.
func (p *Pipeline) With(opts ...Option) *Pipeline {
	o := p.opts
	for _, opt := range opts {
		opt(&o)
	}
	return &Pipeline{codec: p.codec, opts: o}
}

func (p *Pipeline) Options() Options {
	return p.opts
}

// Normalize normalizes inputPath into outputPath using libopus.
func Normalize(ctx context.Context, inputPath, outputPath string, opts ...Option) (Result, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return New(opus.LibOpus{Bitrate: o.Bitrate}, opts...).Normalize(ctx, inputPath, outputPath)
}

// Normalize reads inputPath and writes the normalized stream to outputPath.
// The output is written to a temporary file in the same directory and only
// renamed into place on success; on failure nothing is left behind. Opening
// either file happens in StateReading.
func (p *Pipeline) Normalize(ctx context.Context, inputPath, outputPath string) (res Result, err error) {
	r := p.newRun()
	r.transition(StateReading)

	in, err := os.Open(inputPath)
	if err != nil {
		return Result{}, r.fail(fmt.Errorf("failed to open input: %w", err))
	}
	defer in.Close()

	dir, base := filepath.Split(outputPath)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".*.partial")
	if err != nil {
		return Result{}, r.fail(fmt.Errorf("%w: failed to create output: %w", ErrWriteFailure, err))
	}
	defer func() {
		if err == nil {
			return
		}
		if rmErr := removeQuietly(tmp); rmErr != nil {
			err = errors.Join(err, rmErr)
		}
	}()

	res, err = r.execute(ctx, in, tmp, func() error {
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("%w: failed to close output: %w", ErrWriteFailure, err)
		}
		if err := os.Rename(tmp.Name(), outputPath); err != nil {
			return fmt.Errorf("%w: failed to move output into place: %w", ErrWriteFailure, err)
		}
		return nil
	})
	return res, err
}

func removeQuietly(f *os.File) error {
	_ = f.Close()
	if err := os.Remove(f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove partial output %s: %w", f.Name(), err)
	}
	return nil
}

// Run normalizes in into out. Policies that analyze the stream first seek
// in back to its start between passes.
func (p *Pipeline) Run(ctx context.Context, in io.ReadSeeker, out io.Writer) (Result, error) {
	return p.newRun().execute(ctx, in, out, nil)
}

type run struct {
	codec  opus.Codec
	opts   Options
	logger *slog.Logger
	state  State
}

func (p *Pipeline) newRun() *run {
	return &run{codec: p.codec, opts: p.opts, logger: p.opts.Logger}
}

func (r *run) transition(to State) {
	from := r.state
	r.state = to
	r.logger.Debug("Pipeline state changed", "from", from, "to", to)
	if r.opts.OnTransition != nil {
		r.opts.OnTransition(from, to)
	}
}

func (r *run) fail(err error) error {
	e := newError(r.state, err)
	r.transition(StateFailed)
	r.logger.Error("Normalize failed",
		"state", e.State,
		"page", e.Page,
		"packet", e.Packet,
		slog.Any("error", e.Err),
	)
	return e
}

func (r *run) execute(ctx context.Context, in io.ReadSeeker, out io.Writer, commit func() error) (Result, error) {
	start := time.Now()
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	if r.state != StateReading {
		r.transition(StateReading)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, r.fail(err)
	}
	src, err := container.NewSource(in, r.opts.Format, r.opts.Params)
	if err != nil {
		return Result{}, r.fail(err)
	}

	res := Result{Policy: r.opts.Policy, Gain: 1}
	var gain normalize.Gain
	switch {
	case r.opts.Policy.Analyzes():
		analyzer, err := r.analyze(ctx, src)
		if err != nil {
			return Result{}, r.fail(err)
		}
		constant := analyzer.Gain(r.opts.Target)
		res.Peak = analyzer.Peak()
		res.Gain = float64(constant)
		gain = constant
		r.logger.Info("Analyzed input",
			"packets", analyzer.Buffers(),
			"peak", analyzer.Peak(),
			"peak_dbfs", analyzer.PeakDBFS(),
			"gain_db", normalize.LinearToDB(res.Gain),
		)

		if _, err := in.Seek(0, io.SeekStart); err != nil {
			return Result{}, r.fail(fmt.Errorf("failed to rewind input: %w", err))
		}
		if src, err = container.NewSource(in, r.opts.Format, r.opts.Params); err != nil {
			return Result{}, r.fail(err)
		}
	default:
		gain = normalize.NewLimiter(r.opts.Target)
	}

	r.transition(StateProcessing)
	head := src.Head()
	if r.opts.Policy.Reencodes() {
		head.OutputGain = 0
		if l, ok := r.codec.(interface{ Lookahead() int }); ok {
			head.PreSkip = uint16(min(int(head.PreSkip)+l.Lookahead(), 0xFFFF))
		}
	} else {
		head.OutputGain = opus.GainToQ78(res.Gain)
	}
	tags := src.Tags()
	tags.Vendor = container.Vendor

	w, err := container.NewWriter(out, head, tags, container.WriterOptions{MaxPageDuration: r.opts.MaxPageDuration})
	if err != nil {
		return Result{}, r.fail(err)
	}

	var stats inputStats
	peak := 0
	if err := r.apply(ctx, src, gain, w, &stats, &peak); err != nil {
		return Result{}, r.fail(err)
	}
	if l, ok := gain.(*normalize.Limiter); ok {
		res.Peak = peak
		res.Gain = l.Current()
	}

	r.transition(StateFinalizing)
	w.SetEndTrim(stats.endTrim)
	if err := w.Close(); err != nil {
		return Result{}, r.fail(err)
	}
	written := w.Stats()
	if written.Frames != stats.frames {
		return Result{}, r.fail(fmt.Errorf("%w: wrote %d frames for %d input frames", ErrInvalidFrame, written.Frames, stats.frames))
	}
	if commit != nil {
		if err := commit(); err != nil {
			return Result{}, r.fail(err)
		}
	}

	res.Packets = written.Packets
	res.Frames = written.Frames
	res.Samples = written.Samples
	res.Pages = written.Pages
	res.Bytes = written.Bytes
	res.Elapsed = time.Since(start)
	r.transition(StateDone)

	r.logger.Info("Normalized stream",
		"policy", res.Policy,
		"packets", res.Packets,
		"frames", res.Frames,
		"pages", res.Pages,
		"gain_db", normalize.LinearToDB(res.Gain),
		"elapsed", res.Elapsed,
	)
	return res, nil
}

func (r *run) analyze(ctx context.Context, src container.Source) (*normalize.Analyzer, error) {
	channels := src.Head().Channels
	dec, err := r.codec.NewDecoder(r.opts.SampleRate, channels)
	if err != nil {
		return nil, err
	}

	var (
		analyzer normalize.Analyzer
		stats    inputStats
		packets  = make(chan container.Packet, r.opts.QueueDepth)
		pcm      = make(chan decoded, r.opts.QueueDepth)
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return readStage(ctx, src, &stats, packets) })
	g.Go(func() error { return decodeStage(ctx, dec, r.opts.SampleRate, channels, packets, pcm) })
	g.Go(func() error { return analyzeStage(&analyzer, pcm) })
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &analyzer, nil
}

func (r *run) apply(ctx context.Context, src container.Source, gain normalize.Gain, w *container.Writer, stats *inputStats, peak *int) error {
	var (
		dec opus.Decoder
		enc opus.Encoder
		err error
	)
	channels := src.Head().Channels
	if r.opts.Policy.Reencodes() {
		if dec, err = r.codec.NewDecoder(r.opts.SampleRate, channels); err != nil {
			return err
		}
		if enc, err = r.codec.NewEncoder(r.opts.SampleRate, channels); err != nil {
			return err
		}
	}

	packets := make(chan container.Packet, r.opts.QueueDepth)
	out := make(chan encoded, r.opts.QueueDepth)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return readStage(ctx, src, stats, packets) })
	if r.opts.Policy.Reencodes() {
		pcm := make(chan decoded, r.opts.QueueDepth)
		normalized := make(chan decoded, r.opts.QueueDepth)
		g.Go(func() error { return decodeStage(ctx, dec, r.opts.SampleRate, channels, packets, pcm) })
		g.Go(func() error { return gainStage(ctx, gain, peak, pcm, normalized) })
		g.Go(func() error { return encodeStage(ctx, enc, r.opts.SampleRate, normalized, out) })
	} else {
		g.Go(func() error { return copyStage(ctx, packets, out) })
	}
	g.Go(func() error { return writeStage(w, out) })
	return g.Wait()
}
