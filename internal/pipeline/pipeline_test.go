package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glizzus/opus-normalize/internal/container"
	"github.com/glizzus/opus-normalize/internal/normalize"
	"github.com/glizzus/opus-normalize/internal/ogg"
	"github.com/glizzus/opus-normalize/internal/opus"
	"github.com/glizzus/opus-normalize/internal/opus/opustest"
	"github.com/glizzus/opus-normalize/internal/pipeline"
	"github.com/google/go-cmp/cmp"
)

func writeInput(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.opus")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}
	return path
}

type parsed struct {
	head    opus.Head
	packets []container.Packet
	frames  int
	endTrim int64
}

func parseOutput(t *testing.T, path string) parsed {
	t.Helper()
	f, err := container.Open(path)
	if err != nil {
		t.Fatalf("failed to open output: %v", err)
	}
	defer f.Close()

	out := parsed{head: f.Head()}
	for {
		p, err := f.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("failed to read output packet: %v", err)
		}
		out.packets = append(out.packets, p)
		out.frames += p.Frames
	}
	out.endTrim = f.EndTrim()
	return out
}

// amplitudes returns the amplitude byte of every frame.
func amplitudes(t *testing.T, packets []container.Packet) []int {
	t.Helper()
	var amps []int
	for _, p := range packets {
		parsed, err := opus.ParsePacket(p.Data)
		if err != nil {
			t.Fatalf("failed to parse packet %d: %v", p.Index, err)
		}
		for _, f := range parsed.Frames {
			amps = append(amps, int(f[0]))
		}
	}
	return amps
}

func assertNoOutput(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to list %s: %v", dir, err)
	}
	for _, e := range entries {
		if e.Name() != "input.opus" {
			t.Errorf("expected no output files, found %s", e.Name())
		}
	}
}

func TestNormalizeLegacyCapture(t *testing.T) {
	input := writeInput(t, opustest.Ogg(t, opustest.LegacyCapture()))
	output := filepath.Join(filepath.Dir(input), "output.opus")

	res, err := pipeline.New(&opustest.Codec{}).Normalize(context.Background(), input, output)
	if err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	if res.Frames != 392 {
		t.Errorf("expected 392 frames, got %d", res.Frames)
	}
	if res.Packets != 392 {
		t.Errorf("expected 392 packets, got %d", res.Packets)
	}
	if res.Samples != 392*2880 {
		t.Errorf("expected %d samples, got %d", 392*2880, res.Samples)
	}

	out := parseOutput(t, output)
	if out.frames != 392 {
		t.Errorf("expected output to hold 392 frames, got %d", out.frames)
	}
	if out.head.OutputGain != 0 {
		t.Errorf("expected output gain 0 after re-encoding, got %d", out.head.OutputGain)
	}

	wantPeak := int(math.Round(normalize.DefaultTarget.PeakLevel() / opustest.Scale))
	peak := 0
	for _, a := range amplitudes(t, out.packets) {
		peak = max(peak, a)
	}
	if peak != wantPeak {
		t.Errorf("expected normalized peak amplitude %d, got %d", wantPeak, peak)
	}
}

func TestNormalizeGranulesMatchInputDurations(t *testing.T) {
	opts := opustest.StreamOptions{
		Packets:         120,
		Channels:        2,
		InputSampleRate: 48000,
		Config:          opus.ConfigFor(opus.ModeCELT, opus.Fullband, 480),
		FramesPerPacket: 4,
		FrameBytes:      20,
	}
	input := writeInput(t, opustest.Ogg(t, opts))
	output := filepath.Join(filepath.Dir(input), "output.opus")

	if _, err := pipeline.New(&opustest.Codec{}).Normalize(context.Background(), input, output); err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}

	in := parseOutput(t, input)
	out := parseOutput(t, output)

	durations := func(ps []container.Packet) []int {
		var d []int
		for _, p := range ps {
			d = append(d, p.Samples)
		}
		return d
	}
	if diff := cmp.Diff(durations(in.packets), durations(out.packets)); diff != "" {
		t.Errorf("packet durations mismatch (-want +got):\n%s", diff)
	}

	f, err := os.Open(output)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	pages := ogg.NewPageReader(f)
	last := int64(0)
	var final *ogg.Page
	for {
		page, err := pages.ReadPage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ReadPage returned error: %v", err)
		}
		if page.Granule != ogg.NoGranule {
			if page.Granule < last {
				t.Errorf("granule decreased from %d to %d", last, page.Granule)
			}
			last = page.Granule
		}
		final = page
	}
	if final == nil || !final.IsEOS() {
		t.Fatalf("expected final page to carry the end-of-stream flag")
	}
	if last != 120*4*480 {
		t.Errorf("expected final granule %d, got %d", 120*4*480, last)
	}
}

func TestNormalizePolicies(t *testing.T) {
	opts := opustest.LegacyCapture()
	opts.Packets = 60
	data := opustest.Ogg(t, opts)

	tc := []struct {
		policy normalize.Policy
		check  func(t *testing.T, in, out parsed, res pipeline.Result)
	}{
		{
			policy: normalize.PolicyPeak,
			check: func(t *testing.T, in, out parsed, res pipeline.Result) {
				// Every frame is scaled by the same factor.
				inAmps, outAmps := amplitudes(t, in.packets), amplitudes(t, out.packets)
				for i := range inAmps {
					want := int(math.Round(float64(inAmps[i]) * res.Gain))
					if d := outAmps[i] - want; d < -1 || d > 1 {
						t.Errorf("frame %d: expected amplitude about %d, got %d", i, want, outAmps[i])
					}
				}
			},
		},
		{
			policy: normalize.PolicyStreaming,
			check: func(t *testing.T, in, out parsed, res pipeline.Result) {
				// The limiter starts at unity and only rises slowly.
				inAmps, outAmps := amplitudes(t, in.packets), amplitudes(t, out.packets)
				step := normalize.DBToLinear(normalize.DefaultReleaseDB)
				if limit := int(math.Ceil(float64(inAmps[0]) * step)); outAmps[0] > limit {
					t.Errorf("expected first frame amplitude at most %d, got %d", limit, outAmps[0])
				}
			},
		},
		{
			policy: normalize.PolicyHeaderGain,
			check: func(t *testing.T, in, out parsed, res pipeline.Result) {
				raw := func(ps []container.Packet) [][]byte {
					var out [][]byte
					for _, p := range ps {
						out = append(out, p.Data)
					}
					return out
				}
				if diff := cmp.Diff(raw(in.packets), raw(out.packets)); diff != "" {
					t.Errorf("expected packets copied verbatim (-want +got):\n%s", diff)
				}
				if want := opus.GainToQ78(res.Gain); out.head.OutputGain != want {
					t.Errorf("expected output gain %d, got %d", want, out.head.OutputGain)
				}
				if out.head.OutputGain <= 0 {
					t.Errorf("expected a positive gain for quiet input, got %d", out.head.OutputGain)
				}
			},
		},
	}

	for _, test := range tc {
		t.Run(test.policy.String(), func(t *testing.T) {
			input := writeInput(t, data)
			output := filepath.Join(filepath.Dir(input), "output.opus")

			p := pipeline.New(&opustest.Codec{}, pipeline.WithPolicy(test.policy))
			res, err := p.Normalize(context.Background(), input, output)
			if err != nil {
				t.Fatalf("Normalize returned error: %v", err)
			}
			if res.Policy != test.policy {
				t.Errorf("expected policy %s, got %s", test.policy, res.Policy)
			}
			if res.Frames != opts.Packets {
				t.Errorf("expected %d frames, got %d", opts.Packets, res.Frames)
			}
			test.check(t, parseOutput(t, input), parseOutput(t, output), res)
		})
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	input := writeInput(t, opustest.Ogg(t, opustest.LegacyCapture()))
	dir := filepath.Dir(input)
	first := filepath.Join(dir, "first.opus")
	second := filepath.Join(dir, "second.opus")

	p := pipeline.New(&opustest.Codec{})
	if _, err := p.Normalize(context.Background(), input, first); err != nil {
		t.Fatalf("first Normalize returned error: %v", err)
	}
	res, err := p.Normalize(context.Background(), first, second)
	if err != nil {
		t.Fatalf("second Normalize returned error: %v", err)
	}
	if res.Frames != 392 {
		t.Errorf("expected 392 frames, got %d", res.Frames)
	}
	if math.Abs(res.Gain-1) > 0.01 {
		t.Errorf("expected unity gain on normalized input, got %f", res.Gain)
	}
}

func TestNormalizeKeepsEndTrim(t *testing.T) {
	opts := opustest.StreamOptions{
		Packets:         10,
		Channels:        1,
		InputSampleRate: 48000,
		Config:          opus.ConfigFor(opus.ModeCELT, opus.Fullband, 960),
		FramesPerPacket: 3,
		FrameBytes:      8,
		EndTrim:         400,
	}
	input := writeInput(t, opustest.Ogg(t, opts))
	output := filepath.Join(filepath.Dir(input), "output.opus")

	res, err := pipeline.New(&opustest.Codec{}).Normalize(context.Background(), input, output)
	if err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	if res.Frames != 30 {
		t.Errorf("expected 30 frames, got %d", res.Frames)
	}
	if out := parseOutput(t, output); out.endTrim != 400 {
		t.Errorf("expected end trim 400, got %d", out.endTrim)
	}
}

func TestNormalizeRawInputs(t *testing.T) {
	opts := opustest.LegacyCapture()

	tc := []struct {
		name   string
		format container.Format
		data   []byte
	}{
		{"length prefixed", container.FormatLengthPrefixed, opustest.LengthPrefixed(t, opts)},
		{"fixed", container.FormatFixed, opustest.Fixed(t, opts)},
	}

	for _, test := range tc {
		t.Run(test.name, func(t *testing.T) {
			input := writeInput(t, test.data)
			output := filepath.Join(filepath.Dir(input), "output.opus")

			p := pipeline.New(&opustest.Codec{}, pipeline.WithInputFormat(test.format, container.DefaultParams))
			res, err := p.Normalize(context.Background(), input, output)
			if err != nil {
				t.Fatalf("Normalize returned error: %v", err)
			}
			if res.Frames != 392 {
				t.Errorf("expected 392 frames, got %d", res.Frames)
			}
			out := parseOutput(t, output)
			if out.head.InputSampleRate != 16000 || out.head.Channels != 1 {
				t.Errorf("expected 16 kHz mono header, got %+v", out.head)
			}
		})
	}
}

func TestNormalizeErrors(t *testing.T) {
	valid := opustest.Ogg(t, opustest.LegacyCapture())

	headersOnly := func() []byte {
		var buf bytes.Buffer
		w, err := container.NewWriter(&buf, opus.NewHead(1, 48000), opus.Tags{Vendor: "test"}, container.WriterOptions{Serial: 7})
		if err != nil {
			t.Fatal(err)
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
		return buf.Bytes()
	}()

	notOpus := func() []byte {
		var buf bytes.Buffer
		w := ogg.NewWriter(&buf, 3)
		if err := w.WritePacket([]byte("\x01vorbis-ish header"), 0); err != nil {
			t.Fatal(err)
		}
		if err := w.Finish(0); err != nil {
			t.Fatal(err)
		}
		return buf.Bytes()
	}()

	tc := []struct {
		name     string
		data     []byte
		codec    *opustest.Codec
		want     error
		located  bool
		wantFrom pipeline.State
	}{
		{name: "zero bytes", data: nil, want: pipeline.ErrMalformedContainer, wantFrom: pipeline.StateReading},
		{name: "headers only", data: headersOnly, want: pipeline.ErrMalformedContainer, wantFrom: pipeline.StateReading, located: true},
		{name: "truncated mid page", data: valid[:len(valid)/2], want: pipeline.ErrMalformedContainer, wantFrom: pipeline.StateReading, located: true},
		{name: "not opus", data: notOpus, want: pipeline.ErrUnsupportedStream, wantFrom: pipeline.StateReading},
		{name: "encoder emits garbage", data: valid, codec: &opustest.Codec{Invalid: true}, want: pipeline.ErrInvalidFrame, wantFrom: pipeline.StateProcessing, located: true},
	}

	for _, test := range tc {
		t.Run(test.name, func(t *testing.T) {
			input := writeInput(t, test.data)
			output := filepath.Join(filepath.Dir(input), "output.opus")

			codec := test.codec
			if codec == nil {
				codec = &opustest.Codec{}
			}
			_, err := pipeline.New(codec).Normalize(context.Background(), input, output)
			if !errors.Is(err, test.want) {
				t.Fatalf("expected %v, got %v", test.want, err)
			}

			var pErr *pipeline.Error
			if !errors.As(err, &pErr) {
				t.Fatalf("expected a *pipeline.Error, got %T", err)
			}
			if pErr.State != test.wantFrom {
				t.Errorf("expected failure while %s, got %s", test.wantFrom, pErr.State)
			}
			if test.located && pErr.Packet < 0 {
				t.Errorf("expected the error to carry a packet index, got %+v", pErr)
			}
			assertNoOutput(t, filepath.Dir(input))
		})
	}
}

func TestNormalizeCancelled(t *testing.T) {
	input := writeInput(t, opustest.Ogg(t, opustest.LegacyCapture()))
	output := filepath.Join(filepath.Dir(input), "output.opus")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pipeline.New(&opustest.Codec{}).Normalize(ctx, input, output)
	if !errors.Is(err, pipeline.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	assertNoOutput(t, filepath.Dir(input))
}

type slowCodec struct {
	opustest.Codec
	delay time.Duration
}

func (c *slowCodec) NewDecoder(rate, channels int) (opus.Decoder, error) {
	dec, err := c.Codec.NewDecoder(rate, channels)
	if err != nil {
		return nil, err
	}
	return slowDecoder{Decoder: dec, delay: c.delay}, nil
}

type slowDecoder struct {
	opus.Decoder
	delay time.Duration
}

func (d slowDecoder) Decode(packet []byte, pcm []int16) (int, error) {
	time.Sleep(d.delay)
	return d.Decoder.Decode(packet, pcm)
}

func TestNormalizeTimeout(t *testing.T) {
	input := writeInput(t, opustest.Ogg(t, opustest.LegacyCapture()))
	output := filepath.Join(filepath.Dir(input), "output.opus")

	p := pipeline.New(&slowCodec{delay: 5 * time.Millisecond}, pipeline.WithTimeout(50*time.Millisecond))
	_, err := p.Normalize(context.Background(), input, output)
	if !errors.Is(err, pipeline.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	assertNoOutput(t, filepath.Dir(input))
}

type failingWriter struct {
	limit   int
	written int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.written+len(p) > w.limit {
		return 0, errors.New("disk full")
	}
	w.written += len(p)
	return len(p), nil
}

func TestRunWriteFailure(t *testing.T) {
	data := opustest.Ogg(t, opustest.LegacyCapture())

	for _, limit := range []int{0, 100, 4096} {
		p := pipeline.New(&opustest.Codec{})
		_, err := p.Run(context.Background(), bytes.NewReader(data), &failingWriter{limit: limit})
		if !errors.Is(err, pipeline.ErrWriteFailure) {
			t.Errorf("limit %d: expected ErrWriteFailure, got %v", limit, err)
		}
	}
}

func TestNormalizeSetupFailures(t *testing.T) {
	type transition struct{ From, To pipeline.State }

	tc := []struct {
		name    string
		paths   func(input string) (string, string)
		wantErr error
	}{
		{
			name: "missing input",
			paths: func(input string) (string, string) {
				dir := filepath.Dir(input)
				return filepath.Join(dir, "missing.opus"), filepath.Join(dir, "output.opus")
			},
			wantErr: os.ErrNotExist,
		},
		{
			name: "missing output directory",
			paths: func(input string) (string, string) {
				return input, filepath.Join(filepath.Dir(input), "missing", "output.opus")
			},
			wantErr: pipeline.ErrWriteFailure,
		},
	}

	for _, test := range tc {
		t.Run(test.name, func(t *testing.T) {
			input := writeInput(t, opustest.Ogg(t, opustest.LegacyCapture()))
			in, out := test.paths(input)

			var got []transition
			hook := func(from, to pipeline.State) { got = append(got, transition{from, to}) }

			_, err := pipeline.New(&opustest.Codec{}, pipeline.WithStateHook(hook)).Normalize(context.Background(), in, out)
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("expected %v, got %v", test.wantErr, err)
			}
			var perr *pipeline.Error
			if !errors.As(err, &perr) || perr.State != pipeline.StateReading {
				t.Errorf("expected a *pipeline.Error in state reading, got %#v", err)
			}

			want := []transition{
				{pipeline.StateIdle, pipeline.StateReading},
				{pipeline.StateReading, pipeline.StateFailed},
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("transitions mismatch (-want +got):\n%s", diff)
			}
			assertNoOutput(t, filepath.Dir(input))
		})
	}
}

func TestStateTransitions(t *testing.T) {
	type transition struct{ From, To pipeline.State }
	data := opustest.Ogg(t, opustest.LegacyCapture())

	tc := []struct {
		name  string
		input []byte
		want  []transition
	}{
		{
			name:  "success",
			input: data,
			want: []transition{
				{pipeline.StateIdle, pipeline.StateReading},
				{pipeline.StateReading, pipeline.StateProcessing},
				{pipeline.StateProcessing, pipeline.StateFinalizing},
				{pipeline.StateFinalizing, pipeline.StateDone},
			},
		},
		{
			name:  "failure",
			input: data[:100],
			want: []transition{
				{pipeline.StateIdle, pipeline.StateReading},
				{pipeline.StateReading, pipeline.StateFailed},
			},
		},
	}

	for _, test := range tc {
		t.Run(test.name, func(t *testing.T) {
			var (
				mu  sync.Mutex
				got []transition
			)
			hook := func(from, to pipeline.State) {
				mu.Lock()
				defer mu.Unlock()
				got = append(got, transition{from, to})
			}

			p := pipeline.New(&opustest.Codec{}, pipeline.WithStateHook(hook))
			_, _ = p.Run(context.Background(), bytes.NewReader(test.input), io.Discard)

			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("transitions mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOptions(t *testing.T) {
	target := normalize.Target{PeakDBFS: -3, MaxGainDB: 6}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p := pipeline.New(&opustest.Codec{},
		pipeline.WithTarget(target),
		pipeline.WithQueueDepth(1),
		pipeline.WithSampleRate(48000),
		pipeline.WithBitrate(64000),
		pipeline.WithMaxPageDuration(200*time.Millisecond),
		pipeline.WithLogger(logger),
	)
	o := p.Options()
	if o.Target != target {
		t.Errorf("expected target %+v, got %+v", target, o.Target)
	}
	if o.QueueDepth != 1 || o.SampleRate != 48000 || o.Bitrate != 64000 {
		t.Errorf("unexpected options: queue depth %d, sample rate %d, bitrate %d", o.QueueDepth, o.SampleRate, o.Bitrate)
	}
	if o.Logger != logger {
		t.Error("expected the configured logger")
	}

	data := opustest.Ogg(t, opustest.LegacyCapture())
	short, err := p.Run(context.Background(), bytes.NewReader(data), io.Discard)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	long, err := pipeline.New(&opustest.Codec{}).Run(context.Background(), bytes.NewReader(data), io.Discard)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if short.Frames != 392 || long.Frames != 392 {
		t.Errorf("expected 392 frames, got %d and %d", short.Frames, long.Frames)
	}
	if short.Pages <= long.Pages {
		t.Errorf("expected shorter pages to give more of them, got %d and %d", short.Pages, long.Pages)
	}

	if got := p.With(pipeline.WithPolicy(normalize.PolicyStreaming)).Options(); got.Policy != normalize.PolicyStreaming || got.Target != target {
		t.Errorf("With lost options: %+v", got)
	}
}

func TestNormalizeLongFrames(t *testing.T) {
	celt := opustest.StreamOptions{
		Packets:         50,
		Channels:        2,
		InputSampleRate: 48000,
		Config:          opus.ConfigFor(opus.ModeCELT, opus.Fullband, 960),
		FramesPerPacket: 2,
		FrameBytes:      8,
	}

	tc := []struct {
		name       string
		stream     opustest.StreamOptions
		codec      *opustest.Codec
		wantFrames int
		wantErr    bool
	}{
		{
			name:       "silk frames stay whole",
			stream:     opustest.LegacyCapture(),
			codec:      &opustest.Codec{},
			wantFrames: 392,
		},
		{
			name:    "split silk frames fail",
			stream:  opustest.LegacyCapture(),
			codec:   &opustest.Codec{IgnoreShape: true},
			wantErr: true,
		},
		{
			name:       "celt frames are never split",
			stream:     celt,
			codec:      &opustest.Codec{IgnoreShape: true},
			wantFrames: 100,
		},
	}

	for _, test := range tc {
		t.Run(test.name, func(t *testing.T) {
			input := writeInput(t, opustest.Ogg(t, test.stream))
			output := filepath.Join(filepath.Dir(input), "output.opus")

			res, err := pipeline.New(test.codec).Normalize(context.Background(), input, output)
			if test.wantErr {
				var perr *pipeline.Error
				if !errors.As(err, &perr) || !errors.Is(err, pipeline.ErrInvalidFrame) {
					t.Fatalf("expected an ErrInvalidFrame *pipeline.Error, got %v", err)
				}
				want := pipeline.Error{State: pipeline.StateProcessing, Page: 2, Packet: 0}
				got := pipeline.Error{State: perr.State, Page: perr.Page, Packet: perr.Packet}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("error position mismatch (-want +got):\n%s", diff)
				}
				assertNoOutput(t, filepath.Dir(input))
				return
			}
			if err != nil {
				t.Fatalf("Normalize returned error: %v", err)
			}
			if res.Frames != test.wantFrames {
				t.Errorf("expected %d frames, got %d", test.wantFrames, res.Frames)
			}

			out := parseOutput(t, output)
			if out.frames != test.wantFrames {
				t.Errorf("expected %d frames in output, got %d", test.wantFrames, out.frames)
			}
			for _, p := range out.packets {
				if p.Samples/p.Frames != test.stream.FrameSamples() {
					t.Fatalf("packet %d holds %d sample frames, expected %d", p.Index, p.Samples/p.Frames, test.stream.FrameSamples())
				}
			}
		})
	}
}
