package opus

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strconv"

	"github.com/jonas747/ogg"
)

// TranscodeOptions controls the ffmpeg invocation used by Transcode.
type TranscodeOptions struct {
	SampleRate    int
	Channels      int
	Bitrate       int
	FrameDuration int // milliseconds
}

// DefaultTranscodeOptions matches what the normalizer writes by default.
var DefaultTranscodeOptions = TranscodeOptions{
	SampleRate:    48000,
	Channels:      2,
	Bitrate:       64000,
	FrameDuration: 20,
}

// Transcode takes any audio as an io.Reader, runs FFmpeg to transcode it to
// Opus, and returns an io.ReadCloser that produces length-prefixed Opus
// packets. The caller should read until EOF. The returned io.ReadCloser must
// be closed to clean up the FFmpeg process.
func Transcode(ctx context.Context, r io.Reader, opts TranscodeOptions) (io.ReadCloser, error) {
	ffmpeg := exec.CommandContext(ctx, "ffmpeg",
		"-i", "pipe:0",
		"-vn",
		"-map", "0:a",
		"-acodec", "libopus",
		"-f", "ogg",
		"-vbr", "on",
		"-compression_level", "10",
		"-ar", strconv.Itoa(opts.SampleRate),
		"-ac", strconv.Itoa(opts.Channels),
		"-b:a", strconv.Itoa(opts.Bitrate),
		"-application", "audio",
		"-frame_duration", strconv.Itoa(opts.FrameDuration),
		"-threads", "0",
		"pipe:1",
	)

	ffmpeg.Stdin = r

	stdout, err := ffmpeg.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := ffmpeg.Start(); err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()

	go func() {
		defer pw.Close()
		defer ffmpeg.Wait()

		decoder := ogg.NewPacketDecoder(ogg.NewDecoder(stdout))
		frames := NewFrameWriter(pw)

		// OpusHead and OpusTags carry no audio.
		skip := 2
		for {
			packet, _, err := decoder.Decode()
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					pw.CloseWithError(err)
				}
				return
			}
			if skip > 0 {
				skip--
				continue
			}

			if err := frames.WriteFrame(packet); err != nil {
				return
			}
		}
	}()

	return &transcodeCloser{ReadCloser: pr, cmd: ffmpeg}, nil
}

// transcodeCloser wraps the pipe reader and ensures the FFmpeg process is cleaned up.
type transcodeCloser struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (t *transcodeCloser) Close() error {
	err := t.ReadCloser.Close()
	// Kill FFmpeg if still running (e.g. pipe closed early).
	if t.cmd.Process != nil {
		t.cmd.Process.Kill()
	}
	t.cmd.Wait()
	return err
}
