package ffmpeg

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	ffmpeg "github.com/u2takey/ffmpeg-go"

	"videothingy/newsreel/internal/aspect"
)

// AudioMode is how the overlay pass treats the source audio track.
type AudioMode string

const (
	AudioCopy AudioMode = "copy"
	AudioAAC  AudioMode = "aac"
	AudioNone AudioMode = "none"
)

const (
	videoCodec   = "libx264"
	audioCodec   = "aac"
	audioBitrate = "128k"
)

// ProbeFunc returns ffprobe JSON for a file.
type ProbeFunc func(path string, timeout time.Duration) (string, error)

func defaultProbe(path string, timeout time.Duration) (string, error) {
	return ffmpeg.ProbeWithTimeout(path, timeout, ffmpeg.KwArgs{})
}

// Tool builds ffmpeg command lines with ffmpeg-go and hands them to a Runner.
type Tool struct {
	runner       Runner
	probe        ProbeFunc
	probeTimeout time.Duration
	log          *logrus.Logger
}

func NewTool(runner Runner, probeTimeout time.Duration, log *logrus.Logger) *Tool {
	return &Tool{runner: runner, probe: defaultProbe, probeTimeout: probeTimeout, log: log}
}

// WithProbe swaps the ffprobe call.
func (t *Tool) WithProbe(p ProbeFunc) *Tool {
	t.probe = p
	return t
}

// Probe reads stream metadata for path.
func (t *Tool) Probe(ctx context.Context, path string) (ProbeInfo, error) {
	if err := ctx.Err(); err != nil {
		return ProbeInfo{}, err
	}
	raw, err := t.probe(path, t.probeTimeout)
	if err != nil {
		return ProbeInfo{}, errors.Wrapf(err, "ffprobe %s", path)
	}
	return ParseProbe(raw)
}

// ConvertInput describes one aspect conversion.
type ConvertInput struct {
	Source   string
	Output   string
	Plan     aspect.Plan
	HasAudio bool
}

// ConvertArgs returns the ffmpeg arguments that execute in.Plan.
func ConvertArgs(in ConvertInput) []string {
	input := ffmpeg.Input(in.Source)
	video := input.Video()
	for _, f := range in.Plan.Filters() {
		video = video.Filter(f.Name, ffmpeg.Args(f.Args))
	}

	streams := []*ffmpeg.Stream{video}
	kwargs := encodeArgs()
	if in.HasAudio {
		streams = append(streams, input.Audio())
		kwargs["c:a"] = audioCodec
		kwargs["b:a"] = audioBitrate
	}
	return ffmpeg.Output(streams, in.Output, kwargs).OverWriteOutput().GetArgs()
}

// Convert re-encodes the source onto the 1080x1920 canvas.
func (t *Tool) Convert(ctx context.Context, in ConvertInput) error {
	t.log.WithFields(logrus.Fields{
		"source":   in.Source,
		"strategy": in.Plan.Strategy,
		"filters":  in.Plan.FilterGraph(),
	}).Info("Converting video to portrait canvas")

	if err := t.runner.Run(ctx, "ffmpeg", ConvertArgs(in)); err != nil {
		return errors.Wrap(err, "aspect conversion failed")
	}
	return nil
}

// OverlayInput composites Overlay (a PNG) at 0,0 onto Video.
type OverlayInput struct {
	Video   string
	Overlay string
	Output  string
	Audio   AudioMode
}

// OverlayArgs returns the ffmpeg arguments for one overlay attempt.
func OverlayArgs(in OverlayInput) []string {
	base := ffmpeg.Input(in.Video)
	layer := ffmpeg.Input(in.Overlay)
	video := ffmpeg.Filter([]*ffmpeg.Stream{base.Video(), layer}, "overlay", ffmpeg.Args{"0", "0"})

	streams := []*ffmpeg.Stream{video}
	kwargs := encodeArgs()
	switch in.Audio {
	case AudioCopy:
		streams = append(streams, base.Audio())
		kwargs["c:a"] = "copy"
	case AudioAAC:
		streams = append(streams, base.Audio())
		kwargs["c:a"] = audioCodec
		kwargs["b:a"] = audioBitrate
	}
	return ffmpeg.Output(streams, in.Output, kwargs).OverWriteOutput().GetArgs()
}

// Overlay burns the overlay image into the video.
func (t *Tool) Overlay(ctx context.Context, in OverlayInput) error {
	if err := t.runner.Run(ctx, "ffmpeg", OverlayArgs(in)); err != nil {
		return errors.Wrapf(err, "overlay with audio=%s failed", in.Audio)
	}
	return nil
}

func encodeArgs() ffmpeg.KwArgs {
	return ffmpeg.KwArgs{
		"c:v":      videoCodec,
		"preset":   "medium",
		"crf":      23,
		"pix_fmt":  "yuv420p",
		"movflags": "+faststart",
	}
}
