// Package compositor burns a rendered overlay into a converted video,
// degrading the audio track rather than failing the render.
package compositor

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"videothingy/newsreel/internal/apperr"
	"videothingy/newsreel/internal/ffmpeg"
)

// Overlayer runs a single overlay pass.
type Overlayer interface {
	Overlay(ctx context.Context, in ffmpeg.OverlayInput) error
}

type Input struct {
	VideoPath   string
	OverlayPath string
	OutputPath  string
	HasAudio    bool
}

// Attempt records one pass of the audio ladder.
type Attempt struct {
	Audio ffmpeg.AudioMode
	Err   error
}

type Result struct {
	Audio    ffmpeg.AudioMode
	Attempts []Attempt
}

// Degraded reports whether the output lost or re-encoded audio the source had.
func (r Result) Degraded() bool {
	return len(r.Attempts) > 1
}

type Compositor struct {
	tool Overlayer
	log  *logrus.Logger
}

func New(tool Overlayer, log *logrus.Logger) *Compositor {
	return &Compositor{tool: tool, log: log}
}

// ladder is the order audio handling is tried in. A silent source gets a single pass.
func ladder(hasAudio bool) []ffmpeg.AudioMode {
	if !hasAudio {
		return []ffmpeg.AudioMode{ffmpeg.AudioNone}
	}
	return []ffmpeg.AudioMode{ffmpeg.AudioCopy, ffmpeg.AudioAAC, ffmpeg.AudioNone}
}

// Compose overlays in.OverlayPath at 0,0. It tries stream-copying the audio, then
// re-encoding it, then dropping it; only exhausting every mode is an error.
func (c *Compositor) Compose(ctx context.Context, in Input) (Result, error) {
	var res Result
	entry := c.log.WithFields(logrus.Fields{"video": in.VideoPath, "output": in.OutputPath})

	for _, mode := range ladder(in.HasAudio) {
		err := c.tool.Overlay(ctx, ffmpeg.OverlayInput{
			Video:   in.VideoPath,
			Overlay: in.OverlayPath,
			Output:  in.OutputPath,
			Audio:   mode,
		})
		res.Attempts = append(res.Attempts, Attempt{Audio: mode, Err: err})
		if err == nil {
			res.Audio = mode
			if res.Degraded() {
				entry.WithField("audio", mode).Warn("Overlay succeeded with audio fallback")
			}
			return res, nil
		}

		entry.WithError(err).WithField("audio", mode).Warn("Overlay attempt failed")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, apperr.New(apperr.KindInfra, "compositor.Compose", ctxErr)
		}
		// A failed pass may leave a truncated file behind.
		_ = os.Remove(in.OutputPath)
	}

	last := res.Attempts[len(res.Attempts)-1].Err
	return res, apperr.New(apperr.KindCollaborator, "compositor.Compose", last)
}
