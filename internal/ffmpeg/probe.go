package ffmpeg

import (
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// ProbeInfo is the stream metadata the pipeline needs from ffprobe.
type ProbeInfo struct {
	Width      int
	Height     int
	Duration   float64
	VideoCodec string
	AudioCodec string
	HasAudio   bool
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ParseProbe decodes ffprobe's -show_format -show_streams JSON.
func ParseProbe(raw string) (ProbeInfo, error) {
	var out probeOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return ProbeInfo{}, errors.Wrap(err, "error unmarshalling ffprobe output")
	}

	var info ProbeInfo
	var streamDuration string
	foundVideo := false
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if foundVideo {
				continue
			}
			foundVideo = true
			info.Width, info.Height = s.Width, s.Height
			info.VideoCodec = s.CodecName
			streamDuration = s.Duration
		case "audio":
			if !info.HasAudio {
				info.HasAudio = true
				info.AudioCodec = s.CodecName
			}
		}
	}
	if !foundVideo {
		return ProbeInfo{}, errors.New("no video stream found")
	}

	duration := out.Format.Duration
	if duration == "" {
		duration = streamDuration
	}
	if duration != "" {
		d, err := strconv.ParseFloat(duration, 64)
		if err != nil {
			return ProbeInfo{}, errors.Wrapf(err, "error parsing duration string %q", duration)
		}
		info.Duration = d
	}
	return info, nil
}
