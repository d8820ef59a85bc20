package encoder

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultIngestBaseURL is the platform's primary RTMP ingest endpoint.
const DefaultIngestBaseURL = "rtmp://a.rtmp.youtube.com/live2"

// Profile describes the transcode applied to the looping source before it is
// pushed to the ingest endpoint.
type Profile struct {
	Binary       string
	Loop         bool
	VideoCodec   string
	Preset       string
	VideoBitrate string
	MaxRate      string
	BufSize      string
	KeyInterval  int
	AudioCodec   string
	AudioBitrate string
	// CompactMode rescales to a 720x1280 portrait frame for short-form
	// surfaces.
	CompactMode bool
}

// DefaultProfile returns the encoder settings used when the operator supplies
// none.
func DefaultProfile() Profile {
	return Profile{
		Binary:       "ffmpeg",
		Loop:         true,
		VideoCodec:   "libx264",
		Preset:       "veryfast",
		VideoBitrate: "2500k",
		MaxRate:      "2500k",
		BufSize:      "5000k",
		KeyInterval:  60,
		AudioCodec:   "aac",
		AudioBitrate: "128k",
	}
}

func (p Profile) withDefaults() Profile {
	defaults := DefaultProfile()
	if strings.TrimSpace(p.Binary) == "" {
		p.Binary = defaults.Binary
	}
	if p.VideoCodec == "" {
		p.VideoCodec = defaults.VideoCodec
	}
	if p.Preset == "" {
		p.Preset = defaults.Preset
	}
	if p.VideoBitrate == "" {
		p.VideoBitrate = defaults.VideoBitrate
	}
	if p.MaxRate == "" {
		p.MaxRate = defaults.MaxRate
	}
	if p.BufSize == "" {
		p.BufSize = defaults.BufSize
	}
	if p.KeyInterval <= 0 {
		p.KeyInterval = defaults.KeyInterval
	}
	if p.AudioCodec == "" {
		p.AudioCodec = defaults.AudioCodec
	}
	if p.AudioBitrate == "" {
		p.AudioBitrate = defaults.AudioBitrate
	}
	return p
}

// Args builds the encoder argv for the given source and ingest target.
func (p Profile) Args(source, target string) []string {
	p = p.withDefaults()
	args := []string{"-re"}
	if p.Loop {
		args = append(args, "-stream_loop", "-1")
	}
	args = append(args,
		"-i", source,
		"-c:v", p.VideoCodec,
		"-preset", p.Preset,
		"-b:v", p.VideoBitrate,
		"-maxrate", p.MaxRate,
		"-bufsize", p.BufSize,
		"-g", fmt.Sprintf("%d", p.KeyInterval),
		"-keyint_min", fmt.Sprintf("%d", p.KeyInterval),
		"-c:a", p.AudioCodec,
		"-b:a", p.AudioBitrate,
	)
	if p.CompactMode {
		args = append(args, "-vf", "scale=720:1280")
	}
	args = append(args, "-f", "flv", target)
	return args
}

// IngestTarget joins a base ingest URL and a stream key. An empty base falls
// back to the platform default.
func IngestTarget(base, streamKey string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = DefaultIngestBaseURL
	}
	return strings.TrimRight(base, "/") + "/" + streamKey
}

// RedactTarget masks the stream key segment of an RTMP target so the
// destination can be logged safely.
func RedactTarget(target string) string {
	parsed, err := url.Parse(target)
	if err != nil || parsed.Path == "" {
		return "rtmp://<redacted>"
	}
	idx := strings.LastIndex(parsed.Path, "/")
	parsed.Path = parsed.Path[:idx+1] + "<redacted>"
	return parsed.String()
}
