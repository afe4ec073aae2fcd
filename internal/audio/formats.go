package audio

import (
	"bufio"
	"bytes"
	"os/exec"
	"strings"
	"sync"
)

// PlatformDefaultMIME is used when no preferred container is available.
const PlatformDefaultMIME = "audio/wav"

type format struct {
	encoder string
	codec   []string
	muxer   string
}

var formats = map[string]format{
	"audio/webm;codecs=opus": {encoder: "libopus", codec: []string{"-c:a", "libopus", "-b:a", "64k"}, muxer: "webm"},
	"audio/ogg;codecs=opus":  {encoder: "libopus", codec: []string{"-c:a", "libopus", "-b:a", "64k"}, muxer: "ogg"},
	"audio/mp4":              {encoder: "aac", codec: []string{"-c:a", "aac", "-b:a", "96k", "-movflags", "frag_keyframe+empty_moov"}, muxer: "mp4"},
	PlatformDefaultMIME:      {encoder: "pcm_s16le", codec: []string{"-c:a", "pcm_s16le"}, muxer: "wav"},
}

// encoderProbe lists the audio encoders compiled into the ffmpeg binary. The
// probe runs once.
type encoderProbe struct {
	command string

	once     sync.Once
	encoders map[string]bool
}

func (p *encoderProbe) has(name string) bool {
	p.once.Do(func() {
		p.encoders = probeEncoders(p.command)
	})
	return p.encoders[name]
}

func probeEncoders(command string) map[string]bool {
	out, err := exec.Command(command, "-hide_banner", "-encoders").Output()
	if err != nil {
		return map[string]bool{}
	}
	return parseEncoders(out)
}

// parseEncoders reads `ffmpeg -encoders` output. Audio encoder lines start
// with a six-character flag column whose first flag is "A"; the legend
// lines use "=" in place of a name.
func parseEncoders(out []byte) map[string]bool {
	encoders := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || len(fields[0]) != 6 || fields[0][0] != 'A' || fields[1] == "=" {
			continue
		}
		encoders[fields[1]] = true
	}
	return encoders
}
