package call

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"github.com/pkg/errors"

	"github.com/frikords/calls/internal/logging"
)

// MediaSource opens the local audio capture for a call session. The capture
// is exclusively owned by the session that opened it and is released through
// LocalAudio.Close when the session ends.
type MediaSource interface {
	// Capture acquires the audio source. deviceID selects a configured
	// device when the source supports it; empty means the default.
	Capture(deviceID string) (*LocalAudio, error)
}

// LocalAudio is one captured audio feed attached to a peer connection.
// Disabling it mutes the feed without renegotiation: the pump simply stops
// writing samples.
type LocalAudio struct {
	track *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool

	stop      func()
	closeOnce sync.Once
}

func newLocalAudio(track *webrtc.TrackLocalStaticSample, stop func()) *LocalAudio {
	return &LocalAudio{track: track, enabled: true, stop: stop}
}

func (a *LocalAudio) Track() *webrtc.TrackLocalStaticSample {
	return a.track
}

func (a *LocalAudio) SetEnabled(enabled bool) {
	a.mu.Lock()
	a.enabled = enabled
	a.mu.Unlock()
}

func (a *LocalAudio) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// Close releases the capture. Safe to call more than once.
func (a *LocalAudio) Close() {
	a.closeOnce.Do(func() {
		if a.stop != nil {
			a.stop()
		}
	})
}

// SilenceSource produces an Opus track that carries no samples. Used by
// tests and as the default for headless clients without an audio file.
type SilenceSource struct{}

func (SilenceSource) Capture(string) (*LocalAudio, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "frikords",
	)
	if err != nil {
		return nil, errors.Wrap(ErrMediaAccess, err.Error())
	}
	return newLocalAudio(track, nil), nil
}

// OggSource streams an Opus-in-Ogg file as the local audio feed, paced by
// the file's granule positions. When Loop is set the file restarts at EOF.
type OggSource struct {
	Path string
	Loop bool
}

const oggPageInterval = 20 * time.Millisecond

func (s OggSource) Capture(string) (*LocalAudio, error) {
	file, err := os.Open(s.Path)
	if err != nil {
		return nil, errors.Wrapf(ErrMediaAccess, "open %s: %v", s.Path, err)
	}

	ogg, _, err := oggreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(ErrMediaAccess, "read %s: %v", s.Path, err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "frikords",
	)
	if err != nil {
		file.Close()
		return nil, errors.Wrap(ErrMediaAccess, err.Error())
	}

	done := make(chan struct{})
	audio := newLocalAudio(track, func() {
		close(done)
	})

	go s.pump(file, ogg, audio, done)

	return audio, nil
}

func (s OggSource) pump(file *os.File, ogg *oggreader.OggReader, audio *LocalAudio, done <-chan struct{}) {
	defer file.Close()

	var lastGranule uint64

	ticker := time.NewTicker(oggPageInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		pageData, pageHeader, err := ogg.ParseNextPage()
		if err == io.EOF {
			if !s.Loop {
				return
			}
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return
			}
			ogg, _, err = oggreader.NewWith(file)
			if err != nil {
				return
			}
			lastGranule = 0
			continue
		}
		if err != nil {
			logging.Debugf("ogg read: %v", err)
			return
		}

		sampleCount := pageHeader.GranulePosition - lastGranule
		lastGranule = pageHeader.GranulePosition
		sampleDuration := time.Duration(sampleCount) * time.Second / 48000

		if !audio.Enabled() {
			continue
		}

		if err := audio.track.WriteSample(media.Sample{Data: pageData, Duration: sampleDuration}); err != nil {
			logging.Debugf("write sample: %v", err)
			return
		}
	}
}
