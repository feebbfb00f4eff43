package recorder

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/harunnryd/callshield/pkg/logging"
	"github.com/harunnryd/callshield/pkg/transcribe"
)

// Recorder captures one call's raw mu-law audio per track under an
// artifacts directory and converts each capture to a playable WAV on
// close. Capture failures are logged and never interrupt the call.
type Recorder struct {
	dir        string
	callSID    string
	sampleRate int
	logger     *slog.Logger

	mu     sync.Mutex
	files  map[transcribe.Track]*os.File
	closed bool
}

func New(dir, callSID string, sampleRate int) *Recorder {
	if sampleRate <= 0 {
		sampleRate = 8000
	}
	return &Recorder{
		dir:        dir,
		callSID:    callSID,
		sampleRate: sampleRate,
		logger:     logging.NewComponentLogger(slog.Default(), "recorder"),
		files:      make(map[transcribe.Track]*os.File),
	}
}

// Append writes one batch of raw mu-law bytes to the track's capture file.
func (r *Recorder) Append(track transcribe.Track, audio []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	f, ok := r.files[track]
	if !ok {
		if err := os.MkdirAll(r.dir, 0o755); err != nil {
			r.logger.Warn("recording_dir_failed", slog.String("error", err.Error()))
			return
		}
		var err error
		f, err = os.Create(r.rawPath(track))
		if err != nil {
			r.logger.Warn("recording_open_failed",
				slog.String("track", string(track)),
				slog.String("error", err.Error()))
			return
		}
		r.files[track] = f
	}
	if _, err := f.Write(audio); err != nil {
		r.logger.Warn("recording_write_failed",
			slog.String("track", string(track)),
			slog.String("error", err.Error()))
	}
}

// Close finishes every capture and writes the WAV conversions. Calling it
// again is a no-op.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for track, f := range r.files {
		name := f.Name()
		_ = f.Close()
		if err := r.convert(track, name); err != nil {
			r.logger.Warn("recording_convert_failed",
				slog.String("track", string(track)),
				slog.String("error", err.Error()))
		}
	}
	r.files = nil
}

func (r *Recorder) convert(track transcribe.Track, rawPath string) error {
	raw, err := os.ReadFile(rawPath)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	out, err := os.Create(r.wavPath(track))
	if err != nil {
		return err
	}
	defer out.Close()
	if err := WriteWAV(out, DecodeMuLaw(raw), r.sampleRate); err != nil {
		return err
	}
	r.logger.Info("recording_saved",
		slog.String("track", string(track)),
		slog.String("path", out.Name()),
		slog.Int("bytes", len(raw)))
	return nil
}

func (r *Recorder) rawPath(track transcribe.Track) string {
	return filepath.Join(r.dir, fmt.Sprintf("%s_%s.ulaw", r.callSID, track))
}

func (r *Recorder) wavPath(track transcribe.Track) string {
	return filepath.Join(r.dir, fmt.Sprintf("%s_%s.wav", r.callSID, track))
}
