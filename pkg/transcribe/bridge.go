package transcribe

import "context"

// Track identifies one audio direction of a bridged call.
type Track string

const (
	// TrackInbound is the customer side of the call.
	TrackInbound Track = "inbound"
	// TrackOutbound is the agent side of the call.
	TrackOutbound Track = "outbound"
)

// Known reports whether t is one of the two call directions.
func (t Track) Known() bool {
	return t == TrackInbound || t == TrackOutbound
}

// Label returns the speaker label used in transcript lines.
func (t Track) Label() string {
	switch t {
	case TrackInbound:
		return "CALLER"
	case TrackOutbound:
		return "AGENT"
	default:
		return "UNKNOWN"
	}
}

// Result is one transcription result for a single track.
type Result struct {
	Track      Track
	Text       string
	Final      bool
	Confidence float64
}

// Bridge owns one outbound connection to a speech-recognition provider for
// one track of one call.
type Bridge interface {
	// Name returns the bridge name for logging/metrics.
	Name() string
	// Start opens the upstream connection.
	Start(ctx context.Context) error
	// Forward sends a batch of raw audio upstream. Audio is time-sensitive:
	// implementations drop it silently when the connection is not open.
	Forward(audio []byte) error
	// Results returns the stream of transcription results for this track.
	Results() <-chan Result
	// Close shuts the upstream connection down. Closing twice is a no-op.
	Close() error
}

// Config contains vendor-agnostic bridge configuration.
type Config struct {
	Track      Track
	StreamID   string
	CallSID    string
	TraceID    string
	SampleRate int
	Encoding   string
	Language   string
}
