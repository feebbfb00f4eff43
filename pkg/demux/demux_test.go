package demux

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/harunnryd/callshield/pkg/transcribe"
)

type captureSink struct {
	batches [][]byte
	err     error
}

func (s *captureSink) Forward(audio []byte) error {
	s.batches = append(s.batches, audio)
	return s.err
}

func encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func TestDemuxFlushesAtThreshold(t *testing.T) {
	sink := &captureSink{}
	d := New(10, map[transcribe.Track]BatchSink{transcribe.TrackInbound: sink})

	d.HandleMedia(transcribe.TrackInbound, encode(bytes.Repeat([]byte{0x7F}, 4)))
	if len(sink.batches) != 0 {
		t.Fatalf("flushed below threshold")
	}
	if d.Pending(transcribe.TrackInbound) != 4 {
		t.Fatalf("expected 4 pending bytes, got %d", d.Pending(transcribe.TrackInbound))
	}

	d.HandleMedia(transcribe.TrackInbound, encode(bytes.Repeat([]byte{0x7F}, 6)))
	if len(sink.batches) != 1 {
		t.Fatalf("expected one flush, got %d", len(sink.batches))
	}
	if len(sink.batches[0]) != 10 {
		t.Fatalf("expected 10-byte batch, got %d", len(sink.batches[0]))
	}
	if d.Pending(transcribe.TrackInbound) != 0 {
		t.Fatalf("batch not reset after flush")
	}
}

func TestDemuxConservesBytes(t *testing.T) {
	sink := &captureSink{}
	d := New(8, map[transcribe.Track]BatchSink{transcribe.TrackOutbound: sink})

	total := 0
	for i := 0; i < 9; i++ {
		chunk := bytes.Repeat([]byte{byte(i)}, 3)
		total += len(chunk)
		d.HandleMedia(transcribe.TrackOutbound, encode(chunk))
	}

	forwarded := 0
	for _, b := range sink.batches {
		if len(b) < 8 {
			t.Fatalf("forwarded batch below threshold: %d", len(b))
		}
		forwarded += len(b)
	}
	if forwarded+d.Pending(transcribe.TrackOutbound) != total {
		t.Fatalf("byte conservation broken: forwarded=%d pending=%d total=%d",
			forwarded, d.Pending(transcribe.TrackOutbound), total)
	}
}

func TestDemuxKeepsTracksIndependent(t *testing.T) {
	in := &captureSink{}
	out := &captureSink{}
	d := New(6, map[transcribe.Track]BatchSink{
		transcribe.TrackInbound:  in,
		transcribe.TrackOutbound: out,
	})

	d.HandleMedia(transcribe.TrackInbound, encode(bytes.Repeat([]byte{1}, 4)))
	d.HandleMedia(transcribe.TrackOutbound, encode(bytes.Repeat([]byte{2}, 6)))

	if len(in.batches) != 0 {
		t.Fatalf("inbound flushed early")
	}
	if len(out.batches) != 1 {
		t.Fatalf("outbound should have flushed")
	}
}

func TestDemuxDropsBadPayload(t *testing.T) {
	sink := &captureSink{}
	d := New(4, map[transcribe.Track]BatchSink{transcribe.TrackInbound: sink})

	d.HandleMedia(transcribe.TrackInbound, "!!!not base64!!!")
	if d.Pending(transcribe.TrackInbound) != 0 {
		t.Fatalf("bad payload should not accumulate")
	}

	d.HandleMedia(transcribe.TrackInbound, encode([]byte{1, 2, 3, 4}))
	if len(sink.batches) != 1 {
		t.Fatalf("session should continue after a dropped frame")
	}
}

func TestDemuxIgnoresUnknownTrack(t *testing.T) {
	sink := &captureSink{}
	d := New(4, map[transcribe.Track]BatchSink{transcribe.TrackInbound: sink})

	d.HandleMedia(transcribe.Track("video"), encode([]byte{1, 2, 3, 4}))
	if len(sink.batches) != 0 {
		t.Fatalf("unknown track must be ignored")
	}
}
