package recorder

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/harunnryd/callshield/pkg/transcribe"
)

func TestMuLawDecodeKnownValues(t *testing.T) {
	// 0xFF is mu-law silence (near-zero positive sample).
	if got := muLawToLinear(0xFF); got != 0 {
		t.Fatalf("expected 0 for 0xFF, got %d", got)
	}
	// 0x7F mirrors 0xFF on the negative side.
	if got := muLawToLinear(0x7F); got != 0 {
		t.Fatalf("expected 0 for 0x7F, got %d", got)
	}
	// 0x00 decodes to the most negative step on the 16-bit scale.
	if got := muLawToLinear(0x00); got != -32124 {
		t.Fatalf("expected -32124 for 0x00, got %d", got)
	}
	if got := muLawToLinear(0x80); got != 32124 {
		t.Fatalf("expected 32124 for 0x80, got %d", got)
	}
}

func TestWriteWAVHeader(t *testing.T) {
	var buf bytes.Buffer
	samples := []int16{0, 100, -100, 32000}
	if err := WriteWAV(&buf, samples, 8000); err != nil {
		t.Fatalf("write error: %v", err)
	}
	out := buf.Bytes()
	if len(out) != 44+len(samples)*2 {
		t.Fatalf("unexpected file size %d", len(out))
	}
	if string(out[0:4]) != "RIFF" || string(out[8:12]) != "WAVE" {
		t.Fatalf("bad RIFF header")
	}
	if binary.LittleEndian.Uint16(out[20:22]) != 1 {
		t.Fatalf("format code must be PCM")
	}
	if binary.LittleEndian.Uint32(out[24:28]) != 8000 {
		t.Fatalf("sample rate mismatch")
	}
	if binary.LittleEndian.Uint32(out[40:44]) != uint32(len(samples)*2) {
		t.Fatalf("data chunk size mismatch")
	}
	if int16(binary.LittleEndian.Uint16(out[46:48])) != 100 {
		t.Fatalf("sample payload mismatch")
	}
}

func TestRecorderCapturesAndConverts(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, "CA123", 8000)

	r.Append(transcribe.TrackInbound, bytes.Repeat([]byte{0xFF}, 16))
	r.Append(transcribe.TrackInbound, bytes.Repeat([]byte{0x00}, 8))
	r.Close()
	r.Close()

	raw, err := os.ReadFile(filepath.Join(dir, "CA123_inbound.ulaw"))
	if err != nil {
		t.Fatalf("raw capture missing: %v", err)
	}
	if len(raw) != 24 {
		t.Fatalf("expected 24 raw bytes, got %d", len(raw))
	}
	wav, err := os.ReadFile(filepath.Join(dir, "CA123_inbound.wav"))
	if err != nil {
		t.Fatalf("wav missing: %v", err)
	}
	if len(wav) != 44+24*2 {
		t.Fatalf("unexpected wav size %d", len(wav))
	}
}

func TestRecorderAppendAfterCloseIsNoop(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, "CA9", 8000)
	r.Close()
	r.Append(transcribe.TrackOutbound, []byte{0xFF})
	if _, err := os.Stat(filepath.Join(dir, "CA9_outbound.ulaw")); !os.IsNotExist(err) {
		t.Fatalf("capture created after close")
	}
}
