package recorder

import (
	"encoding/binary"
	"io"
)

// DecodeMuLaw expands 8-bit mu-law samples to 16-bit linear PCM.
func DecodeMuLaw(in []byte) []int16 {
	out := make([]int16, len(in))
	for i, b := range in {
		out[i] = muLawToLinear(b)
	}
	return out
}

func muLawToLinear(b byte) int16 {
	u := ^b
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	sample := (int32(mantissa)<<3 + 0x84) << exponent
	sample -= 0x84
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

// WriteWAV writes a mono 16-bit PCM WAV file at the given sample rate.
func WriteWAV(w io.Writer, samples []int16, sampleRate int) error {
	dataLen := uint32(len(samples) * 2)
	header := make([]byte, 0, 44)
	header = append(header, []byte("RIFF")...)
	header = binary.LittleEndian.AppendUint32(header, 36+dataLen)
	header = append(header, []byte("WAVE")...)
	header = append(header, []byte("fmt ")...)
	header = binary.LittleEndian.AppendUint32(header, 16)
	header = binary.LittleEndian.AppendUint16(header, 1) // PCM
	header = binary.LittleEndian.AppendUint16(header, 1) // mono
	header = binary.LittleEndian.AppendUint32(header, uint32(sampleRate))
	header = binary.LittleEndian.AppendUint32(header, uint32(sampleRate*2))
	header = binary.LittleEndian.AppendUint16(header, 2)  // block align
	header = binary.LittleEndian.AppendUint16(header, 16) // bits per sample
	header = append(header, []byte("data")...)
	header = binary.LittleEndian.AppendUint32(header, dataLen)
	if _, err := w.Write(header); err != nil {
		return err
	}
	body := make([]byte, dataLen)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(body[i*2:], uint16(s))
	}
	_, err := w.Write(body)
	return err
}
