// Package iq decodes raw interleaved I/Q transfers into complex samples.
//
// Decoding never allocates: callers own the destination slice and size it
// for the largest transfer they expect.
package iq

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

type Format int

const (
	// FormatCF32 is interleaved little-endian float32 I/Q, as delivered by
	// Airspy-class devices.
	FormatCF32 Format = iota
	// FormatCS16 is interleaved little-endian int16 I/Q.
	FormatCS16
	// FormatCS8 is interleaved int8 I/Q (HackRF).
	FormatCS8
	// FormatCU8 is interleaved uint8 I/Q with a 127.5 offset (RTL-SDR).
	FormatCU8
)

func (f Format) String() string {
	switch f {
	case FormatCF32:
		return "cf32"
	case FormatCS16:
		return "cs16"
	case FormatCS8:
		return "cs8"
	case FormatCU8:
		return "cu8"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParseFormat maps a config string to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cf32", "fc32", "float":
		return FormatCF32, nil
	case "cs16", "sc16", "int16":
		return FormatCS16, nil
	case "cs8", "sc8", "int8", "":
		return FormatCS8, nil
	case "cu8", "uint8":
		return FormatCU8, nil
	default:
		return 0, fmt.Errorf("unknown sample format %q", s)
	}
}

// BytesPerSample is the size of one complex (I+Q) sample on the wire.
func (f Format) BytesPerSample() int {
	switch f {
	case FormatCF32:
		return 8
	case FormatCS16:
		return 4
	default:
		return 2
	}
}

// Samples returns how many complete complex samples raw holds.
func (f Format) Samples(raw []byte) int {
	return len(raw) / f.BytesPerSample()
}

// Decode converts as many complete samples from raw as fit in dst and
// returns the count written. A trailing partial sample is ignored.
func (f Format) Decode(dst []complex64, raw []byte) int {
	n := f.Samples(raw)
	if n > len(dst) {
		n = len(dst)
	}

	switch f {
	case FormatCF32:
		for i := 0; i < n; i++ {
			o := i * 8
			re := math.Float32frombits(binary.LittleEndian.Uint32(raw[o:]))
			im := math.Float32frombits(binary.LittleEndian.Uint32(raw[o+4:]))
			dst[i] = complex(re, im)
		}
	case FormatCS16:
		for i := 0; i < n; i++ {
			o := i * 4
			re := int16(binary.LittleEndian.Uint16(raw[o:]))
			im := int16(binary.LittleEndian.Uint16(raw[o+2:]))
			dst[i] = complex(float32(re)/32768, float32(im)/32768)
		}
	case FormatCS8:
		for i := 0; i < n; i++ {
			dst[i] = complex(float32(int8(raw[2*i]))/128, float32(int8(raw[2*i+1]))/128)
		}
	case FormatCU8:
		for i := 0; i < n; i++ {
			dst[i] = complex((float32(raw[2*i])-127.5)/127.5, (float32(raw[2*i+1])-127.5)/127.5)
		}
	}

	return n
}

// EncodeCF32 appends samples to dst as interleaved little-endian float32.
func EncodeCF32(dst []byte, samples []complex64) []byte {
	var b [8]byte
	for _, s := range samples {
		binary.LittleEndian.PutUint32(b[:4], math.Float32bits(real(s)))
		binary.LittleEndian.PutUint32(b[4:], math.Float32bits(imag(s)))
		dst = append(dst, b[:]...)
	}
	return dst
}
