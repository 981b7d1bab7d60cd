package audio

import (
	"fmt"
)

// Conversion stages, carried by CodecError so callers can tell which
// step of a composed conversion failed.
const (
	StageDecode   = "decode"
	StageResample = "resample"
	StageEncode   = "encode"
	StageValidate = "validate"
)

// CodecError reports a failed audio conversion. Codec failures are
// always per-chunk: callers drop the chunk, log, and continue.
type CodecError struct {
	Stage   string
	ByteLen int
	Err     error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("codec %s failed (%d bytes): %v", e.Stage, e.ByteLen, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

func codecErr(stage string, byteLen int, format string, args ...interface{}) error {
	return &CodecError{Stage: stage, ByteLen: byteLen, Err: fmt.Errorf(format, args...)}
}

// MulawToPCM16 decodes 8-bit G.711 mu-law samples to 16-bit linear PCM
// (little-endian). Output is exactly twice the input length.
func MulawToPCM16(mulawData []byte) ([]byte, error) {
	if len(mulawData) == 0 {
		return nil, codecErr(StageDecode, 0, "empty mu-law data")
	}

	pcmData := make([]byte, len(mulawData)*2)
	for i, b := range mulawData {
		sample := mulawToLinear(b)
		pcmData[i*2] = byte(sample)
		pcmData[i*2+1] = byte(sample >> 8)
	}
	return pcmData, nil
}

// PCM16ToMulaw encodes 16-bit linear PCM (little-endian) to 8-bit G.711
// mu-law. Input length must be even.
func PCM16ToMulaw(pcmData []byte) ([]byte, error) {
	if len(pcmData) == 0 {
		return nil, codecErr(StageEncode, 0, "empty PCM data")
	}
	if len(pcmData)%2 != 0 {
		return nil, codecErr(StageEncode, len(pcmData), "PCM16 length must be even")
	}

	mulawData := make([]byte, len(pcmData)/2)
	for i := range mulawData {
		sample := int16(pcmData[i*2]) | int16(pcmData[i*2+1])<<8
		mulawData[i] = linearToMulaw(sample)
	}
	return mulawData, nil
}

// Resample converts 16-bit linear PCM from one sample rate to another
// using linear interpolation. When fromHz == toHz the input is returned
// unchanged.
func Resample(pcmData []byte, fromHz, toHz int) ([]byte, error) {
	if fromHz <= 0 || toHz <= 0 {
		return nil, codecErr(StageResample, len(pcmData), "invalid sample rate %d -> %d", fromHz, toHz)
	}
	if fromHz == toHz {
		return pcmData, nil
	}
	if len(pcmData) == 0 {
		return nil, codecErr(StageResample, 0, "empty PCM data")
	}
	if len(pcmData)%2 != 0 {
		return nil, codecErr(StageResample, len(pcmData), "PCM16 length must be even")
	}

	samples := bytesToSamples(pcmData)
	resampled := resample(samples, fromHz, toHz)
	return samplesToBytes(resampled), nil
}

// resample performs linear-interpolation resampling on 16-bit samples.
func resample(samples []int16, fromHz, toHz int) []int16 {
	if fromHz == toHz {
		return samples
	}

	ratio := float64(toHz) / float64(fromHz)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]int16, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		idx1 := idx0 + 1
		if idx0 >= len(samples) {
			idx0 = len(samples) - 1
		}
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// TelephonyToAI converts one telephony chunk (8kHz mu-law) to the live
// model's input format (16kHz PCM16).
func TelephonyToAI(chunk Chunk) (Chunk, error) {
	pcm8k, err := MulawToPCM16(chunk.Data)
	if err != nil {
		return Chunk{}, err
	}

	pcm16k, err := Resample(pcm8k, TelephonySampleRate, AIInputSampleRate)
	if err != nil {
		return Chunk{}, err
	}

	return Chunk{Data: pcm16k, Format: AIInputFormat()}, nil
}

// AIToTelephony converts one live-model output chunk (24kHz PCM16) to
// the telephony format (8kHz mu-law).
func AIToTelephony(chunk Chunk) (Chunk, error) {
	pcm8k, err := Resample(chunk.Data, AIOutputSampleRate, TelephonySampleRate)
	if err != nil {
		return Chunk{}, err
	}

	mulaw8k, err := PCM16ToMulaw(pcm8k)
	if err != nil {
		return Chunk{}, err
	}

	return Chunk{Data: mulaw8k, Format: TelephonyFormat()}, nil
}

// Validate checks that a chunk is usable: non-empty, at least one
// telephony frame long, and even-length when the expected encoding is
// PCM16.
func Validate(chunk Chunk, expected Encoding) bool {
	if len(chunk.Data) == 0 {
		return false
	}
	if len(chunk.Data) < TelephonyFrameBytes {
		return false
	}
	if expected == EncodingPCM16 && len(chunk.Data)%2 != 0 {
		return false
	}
	return true
}

// bytesToSamples converts little-endian PCM16 bytes to int16 samples.
func bytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// samplesToBytes converts int16 samples to little-endian PCM16 bytes.
func samplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, sample := range samples {
		data[i*2] = byte(sample)
		data[i*2+1] = byte(sample >> 8)
	}
	return data
}

// mulawBias and mulawClip are the G.711 constants in the 16-bit
// domain, as telephony stacks apply them to width-2 PCM. Encoding
// clips at 32635; decoded full scale is ±32124.
const (
	mulawBias = 0x84
	mulawClip = 32635
)

// linearToMulaw converts a 16-bit linear PCM sample to 8-bit mu-law
// (G.711).
func linearToMulaw(sample int16) byte {
	var sign byte
	magnitude := int32(sample)

	if sample < 0 {
		sign = 0x80
		magnitude = -magnitude
	}

	if magnitude > mulawClip {
		magnitude = mulawClip
	}
	magnitude += mulawBias

	// Segment is the position of the highest set bit above bit 7 of
	// the biased magnitude.
	var segment byte
	switch {
	case magnitude >= 0x4000:
		segment = 7
	case magnitude >= 0x2000:
		segment = 6
	case magnitude >= 0x1000:
		segment = 5
	case magnitude >= 0x800:
		segment = 4
	case magnitude >= 0x400:
		segment = 3
	case magnitude >= 0x200:
		segment = 2
	case magnitude >= 0x100:
		segment = 1
	default:
		segment = 0
	}

	mantissa := byte((magnitude >> (segment + 3)) & 0x0F)

	// mu-law bytes are stored inverted on the wire.
	return ^(sign | (segment << 4) | mantissa)
}

// mulawToLinear converts an 8-bit mu-law sample to 16-bit linear PCM.
func mulawToLinear(mulawByte byte) int16 {
	mulawByte = ^mulawByte

	sign := mulawByte & 0x80
	segment := (mulawByte >> 4) & 0x07
	mantissa := int32(mulawByte & 0x0F)

	magnitude := ((mantissa << 3) + mulawBias) << segment
	magnitude -= mulawBias

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}
