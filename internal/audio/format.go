package audio

// Encoding identifies the wire encoding of an audio buffer.
type Encoding string

const (
	EncodingMulaw Encoding = "mulaw" // G.711 PCMU, 8-bit companded
	EncodingPCM16 Encoding = "pcm16" // 16-bit linear PCM, little-endian
)

// Audio format constants for the two sides of the bridge.
const (
	// Telephony side (Twilio Media Streams): 8kHz mu-law, mono.
	TelephonySampleRate = 8000

	// AI side: the live model consumes 16kHz PCM16 and produces 24kHz PCM16.
	AIInputSampleRate  = 16000
	AIOutputSampleRate = 24000

	// One telephony frame is 20ms of 8kHz mu-law audio.
	TelephonyFrameMS    = 20
	TelephonyFrameBytes = TelephonySampleRate * TelephonyFrameMS / 1000 // 160

	SampleWidthPCM16 = 2
	SampleWidthMulaw = 1
)

// Format describes how the bytes in a Chunk are to be interpreted.
type Format struct {
	Encoding    Encoding
	SampleRate  int
	Channels    int
	SampleWidth int // bytes per sample
}

// TelephonyFormat is the format Twilio sends and expects back.
func TelephonyFormat() Format {
	return Format{
		Encoding:    EncodingMulaw,
		SampleRate:  TelephonySampleRate,
		Channels:    1,
		SampleWidth: SampleWidthMulaw,
	}
}

// AIInputFormat is the format the live model accepts.
func AIInputFormat() Format {
	return Format{
		Encoding:    EncodingPCM16,
		SampleRate:  AIInputSampleRate,
		Channels:    1,
		SampleWidth: SampleWidthPCM16,
	}
}

// AIOutputFormat is the format the live model emits.
func AIOutputFormat() Format {
	return Format{
		Encoding:    EncodingPCM16,
		SampleRate:  AIOutputSampleRate,
		Channels:    1,
		SampleWidth: SampleWidthPCM16,
	}
}

// Chunk is an immutable audio buffer with its format descriptor.
// Conversions always allocate a new Chunk; the Data slice is never
// mutated after construction.
type Chunk struct {
	Data   []byte
	Format Format
}

// NewTelephonyChunk wraps raw mu-law bytes received from the provider.
func NewTelephonyChunk(data []byte) Chunk {
	return Chunk{Data: data, Format: TelephonyFormat()}
}

// NewAIOutputChunk wraps raw PCM16 bytes received from the live model.
func NewAIOutputChunk(data []byte) Chunk {
	return Chunk{Data: data, Format: AIOutputFormat()}
}
