// Package audioio converts between the voice service's raw PCM16 stream and
// the WAV files the robot records and plays.
package audioio

import "fmt"

// ToPlaybackWAV converts mono PCM16 at sourceRate into a WAV container at
// targetRate. It is pure: the same input always yields the same bytes.
func ToPlaybackWAV(pcm []byte, sourceRate, targetRate int) []byte {
	return EncodeWAV(ResampleBytes(pcm, sourceRate, targetRate), targetRate, 1)
}

// ToServicePCM decodes a recorded WAV file and returns mono PCM16 at rate,
// ready to stream to the voice service.
func ToServicePCM(wav []byte, rate int) ([]byte, error) {
	f, data, err := DecodeWAV(wav)
	if err != nil {
		return nil, err
	}

	samples := BytesToSamples(data)
	switch f.Channels {
	case 1:
	case 2:
		samples = StereoToMono(samples)
	default:
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, f.Channels)
	}

	return SamplesToBytes(Resample(samples, f.SampleRate, rate)), nil
}
