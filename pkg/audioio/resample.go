package audioio

import "math"

// Resample converts mono PCM16 from one sample rate to another using linear
// interpolation. Output sample i is read from source position i*fromRate/toRate,
// interpolated between the floor and ceil neighbours and clamped to int16.
// The output holds floor(len*toRate/fromRate) samples.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return samples
	}

	if len(samples) == 0 {
		return []int16{}
	}

	newLen := int(int64(len(samples)) * int64(toRate) / int64(fromRate))
	result := make([]int16, newLen)

	for i := 0; i < newLen; i++ {
		srcPos := float64(int64(i)*int64(fromRate)) / float64(toRate)
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx+1 >= len(samples) {
			result[i] = samples[len(samples)-1]
			continue
		}

		s1 := float64(samples[srcIdx])
		s2 := float64(samples[srcIdx+1])
		result[i] = clamp16(s1 + frac*(s2-s1))
	}

	return result
}

// ResampleBytes resamples raw mono PCM16 little-endian bytes.
func ResampleBytes(data []byte, fromRate, toRate int) []byte {
	if fromRate == toRate {
		return data
	}
	return SamplesToBytes(Resample(BytesToSamples(data), fromRate, toRate))
}

// BytesToSamples converts raw PCM16 little-endian bytes to int16 samples.
// A trailing odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// SamplesToBytes converts int16 samples to raw PCM16 little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}

// StereoToMono averages interleaved stereo samples to mono.
func StereoToMono(samples []int16) []int16 {
	mono := make([]int16, len(samples)/2)
	for i := range mono {
		left := int32(samples[i*2])
		right := int32(samples[i*2+1])
		mono[i] = int16((left + right) / 2)
	}
	return mono
}

// clamp16 truncates toward zero and saturates to the int16 range.
func clamp16(v float64) int16 {
	v = math.Trunc(v)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
