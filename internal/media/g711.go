package media

// G.711 mu-law, the PCMU payload format.

const (
	muLawBias = 0x84
	muLawClip = 32635
)

func EncodeMuLaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = linearToMuLaw(s)
	}
	return out
}

func DecodeMuLaw(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = muLawToLinear(b)
	}
	return out
}

func linearToMuLaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

func muLawToLinear(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := int(b>>4) & 0x07
	mantissa := int(b & 0x0F)
	s := ((mantissa << 3) + muLawBias) << exponent
	s -= muLawBias
	if sign != 0 {
		return int16(-s)
	}
	return int16(s)
}
