package preprocessing

import "math"

// 8-bit HSV as used by OpenCV: H in [0, 180), S and V in [0, 255]

// RGBToHSV converts one 8-bit RGB pixel to 8-bit HSV
func RGBToHSV(r, g, b uint8) (h, s, v uint8) {
	rf, gf, bf := float64(r), float64(g), float64(b)
	maxC := math.Max(rf, math.Max(gf, bf))
	minC := math.Min(rf, math.Min(gf, bf))
	diff := maxC - minC

	v = uint8(maxC)
	if maxC == 0 {
		return 0, 0, v
	}
	s = round8(255 * diff / maxC)
	if diff == 0 {
		return 0, s, v
	}

	var hue float64
	switch maxC {
	case rf:
		hue = 60 * (gf - bf) / diff
	case gf:
		hue = 120 + 60*(bf-rf)/diff
	default:
		hue = 240 + 60*(rf-gf)/diff
	}
	if hue < 0 {
		hue += 360
	}
	hue = math.Round(hue / 2)
	if hue >= 180 {
		hue -= 180
	}
	return uint8(hue), s, v
}

// HSVToRGB converts one 8-bit HSV pixel to 8-bit RGB
func HSVToRGB(h, s, v uint8) (r, g, b uint8) {
	if s == 0 {
		return v, v, v
	}

	hf := float64(h) * 2 / 60
	sf := float64(s) / 255
	vf := float64(v) / 255

	sector := math.Floor(hf)
	f := hf - sector
	p := vf * (1 - sf)
	q := vf * (1 - sf*f)
	t := vf * (1 - sf*(1-f))

	var rf, gf, bf float64
	switch int(sector) % 6 {
	case 0:
		rf, gf, bf = vf, t, p
	case 1:
		rf, gf, bf = q, vf, p
	case 2:
		rf, gf, bf = p, vf, t
	case 3:
		rf, gf, bf = p, q, vf
	case 4:
		rf, gf, bf = t, p, vf
	default:
		rf, gf, bf = vf, p, q
	}
	return round8(rf * 255), round8(gf * 255), round8(bf * 255)
}

func round8(x float64) uint8 {
	return uint8(clamp(int(math.Round(x)), 0, 255))
}

func clamp(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
