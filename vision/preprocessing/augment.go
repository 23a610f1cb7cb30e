package preprocessing

import (
	"image"
	"math"
	"math/rand"
	"sync"
)

// Augment shifts the saturation and value of every pixel of img by one
// random offset each, drawn uniformly from [-max, max) with
// max = floor(255*pct). Hue and alpha are kept; img is not modified.
func Augment(img *image.RGBA, pct float64, rng *rand.Rand) *image.RGBA {
	ds, dv := drawShifts(pct, rng)
	return ShiftSaturationValue(img, ds, dv)
}

func drawShifts(pct float64, rng *rand.Rand) (ds, dv int) {
	maxShift := int(math.Floor(255 * pct))
	if maxShift <= 0 {
		return 0, 0
	}
	return rng.Intn(2*maxShift) - maxShift, rng.Intn(2*maxShift) - maxShift
}

// ShiftSaturationValue adds ds to the saturation and dv to the value of
// every pixel, clamping both to [0, 255]
func ShiftSaturationValue(img *image.RGBA, ds, dv int) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			si := img.PixOffset(x, y)
			oi := out.PixOffset(x, y)
			px := img.Pix[si : si+4]

			h, s, v := RGBToHSV(px[0], px[1], px[2])
			s = uint8(clamp(int(s)+ds, 0, 255))
			v = uint8(clamp(int(v)+dv, 0, 255))
			r, g, bl := HSVToRGB(h, s, v)

			out.Pix[oi], out.Pix[oi+1], out.Pix[oi+2], out.Pix[oi+3] = r, g, bl, px[3]
		}
	}
	return out
}

// RandomSaturationValue returns a Preprocessor applying Augment with its own
// random source seeded by seed. It is safe for concurrent use.
func RandomSaturationValue(pct float64, seed int64) Preprocessor {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(seed))
	return func(img *image.RGBA) *image.RGBA {
		mu.Lock()
		ds, dv := drawShifts(pct, rng)
		mu.Unlock()
		return ShiftSaturationValue(img, ds, dv)
	}
}
