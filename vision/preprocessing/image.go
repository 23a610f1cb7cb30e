package preprocessing

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/suhacker1/igvc-software/tensor"
)

// Preprocessor transforms a decoded image before it is converted to a
// tensor. Implementations must not modify their input.
type Preprocessor func(img *image.RGBA) *image.RGBA

// Decode decodes a PNG or JPEG image into RGBA
func Decode(reader io.Reader) (*image.RGBA, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba, nil
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba, nil
}

// LoadImage reads and decodes the image at path
func LoadImage(path string) (*image.RGBA, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	img, err := Decode(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// Resize scales img to width x height by nearest neighbour sampling
func Resize(img *image.RGBA, width, height int) *image.RGBA {
	b := img.Bounds()
	srcW, srcH := b.Dx(), b.Dy()
	if srcW == width && srcH == height {
		return img
	}

	target := image.NewRGBA(image.Rect(0, 0, width, height))
	scaleX := float64(srcW) / float64(width)
	scaleY := float64(srcH) / float64(height)

	for y := 0; y < height; y++ {
		srcY := int(float64(y) * scaleY)
		if srcY >= srcH {
			srcY = srcH - 1
		}
		for x := 0; x < width; x++ {
			srcX := int(float64(x) * scaleX)
			if srcX >= srcW {
				srcX = srcW - 1
			}
			so := img.PixOffset(b.Min.X+srcX, b.Min.Y+srcY)
			to := target.PixOffset(x, y)
			copy(target.Pix[to:to+4], img.Pix[so:so+4])
		}
	}
	return target
}

// ToCHW converts img to a [channels, H, W] tensor with values in [0, 1].
// One channel yields ITU-R 601 luma, three channels yield RGB.
func ToCHW(img *image.RGBA, channels int) (*tensor.Tensor, error) {
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	out := tensor.Zeros(channels, h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			r, g, bl := img.Pix[o], img.Pix[o+1], img.Pix[o+2]
			idx := y*w + x
			if channels == 1 {
				out.Data[idx] = float64(color.GrayModel.Convert(color.RGBA{R: r, G: g, B: bl, A: 255}).(color.Gray).Y) / 255
				continue
			}
			out.Data[idx] = float64(r) / 255
			out.Data[plane+idx] = float64(g) / 255
			out.Data[2*plane+idx] = float64(bl) / 255
		}
	}
	return out, nil
}

// MaskToCHW converts a label image to a [1, H, W] tensor holding 1 where the
// pixel is lane (luma of at least 128) and 0 elsewhere
func MaskToCHW(img *image.RGBA) *tensor.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := tensor.Zeros(1, h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			gray := color.GrayModel.Convert(color.RGBA{R: img.Pix[o], G: img.Pix[o+1], B: img.Pix[o+2], A: 255}).(color.Gray)
			if gray.Y >= 128 {
				out.Data[y*w+x] = 1
			}
		}
	}
	return out
}

// ImageProcessor turns image/mask files into network-ready tensors of a
// fixed size
type ImageProcessor struct {
	Width, Height int
	Channels      int
	Preprocessor  Preprocessor // optional, applied to the image only
}

// NewImageProcessor creates a processor producing [channels, height, width]
// images and [1, height, width] masks
func NewImageProcessor(channels, height, width int, pre Preprocessor) *ImageProcessor {
	return &ImageProcessor{Width: width, Height: height, Channels: channels, Preprocessor: pre}
}

// ProcessImage resizes img, applies the preprocessor and converts to CHW
func (p *ImageProcessor) ProcessImage(img *image.RGBA) (*tensor.Tensor, error) {
	resized := Resize(img, p.Width, p.Height)
	if p.Preprocessor != nil {
		resized = p.Preprocessor(resized)
	}
	return ToCHW(resized, p.Channels)
}

// ProcessMask resizes and binarizes a label image
func (p *ImageProcessor) ProcessMask(img *image.RGBA) *tensor.Tensor {
	return MaskToCHW(Resize(img, p.Width, p.Height))
}
