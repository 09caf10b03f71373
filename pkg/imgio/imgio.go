package imgio

// package imgio reads images of any common format into cimg images, and converts
// between cimg and the standard library's image types.
// JPEG goes through cimg (libjpeg-turbo). Everything else goes through image.Decode.

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/png"
	"os"

	"github.com/bmharper/cimg/v2"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// JPEG quality of the images that we write
const DefaultQuality = 70

func isJPEG(data []byte) bool {
	return len(data) >= 3 && data[0] == 0xff && data[1] == 0xd8 && data[2] == 0xff
}

// Decode an image. The result is always RGB.
func Decode(data []byte) (*cimg.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("Empty file")
	}
	if isJPEG(data) {
		img, err := cimg.Decompress(data)
		if err != nil {
			return nil, err
		}
		if img.NChan() != 3 {
			img = img.ToRGB()
		}
		return img, nil
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return FromImage(src), nil
}

// ReadFile reads and decodes an image file
func ReadFile(filename string) (*cimg.Image, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	img, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("Failed to decode %v: %w", filename, err)
	}
	return img, nil
}

// FromImage converts any Go image into an RGB cimg image. Alpha is discarded.
func FromImage(src image.Image) *cimg.Image {
	b := src.Bounds()
	dst := cimg.NewImage(b.Dx(), b.Dy(), cimg.PixelFormatRGB)
	if rgba, ok := src.(*image.RGBA); ok {
		copyRGBA(dst, rgba)
		return dst
	}
	for y := 0; y < dst.Height; y++ {
		line := dst.Pixels[y*dst.Stride:]
		for x := 0; x < dst.Width; x++ {
			c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			line[x*3] = c.R
			line[x*3+1] = c.G
			line[x*3+2] = c.B
		}
	}
	return dst
}

// ToRGBA copies an RGB or RGBA cimg image into a new image.RGBA
func ToRGBA(src *cimg.Image) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, src.Width, src.Height))
	nchan := src.NChan()
	for y := 0; y < src.Height; y++ {
		in := src.Pixels[y*src.Stride:]
		out := dst.Pix[y*dst.Stride:]
		for x := 0; x < src.Width; x++ {
			switch nchan {
			case 1:
				out[x*4] = in[x]
				out[x*4+1] = in[x]
				out[x*4+2] = in[x]
			default:
				out[x*4] = in[x*nchan]
				out[x*4+1] = in[x*nchan+1]
				out[x*4+2] = in[x*nchan+2]
			}
			out[x*4+3] = 255
		}
	}
	return dst
}

// FromRGBA converts an image.RGBA into an RGB cimg image.
// Pixels are assumed to be opaque.
func FromRGBA(src *image.RGBA) *cimg.Image {
	dst := cimg.NewImage(src.Bounds().Dx(), src.Bounds().Dy(), cimg.PixelFormatRGB)
	copyRGBA(dst, src)
	return dst
}

func copyRGBA(dst *cimg.Image, src *image.RGBA) {
	if src.Bounds().Min != (image.Point{}) {
		// Normalize the origin, so that the loop below can index Pix directly
		tmp := image.NewRGBA(image.Rect(0, 0, src.Bounds().Dx(), src.Bounds().Dy()))
		draw.Draw(tmp, tmp.Bounds(), src, src.Bounds().Min, draw.Src)
		src = tmp
	}
	for y := 0; y < dst.Height; y++ {
		in := src.Pix[y*src.Stride:]
		out := dst.Pixels[y*dst.Stride:]
		for x := 0; x < dst.Width; x++ {
			out[x*3] = in[x*4]
			out[x*3+1] = in[x*4+1]
			out[x*3+2] = in[x*4+2]
		}
	}
}

// Crop returns a copy of the given rectangle of img.
// A rectangle that is empty or does not lie inside the image is an error.
func Crop(img *cimg.Image, x, y, width, height int) (*cimg.Image, error) {
	if width <= 0 || height <= 0 || x < 0 || y < 0 || x+width > img.Width || y+height > img.Height {
		return nil, fmt.Errorf("Crop %v,%v %vx%v is outside of the %vx%v image", x, y, width, height, img.Width, img.Height)
	}
	dst := cimg.NewImage(width, height, img.Format)
	if err := dst.CopyImageRect(img, x, y, x+width, y+height, 0, 0); err != nil {
		return nil, err
	}
	return dst, nil
}

// WriteJPEG encodes img and writes it to filename
func WriteJPEG(filename string, img *cimg.Image, quality int) error {
	return img.WriteJPEG(filename, cimg.MakeCompressParams(cimg.Sampling420, quality, 0), 0644)
}
