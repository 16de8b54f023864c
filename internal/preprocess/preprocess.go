package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"
	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/flower-api/internal/model"
)

// ResizeSize is the length the shorter image side is scaled to before the
// center crop.
const ResizeSize = 256

// ImageNet channel statistics, RGB order. The weights were fine-tuned on
// inputs normalized with exactly these values.
var (
	Mean = [model.Channels]float32{0.485, 0.456, 0.406}
	Std  = [model.Channels]float32{0.229, 0.224, 0.225}
)

// ErrDecode is returned for request bodies that are not a decodable image.
var ErrDecode = errors.New("invalid image")

// MaxPixels caps the declared size of an uploaded image, matching the
// decompression-bomb threshold of common imaging libraries.
const MaxPixels = 89478485

// maxResizedPixels bounds the intermediate resize. Images whose aspect ratio
// would exceed it are resized around the crop window only.
const maxResizedPixels = 1 << 20

// cropMargin is the number of resized pixels kept around the crop window so
// the resampling filter sees real neighbours at the crop edges.
const cropMargin = 8

// Decode sniffs and decodes raw image bytes. Images declaring more than
// MaxPixels pixels are rejected before any pixel data is decoded.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}

	mimeType := strings.Split(mimetype.Detect(data).String(), ";")[0]
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, fmt.Errorf("%w: unsupported content type %s", ErrDecode, mimeType)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: image has no pixels", ErrDecode)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds the %d pixel limit", ErrDecode, cfg.Width, cfg.Height, MaxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: image has no pixels", ErrDecode)
	}
	return img, nil
}

// Transformer turns an image into the normalized tensor the classifier
// expects. The zero value is ready to use.
type Transformer struct{}

// Transform converts img to RGB, scales its shorter side to ResizeSize,
// center-crops model.ImageSize square and normalizes each channel.
func (Transformer) Transform(img image.Image) *model.Tensor {
	b := img.Bounds()
	w, h := resizedSize(b.Dx(), b.Dy())
	left, top := cropOrigin(w, h)

	var resized *image.RGBA
	if w*h <= maxResizedPixels {
		resized = resizeRGB(ToRGB(img), w, h)
	} else {
		x := cropWindow(b.Dx(), w, left)
		y := cropWindow(b.Dy(), h, top)
		region := image.Rect(b.Min.X+x.min, b.Min.Y+y.min, b.Min.X+x.max, b.Min.Y+y.max)
		resized = resizeRGB(ToRGB(subImage(img, region)), x.size, y.size)
		left, top = x.offset, y.offset
	}

	t := model.NewTensor()
	plane := model.ImageSize * model.ImageSize
	for y := 0; y < model.ImageSize; y++ {
		for x := 0; x < model.ImageSize; x++ {
			px := resized.RGBAAt(left+x, top+y)
			i := y*model.ImageSize + x
			t.Data[i] = normalize(px.R, 0)
			t.Data[plane+i] = normalize(px.G, 1)
			t.Data[2*plane+i] = normalize(px.B, 2)
		}
	}
	return t
}

func normalize(v uint8, channel int) float32 {
	return (float32(v)/255 - Mean[channel]) / Std[channel]
}

// resizedSize scales the shorter side to ResizeSize and the longer side
// proportionally, truncating.
func resizedSize(w, h int) (int, int) {
	if w <= h {
		return ResizeSize, ResizeSize * h / w
	}
	return ResizeSize * w / h, ResizeSize
}

// span is the part of one source axis that feeds the crop window. size is
// the resize target for that part and offset the crop start inside it.
type span struct {
	min, max     int
	size, offset int
}

// cropWindow maps the crop window [start, start+ImageSize) of an axis
// resized from full to resized pixels back onto the source axis.
func cropWindow(full, resized, start int) span {
	scale := float64(full) / float64(resized)

	r0 := max(0, start-cropMargin)
	r1 := min(resized, start+model.ImageSize+cropMargin)

	s0 := int(math.Floor(float64(r0) * scale))
	s1 := min(full, max(s0+1, int(math.Ceil(float64(r1)*scale))))

	size := max(model.ImageSize, int(math.Round(float64(s1-s0)/scale)))
	offset := start - int(math.Round(float64(s0)/scale))
	offset = min(max(offset, 0), size-model.ImageSize)

	return span{min: s0, max: s1, size: size, offset: offset}
}

func subImage(img image.Image, r image.Rectangle) image.Image {
	if s, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return s.SubImage(r)
	}
	return ToRGB(img).SubImage(r.Sub(img.Bounds().Min))
}

func resizeRGB(src *image.RGBA, w, h int) *image.RGBA {
	out := resize.Resize(uint(w), uint(h), src, resize.Bilinear)
	if rgba, ok := out.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	return ToRGB(out)
}

// cropOrigin returns the top-left corner of the centered crop, rounding half
// offsets to even.
func cropOrigin(w, h int) (int, int) {
	left := int(math.RoundToEven(float64(w-model.ImageSize) / 2))
	top := int(math.RoundToEven(float64(h-model.ImageSize) / 2))
	return left, top
}

// ToRGB returns a copy of img as opaque RGB anchored at the origin. Grayscale
// and palette images are expanded; alpha is dropped without compositing.
func ToRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			dst.SetRGBA(x-b.Min.X, y-b.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return dst
}
