package transforms

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

// randomStep marks steps that consume the random source.
type randomStep interface {
	random()
}

func newImageStep(c StepConfig) (ImageStep, error) {
	switch c.Name {
	case StepRandomResizedCrop:
		if c.Size <= 0 {
			return nil, fmt.Errorf("%s needs a positive size", c.Name)
		}
		s := &RandomResizedCrop{Size: c.Size, Scale: [2]float64{0.08, 1.0}, Ratio: [2]float64{3.0 / 4.0, 4.0 / 3.0}}
		if len(c.Scale) == 2 {
			s.Scale = [2]float64{c.Scale[0], c.Scale[1]}
		}
		if len(c.Ratio) == 2 {
			s.Ratio = [2]float64{c.Ratio[0], c.Ratio[1]}
		}
		if s.Scale[0] <= 0 || s.Scale[0] > s.Scale[1] || s.Scale[1] > 1 {
			return nil, fmt.Errorf("%s: invalid scale %v", c.Name, s.Scale)
		}
		if s.Ratio[0] <= 0 || s.Ratio[0] > s.Ratio[1] {
			return nil, fmt.Errorf("%s: invalid ratio %v", c.Name, s.Ratio)
		}
		return s, nil
	case StepRandomHorizontalFlip:
		// Unset means torchvision's 0.5; an explicit 0 disables the flip.
		p := 0.5
		if c.P != nil {
			p = *c.P
		}
		if p < 0 || p > 1 {
			return nil, fmt.Errorf("%s: probability must be in [0, 1], got %f", c.Name, p)
		}
		return &RandomHorizontalFlip{P: p}, nil
	case StepResize:
		if c.Size <= 0 {
			return nil, fmt.Errorf("%s needs a positive size", c.Name)
		}
		return &Resize{Size: c.Size}, nil
	case StepCenterCrop:
		if c.Size <= 0 {
			return nil, fmt.Errorf("%s needs a positive size", c.Name)
		}
		return &CenterCrop{Size: c.Size}, nil
	case "":
		return nil, fmt.Errorf("step without a name")
	default:
		return nil, fmt.Errorf("unknown transform %q", c.Name)
	}
}

// RandomResizedCrop crops a random area and aspect ratio, then resizes the
// crop to Size x Size.
type RandomResizedCrop struct {
	Size  int
	Scale [2]float64
	Ratio [2]float64
}

func (s *RandomResizedCrop) Name() string { return StepRandomResizedCrop }
func (s *RandomResizedCrop) random()      {}

func (s *RandomResizedCrop) Apply(img image.Image, rng *rand.Rand) image.Image {
	rect := s.cropRect(img.Bounds(), rng)
	cropped := imaging.Crop(img, rect)
	return imaging.Resize(cropped, s.Size, s.Size, imaging.Linear)
}

func (s *RandomResizedCrop) cropRect(b image.Rectangle, rng *rand.Rand) image.Rectangle {
	width, height := b.Dx(), b.Dy()
	area := float64(width * height)
	logLo, logHi := math.Log(s.Ratio[0]), math.Log(s.Ratio[1])

	for attempt := 0; attempt < 10; attempt++ {
		target := area * (s.Scale[0] + rng.Float64()*(s.Scale[1]-s.Scale[0]))
		aspect := math.Exp(logLo + rng.Float64()*(logHi-logLo))

		w := int(math.Round(math.Sqrt(target * aspect)))
		h := int(math.Round(math.Sqrt(target / aspect)))
		if w > 0 && h > 0 && w <= width && h <= height {
			top := rng.Intn(height - h + 1)
			left := rng.Intn(width - w + 1)
			return image.Rect(b.Min.X+left, b.Min.Y+top, b.Min.X+left+w, b.Min.Y+top+h)
		}
	}

	// Fallback to a centre crop clamped to the ratio range
	w, h := width, height
	inRatio := float64(width) / float64(height)
	switch {
	case inRatio < s.Ratio[0]:
		h = int(math.Round(float64(w) / s.Ratio[0]))
	case inRatio > s.Ratio[1]:
		w = int(math.Round(float64(h) * s.Ratio[1]))
	}
	top := (height - h) / 2
	left := (width - w) / 2
	return image.Rect(b.Min.X+left, b.Min.Y+top, b.Min.X+left+w, b.Min.Y+top+h)
}

// RandomHorizontalFlip mirrors the image with probability P.
type RandomHorizontalFlip struct {
	P float64
}

func (s *RandomHorizontalFlip) Name() string { return StepRandomHorizontalFlip }
func (s *RandomHorizontalFlip) random()      {}

func (s *RandomHorizontalFlip) Apply(img image.Image, rng *rand.Rand) image.Image {
	if rng.Float64() < s.P {
		return imaging.FlipH(img)
	}
	return img
}

// Resize scales the shorter side to Size, keeping the aspect ratio.
type Resize struct {
	Size int
}

func (s *Resize) Name() string { return StepResize }

func (s *Resize) Apply(img image.Image, _ *rand.Rand) image.Image {
	b := img.Bounds()
	if b.Dx() <= b.Dy() {
		if b.Dx() == s.Size {
			return img
		}
		return resize.Resize(uint(s.Size), 0, img, resize.Bilinear)
	}
	if b.Dy() == s.Size {
		return img
	}
	return resize.Resize(0, uint(s.Size), img, resize.Bilinear)
}

// CenterCrop cuts a Size x Size square from the centre, padding with black
// when the image is smaller.
type CenterCrop struct {
	Size int
}

func (s *CenterCrop) Name() string { return StepCenterCrop }

func (s *CenterCrop) Apply(img image.Image, _ *rand.Rand) image.Image {
	b := img.Bounds()
	if b.Dx() >= s.Size && b.Dy() >= s.Size {
		return imaging.CropCenter(img, s.Size, s.Size)
	}
	cropped := imaging.CropCenter(img, min(b.Dx(), s.Size), min(b.Dy(), s.Size))
	canvas := imaging.New(s.Size, s.Size, color.NRGBA{A: 255})
	return imaging.PasteCenter(canvas, cropped)
}

// ToTensor converts img to a 3xHxW tensor with values scaled to [0, 1].
// Alpha is dropped.
func ToTensor(img image.Image) Tensor {
	nrgba, ok := img.(*image.NRGBA)
	if !ok || nrgba.Rect.Min != (image.Point{}) {
		nrgba = imaging.Clone(img)
	}
	w, h := nrgba.Rect.Dx(), nrgba.Rect.Dy()
	plane := w * h
	data := make([]float32, 3*plane)

	for y := 0; y < h; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+w*4]
		for x := 0; x < w; x++ {
			i := y*w + x
			data[i] = float32(row[x*4]) / 255.0
			data[plane+i] = float32(row[x*4+1]) / 255.0
			data[2*plane+i] = float32(row[x*4+2]) / 255.0
		}
	}
	return Tensor{C: 3, H: h, W: w, Data: data}
}

// Normalize subtracts Mean and divides by Std per channel.
type Normalize struct {
	Mean []float64
	Std  []float64
}

func newNormalize(c StepConfig) (*Normalize, error) {
	if len(c.Mean) != 3 || len(c.Std) != 3 {
		return nil, fmt.Errorf("%s needs 3 mean and 3 std values", StepNormalize)
	}
	for _, s := range c.Std {
		if s <= 0 {
			return nil, fmt.Errorf("%s: std must be positive, got %v", StepNormalize, c.Std)
		}
	}
	return &Normalize{Mean: c.Mean, Std: c.Std}, nil
}

func (n *Normalize) Name() string { return StepNormalize }

func (n *Normalize) ApplyTensor(t *Tensor) error {
	if t.C != len(n.Mean) {
		return fmt.Errorf("tensor has %d channels, normalisation expects %d", t.C, len(n.Mean))
	}
	plane := t.H * t.W
	for c := 0; c < t.C; c++ {
		mean, std := float32(n.Mean[c]), float32(n.Std[c])
		ch := t.Data[c*plane : (c+1)*plane]
		for i := range ch {
			ch[i] = (ch[i] - mean) / std
		}
	}
	return nil
}
