// Package transforms turns decoded images into fixed-size CHW float32 tensors
// through a declarative list of named steps.
package transforms

import (
	"fmt"
	"image"
	"math/rand"
)

// Step names accepted in configuration.
const (
	StepRandomResizedCrop    = "random_resized_crop"
	StepRandomHorizontalFlip = "random_horizontal_flip"
	StepResize               = "resize"
	StepCenterCrop           = "center_crop"
	StepToTensor             = "to_tensor"
	StepNormalize            = "normalize"
)

// StepConfig is the declarative form of one transform step.
type StepConfig struct {
	Name  string    `yaml:"name"`
	Size  int       `yaml:"size,omitempty"`
	P     *float64  `yaml:"p,omitempty"`
	Scale []float64 `yaml:"scale,omitempty"`
	Ratio []float64 `yaml:"ratio,omitempty"`
	Mean  []float64 `yaml:"mean,omitempty"`
	Std   []float64 `yaml:"std,omitempty"`
}

// Tensor is a single image in channel-major (CHW) layout.
type Tensor struct {
	C, H, W int
	Data    []float32
}

// Len returns the number of values C*H*W.
func (t Tensor) Len() int {
	return t.C * t.H * t.W
}

// SameShape reports whether both tensors have identical dimensions.
func (t Tensor) SameShape(o Tensor) bool {
	return t.C == o.C && t.H == o.H && t.W == o.W
}

// ImageStep transforms an image before tensor conversion.
type ImageStep interface {
	Name() string
	Apply(img image.Image, rng *rand.Rand) image.Image
}

// TensorStep transforms a tensor in place after conversion.
type TensorStep interface {
	Name() string
	ApplyTensor(t *Tensor) error
}

// Pipeline is a validated sequence of image steps, a tensor conversion and
// optional tensor steps.
type Pipeline struct {
	imageSteps  []ImageStep
	tensorSteps []TensorStep
	random      bool
}

// Build validates the step list and assembles a Pipeline. Exactly one
// to_tensor step is required and tensor steps must follow it.
func Build(configs []StepConfig) (*Pipeline, error) {
	p := &Pipeline{}
	converted := false

	for i, c := range configs {
		switch c.Name {
		case StepToTensor:
			if converted {
				return nil, fmt.Errorf("step %d: duplicate %s", i, StepToTensor)
			}
			converted = true
			continue
		case StepNormalize:
			if !converted {
				return nil, fmt.Errorf("step %d: %s must follow %s", i, StepNormalize, StepToTensor)
			}
			n, err := newNormalize(c)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
			p.tensorSteps = append(p.tensorSteps, n)
			continue
		}

		if converted {
			return nil, fmt.Errorf("step %d: image step %q after %s", i, c.Name, StepToTensor)
		}

		step, err := newImageStep(c)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		if _, ok := step.(randomStep); ok {
			p.random = true
		}
		p.imageSteps = append(p.imageSteps, step)
	}

	if !converted {
		return nil, fmt.Errorf("pipeline needs a %s step", StepToTensor)
	}
	return p, nil
}

// MustBuild is Build for the built-in pipelines.
func MustBuild(configs []StepConfig) *Pipeline {
	p, err := Build(configs)
	if err != nil {
		panic(err)
	}
	return p
}

// Random reports whether any step draws from the random source.
func (p *Pipeline) Random() bool {
	return p.random
}

// Names lists the configured steps in order, for logging.
func (p *Pipeline) Names() []string {
	names := make([]string, 0, len(p.imageSteps)+len(p.tensorSteps)+1)
	for _, s := range p.imageSteps {
		names = append(names, s.Name())
	}
	names = append(names, StepToTensor)
	for _, s := range p.tensorSteps {
		names = append(names, s.Name())
	}
	return names
}

// Apply runs every step on img. rng may be nil for deterministic pipelines.
func (p *Pipeline) Apply(img image.Image, rng *rand.Rand) (Tensor, error) {
	if p.random && rng == nil {
		return Tensor{}, fmt.Errorf("pipeline has random steps but no random source")
	}
	for _, s := range p.imageSteps {
		img = s.Apply(img, rng)
	}
	t := ToTensor(img)
	for _, s := range p.tensorSteps {
		if err := s.ApplyTensor(&t); err != nil {
			return Tensor{}, fmt.Errorf("%s: %w", s.Name(), err)
		}
	}
	return t, nil
}

// Probability returns p as the optional probability of a random step.
func Probability(p float64) *float64 { return &p }

// DefaultTrain is the augmenting training pipeline.
func DefaultTrain(size int) []StepConfig {
	return []StepConfig{
		{Name: StepRandomResizedCrop, Size: size},
		{Name: StepRandomHorizontalFlip, P: Probability(0.5)},
		{Name: StepToTensor},
	}
}

// DefaultTest is the deterministic evaluation pipeline.
func DefaultTest(resize, size int) []StepConfig {
	return []StepConfig{
		{Name: StepResize, Size: resize},
		{Name: StepCenterCrop, Size: size},
		{Name: StepToTensor},
	}
}
