package sampler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"

	"ganregistration/internal/models"
	"ganregistration/pkg/logging"
	"ganregistration/pkg/tensor"
)

// ErrNoAcceptedCrop is returned when no crop passed the mask gate within the
// retry budget.
var ErrNoAcceptedCrop = errors.New("no crop accepted within retry budget")

// Options control the rejection sampling of training crops.
type Options struct {
	// MaskThreshold is the number of mask voxels a crop must exceed
	MaskThreshold int

	// AcceptProbability is the value a uniform draw must exceed
	AcceptProbability float64

	// MaxAttempts bounds the draws spent on a single batch element
	MaxAttempts int

	Seed uint64
}

// DefaultOptions returns the acceptance rule used for training.
func DefaultOptions() Options {
	return Options{
		MaskThreshold:     500,
		AcceptProbability: 0.98,
		MaxAttempts:       2000000,
		Seed:              1,
	}
}

func (o Options) validate() error {
	if o.MaskThreshold < 0 {
		return fmt.Errorf("mask threshold must not be negative")
	}
	if o.AcceptProbability < 0 || o.AcceptProbability >= 1 {
		return fmt.Errorf("accept probability must be in [0, 1), got %g", o.AcceptProbability)
	}
	if o.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	return nil
}

// Sampler draws random crops from a corpus. It is not safe for concurrent use.
type Sampler struct {
	corpus *Corpus
	opts   Options
	rng    *rand.Rand
}

// New creates a sampler over corpus.
func New(corpus *Corpus, opts Options) (*Sampler, error) {
	if corpus == nil {
		return nil, fmt.Errorf("sampler needs a corpus")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if !corpus.CropSize.Fits(corpus.Shape()) {
		return nil, fmt.Errorf("%w: crop %s, volume %s", ErrCropTooLarge, corpus.CropSize, corpus.Shape())
	}
	return &Sampler{
		corpus: corpus,
		opts:   opts,
		rng:    rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Corpus returns the sampled corpus.
func (s *Sampler) Corpus() *Corpus {
	return s.corpus
}

// Batch is one training batch. Subjects and Templates have shape
// (batch, 1, X, Y, Z) and are already multiplied by their masks.
type Batch struct {
	Subjects  *tensor.Tensor
	Templates *tensor.Tensor

	// Indices are the training subjects each element was drawn from
	Indices []int

	// Offsets are the crop corners, shared by subject and template
	Offsets []models.Offset

	// MaskCounts are the subject mask voxel counts of each accepted crop
	MaskCounts []int
}

// Batches yields BatchesPerEpoch batches. Each call starts a new pass.
func (s *Sampler) Batches(ctx context.Context) iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		for i := 0; i < s.corpus.BatchesPerEpoch(); i++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			b, err := s.NextBatch()
			if !yield(b, err) || err != nil {
				return
			}
		}
	}
}

// NextBatch fills one batch by rejection sampling.
func (s *Sampler) NextBatch() (*Batch, error) {
	c := s.corpus
	crop := c.CropSize
	n := crop.Len()
	b := &Batch{
		Subjects:   tensor.New(c.BatchSize, 1, crop[0], crop[1], crop[2]),
		Templates:  tensor.New(c.BatchSize, 1, crop[0], crop[1], crop[2]),
		Indices:    make([]int, c.BatchSize),
		Offsets:    make([]models.Offset, c.BatchSize),
		MaskCounts: make([]int, c.BatchSize),
	}
	mask := make([]float32, n)
	templMask := make([]float32, n)

	for i := 0; i < c.BatchSize; i++ {
		subj := s.rng.IntN(len(c.Images))
		var offset models.Offset
		accepted := false
		for attempt := 0; attempt < s.opts.MaxAttempts; attempt++ {
			offset = s.offset()
			if s.rng.Float64() <= s.opts.AcceptProbability {
				continue
			}
			if err := c.Masks[subj].Crop(mask, offset, crop); err != nil {
				return nil, err
			}
			count := n - models.CountEqual(mask, 0)
			if count > s.opts.MaskThreshold {
				b.MaskCounts[i] = count
				accepted = true
				break
			}
		}
		if !accepted {
			return nil, fmt.Errorf("%w: subject %d after %d attempts", ErrNoAcceptedCrop, subj, s.opts.MaxAttempts)
		}

		subjects := b.Subjects.Data[i*n : (i+1)*n]
		templates := b.Templates.Data[i*n : (i+1)*n]
		if err := c.Images[subj].Crop(subjects, offset, crop); err != nil {
			return nil, err
		}
		if err := c.Template.Crop(templates, offset, crop); err != nil {
			return nil, err
		}
		if err := c.TemplateMask.Crop(templMask, offset, crop); err != nil {
			return nil, err
		}
		for j := range subjects {
			subjects[j] *= mask[j]
			templates[j] *= templMask[j]
		}
		b.Indices[i] = subj
		b.Offsets[i] = offset
	}
	logging.Debugf("Sampled batch from subjects %v\n", b.Indices)
	return b, nil
}

func (s *Sampler) offset() models.Offset {
	var o models.Offset
	shape := s.corpus.Shape()
	for axis := 0; axis < 3; axis++ {
		if axis == 2 && s.corpus.FullDepth {
			continue
		}
		if span := shape[axis] - s.corpus.CropSize[axis]; span > 0 {
			o[axis] = s.rng.IntN(span)
		}
	}
	return o
}

// Mode selects the pool SampleSingle draws from.
type Mode int

const (
	// ModeTest draws from the withheld test subjects
	ModeTest Mode = iota

	// ModeValidation draws from the training subjects
	ModeValidation
)

func (m Mode) String() string {
	switch m {
	case ModeTest:
		return "test"
	case ModeValidation:
		return "validation"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// SampleSingle returns a uniformly chosen whole volume and its mask from the
// pool selected by mode, together with its index in that pool.
func (s *Sampler) SampleSingle(mode Mode) (int, *models.Volume, *models.Volume, error) {
	var images, masks []*models.Volume
	switch mode {
	case ModeTest:
		images, masks = s.corpus.TestImages, s.corpus.TestMasks
	case ModeValidation:
		images, masks = s.corpus.Images, s.corpus.Masks
	default:
		return 0, nil, nil, fmt.Errorf("unknown sample mode %d", int(mode))
	}
	if len(images) == 0 {
		return 0, nil, nil, fmt.Errorf("no %s volumes in corpus", mode)
	}
	i := s.rng.IntN(len(images))
	return i, images[i], masks[i], nil
}
