// Package sampler owns the training corpus and draws the mask-gated random
// crops fed to the registration networks.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"ganregistration/internal/models"
	"ganregistration/pkg/logging"
	"ganregistration/pkg/volio"
)

// ErrCropTooLarge is returned when the crop does not fit inside a volume.
var ErrCropTooLarge = errors.New("crop size exceeds volume extent")

// Corpus holds every volume of a training run. It is immutable once built.
type Corpus struct {
	Images []*models.Volume
	Masks  []*models.Volume

	Template     *models.Volume
	TemplateMask *models.Volume

	TestImages []*models.Volume
	TestMasks  []*models.Volume

	// CropSize is the sample block shape
	CropSize models.Shape

	// BatchSize is the number of crops per batch
	BatchSize int

	// NBatches is the nominal number of batches covering the training pool
	// along X once
	NBatches int

	// FullDepth fixes the Z crop offset at 0
	FullDepth bool
}

// NewCorpus assembles an in-memory corpus. Every image and mask must share
// the template's shape and the crop must fit inside it.
func NewCorpus(images, masks []*models.Volume, template, templateMask *models.Volume,
	testImages, testMasks []*models.Volume, cropSize models.Shape, batchSize int) (*Corpus, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("corpus needs at least one training volume")
	}
	if len(images) != len(masks) || len(testImages) != len(testMasks) {
		return nil, fmt.Errorf("every image needs exactly one mask")
	}
	if template == nil || templateMask == nil {
		return nil, fmt.Errorf("corpus needs a template image and mask")
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be at least 1, got %d", batchSize)
	}

	shape := template.Shape
	for _, group := range [][]*models.Volume{{templateMask}, images, masks, testImages, testMasks} {
		for _, v := range group {
			if v.Shape != shape {
				return nil, fmt.Errorf("volume shape %s differs from template shape %s", v.Shape, shape)
			}
		}
	}
	if !cropSize.Fits(shape) {
		return nil, fmt.Errorf("%w: crop %s, volume %s", ErrCropTooLarge, cropSize, shape)
	}
	for _, s := range cropSize {
		if s < 1 {
			return nil, fmt.Errorf("invalid crop size %s", cropSize)
		}
	}

	return &Corpus{
		Images:       images,
		Masks:        masks,
		Template:     template,
		TemplateMask: templateMask,
		TestImages:   testImages,
		TestMasks:    testMasks,
		CropSize:     cropSize,
		BatchSize:    batchSize,
		NBatches:     int(float64(len(images)) * float64(shape[0]) / float64(cropSize[0]) / float64(batchSize)),
	}, nil
}

// BatchesPerEpoch is one fewer than NBatches, never negative.
func (c *Corpus) BatchesPerEpoch() int {
	if c.NBatches < 1 {
		return 0
	}
	return c.NBatches - 1
}

// Shape returns the common shape of every volume.
func (c *Corpus) Shape() models.Shape {
	return c.Template.Shape
}

// Bytes returns the memory held by the corpus voxels.
func (c *Corpus) Bytes() uint64 {
	n := 2 + 2*len(c.Images) + 2*len(c.TestImages)
	return uint64(n) * uint64(c.Template.Shape.Len()) * 4
}

// LoadOptions control how a dataset is read from disk.
type LoadOptions struct {
	// Root is the directory the dataset's relative paths are resolved against
	Root string

	BatchSize int

	// CropSize overrides the dataset crop size when non-zero
	CropSize models.Shape

	// Workers bounds the number of files read concurrently
	Workers int
}

// LoadVariant looks up a registered dataset by name and loads it. Unknown
// names fail before any file is touched.
func LoadVariant(ctx context.Context, name string, opts LoadOptions) (*Corpus, error) {
	ds, err := LookupDataset(name)
	if err != nil {
		return nil, err
	}
	return LoadCorpus(ctx, ds, opts)
}

type loadedPair struct {
	image, mask *models.Volume
}

// LoadCorpus reads every volume of the dataset, normalizes the images,
// resamples mismatched shapes and splits template, test and training pools.
func LoadCorpus(ctx context.Context, ds *Dataset, opts LoadOptions) (*Corpus, error) {
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	crop := ds.CropSize
	if opts.CropSize != (models.Shape{}) {
		crop = opts.CropSize
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	timedLog := logging.NewTimeLog()
	logging.Infof("Loading %s corpus: %d subjects from %s\n", ds.Name, len(ds.SubjectImages), opts.Root)

	type job struct{ image, mask string }
	jobs := make([]job, 0, len(ds.SubjectImages)+1)
	for i := range ds.SubjectImages {
		jobs = append(jobs, job{ds.resolve(opts.Root, ds.SubjectImages[i]), ds.resolve(opts.Root, ds.SubjectMasks[i])})
	}
	if ds.TemplateImage != "" {
		jobs = append(jobs, job{ds.resolve(opts.Root, ds.TemplateImage), ds.resolve(opts.Root, ds.TemplateMask)})
	}

	pairs := make([]loadedPair, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, j := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, err := loadPair(j.image, j.mask)
			if err != nil {
				return err
			}
			pairs[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("loading %s corpus: %w", ds.Name, err)
	}

	var templ loadedPair
	if ds.TemplateImage != "" {
		templ = pairs[len(pairs)-1]
		pairs = pairs[:len(pairs)-1]
	} else {
		templ = pairs[ds.TemplateSubject]
	}

	canonical := ds.CanonicalShape
	if canonical == (models.Shape{}) {
		canonical = templ.image.Shape
	}
	conform := func(p *loadedPair) {
		if p.image.Shape != canonical {
			logging.Debugf("Resampling volume %s to %s\n", p.image.Shape, canonical)
			p.image = Resample(p.image, canonical)
		}
		if p.mask.Shape != canonical {
			p.mask = Binarize(Resample(p.mask, canonical), 0.5)
		}
	}
	conform(&templ)
	for i := range pairs {
		conform(&pairs[i])
	}

	withheld := map[int]bool{}
	if ds.TemplateImage == "" {
		withheld[ds.TemplateSubject] = true
	}
	var testImages, testMasks []*models.Volume
	for _, i := range ds.TestSubjects {
		withheld[i] = true
		testImages = append(testImages, pairs[i].image)
		testMasks = append(testMasks, pairs[i].mask)
	}
	var images, masks []*models.Volume
	for i, p := range pairs {
		if !withheld[i] {
			images = append(images, p.image)
			masks = append(masks, p.mask)
		}
	}

	corpus, err := NewCorpus(images, masks, templ.image, templ.mask, testImages, testMasks, crop, opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", ds.Name, err)
	}
	corpus.FullDepth = ds.FullDepth

	timedLog.Infof("Loaded %d training, %d test volumes of shape %s (%s), %d batches per epoch",
		len(images), len(testImages), canonical, humanize.Bytes(corpus.Bytes()), corpus.BatchesPerEpoch())
	return corpus, nil
}

func loadPair(imagePath, maskPath string) (loadedPair, error) {
	img, _, err := volio.Read(imagePath)
	if err != nil {
		return loadedPair{}, err
	}
	Normalize(img)

	mask, _, err := volio.Read(maskPath)
	if err != nil {
		return loadedPair{}, err
	}
	// Masks are often stored as 0/255; any shape difference is resampled later.
	return loadedPair{img, Binarize(mask, 0.5)}, nil
}

// normalizeChunk bounds the float64 scratch buffer used for statistics.
const normalizeChunk = 1 << 20

// Normalize rescales the volume in place to zero mean and unit population
// standard deviation. Constant volumes are only centered.
func Normalize(v *models.Volume) {
	mean, std := MeanStd(v.Data)
	scale := 1.0
	if std > 0 {
		scale = 1 / std
	}
	for i, d := range v.Data {
		v.Data[i] = float32((float64(d) - mean) * scale)
	}
}

// MeanStd returns the mean and population standard deviation of data. The
// statistics of fixed-size chunks are pooled so the float64 copy stays small.
func MeanStd(data []float32) (mean, std float64) {
	if len(data) == 0 {
		return 0, 0
	}
	buf := make([]float64, 0, min(len(data), normalizeChunk))
	type part struct{ n, mean, variance float64 }
	var parts []part
	for start := 0; start < len(data); start += normalizeChunk {
		end := min(start+normalizeChunk, len(data))
		buf = buf[:0]
		for _, d := range data[start:end] {
			buf = append(buf, float64(d))
		}
		m, v := stat.PopMeanVariance(buf, nil)
		parts = append(parts, part{float64(end - start), m, v})
	}

	total := float64(len(data))
	for _, p := range parts {
		mean += p.n * p.mean
	}
	mean /= total
	var variance float64
	for _, p := range parts {
		d := p.mean - mean
		variance += p.n * (p.variance + d*d)
	}
	return mean, math.Sqrt(variance / total)
}

// Resample interpolates v trilinearly onto a new shape, mapping voxel
// centers so the volume's extent is preserved.
func Resample(v *models.Volume, shape models.Shape) *models.Volume {
	out := models.NewVolume(shape)
	for axis := 0; axis < 3; axis++ {
		out.Spacing[axis] = v.Spacing[axis] * float64(v.Shape[axis]) / float64(shape[axis])
	}

	type tap struct {
		lo, hi int
		w      float64
	}
	taps := func(axis int) []tap {
		in, n := v.Shape[axis], shape[axis]
		scale := float64(in) / float64(n)
		t := make([]tap, n)
		for i := range t {
			src := (float64(i)+0.5)*scale - 0.5
			src = math.Max(0, math.Min(src, float64(in-1)))
			lo := int(math.Floor(src))
			hi := min(lo+1, in-1)
			t[i] = tap{lo, hi, src - float64(lo)}
		}
		return t
	}
	tx, ty, tz := taps(0), taps(1), taps(2)

	for x, a := range tx {
		for y, b := range ty {
			for z, c := range tz {
				c00 := lerp(v.At(a.lo, b.lo, c.lo), v.At(a.lo, b.lo, c.hi), c.w)
				c01 := lerp(v.At(a.lo, b.hi, c.lo), v.At(a.lo, b.hi, c.hi), c.w)
				c10 := lerp(v.At(a.hi, b.lo, c.lo), v.At(a.hi, b.lo, c.hi), c.w)
				c11 := lerp(v.At(a.hi, b.hi, c.lo), v.At(a.hi, b.hi, c.hi), c.w)
				value := (1-a.w)*((1-b.w)*c00+b.w*c01) + a.w*((1-b.w)*c10+b.w*c11)
				out.Set(x, y, z, float32(value))
			}
		}
	}
	return out
}

func lerp(a, b float32, w float64) float64 {
	return float64(a)*(1-w) + float64(b)*w
}

// Binarize sets voxels at or above threshold to 1 and all others to 0.
func Binarize(v *models.Volume, threshold float32) *models.Volume {
	for i, d := range v.Data {
		if d >= threshold {
			v.Data[i] = 1
		} else {
			v.Data[i] = 0
		}
	}
	return v
}
