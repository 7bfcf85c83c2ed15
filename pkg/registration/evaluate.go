package registration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"ganregistration/internal/models"
	"ganregistration/pkg/logging"
	"ganregistration/pkg/sampler"
	"ganregistration/pkg/tensor"
	"ganregistration/pkg/visualization"
)

// Evaluation compares one registered test crop with the template.
type Evaluation struct {
	Epoch int

	// Subject is the index of the evaluated volume in its pool
	Subject int
	Mode    sampler.Mode

	// Before compares the unregistered subject with the template, After the
	// warped subject
	Before, After Similarity

	// Files lists the exported slice images
	Files []string
}

// Similarity holds voxel-wise agreement between two crops.
type Similarity struct {
	RMSE        float64
	Correlation float64
}

func similarity(a, b []float32) Similarity {
	x := make([]float64, len(a))
	y := make([]float64, len(b))
	for i := range a {
		x[i], y[i] = float64(a[i]), float64(b[i])
	}
	s := Similarity{RMSE: floats.Distance(x, y, 2) / math.Sqrt(float64(len(x)))}
	if stat.StdDev(x, nil) > 0 && stat.StdDev(y, nil) > 0 {
		s.Correlation = stat.Correlation(x, y, nil)
	}
	return s
}

// maskedCenter crops the generator-sized block at the center of image and
// multiplies it with the same block of mask.
func maskedCenter(image, mask *models.Volume, size models.Shape) (*tensor.Tensor, error) {
	var offset models.Offset
	for a := range offset {
		if image.Shape[a] < size[a] {
			return nil, fmt.Errorf("%w: crop %s, volume %s", sampler.ErrCropTooLarge, size, image.Shape)
		}
		offset[a] = (image.Shape[a] - size[a]) / 2
	}
	out := tensor.New(1, 1, size[0], size[1], size[2])
	m := make([]float32, size.Len())
	if err := image.Crop(out.Data, offset, size); err != nil {
		return nil, err
	}
	if err := mask.Crop(m, offset, size); err != nil {
		return nil, err
	}
	for i := range out.Data {
		out.Data[i] *= m[i]
	}
	return out, nil
}

func tensorVolume(t *tensor.Tensor) *models.Volume {
	_, _, x, y, z := t.Dims5()
	v := models.NewVolume(models.Shape{x, y, z})
	copy(v.Data, t.Data)
	return v
}

// Evaluate registers the center of one withheld test volume, or of a
// training volume when no test volumes exist, and measures its agreement
// with the template before and after warping. When a sample directory is
// configured the central slices of template, subject and warped subject
// are exported.
func (t *Trainer) Evaluate(epoch int) (*Evaluation, error) {
	mode := sampler.ModeTest
	if len(t.corpus.TestImages) == 0 {
		mode = sampler.ModeValidation
	}
	idx, image, mask, err := t.sampler.SampleSingle(mode)
	if err != nil {
		return nil, err
	}
	size := models.Shape{t.Generator.Plan.Input, t.Generator.Plan.Input, t.Generator.Plan.Input}
	subject, err := maskedCenter(image, mask, size)
	if err != nil {
		return nil, err
	}
	template, err := maskedCenter(t.corpus.Template, t.corpus.TemplateMask, size)
	if err != nil {
		return nil, err
	}

	_, warped, err := t.Predict(subject, template)
	if err != nil {
		return nil, err
	}
	ref, err := t.centerCrop(template)
	if err != nil {
		return nil, err
	}
	before, err := t.centerCrop(subject)
	if err != nil {
		return nil, err
	}

	ev := &Evaluation{
		Epoch:   epoch,
		Subject: idx,
		Mode:    mode,
		Before:  similarity(before.Data, ref.Data),
		After:   similarity(warped.Data, ref.Data),
	}

	if dir := t.cfg.Output.SampleDir; dir != "" {
		refVol := tensorVolume(ref)
		window := visualization.NewViewer(refVol)
		lo, hi := window.Window()
		for _, out := range []struct {
			name string
			vol  *models.Volume
		}{
			{"template", refVol},
			{"subject", tensorVolume(before)},
			{"warped", tensorVolume(warped)},
		} {
			viewer := visualization.NewViewer(out.vol)
			viewer.SetWindow(lo, hi)
			files, err := viewer.SaveCenterSlices(dir, fmt.Sprintf("epoch%04d_%s%d_%s", epoch, mode, idx, out.name))
			if err != nil {
				return ev, err
			}
			ev.Files = append(ev.Files, files...)
		}
	}

	logging.Infof("Evaluation epoch %d (%s volume %d): RMSE %.4f -> %.4f, correlation %.4f -> %.4f\n",
		epoch, mode, idx, ev.Before.RMSE, ev.After.RMSE, ev.Before.Correlation, ev.After.Correlation)
	return ev, nil
}
