package sampler

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"ganregistration/internal/models"
)

// ErrUnknownDataset is returned for dataset variants that are not registered.
var ErrUnknownDataset = errors.New("unknown dataset variant")

// Dataset describes the file layout of one corpus variant. Paths are
// relative to the data root given at load time.
type Dataset struct {
	Name string

	// CropSize is the block extracted for every training sample
	CropSize models.Shape

	// CanonicalShape is the shape every volume is resampled to. When zero
	// the template image's shape is used.
	CanonicalShape models.Shape

	// SubjectImages and SubjectMasks list the subject volumes pairwise
	SubjectImages []string
	SubjectMasks  []string

	// TemplateImage and TemplateMask name dedicated template files. When
	// empty, subject TemplateSubject is removed from the pool instead.
	TemplateImage   string
	TemplateMask    string
	TemplateSubject int

	// TestSubjects are withheld from training, in the order given
	TestSubjects []int

	// FullDepth fixes the Z offset at 0 so crops span the whole stack
	FullDepth bool
}

// Validate checks the internal consistency of the layout.
func (d *Dataset) Validate() error {
	if len(d.SubjectImages) != len(d.SubjectMasks) {
		return fmt.Errorf("dataset %s: %d subject images but %d masks", d.Name, len(d.SubjectImages), len(d.SubjectMasks))
	}
	for _, s := range d.CropSize {
		if s < 1 {
			return fmt.Errorf("dataset %s: invalid crop size %s", d.Name, d.CropSize)
		}
	}
	separate := d.TemplateImage != ""
	if separate != (d.TemplateMask != "") {
		return fmt.Errorf("dataset %s: template image and mask must both be set", d.Name)
	}
	withheld := map[int]bool{}
	if !separate {
		if d.TemplateSubject < 0 || d.TemplateSubject >= len(d.SubjectImages) {
			return fmt.Errorf("dataset %s: template subject %d out of range", d.Name, d.TemplateSubject)
		}
		withheld[d.TemplateSubject] = true
	}
	for _, i := range d.TestSubjects {
		if i < 0 || i >= len(d.SubjectImages) || withheld[i] {
			return fmt.Errorf("dataset %s: invalid test subject %d", d.Name, i)
		}
		withheld[i] = true
	}
	if len(d.SubjectImages)-len(withheld) < 1 {
		return fmt.Errorf("dataset %s: no subjects left for training", d.Name)
	}
	return nil
}

func (d *Dataset) resolve(root, name string) string {
	if filepath.IsAbs(name) || root == "" {
		return name
	}
	return filepath.Join(root, name)
}

var registry = map[string]func() *Dataset{
	"fly":  flyDataset,
	"fish": fishDataset,
}

// LookupDataset returns a fresh copy of a registered variant.
func LookupDataset(name string) (*Dataset, error) {
	build, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownDataset, name, Variants())
	}
	return build(), nil
}

// Variants lists the registered dataset names.
func Variants() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var flySubjects = []string{
	"20161102_32_C1_Scope_1_C1",
	"20161102_32_C3_Scope_4_C1",
	"20161102_32_D1_Scope_1_C1",
	"20161102_32_D2_Scope_1_C1",
	"20161102_32_E1_Scope_1_C1",
	"20161102_32_E3_Scope_4_C1",
	"20161220_31_I1_Scope_2_C1",
	"20161220_31_I2_Scope_6_C1",
	"20161220_31_I3_Scope_6_C1",
	"20161220_32_C1_Scope_3_C1",
	"20161220_32_C3_Scope_3_C1",
	"20170223_32_A2_Scope_3_C1",
	"20170223_32_A3_Scope_3_C1",
	"20170223_32_A6_Scope_2_C1",
	"20170223_32_E1_Scope_3_C1",
	"20170223_32_E2_Scope_3_C1",
	"20170223_32_E3_Scope_3_C1",
	"20170301_31_B1_Scope_1_C1",
	"20170301_31_B3_Scope_1_C1",
	"20170301_31_B5_Scope_1_C1",
}

// flyDataset is the low resolution fly brain corpus registered onto the
// JRC2018 template.
func flyDataset() *Dataset {
	d := &Dataset{
		Name:          "fly",
		CropSize:      models.Shape{64, 64, 64},
		TemplateImage: "JRC2018_lo_normalized.nrrd",
		TemplateMask:  "JRC2018_lo_mask.nrrd",
		TestSubjects:  []int{19, 18, 17},
	}
	for _, s := range flySubjects {
		d.SubjectImages = append(d.SubjectImages, s+"_down_result_normalized.nrrd")
		d.SubjectMasks = append(d.SubjectMasks, s+"_down_result_mask.nrrd")
	}
	return d
}

// fishDataset is the zebrafish anatomy corpus. Subject 4 serves as the
// template and subjects 16 to 18 are held out.
func fishDataset() *Dataset {
	d := &Dataset{
		Name:            "fish",
		CropSize:        models.Shape{40, 40, 40},
		CanonicalShape:  models.Shape{1166, 1996, 40},
		TemplateSubject: 3,
		TestSubjects:    []int{17, 16, 15},
		FullDepth:       true,
	}
	for i := 1; i <= 18; i++ {
		d.SubjectImages = append(d.SubjectImages, fmt.Sprintf("subject_%d_anat_stack_regiprep_pp.nii.gz", i))
		d.SubjectMasks = append(d.SubjectMasks, fmt.Sprintf("subject_%d_anat_stack_regiprep_mask.nii.gz", i))
	}
	return d
}
