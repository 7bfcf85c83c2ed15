package registration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/dustin/go-humanize"

	"ganregistration/internal/models"
	"ganregistration/pkg/checkpoint"
	"ganregistration/pkg/config"
	"ganregistration/pkg/logging"
	"ganregistration/pkg/nn"
	"ganregistration/pkg/optimizer"
	"ganregistration/pkg/sampler"
	"ganregistration/pkg/tensor"
)

// Generator layout shared by every variant.
const (
	generatorKernel = 3
	generatorPool   = 2
	generatorLevels = 2
)

// ErrNotReady is returned when training is requested in the wrong state.
var ErrNotReady = errors.New("trainer is not ready")

// State is the lifecycle stage of a Trainer.
type State int

const (
	StateIdle State = iota
	StateReady
	StateTraining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateTraining:
		return "training"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StepStats are the losses of one discriminator and generator update.
type StepStats struct {
	DiscLoss     float64
	DiscAccuracy float64

	// GenLoss is Adversarial + PenaltyWeight * Penalty
	GenLoss     float64
	Adversarial float64
	Penalty     float64
}

// EpochStats are the batch means of one epoch.
type EpochStats struct {
	Epoch        int
	Batches      int
	DiscLoss     float64
	DiscAccuracy float64
	GenLoss      float64
	Penalty      float64
	Duration     time.Duration

	// Evaluation is set on sampling epochs
	Evaluation *Evaluation
}

// Trainer alternates discriminator and generator updates over a corpus.
type Trainer struct {
	Generator     *Generator
	Discriminator *Discriminator

	cfg     *config.Config
	corpus  *sampler.Corpus
	sampler *sampler.Sampler
	genOpt  *optimizer.Adam
	discOpt *optimizer.Adam

	runID string
	state State
	epoch int
}

// PlanCrop returns the generator layout for crop. Crops must be cubic and
// large enough to survive every valid convolution.
func PlanCrop(crop models.Shape) (ShapePlan, error) {
	if crop[0] != crop[1] || crop[0] != crop[2] {
		return ShapePlan{}, fmt.Errorf("%w: crop %s is not cubic", ErrInvalidPlan, crop)
	}
	return PlanGenerator(crop[0], generatorKernel, generatorPool, generatorLevels)
}

// NewTrainer builds both networks and their optimizers for corpus. The
// crop size must be cubic and large enough for the generator layout.
func NewTrainer(corpus *sampler.Corpus, cfg *config.Config) (*Trainer, error) {
	if corpus == nil {
		return nil, fmt.Errorf("%w: no corpus loaded", ErrNotReady)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	crop := corpus.CropSize
	plan, err := PlanCrop(crop)
	if err != nil {
		return nil, err
	}

	seed := cfg.Dataset.Seed
	rng := rand.New(rand.NewPCG(seed^0x5851f42d4c957f2d, seed))
	gen, err := NewGenerator(plan, cfg.Model.GeneratorFilters, cfg.Model.FieldChannels, rng)
	if err != nil {
		return nil, err
	}
	disc, err := NewDiscriminator(cfg.Model.DiscriminatorFilters, rng)
	if err != nil {
		return nil, err
	}

	adamCfg := optimizer.DefaultAdamConfig()
	adamCfg.LearningRate = cfg.Training.LearningRate
	adamCfg.Beta1 = cfg.Training.Beta1
	adamCfg.Beta2 = cfg.Training.Beta2
	genOpt, err := optimizer.NewAdam(adamCfg, gen)
	if err != nil {
		return nil, fmt.Errorf("generator optimizer: %w", err)
	}
	discOpt, err := optimizer.NewAdam(adamCfg, disc)
	if err != nil {
		return nil, fmt.Errorf("discriminator optimizer: %w", err)
	}

	s, err := sampler.New(corpus, sampler.Options{
		MaskThreshold:     cfg.Dataset.MaskThreshold,
		AcceptProbability: cfg.Dataset.AcceptProbability,
		MaxAttempts:       cfg.Dataset.MaxAttempts,
		Seed:              seed,
	})
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		Generator:     gen,
		Discriminator: disc,
		cfg:           cfg,
		corpus:        corpus,
		sampler:       s,
		genOpt:        genOpt,
		discOpt:       discOpt,
		runID:         checkpoint.NewRunID(),
		state:         StateReady,
	}
	logging.Infof("Run %s: generator %s -> %d voxel field (%s weights), discriminator %s weights\n",
		t.runID, crop, plan.Output,
		humanize.Comma(int64(nn.CountParams(gen))), humanize.Comma(int64(nn.CountParams(disc))))
	return t, nil
}

// RunID identifies the training run in checkpoints.
func (t *Trainer) RunID() string {
	return t.runID
}

// State returns the lifecycle stage.
func (t *Trainer) State() State {
	return t.state
}

// Epoch returns the number of completed epochs.
func (t *Trainer) Epoch() int {
	return t.epoch
}

// Sampler returns the batch source used for training.
func (t *Trainer) Sampler() *sampler.Sampler {
	return t.sampler
}

func (t *Trainer) fieldSize() [3]int {
	o := t.Generator.Plan.Output
	return [3]int{o, o, o}
}

// centerCrop returns the centered block of x with the field's extent.
func (t *Trainer) centerCrop(x *tensor.Tensor) (*tensor.Tensor, error) {
	g := nn.NewGraph(false)
	n, err := CenterCrop(g, g.Input(x), t.fieldSize())
	if err != nil {
		return nil, err
	}
	return n.Value, nil
}

// Reference returns the field-sized center of the template crops.
func (t *Trainer) Reference(templates *tensor.Tensor) (*tensor.Tensor, error) {
	return t.centerCrop(templates)
}

// RealPair builds the positive discriminator example: a blend of template
// and subject centers weighted by ReferenceAlpha, paired with the reference.
func (t *Trainer) RealPair(subjects, templates *tensor.Tensor) (a, b *tensor.Tensor, err error) {
	subjCenter, err := t.centerCrop(subjects)
	if err != nil {
		return nil, nil, err
	}
	ref, err := t.centerCrop(templates)
	if err != nil {
		return nil, nil, err
	}
	alpha := float32(t.cfg.Training.ReferenceAlpha)
	a = ref.Clone()
	a.Scale(alpha)
	if err := a.AddScaled(1-alpha, subjCenter); err != nil {
		return nil, nil, err
	}
	return a, ref, nil
}

// Predict runs the generator in inference mode and warps the subjects with
// the predicted field.
func (t *Trainer) Predict(subjects, templates *tensor.Tensor) (field, warped *tensor.Tensor, err error) {
	g := nn.NewGraph(false)
	s := g.Input(subjects)
	phi, err := t.Generator.Forward(g, s, g.Input(templates))
	if err != nil {
		return nil, nil, err
	}
	w, err := Warp(g, s, phi)
	if err != nil {
		return nil, nil, err
	}
	return phi.Value, w.Value, nil
}

// DiscriminatorStep trains the discriminator on one real batch labelled 1
// and one fake batch labelled 0. It returns the mean loss and accuracy.
func (t *Trainer) DiscriminatorStep(realA, realB, fakeA, fakeB *tensor.Tensor) (loss, accuracy float64, err error) {
	nn.SetTrainable(t.Discriminator, true)
	for _, pair := range []struct {
		a, b  *tensor.Tensor
		label float32
	}{{realA, realB, 1}, {fakeA, fakeB, 0}} {
		g := nn.NewGraph(true)
		scores, err := t.Discriminator.Forward(g, g.Input(pair.a), g.Input(pair.b))
		if err != nil {
			return 0, 0, err
		}
		labels := tensor.Full(pair.label, scores.Shape()...)
		bce, err := nn.BinaryCrossEntropy(g, scores, labels)
		if err != nil {
			return 0, 0, err
		}
		if err := g.Backward(bce); err != nil {
			return 0, 0, err
		}
		t.discOpt.Step()
		loss += 0.5 * float64(bce.Value.Data[0])
		accuracy += 0.5 * Accuracy(scores.Value, labels)
	}
	return loss, accuracy, nil
}

// GeneratorStep trains the generator through the frozen discriminator. The
// adversarial term pushes the score of (warped subject, reference) towards
// 1 and the gradient penalty keeps the field smooth.
func (t *Trainer) GeneratorStep(subjects, templates, reference *tensor.Tensor) (StepStats, error) {
	var stats StepStats
	nn.SetTrainable(t.Discriminator, false)
	defer nn.SetTrainable(t.Discriminator, true)

	g := nn.NewGraph(true)
	s := g.Input(subjects)
	phi, err := t.Generator.Forward(g, s, g.Input(templates))
	if err != nil {
		return stats, err
	}
	warped, err := Warp(g, s, phi)
	if err != nil {
		return stats, err
	}
	scores, err := t.Discriminator.Forward(g, warped, g.Input(reference))
	if err != nil {
		return stats, err
	}
	adv, err := AdversarialLoss(g, scores, tensor.ZerosLike(scores.Value))
	if err != nil {
		return stats, err
	}
	penalty, err := GradientPenalty(g, phi)
	if err != nil {
		return stats, err
	}
	loss, err := nn.WeightedSum(g, []*nn.Node{adv, penalty}, []float64{1, t.cfg.Training.PenaltyWeight})
	if err != nil {
		return stats, err
	}
	if err := g.Backward(loss); err != nil {
		return stats, err
	}
	t.genOpt.Step()

	stats.GenLoss = float64(loss.Value.Data[0])
	stats.Adversarial = float64(adv.Value.Data[0])
	stats.Penalty = float64(penalty.Value.Data[0])
	return stats, nil
}

// TrainStep runs one discriminator and one generator update on a batch.
func (t *Trainer) TrainStep(b *sampler.Batch) (StepStats, error) {
	realA, realB, err := t.RealPair(b.Subjects, b.Templates)
	if err != nil {
		return StepStats{}, err
	}
	_, warped, err := t.Predict(b.Subjects, b.Templates)
	if err != nil {
		return StepStats{}, err
	}
	dLoss, dAcc, err := t.DiscriminatorStep(realA, realB, warped, realB)
	if err != nil {
		return StepStats{}, fmt.Errorf("discriminator step: %w", err)
	}
	stats, err := t.GeneratorStep(b.Subjects, b.Templates, realB)
	if err != nil {
		return stats, fmt.Errorf("generator step: %w", err)
	}
	stats.DiscLoss, stats.DiscAccuracy = dLoss, dAcc
	return stats, nil
}

// Train runs the configured number of epochs. Each epoch draws
// BatchesPerEpoch batches. Cancelling ctx stops at the next batch.
func (t *Trainer) Train(ctx context.Context) ([]EpochStats, error) {
	if t.state != StateReady {
		return nil, fmt.Errorf("%w: state %s", ErrNotReady, t.state)
	}
	t.state = StateTraining
	defer func() {
		if t.state == StateTraining {
			t.state = StateReady
		}
	}()

	epochs := t.cfg.Training.Epochs
	var history []EpochStats
	for t.epoch < epochs {
		stats, err := t.runEpoch(ctx, t.epoch+1)
		if err != nil {
			return history, err
		}
		t.epoch++

		out := t.cfg.Output
		if out.SampleDir != "" && out.SampleEvery > 0 && t.epoch%out.SampleEvery == 0 {
			ev, err := t.Evaluate(t.epoch)
			if err != nil {
				logging.Warningf("Evaluation after epoch %d failed: %v\n", t.epoch, err)
			} else {
				stats.Evaluation = ev
			}
		}
		if out.CheckpointDir != "" && out.CheckpointEvery > 0 && (t.epoch%out.CheckpointEvery == 0 || t.epoch == epochs) {
			if err := t.SaveCheckpoint(checkpoint.Path(out.CheckpointDir, t.runID, t.epoch)); err != nil {
				return history, err
			}
		}
		history = append(history, stats)
	}
	t.state = StateDone
	return history, nil
}

func (t *Trainer) runEpoch(ctx context.Context, epoch int) (EpochStats, error) {
	start := time.Now()
	stats := EpochStats{Epoch: epoch}
	total := t.corpus.BatchesPerEpoch()
	for b, err := range t.sampler.Batches(ctx) {
		if err != nil {
			return stats, err
		}
		step, err := t.TrainStep(b)
		if err != nil {
			return stats, fmt.Errorf("epoch %d batch %d: %w", epoch, stats.Batches, err)
		}
		if !finite(step.DiscLoss) || !finite(step.GenLoss) {
			return stats, fmt.Errorf("epoch %d batch %d: loss diverged (D %g, G %g)", epoch, stats.Batches, step.DiscLoss, step.GenLoss)
		}
		stats.Batches++
		stats.DiscLoss += step.DiscLoss
		stats.DiscAccuracy += step.DiscAccuracy
		stats.GenLoss += step.GenLoss
		stats.Penalty += step.Penalty
		logging.Debugf("[Epoch %d/%d] [Batch %d/%d] [D loss: %f, acc: %3d%%] [G loss: %f, penalty: %f]\n",
			epoch, t.cfg.Training.Epochs, stats.Batches, total,
			step.DiscLoss, int(100*step.DiscAccuracy), step.GenLoss, step.Penalty)
	}
	if stats.Batches > 0 {
		n := float64(stats.Batches)
		stats.DiscLoss /= n
		stats.DiscAccuracy /= n
		stats.GenLoss /= n
		stats.Penalty /= n
	}
	stats.Duration = time.Since(start)
	logging.Infof("[Epoch %d/%d] [D loss: %f, acc: %3d%%] [G loss: %f] %d batches in %s\n",
		epoch, t.cfg.Training.Epochs, stats.DiscLoss, int(100*stats.DiscAccuracy), stats.GenLoss,
		stats.Batches, stats.Duration.Round(time.Millisecond))
	return stats, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (t *Trainer) params() []*nn.Param {
	return append(t.Generator.Params(), t.Discriminator.Params()...)
}

// Checkpoint name prefixes of the optimizer state.
const (
	genOptPrefix  = "opt.g"
	discOptPrefix = "opt.d"
)

func (t *Trainer) optimizerState() []*nn.Param {
	return append(t.genOpt.State(genOptPrefix), t.discOpt.State(discOptPrefix)...)
}

func (t *Trainer) resetOptimizers() {
	for _, p := range t.optimizerState() {
		p.Value.Zero()
	}
	t.genOpt.StepCount, t.discOpt.StepCount = 0, 0
}

// SaveCheckpoint writes the parameters of both networks and the state of
// both optimizers to path.
func (t *Trainer) SaveCheckpoint(path string) error {
	c := checkpoint.New(t.runID, t.epoch, append(t.params(), t.optimizerState()...))
	c.Counters[genOptPrefix+".steps"] = t.genOpt.StepCount
	c.Counters[discOptPrefix+".steps"] = t.discOpt.StepCount
	return checkpoint.Save(path, c)
}

// LoadCheckpoint restores both networks, the optimizers and the epoch
// counter from path. A checkpoint without optimizer state restores the
// networks only and restarts the optimizers.
func (t *Trainer) LoadCheckpoint(path string) error {
	c, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	if err := c.Restore(t.params()); err != nil {
		return err
	}
	genSteps, ok1 := c.Counters[genOptPrefix+".steps"]
	discSteps, ok2 := c.Counters[discOptPrefix+".steps"]
	switch err := c.Restore(t.optimizerState()); {
	case err == nil && ok1 && ok2:
		t.genOpt.StepCount, t.discOpt.StepCount = genSteps, discSteps
	case err == nil || errors.Is(err, checkpoint.ErrMissingParam):
		logging.Warningf("Checkpoint %s has no optimizer state, optimizers restart\n", path)
		t.resetOptimizers()
	default:
		return err
	}
	t.epoch = c.Epoch
	logging.Infof("Resumed run %s from %s at epoch %d\n", c.RunID, path, c.Epoch)
	return nil
}
