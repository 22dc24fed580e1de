// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package convs2s

// TrainConfig holds optimizer and training hyperparameters.
type TrainConfig struct {
	LR          float32 // peak learning rate
	Beta1       float32 // AdamW first moment decay
	Beta2       float32 // AdamW second moment decay
	Eps         float32 // AdamW epsilon (numerical stability)
	WeightDecay float32 // AdamW weight decay coefficient
	GradClip    float32 // max gradient L2 norm
	WarmupSteps int     // linear warmup phase length
	TotalSteps  int     // total training steps (for cosine schedule)
}

// DefaultTrainConfig returns standard training hyperparameters.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		LR:          1e-4,
		Beta1:       0.9,
		Beta2:       0.95,
		Eps:         1e-8,
		WeightDecay: 0.1,
		GradClip:    1.0,
		WarmupSteps: 1000,
		TotalSteps:  100000,
	}
}

// AdamWState holds the first and second moment estimates for one parameter tensor.
type AdamWState struct {
	M *Tensor // first moment (mean of gradients)
	V *Tensor // second moment (mean of squared gradients)
}

// Trainer encapsulates the model, optimizer state, and LR schedule.
type Trainer struct {
	model  *Seq2Seq
	config TrainConfig
	step   int
	states []AdamWState // one per parameter tensor
}

// NewTrainer creates a Trainer with AdamW optimizer state initialized to zero.
func NewTrainer(m *Seq2Seq, cfg TrainConfig) *Trainer {
	params := m.Parameters()
	states := make([]AdamWState, len(params))
	for i, p := range params {
		states[i] = AdamWState{
			M: Zeros(p.Shape(), F32),
			V: Zeros(p.Shape(), F32),
		}
	}
	return &Trainer{model: m, config: cfg, states: states}
}

// GetLR computes the current learning rate using linear warmup + cosine decay.
//
//	warmup:  lr = peak_lr * step / warmup_steps
//	cosine:  lr = min_lr + 0.5*(peak_lr - min_lr)*(1 + cos(pi * progress))
//	min_lr = 0.1 * peak_lr
//
// This schedule ramps up linearly to prevent training instability at the start,
// then smoothly decays to 10% of peak.
func (t *Trainer) GetLR() float32 {
	if t.step < t.config.WarmupSteps {
		return t.config.LR * float32(t.step) / float32(t.config.WarmupSteps)
	}
	progress := float32(t.step-t.config.WarmupSteps) / float32(t.config.TotalSteps-t.config.WarmupSteps)
	if progress > 1.0 {
		progress = 1.0
	}
	minLR := t.config.LR * 0.1
	return minLR + 0.5*(t.config.LR-minLR)*(1.0+CosF32(3.1415927*progress))
}

// Step returns the current training step count.
func (t *Trainer) Step() int { return t.step }

// crossEntropyLoss computes the mean cross-entropy loss over valid positions.
// Targets equal to IgnoreID are skipped; the mean divides by the count of
// valid targets, or by 1 when every target is padding.
//
//	L = -(1/N_valid) * sum_i log(softmax(logits[i])[target[i]])
//
// Numerically stable via log-sum-exp:
//
//	log(softmax(x)_i) = x_i - max(x) - log(sum(exp(x - max(x))))
func crossEntropyLoss(logits *Tensor, targets []int) float32 {
	vocabSize := logits.Shape().At(-1)
	rows := logits.Shape().Numel() / vocabSize
	if rows != len(targets) {
		panic("logit row count does not match target count")
	}
	logitsData := logits.DataPtr()

	totalLoss := float32(0)
	valid := 0
	for i := 0; i < rows; i++ {
		targetIdx := targets[i]
		if targetIdx == IgnoreID {
			continue
		}
		if targetIdx < 0 || targetIdx >= vocabSize {
			panic("target index out of range in crossEntropyLoss")
		}
		row := logitsData[i*vocabSize : (i+1)*vocabSize]

		// Numerical stability: subtract max before exp
		_, maxVal := argmax(row)

		sumExp := float32(0)
		for _, logit := range row {
			sumExp += ExpF32(logit - maxVal)
		}
		// log_prob = logit[target] - max - log(sum_exp)
		totalLoss -= row[targetIdx] - maxVal - LogF32(sumExp)
		valid++
	}

	if valid == 0 {
		valid = 1
	}
	return totalLoss / float32(valid)
}

// crossEntropyGrad computes dL/d(logits) for cross-entropy loss.
//
//	grad[i, v] = (softmax(logits[i])[v] - one_hot(target[i])[v]) / N_valid
//
// Rows whose target is IgnoreID keep a zero gradient.
func crossEntropyGrad(logits *Tensor, targets []int) *Tensor {
	vocabSize := logits.Shape().At(-1)
	rows := logits.Shape().Numel() / vocabSize

	grad := Zeros(logits.Shape(), F32)
	logitsData := logits.DataPtr()
	gradData := grad.DataPtr()

	valid := 0
	for i := 0; i < rows; i++ {
		targetIdx := targets[i]
		if targetIdx == IgnoreID {
			continue
		}
		if targetIdx < 0 || targetIdx >= vocabSize {
			panic("target index out of range in crossEntropyGrad")
		}
		offset := i * vocabSize
		// softmax(logits)[v] - one_hot[v]
		softmaxCore(logitsData[offset:offset+vocabSize], gradData[offset:offset+vocabSize], vocabSize, 1)
		gradData[offset+targetIdx] -= 1.0
		valid++
	}

	if valid == 0 {
		valid = 1
	}
	scale := 1.0 / float32(valid)
	for i := range gradData {
		gradData[i] *= scale
	}
	return grad
}

// clipTensorByGlobalNorm clips the tensor's L2 norm to clipNorm if it exceeds it.
// Modifies the tensor in-place. Returns the original (pre-clip) norm.
//
//	if ||t||_2 > clip_norm:  t = t * (clip_norm / ||t||_2)
func clipTensorByGlobalNorm(t *Tensor, clipNorm float32) float32 {
	if clipNorm <= 0 {
		return 0
	}
	data := t.DataPtr()
	sumSq := float32(0)
	for _, g := range data {
		sumSq += g * g
	}
	norm := SqrtF32(sumSq)
	if norm > clipNorm {
		scale := clipNorm / (norm + 1e-12) // epsilon prevents division by zero
		for i := range data {
			data[i] *= scale
		}
	}
	return norm
}

// TrainStep performs a single training step on one padded batch: forward,
// loss, backward, AdamW update. It returns the batch loss and perplexity.
//
// AdamW update rule per parameter:
//
//	m = beta1 * m + (1 - beta1) * g            -- first moment
//	v = beta2 * v + (1 - beta2) * g^2          -- second moment
//	m_hat = m / (1 - beta1^t)                  -- bias correction
//	v_hat = v / (1 - beta2^t)                  -- bias correction
//	w -= lr * (m_hat / (sqrt(v_hat) + eps) + weight_decay * w)
//
// The weight decay term is applied directly to w (decoupled, hence "AdamW"),
// not added to the gradient.
func (t *Trainer) TrainStep(source, targetIn, targetOut [][]int) (loss, perp float32) {
	t.step++

	// Zero all parameter gradients before forward/backward
	params := t.model.Parameters()
	for _, p := range params {
		p.ZeroGrad()
	}

	// Forward pass
	logits := t.model.Forward(source, targetIn, true)
	targets := flattenIDs(targetOut)
	loss = crossEntropyLoss(logits, targets)

	// Backward pass: computes and stores per-parameter gradients on param.Grad
	t.model.Backward(crossEntropyGrad(logits, targets))

	// Global gradient norm clipping across all parameters
	globalNormSq := float32(0)
	for _, p := range params {
		if p.Grad != nil {
			for _, g := range p.Grad {
				globalNormSq += g * g
			}
		}
	}
	globalNorm := SqrtF32(globalNormSq)

	clipCoeff := float32(1.0)
	if t.config.GradClip > 0 && globalNorm > t.config.GradClip {
		clipCoeff = t.config.GradClip / (globalNorm + 1e-12)
	}

	// AdamW update using actual per-parameter gradients
	lr := t.GetLR()
	mCorr := 1.0 / (1 - PowF32(t.config.Beta1, float32(t.step)))
	vCorr := 1.0 / (1 - PowF32(t.config.Beta2, float32(t.step)))
	b1, b2, eps, wd := t.config.Beta1, t.config.Beta2, t.config.Eps, t.config.WeightDecay

	for i, param := range params {
		// Skip parameters that received no gradient in this backward pass.
		// The decoder's preatt projections never feed the loss (their query
		// product is shadowed before attention), so their Grad stays nil.
		// Skipping them prevents AdamW momentum and weight decay from
		// drifting weights that carry no training signal.
		if param.Grad == nil {
			continue
		}
		paramData := param.DataPtr()
		mData := t.states[i].M.DataPtr()
		vData := t.states[i].V.DataPtr()
		gradSlice := param.Grad

		for j := range paramData {
			grad := gradSlice[j] * clipCoeff
			mData[j] = b1*mData[j] + (1-b1)*grad
			vData[j] = b2*vData[j] + (1-b2)*grad*grad
			paramData[j] -= lr * (mData[j]*mCorr/(SqrtF32(vData[j]*vCorr)+eps) + wd*paramData[j])
		}
	}

	return loss, ExpF32(loss)
}
