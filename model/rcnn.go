package model

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/pkg/errors"

	"github.com/b0tShaman/neuro-fsdet/data"
	"github.com/b0tShaman/neuro-fsdet/ml"
)

func init() {
	Register("rcnn_fsdet", rcnnBuilder{})
}

type rcnnBuilder struct{}

func (rcnnBuilder) NewConfig() *Config { return DefaultConfig() }

func (rcnnBuilder) NewNet(cfg *Config) (Net, error) { return NewRCNN(cfg) }

const (
	poolGrid    = 4
	channels    = 3
	featDim     = channels * poolGrid * poolGrid
	backboneDim = 64
	headDim     = 64
	bboxBeta    = 1.0
)

// Loss names produced by RCNN.Forward.
const (
	LossTotal    = "total_loss"
	LossRPNCls   = "loss_rpn_cls"
	LossRPNBBox  = "loss_rpn_bbox"
	LossRCNNCls  = "loss_rcnn_cls"
	LossRCNNBBox = "loss_rcnn_bbox"
)

// RCNN is a compact two-stage detector for CPU training. A frozen backbone
// embeds grid-pooled pixels; a frozen proposal head scores whole images; the
// RoI head (fc1, fc2) and the prediction heads classify and refine each
// ground-truth-seeded proposal.
type RCNN struct {
	cfg *Config

	backbone  *ml.Dense
	rpnObj    *ml.Dense
	rpnBox    *ml.Dense
	fc1       *ml.Dense
	fc2       *ml.Dense
	predCls   *ml.Dense
	predDelta *ml.Dense

	params []*ml.Parameter
}

func NewRCNN(cfg *Config) (*RCNN, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, 0x7e11))
	m := &RCNN{
		cfg:       cfg,
		backbone:  ml.NewDense("backbone.stem", featDim, backboneDim, ml.ActRelu, ml.TagFrozen, rng),
		rpnObj:    ml.NewDense("rpn.objectness", backboneDim, 1, ml.ActLinear, ml.TagFrozen, rng),
		rpnBox:    ml.NewDense("rpn.box_delta", backboneDim, 4, ml.ActLinear, ml.TagFrozen, rng),
		fc1:       ml.NewDense("rcnn.fc1", backboneDim, headDim, ml.ActRelu, ml.TagFinetune, rng),
		fc2:       ml.NewDense("rcnn.fc2", headDim, headDim, ml.ActRelu, ml.TagFinetune, rng),
		predCls:   ml.NewDense("rcnn.pred_cls", headDim, cfg.NumClasses+1, ml.ActLinear, ml.TagHead, rng),
		predDelta: ml.NewDense("rcnn.pred_delta", headDim, 4, ml.ActLinear, ml.TagHead, rng),
	}
	for _, d := range []*ml.Dense{m.backbone, m.rpnObj, m.rpnBox, m.fc1, m.fc2, m.predCls, m.predDelta} {
		m.params = append(m.params, d.Parameters()...)
	}
	return m, nil
}

func (m *RCNN) Config() *Config { return m.cfg }

func (m *RCNN) NamedParameters() []*ml.Parameter { return m.params }

func (m *RCNN) String() string {
	var sb strings.Builder
	sb.WriteString("RCNN(\n")
	for _, p := range m.params {
		fmt.Fprintf(&sb, "  %s [%d, %d] %s\n", p.Name, p.Value.Rows(), p.Value.Cols(), p.Tag)
	}
	sb.WriteString(")")
	return sb.String()
}

// roi is one region fed to the RoI head.
type roi struct {
	image    int
	proposal data.Box
	gt       data.Box
	label    int
}

// forwardState keeps what the backward closure needs.
type forwardState struct {
	dObj, dBox   *ml.Matrix // per-image RPN gradients
	dCls, dDelta *ml.Matrix // per-RoI head gradients, nil without RoIs
}

func (m *RCNN) Forward(mb *data.MiniBatch) (*ml.LossDict, error) {
	if err := checkBatch(mb); err != nil {
		return nil, err
	}
	bs := mb.Size()

	// 1. Whole-image features through the frozen backbone
	imgFeat := ml.NewMatrix(bs, featDim)
	for b := 0; b < bs; b++ {
		h, w := mb.ImInfo.At(b, 0), mb.ImInfo.At(b, 1)
		gridPool(mb.Data, b, data.Box{0, 0, w, h}, h, w, imgFeat.Row(b))
	}
	hImg := m.backbone.Forward(imgFeat)

	// 2. Proposal head: objectness + first-box regression per image
	st := &forwardState{}
	obj := m.rpnObj.Forward(hImg)
	boxPred := m.rpnBox.Forward(hImg)
	lossRPNCls, lossRPNBox := m.rpnLosses(mb, obj, boxPred, st)

	// 3. RoI head
	rois, err := m.collectRoIs(mb)
	if err != nil {
		return nil, err
	}
	var lossCls, lossDelta float64
	if len(rois) > 0 {
		roiFeat := ml.NewMatrix(len(rois), featDim)
		for r, ri := range rois {
			h, w := mb.ImInfo.At(ri.image, 0), mb.ImInfo.At(ri.image, 1)
			gridPool(mb.Data, ri.image, ri.proposal, h, w, roiFeat.Row(r))
		}
		x := m.backbone.Forward(roiFeat)
		x = m.fc2.Forward(m.fc1.Forward(x))
		logits := m.predCls.Forward(x)
		deltas := m.predDelta.Forward(x)
		lossCls, lossDelta = roiLosses(rois, logits, deltas, st)
	}

	ld := ml.NewLossDict(func(key string) error { return m.backward(st, key) })
	ld.Put(LossTotal, lossRPNCls+lossRPNBox+lossCls+lossDelta)
	ld.Put(LossRPNCls, lossRPNCls)
	ld.Put(LossRPNBBox, lossRPNBox)
	ld.Put(LossRCNNCls, lossCls)
	ld.Put(LossRCNNBBox, lossDelta)
	return ld, nil
}

func (m *RCNN) backward(st *forwardState, key string) error {
	var wObj, wBox, wCls, wDelta float64
	switch key {
	case LossTotal:
		wObj, wBox, wCls, wDelta = 1, 1, 1, 1
	case LossRPNCls:
		wObj = 1
	case LossRPNBBox:
		wBox = 1
	case LossRCNNCls:
		wCls = 1
	case LossRCNNBBox:
		wDelta = 1
	default:
		return errors.Errorf("rcnn has no loss %q", key)
	}

	// The backbone is a fixed feature extractor, so input gradients of the
	// proposal head are not propagated further.
	if wObj != 0 {
		m.rpnObj.Backward(scaled(st.dObj, wObj))
	}
	if wBox != 0 {
		m.rpnBox.Backward(scaled(st.dBox, wBox))
	}
	if st.dCls == nil || (wCls == 0 && wDelta == 0) {
		return nil
	}
	dX := m.predCls.Backward(scaled(st.dCls, wCls))
	dX.Add(m.predDelta.Backward(scaled(st.dDelta, wDelta)))
	m.fc1.Backward(m.fc2.Backward(dX))
	return nil
}

func scaled(g *ml.Matrix, w float64) *ml.Matrix {
	out := g.Clone()
	if w != 1 {
		out.Scale(w)
	}
	return out
}

func checkBatch(mb *data.MiniBatch) error {
	switch {
	case mb == nil || mb.Data == nil || mb.ImInfo == nil || mb.GTBoxes == nil:
		return errors.New("incomplete mini-batch")
	case len(mb.Data.Shape) != 4 || mb.Data.Shape[1] != channels:
		return errors.Errorf("image tensor must be [B, %d, H, W], got %v", channels, mb.Data.Shape)
	case len(mb.ImInfo.Shape) != 2 || mb.ImInfo.Shape[0] != mb.Data.Shape[0] || mb.ImInfo.Shape[1] != data.ImInfoLen:
		return errors.Errorf("im_info must be [%d, %d], got %v", mb.Data.Shape[0], data.ImInfoLen, mb.ImInfo.Shape)
	case len(mb.GTBoxes.Shape) != 3 || mb.GTBoxes.Shape[0] != mb.Data.Shape[0] || mb.GTBoxes.Shape[2] != data.GTBoxLen:
		return errors.Errorf("gt_boxes must be [%d, N, %d], got %v", mb.Data.Shape[0], data.GTBoxLen, mb.GTBoxes.Shape)
	}
	for b := 0; b < mb.Size(); b++ {
		h, w := mb.ImInfo.At(b, 0), mb.ImInfo.At(b, 1)
		if h < 1 || w < 1 || int(h) > mb.Data.Shape[2] || int(w) > mb.Data.Shape[3] {
			return errors.Errorf("image %d: size %gx%g outside padded tensor %v", b, h, w, mb.Data.Shape)
		}
		if n := mb.NumBoxes(b); n < 0 || n > mb.GTBoxes.Shape[1] {
			return errors.Errorf("image %d: %d boxes but room for %d", b, n, mb.GTBoxes.Shape[1])
		}
	}
	return nil
}

func (m *RCNN) rpnLosses(mb *data.MiniBatch, obj, boxPred *ml.Matrix, st *forwardState) (float64, float64) {
	bs := mb.Size()
	st.dObj = ml.NewMatrix(bs, 1)
	st.dBox = ml.NewMatrix(bs, 4)

	var clsLoss, boxLoss float64
	positives := 0
	for b := 0; b < bs; b++ {
		if mb.NumBoxes(b) > 0 {
			positives++
		}
	}

	for b := 0; b < bs; b++ {
		s := obj.At(b, 0)
		t := 0.0
		if mb.NumBoxes(b) > 0 {
			t = 1.0
		}
		// BCE with logits, numerically stable form
		clsLoss += math.Max(s, 0) - s*t + math.Log1p(math.Exp(-math.Abs(s)))
		st.dObj.Set(b, 0, (ml.Sigmoid(s)-t)/float64(bs))

		if t == 0 {
			continue
		}
		h, w := mb.ImInfo.At(b, 0), mb.ImInfo.At(b, 1)
		target := [4]float64{
			mb.GTBoxes.At(b, 0, 0) / w, mb.GTBoxes.At(b, 0, 1) / h,
			mb.GTBoxes.At(b, 0, 2) / w, mb.GTBoxes.At(b, 0, 3) / h,
		}
		for k := 0; k < 4; k++ {
			l, g := ml.SmoothL1(boxPred.At(b, k)-target[k], bboxBeta)
			boxLoss += l
			st.dBox.Set(b, k, g/float64(positives))
		}
	}
	clsLoss /= float64(bs)
	if positives > 0 {
		boxLoss /= float64(positives)
	}
	return clsLoss, boxLoss
}

func (m *RCNN) collectRoIs(mb *data.MiniBatch) ([]roi, error) {
	var rois []roi
	for b := 0; b < mb.Size(); b++ {
		h, w := mb.ImInfo.At(b, 0), mb.ImInfo.At(b, 1)
		for k := 0; k < mb.NumBoxes(b); k++ {
			gt := data.Box{mb.GTBoxes.At(b, k, 0), mb.GTBoxes.At(b, k, 1), mb.GTBoxes.At(b, k, 2), mb.GTBoxes.At(b, k, 3)}
			label := int(mb.GTBoxes.At(b, k, 4))
			if label < 1 || label > m.cfg.NumClasses {
				return nil, errors.Errorf("image %d box %d: label %d outside [1, %d]", b, k, label, m.cfg.NumClasses)
			}
			if gt.Width() <= 0 || gt.Height() <= 0 {
				return nil, errors.Errorf("image %d box %d: degenerate box %v", b, k, gt)
			}
			rois = append(rois, roi{image: b, proposal: jitter(gt, len(rois), h, w), gt: gt, label: label})
		}
	}
	return rois, nil
}

// jitter derives a deterministic proposal around gt: enlarged by 10% and
// shifted by up to 10% of its size, clipped to the image.
func jitter(gt data.Box, r int, h, w float64) data.Box {
	bw, bh := gt.Width(), gt.Height()
	cx := (gt[0]+gt[2])/2 + 0.1*bw*float64(r%3-1)
	cy := (gt[1]+gt[3])/2 + 0.1*bh*float64((r/3)%3-1)
	hw, hh := 0.55*bw, 0.55*bh

	p := data.Box{
		clamp(cx-hw, 0, w-1), clamp(cy-hh, 0, h-1),
		clamp(cx+hw, 1, w), clamp(cy+hh, 1, h),
	}
	if p[2]-p[0] < 1 {
		p[2] = math.Min(p[0]+1, w)
		p[0] = p[2] - 1
	}
	if p[3]-p[1] < 1 {
		p[3] = math.Min(p[1]+1, h)
		p[1] = p[3] - 1
	}
	return p
}

// encodeDeltas returns the (dx, dy, dw, dh) regression target from p to g.
func encodeDeltas(p, g data.Box) [4]float64 {
	pw, ph := p.Width(), p.Height()
	gw, gh := math.Max(g.Width(), 1e-3), math.Max(g.Height(), 1e-3)
	pcx, pcy := p[0]+pw/2, p[1]+ph/2
	gcx, gcy := g[0]+gw/2, g[1]+gh/2
	return [4]float64{(gcx - pcx) / pw, (gcy - pcy) / ph, math.Log(gw / pw), math.Log(gh / ph)}
}

func roiLosses(rois []roi, logits, deltas *ml.Matrix, st *forwardState) (float64, float64) {
	n := float64(len(rois))
	st.dCls = logits.Clone()
	ml.SoftmaxRow(st.dCls)
	st.dDelta = ml.NewMatrix(len(rois), 4)

	var clsLoss, boxLoss float64
	for r, ri := range rois {
		probs := st.dCls.Row(r)
		clsLoss += -math.Log(math.Max(probs[ri.label], 1e-12))
		// d(CE)/d(logits) = softmax - onehot
		probs[ri.label] -= 1
		for j := range probs {
			probs[j] /= n
		}

		target := encodeDeltas(ri.proposal, ri.gt)
		for k := 0; k < 4; k++ {
			l, g := ml.SmoothL1(deltas.At(r, k)-target[k], bboxBeta)
			boxLoss += l
			st.dDelta.Set(r, k, g/n)
		}
	}
	return clsLoss / n, boxLoss / n
}

// gridPool averages each channel of image b over a poolGrid x poolGrid grid
// laid on box, restricted to the valid (unpadded) h x w area, scaled to [0,1].
func gridPool(t *data.Tensor, b int, box data.Box, h, w float64, out []float64) {
	H, W := t.Shape[2], t.Shape[3]
	validH, validW := min(int(h), H), min(int(w), W)
	x1, y1 := clamp(box[0], 0, float64(validW)), clamp(box[1], 0, float64(validH))
	x2, y2 := clamp(box[2], x1, float64(validW)), clamp(box[3], y1, float64(validH))

	span := func(lo, hi float64, cell, limit int) (int, int) {
		a := lo + (hi-lo)*float64(cell)/poolGrid
		z := lo + (hi-lo)*float64(cell+1)/poolGrid
		i0 := min(max(int(math.Floor(a)), 0), limit-1)
		i1 := min(max(int(math.Ceil(z)), i0+1), limit)
		return i0, i1
	}

	for gy := 0; gy < poolGrid; gy++ {
		ya, yb := span(y1, y2, gy, validH)
		for gx := 0; gx < poolGrid; gx++ {
			xa, xb := span(x1, x2, gx, validW)
			count := float64((yb - ya) * (xb - xa))
			for c := 0; c < channels; c++ {
				sum := 0.0
				for y := ya; y < yb; y++ {
					row := t.Data[t.Offset(b, c, y):]
					for x := xa; x < xb; x++ {
						sum += row[x]
					}
				}
				out[c*poolGrid*poolGrid+gy*poolGrid+gx] = sum / count / 255.0
			}
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
