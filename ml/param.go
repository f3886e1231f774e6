package ml

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Tag is the training capability a model assigns to a parameter when it is
// constructed. Trainers select parameter subsets by tag instead of by name.
type Tag int

const (
	// TagFrozen parameters are never updated (backbone, proposal head).
	TagFrozen Tag = iota
	// TagFinetune parameters are updated only when a finetune stage is enabled.
	TagFinetune
	// TagHead parameters are always updated (prediction heads).
	TagHead
)

func (t Tag) String() string {
	switch t {
	case TagFrozen:
		return "frozen"
	case TagFinetune:
		return "finetune"
	case TagHead:
		return "head"
	default:
		return "unknown"
	}
}

// Parameter is a named trainable tensor plus its accumulated gradient.
type Parameter struct {
	Name  string
	Value *Matrix
	Grad  *Matrix
	Tag   Tag
}

func NewParameter(name string, rows, cols int, tag Tag) *Parameter {
	return &Parameter{Name: name, Value: NewMatrix(rows, cols), Tag: tag}
}

// AccumulateGrad adds g into the parameter gradient, allocating it on first use.
func (p *Parameter) AccumulateGrad(g *Matrix) {
	if p.Grad == nil {
		p.Grad = NewMatrix(p.Value.rows, p.Value.cols)
	}
	p.Grad.Add(g)
}

// EnsureGrad allocates a zero gradient if none has been accumulated.
func (p *Parameter) EnsureGrad() *Matrix {
	if p.Grad == nil {
		p.Grad = NewMatrix(p.Value.rows, p.Value.cols)
	}
	return p.Grad
}

// ClearGrad drops the accumulated gradient.
func (p *Parameter) ClearGrad() {
	p.Grad = nil
}

// Module is anything exposing its parameters in a stable order.
type Module interface {
	NamedParameters() []*Parameter
}

// SelectByTag returns the parameters whose tag is in tags, preserving order.
func SelectByTag(params []*Parameter, tags ...Tag) []*Parameter {
	var out []*Parameter
	for _, p := range params {
		for _, t := range tags {
			if p.Tag == t {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// StateDict maps parameter names to value snapshots.
type StateDict map[string]*Matrix

// Keys returns the sorted key set.
func (sd StateDict) Keys() []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Without returns a copy of sd minus every key containing marker.
func (sd StateDict) Without(marker string) StateDict {
	out := make(StateDict, len(sd))
	for k, v := range sd {
		if strings.Contains(k, marker) {
			continue
		}
		out[k] = v
	}
	return out
}

// GetStateDict snapshots every parameter of m.
func GetStateDict(m Module) StateDict {
	params := m.NamedParameters()
	sd := make(StateDict, len(params))
	for _, p := range params {
		sd[p.Name] = p.Value.Clone()
	}
	return sd
}

// LoadStateDict copies the values in sd into m's parameters.
// In strict mode any missing or unexpected key is an error; otherwise they
// are reported back. A shape mismatch on a shared key is always an error and
// leaves m untouched.
func LoadStateDict(m Module, sd StateDict, strict bool) (missing, unexpected []string, err error) {
	params := m.NamedParameters()
	known := make(map[string]bool, len(params))

	// --- VALIDATION STEP ---
	for _, p := range params {
		known[p.Name] = true
		v, ok := sd[p.Name]
		if !ok {
			missing = append(missing, p.Name)
			continue
		}
		if !p.Value.SameShape(v) {
			return nil, nil, errors.Errorf("parameter %s shape mismatch: expected [%d, %d], got [%d, %d]",
				p.Name, p.Value.rows, p.Value.cols, v.rows, v.cols)
		}
	}
	for _, k := range sd.Keys() {
		if !known[k] {
			unexpected = append(unexpected, k)
		}
	}
	if strict && (len(missing) > 0 || len(unexpected) > 0) {
		return missing, unexpected, errors.Errorf("strict load: %d missing keys, %d unexpected keys",
			len(missing), len(unexpected))
	}

	// --- APPLICATION STEP ---
	for _, p := range params {
		if v, ok := sd[p.Name]; ok {
			p.Value.CopyFrom(v)
		}
	}
	return missing, unexpected, nil
}
