package ml

import (
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

type testModule struct{ params []*Parameter }

func (m *testModule) NamedParameters() []*Parameter { return m.params }

func newTestModule(seed uint64) *testModule {
	rng := rand.New(rand.NewPCG(seed, 0))
	body := NewDense("rcnn.fc1", 3, 4, ActRelu, TagFinetune, rng)
	head := NewDense("rcnn.pred_cls", 4, 2, ActLinear, TagHead, rng)
	return &testModule{params: append(body.Parameters(), head.Parameters()...)}
}

func TestCheckpointRoundTripIsBitExact(t *testing.T) {
	m := newTestModule(1)
	m.params[0].Value.data[0] = math.SmallestNonzeroFloat64
	m.params[0].Value.data[1] = -0.1

	path := filepath.Join(t.TempDir(), "epoch_3.pkl")
	if err := SaveCheckpoint(path, &Checkpoint{Epoch: 3, StateDict: GetStateDict(m)}); err != nil {
		t.Fatal(err)
	}
	ckpt, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	if ckpt.Epoch != 3 {
		t.Errorf("Epoch = %d", ckpt.Epoch)
	}
	for _, p := range m.params {
		got := ckpt.StateDict[p.Name]
		if got == nil || !reflect.DeepEqual(got.Data(), p.Value.Data()) {
			t.Fatalf("%s did not round-trip", p.Name)
		}
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %v", entries)
	}
}

func TestWithoutDropsPredictionKeys(t *testing.T) {
	sd := GetStateDict(newTestModule(1)).Without(PredHeadMarker)
	for _, k := range sd.Keys() {
		if strings.Contains(k, PredHeadMarker) {
			t.Errorf("key %s survived filtering", k)
		}
	}
	if want := []string{"rcnn.fc1.bias", "rcnn.fc1.weight"}; !reflect.DeepEqual(sd.Keys(), want) {
		t.Errorf("Keys = %v, want %v", sd.Keys(), want)
	}
}

func TestLoadPretrainedSkipsHeads(t *testing.T) {
	src, dst := newTestModule(1), newTestModule(2)
	path := filepath.Join(t.TempDir(), "base.pkl")
	sd := GetStateDict(src)
	sd["rpn.extra.weight"] = NewMatrix(1, 1)
	if err := SaveCheckpoint(path, &Checkpoint{StateDict: sd}); err != nil {
		t.Fatal(err)
	}
	headBefore := dst.params[2].Value.Clone()

	missing, unexpected, err := LoadPretrained(dst, path)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"rcnn.pred_cls.weight", "rcnn.pred_cls.bias"}; !reflect.DeepEqual(missing, want) {
		t.Errorf("missing = %v, want %v", missing, want)
	}
	if want := []string{"rpn.extra.weight"}; !reflect.DeepEqual(unexpected, want) {
		t.Errorf("unexpected = %v, want %v", unexpected, want)
	}
	if !reflect.DeepEqual(dst.params[0].Value.Data(), src.params[0].Value.Data()) {
		t.Error("body weights were not loaded")
	}
	if !reflect.DeepEqual(dst.params[2].Value.Data(), headBefore.Data()) {
		t.Error("prediction head was overwritten")
	}
}

func TestLoadStateDictStrictAndShapes(t *testing.T) {
	m := newTestModule(1)
	sd := GetStateDict(newTestModule(2))
	delete(sd, "rcnn.fc1.bias")
	if _, _, err := LoadStateDict(m, sd, true); err == nil {
		t.Error("strict load with a missing key succeeded")
	}

	before := m.params[0].Value.Clone()
	sd = GetStateDict(newTestModule(2))
	sd["rcnn.pred_cls.bias"] = NewMatrix(1, 7)
	if _, _, err := LoadStateDict(m, sd, false); err == nil {
		t.Fatal("shape mismatch accepted")
	}
	if !reflect.DeepEqual(m.params[0].Value.Data(), before.Data()) {
		t.Error("failed load modified parameters")
	}
}

func TestSelectByTag(t *testing.T) {
	m := newTestModule(1)
	if got := SelectByTag(m.params, TagHead); len(got) != 2 || got[0].Name != "rcnn.pred_cls.weight" {
		t.Errorf("heads = %v", got)
	}
	if got := SelectByTag(m.params, TagHead, TagFinetune); len(got) != 4 || got[0].Name != "rcnn.fc1.weight" {
		t.Errorf("heads+finetune = %d params", len(got))
	}
	if got := SelectByTag(m.params, TagFrozen); len(got) != 0 {
		t.Errorf("frozen = %v", got)
	}
}
