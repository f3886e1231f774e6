package main

import (
	"reflect"
	"testing"

	"github.com/b0tShaman/neuro-fsdet/trainer"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name string
		argv []string
		want trainer.Args
	}{
		{
			name: "defaults",
			argv: nil,
			want: trainer.Args{File: "net.yaml", Devices: 1, BatchSize: 2, DatasetDir: "/data/datasets"},
		},
		{
			name: "short flags",
			argv: []string{"-f", "configs/voc_split1.yaml", "-w", "base.pkl", "-n", "4", "-b", "8", "-d", "/tmp/ds"},
			want: trainer.Args{File: "configs/voc_split1.yaml", WeightFile: "base.pkl", Devices: 4, BatchSize: 8, DatasetDir: "/tmp/ds"},
		},
		{
			name: "long flags",
			argv: []string{"--file=a.b.yaml", "--weight_file", "w.pkl", "--devices", "2", "--batch_size=1", "--dataset_dir", "ds"},
			want: trainer.Args{File: "a.b.yaml", WeightFile: "w.pkl", Devices: 2, BatchSize: 1, DatasetDir: "ds"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArgs(tt.argv)
			if err != nil {
				t.Fatalf("parseArgs(%v): %v", tt.argv, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseArgs(%v) = %+v, want %+v", tt.argv, got, tt.want)
			}
		})
	}
}

func TestParseArgsRejects(t *testing.T) {
	for _, argv := range [][]string{
		{"-n", "0"},
		{"-b", "-3"},
		{"extra"},
		{"--no_such_flag"},
	} {
		if _, err := parseArgs(argv); err == nil {
			t.Errorf("parseArgs(%v) succeeded, want error", argv)
		}
	}
}

func TestLogDirUsesBasenameBeforeFirstDot(t *testing.T) {
	if got, want := trainer.LogDir("configs/faster_rcnn.fs.yaml"), "logs/faster_rcnn"; got != want {
		t.Errorf("LogDir = %q, want %q", got, want)
	}
}
