package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/b0tShaman/neuro-fsdet/dist"
	"github.com/b0tShaman/neuro-fsdet/trainer"
)

// -------- FLAGS -------- //
func parseArgs(argv []string) (trainer.Args, error) {
	fs := flag.NewFlagSet("neuro-fsdet", flag.ContinueOnError)
	var args trainer.Args

	for _, name := range []string{"f", "file"} {
		fs.StringVar(&args.File, name, "net.yaml", "net description file")
	}
	for _, name := range []string{"w", "weight_file"} {
		fs.StringVar(&args.WeightFile, name, "", "weights file to load before training")
	}
	for _, name := range []string{"n", "devices"} {
		fs.IntVar(&args.Devices, name, 1, "number of workers")
	}
	for _, name := range []string{"b", "batch_size"} {
		fs.IntVar(&args.BatchSize, name, 2, "images per worker per step")
	}
	for _, name := range []string{"d", "dataset_dir"} {
		fs.StringVar(&args.DatasetDir, name, "/data/datasets", "root directory of the datasets")
	}
	klog.InitFlags(fs)

	if err := fs.Parse(argv); err != nil {
		return args, err
	}
	if fs.NArg() > 0 {
		return args, errors.Errorf("unexpected arguments %v", fs.Args())
	}
	if args.Devices < 1 {
		return args, errors.Errorf("devices must be at least 1, got %d", args.Devices)
	}
	if args.BatchSize < 1 {
		return args, errors.Errorf("batch_size must be at least 1, got %d", args.BatchSize)
	}
	return args, nil
}

// -------- MAIN -------- //
func main() {
	args, err := parseArgs(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	logger := klog.Background().WithName("train")

	err = run(ctx, logger, args)
	stop()
	if err != nil {
		logger.Error(err, "Training failed")
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func run(ctx context.Context, logger klog.Logger, args trainer.Args) error {
	logger.Info("Device Count", "devices", args.Devices)

	// Created once here so workers never race on it.
	args.LogDir = trainer.LogDir(args.File)
	if err := os.MkdirAll(args.LogDir, 0o755); err != nil {
		return errors.Wrap(err, "create log dir")
	}

	if args.Devices > 1 {
		return dist.Launch(ctx, logger, args.Devices, func(ctx context.Context, comm dist.Comm) error {
			return trainer.Worker(ctx, comm, args, logger)
		})
	}
	return trainer.Worker(ctx, dist.Single(), args, logger)
}
