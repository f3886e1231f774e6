// Package trainer sets up and runs training on one worker: model, optimizer,
// gradient manager, data pipeline and the epoch loop.
package trainer

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/b0tShaman/neuro-fsdet/dist"
	"github.com/b0tShaman/neuro-fsdet/ml"
	"github.com/b0tShaman/neuro-fsdet/model"
)

// Args are the parsed command-line arguments shared by every worker.
type Args struct {
	File       string // net description file
	WeightFile string // optional pretrained weights
	Devices    int
	BatchSize  int // per worker
	DatasetDir string
	// LogDir receives the checkpoints; LogDir(File) when empty. It must exist.
	LogDir string
}

// SelectTrainable returns the parameters the optimizer updates: prediction
// heads always, RoI fully-connected layers once rcnn_finetune_at >= 1.
func SelectTrainable(net model.Net) []*ml.Parameter {
	tags := []ml.Tag{ml.TagHead}
	if net.Config().RCNNFinetuneAt >= 1 {
		tags = append(tags, ml.TagFinetune)
	}
	return ml.SelectByTag(net.NamedParameters(), tags...)
}

// Worker trains the net described by args.File on this rank.
func Worker(ctx context.Context, comm dist.Comm, args Args, logger klog.Logger) error {
	rank, world := comm.Rank(), comm.WorldSize()
	logger = logger.WithValues("rank", rank)
	if args.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", args.BatchSize)
	}

	// 1. Model
	builder, cfg, err := model.LoadDescription(args.File)
	if err != nil {
		return err
	}
	net, err := builder.NewNet(cfg)
	if err != nil {
		return errors.WithMessage(err, "build net")
	}
	if rank == 0 {
		logger.Info("Config\n" + cfg.Info())
		logger.Info("Model\n" + net.String())
	}

	// 2. Optimizer and gradient manager over the trainable subset
	params := SelectTrainable(net)
	opt, err := ml.NewOptimizer(params, ml.OptimizerConfig{
		Type:         cfg.Optimizer,
		LearningRate: cfg.BasicLR * float64(args.BatchSize),
		Momentum:     cfg.Momentum,
		WeightDecay:  cfg.WeightDecay * float64(world),
	})
	if err != nil {
		return err
	}
	gm := ml.NewGradManager()
	if world > 1 {
		gm.Attach(params, dist.AllReduceCallback(comm))
	} else {
		gm.Attach(params)
	}

	// 3. Weights
	if args.WeightFile != "" {
		missing, unexpected, err := ml.LoadPretrained(net, args.WeightFile)
		if err != nil {
			return errors.WithMessagef(err, "load weights %s", args.WeightFile)
		}
		logger.Info("Loaded weights", "file", args.WeightFile, "missing", len(missing), "unexpected", len(unexpected))
		logger.V(1).Info("Weight key report", "missing", missing, "unexpected", unexpected)
	}
	if world > 1 {
		if err := dist.BroadcastParameters(ctx, comm, 0, net.NamedParameters()); err != nil {
			return err
		}
	}

	// 4. Data
	loader, err := BuildDataLoader(cfg, args.BatchSize, args.DatasetDir, comm)
	if err != nil {
		return err
	}
	defer loader.Close()

	logDir := args.LogDir
	if logDir == "" {
		logDir = LogDir(args.File)
	}
	t := &Trainer{
		Net:         net,
		Optimizer:   opt,
		GradManager: gm,
		Comm:        comm,
		Batches:     loader,
		BatchSize:   args.BatchSize,
		LogDir:      logDir,
		Logger:      logger,
	}
	return t.Run(ctx)
}
