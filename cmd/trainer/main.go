// trainer trains the MNIST classifier: it downloads the dataset if needed, trains for the configured
// number of epochs keeping the checkpoint with the best validation accuracy, and reports the test accuracy
// of that checkpoint.
//
// Hyperparameters are given with -config, e.g.:
//
//	trainer -config "epochs=10,learning_rate=3e-4,checkpoint=/tmp/best.ckpt"
package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/gomlx/gomlx/backends"
	"github.com/janpfeifer/mnistdnn/internal/mnist"
	"github.com/janpfeifer/mnistdnn/internal/model"
	"github.com/janpfeifer/mnistdnn/internal/parameters"
	"github.com/janpfeifer/mnistdnn/internal/profilers"
	"github.com/janpfeifer/mnistdnn/internal/trainer"
	"github.com/janpfeifer/mnistdnn/internal/ui/spinning"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
	"os"
	"time"
)

var (
	flagConfig = flag.String("config", "", "Comma-separated key=value hyperparameters, see trainer.Config.ParseParams "+
		"for the keys (e.g. epochs, batch_size, learning_rate, checkpoint).")
	flagData     = flag.String("data", "", "Directory with the MNIST files (downloaded if missing). Overrides data_dir in -config.")
	flagProgress = flag.Bool("progress", true, "Show a progress bar while training each epoch.")
	flagSummary  = flag.Bool("summary", true, "Print a table with the history of the run at the end.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	// Capture Control+C
	ctx, cancel := context.WithCancel(context.Background())
	spinning.SafeInterrupt(cancel, 5*time.Second)
	defer cancel()

	prof := must.M1(profilers.Setup(ctx))
	defer prof.OnQuit()

	config := trainer.DefaultConfig()
	if err := config.ParseParams(parameters.NewFromConfigString(*flagConfig)); err != nil {
		klog.Fatalf("Invalid -config=%q: %+v", *flagConfig, err)
	}
	if *flagData != "" {
		config.DataDir = *flagData
	}
	config.Backend = backends.New()
	klog.Infof("Backend: %s", config.Backend.Description())

	if err := run(ctx, config); err != nil {
		spinning.Reset(os.Stderr)
		klog.Fatalf("Training failed: %+v", err)
	}
}

func run(ctx context.Context, config trainer.Config) error {
	spinner := spinning.New(ctx, os.Stderr, fmt.Sprintf("Loading MNIST from %s", config.DataDir))
	train, test, err := mnist.LoadTrainAndTest(config.DataDir)
	spinner.Done()
	if err != nil {
		return err
	}
	splits, err := trainer.NewSplits(train, test, config)
	if err != nil {
		return err
	}

	m := model.New(config.Backend, config.ModelConfig())
	t, err := trainer.New(m, config)
	if err != nil {
		return err
	}
	result, err := t.WithProgressBar(*flagProgress).Run(ctx, splits)
	if err != nil {
		return err
	}
	if *flagSummary {
		fmt.Println()
		fmt.Println(renderSummary(config, result))
	}
	return nil
}
