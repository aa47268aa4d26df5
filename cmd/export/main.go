// export converts a checkpoint written by trainer into an ONNX graph, with input "input" shaped
// [batch, 1, 28, 28] and output "logits" shaped [batch, 10].
package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/gomlx/gomlx/backends"
	"github.com/janpfeifer/mnistdnn/internal/exporter"
	"github.com/janpfeifer/mnistdnn/internal/parameters"
	"github.com/janpfeifer/mnistdnn/internal/trainer"
	"github.com/janpfeifer/mnistdnn/internal/ui/spinning"
	"k8s.io/klog/v2"
	"os"
	"time"
)

var (
	flagCheckpoint = flag.String("checkpoint", "best.ckpt", "Checkpoint to export.")
	flagOutput     = flag.String("output", "web/public/mnist_dnn.onnx", "Path of the ONNX file to write. Its directory is created if needed.")
	flagConfig     = flag.String("config", "", "Hyperparameters used for training, only the model ones (e.g. batchnorm_epsilon) matter.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	spinning.SafeInterrupt(cancel, 5*time.Second)
	defer cancel()

	config := trainer.DefaultConfig()
	if err := config.ParseParams(parameters.NewFromConfigString(*flagConfig)); err != nil {
		klog.Fatalf("Invalid -config=%q: %+v", *flagConfig, err)
	}
	backend := backends.New()

	spinner := spinning.New(ctx, os.Stderr, fmt.Sprintf("Exporting %s", *flagCheckpoint))
	err := exporter.Export(backend, config.ModelConfig(), *flagCheckpoint, *flagOutput)
	spinner.Done()
	if err != nil {
		klog.Fatalf("Export failed: %+v", err)
	}
	fmt.Printf("exported to %s\n", *flagOutput)
}
