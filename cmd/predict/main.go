// predict classifies a handwritten digit image (PNG, JPEG, GIF, BMP or TIFF) with an ONNX graph written
// by export, and shows which regions of the image mattered the most for the prediction.
//
//	predict -model web/public/mnist_dnn.onnx -heatmap /tmp/heat.png digit.png
package main

import (
	"flag"
	"fmt"
	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	"github.com/janpfeifer/mnistdnn/internal/inference"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
	"os"
)

var (
	flagModel   = flag.String("model", "web/public/mnist_dnn.onnx", "ONNX graph written by export.")
	flagTopK    = flag.Int("top", 3, "Number of most probable classes to show.")
	flagTile    = flag.Int("tile", inference.DefaultTile, "Side in pixels of the occluded tiles of the heatmap. Set to 0 to disable the heatmap.")
	flagHeatmap = flag.String("heatmap", "", "If set, saves the heatmap over the preprocessed digit as an image to this path.")
	flagScale   = flag.Int("heatmap_scale", 10, "Scale of the heatmap image saved with -heatmap.")
)

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <image_file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	backend := backends.New()
	klog.V(1).Infof("Backend: %s", backend.Description())
	predictor := must.M1(inference.LoadPredictor(backend, *flagModel))
	img, err := imaging.Open(flag.Arg(0))
	if err != nil {
		klog.Fatalf("Failed to read image: %+v", err)
	}
	pixels := inference.Preprocess(img)
	probs := must.M1(predictor.Predict(pixels))
	fmt.Println(renderDigit(pixels))
	fmt.Println(renderPredictions(inference.TopK(probs, *flagTopK)))

	if *flagTile <= 0 {
		return
	}
	heatmap := must.M1(inference.Occlusion(predictor, pixels, *flagTile))
	fmt.Println(renderHeatmap(heatmap))
	if *flagHeatmap != "" {
		must.M(imaging.Save(heatmap.Image(pixels, *flagScale), *flagHeatmap))
		fmt.Printf("heatmap saved to %s\n", *flagHeatmap)
	}
}
