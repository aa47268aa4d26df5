// Package mnist provides the MNIST handwritten digits corpus: download-or-cache of the original IDX
// files, decoding, normalization and the deterministic train/validation split.
package mnist

import (
	"compress/gzip"
	"encoding/binary"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/pkg/errors"
	"io"
	"k8s.io/klog/v2"
	"math/rand"
	"net/url"
	"os"
	"path"
)

const (
	downloadURL         = "https://storage.googleapis.com/cvdf-datasets/mnist"
	trainImagesFilename = "train-images-idx3-ubyte.gz"
	trainLabelsFilename = "train-labels-idx1-ubyte.gz"
	testImagesFilename  = "t10k-images-idx3-ubyte.gz"
	testLabelsFilename  = "t10k-labels-idx1-ubyte.gz"

	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

const (
	// Width and Height of the images.
	Width, Height = 28, 28

	// NumPixels in one image, the length of a flattened example.
	NumPixels = Width * Height

	// NumClasses is the number of digits.
	NumClasses = 10

	// Mean and StdDev of the training pixels (in [0,1]), used to normalize inputs.
	Mean, StdDev = 0.1307, 0.3081

	// TrainSize and TestSize are the number of examples in the original corpora.
	TrainSize, TestSize = 60000, 10000
)

// ErrDataUnavailable is returned (wrapped) when the dataset can't be fetched or read.
var ErrDataUnavailable = errors.New("dataset unavailable")

// Split names the two corpora distributed by MNIST.
type Split string

const (
	SplitTrain Split = "train"
	SplitTest  Split = "test"
)

var splitFiles = map[Split][2]string{
	SplitTrain: {trainImagesFilename, trainLabelsFilename},
	SplitTest:  {testImagesFilename, testLabelsFilename},
}

// Source is anything that can be indexed for normalized examples.
// Both Corpus and Subset implement it.
type Source interface {
	// Len returns the number of examples.
	Len() int

	// Example returns the flattened normalized image (NumPixels values) and the label of example idx.
	// The returned slice must not be modified.
	Example(idx int) (image []float32, label int32)
}

// Corpus holds a fully decoded and normalized split in memory.
type Corpus struct {
	Name   string
	Images []float32 // NumPixels values per example.
	Labels []int32
}

var (
	_ Source = (*Corpus)(nil)
	_ Source = (*Subset)(nil)
)

// Len implements Source.
func (c *Corpus) Len() int { return len(c.Labels) }

// Example implements Source.
func (c *Corpus) Example(idx int) ([]float32, int32) {
	return c.Images[idx*NumPixels : (idx+1)*NumPixels], c.Labels[idx]
}

// Normalize converts a raw pixel intensity to the model input space.
func Normalize(pixel byte) float32 {
	return NormalizeIntensity(float32(pixel) / 255)
}

// NormalizeIntensity converts an intensity in [0,1] to the model input space.
func NormalizeIntensity(intensity float32) float32 {
	return (intensity - Mean) / StdDev
}

// Download the MNIST files to baseDir, if they are not there yet.
func Download(baseDir string) error {
	baseDir = data.ReplaceTildeInDir(baseDir)
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return errors.Wrapf(ErrDataUnavailable, "creating data directory %q: %v", baseDir, err)
	}
	for _, files := range splitFiles {
		for _, file := range files {
			fileURL, _ := url.JoinPath(downloadURL, file)
			filePath := path.Join(baseDir, file)
			if err := data.DownloadIfMissing(fileURL, filePath, ""); err != nil {
				return errors.Wrapf(ErrDataUnavailable, "downloading %q: %v", fileURL, err)
			}
		}
	}
	return nil
}

// Load reads and normalizes the given split from baseDir. Files must already be there, see Download.
func Load(baseDir string, split Split) (*Corpus, error) {
	files, found := splitFiles[split]
	if !found {
		return nil, errors.Errorf("unknown MNIST split %q", split)
	}
	baseDir = data.ReplaceTildeInDir(baseDir)
	pixels, numImages, err := loadImageFile(path.Join(baseDir, files[0]))
	if err != nil {
		return nil, err
	}
	labels, err := loadLabelFile(path.Join(baseDir, files[1]))
	if err != nil {
		return nil, err
	}
	if len(labels) != numImages {
		return nil, errors.Wrapf(ErrDataUnavailable, "split %q has %d images but %d labels", split, numImages, len(labels))
	}
	corpus := &Corpus{
		Name:   string(split),
		Images: make([]float32, len(pixels)),
		Labels: labels,
	}
	for ii, pixel := range pixels {
		corpus.Images[ii] = Normalize(pixel)
	}
	klog.V(1).Infof("Loaded MNIST %q: %d examples", split, corpus.Len())
	return corpus, nil
}

// LoadTrainAndTest downloads (if missing) and loads both corpora.
func LoadTrainAndTest(baseDir string) (train, test *Corpus, err error) {
	if err = Download(baseDir); err != nil {
		return
	}
	if train, err = Load(baseDir, SplitTrain); err != nil {
		return
	}
	test, err = Load(baseDir, SplitTest)
	return
}

// openGzip opens the file for reading through a gzip decompressor.
func openGzip(filePath string) (reader io.Reader, closer func(), err error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, nil, errors.Wrapf(ErrDataUnavailable, "opening %q: %v", filePath, err)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, errors.Wrapf(ErrDataUnavailable, "reading gzip %q: %v", filePath, err)
	}
	return gz, func() {
		_ = gz.Close()
		_ = f.Close()
	}, nil
}

// loadImageFile returns the raw pixels of all images and the number of images.
func loadImageFile(filePath string) (pixels []byte, numImages int, err error) {
	reader, closer, err := openGzip(filePath)
	if err != nil {
		return nil, 0, err
	}
	defer closer()
	var header struct {
		Magic, NumImages, Height, Width int32
	}
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, 0, errors.Wrapf(ErrDataUnavailable, "reading header of %q: %v", filePath, err)
	}
	if header.Magic != imageMagic || header.Height != Height || header.Width != Width || header.NumImages < 0 {
		return nil, 0, errors.Wrapf(ErrDataUnavailable, "invalid MNIST image file %q: magic=0x%x, %d images of %dx%d",
			filePath, header.Magic, header.NumImages, header.Height, header.Width)
	}
	numImages = int(header.NumImages)
	pixels = make([]byte, numImages*NumPixels)
	if _, err = io.ReadFull(reader, pixels); err != nil {
		return nil, 0, errors.Wrapf(ErrDataUnavailable, "reading pixels of %q: %v", filePath, err)
	}
	return pixels, numImages, nil
}

func loadLabelFile(filePath string) ([]int32, error) {
	reader, closer, err := openGzip(filePath)
	if err != nil {
		return nil, err
	}
	defer closer()
	var header struct {
		Magic, NumLabels int32
	}
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(ErrDataUnavailable, "reading header of %q: %v", filePath, err)
	}
	if header.Magic != labelMagic || header.NumLabels < 0 {
		return nil, errors.Wrapf(ErrDataUnavailable, "invalid MNIST label file %q: magic=0x%x", filePath, header.Magic)
	}
	raw := make([]byte, header.NumLabels)
	if _, err = io.ReadFull(reader, raw); err != nil {
		return nil, errors.Wrapf(ErrDataUnavailable, "reading labels of %q: %v", filePath, err)
	}
	labels := make([]int32, len(raw))
	for ii, l := range raw {
		if l >= NumClasses {
			return nil, errors.Wrapf(ErrDataUnavailable, "label file %q has invalid label %d at position %d", filePath, l, ii)
		}
		labels[ii] = int32(l)
	}
	return labels, nil
}

// Subset is a view over a subset of a Source, selected by indices.
type Subset struct {
	Name    string
	Source  Source
	Indices []int
}

// Len implements Source.
func (s *Subset) Len() int { return len(s.Indices) }

// Example implements Source.
func (s *Subset) Example(idx int) ([]float32, int32) { return s.Source.Example(s.Indices[idx]) }

// SplitValidation randomly partitions source into a train and a validation Subset, with validationSize
// examples in the validation. The partition only depends on the seed and on source.Len().
func SplitValidation(source Source, validationSize int, seed int64) (train, validation *Subset, err error) {
	n := source.Len()
	if validationSize < 0 || validationSize > n {
		return nil, nil, errors.Errorf("validation size %d invalid for corpus of %d examples", validationSize, n)
	}
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	trainSize := n - validationSize
	train = &Subset{Name: "train", Source: source, Indices: perm[:trainSize]}
	validation = &Subset{Name: "validation", Source: source, Indices: perm[trainSize:]}
	return
}
