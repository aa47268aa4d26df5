package mnist

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"os"
	"path"
	"testing"
)

// writeGzip writes the header (big-endian int32s) followed by the payload into a gzip file.
func writeGzip(t *testing.T, filePath string, header []int32, payload []byte) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	require.NoError(t, binary.Write(gz, binary.BigEndian, header))
	_, err := gz.Write(payload)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(filePath, buf.Bytes(), 0644))
}

// writeSplit writes n synthetic examples: image i has all pixels set to i*10 and label i%10.
func writeSplit(t *testing.T, dir string, split Split, n int) {
	pixels := make([]byte, n*NumPixels)
	labels := make([]byte, n)
	for ii := range n {
		for jj := range NumPixels {
			pixels[ii*NumPixels+jj] = byte(ii * 10)
		}
		labels[ii] = byte(ii % NumClasses)
	}
	files := splitFiles[split]
	writeGzip(t, path.Join(dir, files[0]), []int32{imageMagic, int32(n), Height, Width}, pixels)
	writeGzip(t, path.Join(dir, files[1]), []int32{labelMagic, int32(n)}, labels)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeSplit(t, dir, SplitTest, 12)
	corpus, err := Load(dir, SplitTest)
	require.NoError(t, err)
	require.Equal(t, 12, corpus.Len())
	require.Len(t, corpus.Images, 12*NumPixels)

	image, label := corpus.Example(11)
	require.Len(t, image, NumPixels)
	require.Equal(t, int32(1), label)
	require.InDelta(t, (110.0/255.0-Mean)/StdDev, image[0], 1e-6)
	require.InDelta(t, (0-Mean)/StdDev, corpus.Images[0], 1e-6)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir, SplitTrain)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrDataUnavailable))

	// Corrupt magic number.
	files := splitFiles[SplitTrain]
	writeGzip(t, path.Join(dir, files[0]), []int32{0x1234, 1, Height, Width}, make([]byte, NumPixels))
	writeGzip(t, path.Join(dir, files[1]), []int32{labelMagic, 1}, []byte{3})
	_, err = Load(dir, SplitTrain)
	require.True(t, errors.Is(err, ErrDataUnavailable))

	// Truncated file.
	writeGzip(t, path.Join(dir, files[0]), []int32{imageMagic, 2, Height, Width}, make([]byte, NumPixels))
	_, err = Load(dir, SplitTrain)
	require.True(t, errors.Is(err, ErrDataUnavailable))

	// Labels count differs from images count.
	writeGzip(t, path.Join(dir, files[0]), []int32{imageMagic, 2, Height, Width}, make([]byte, 2*NumPixels))
	_, err = Load(dir, SplitTrain)
	require.True(t, errors.Is(err, ErrDataUnavailable))

	_, err = Load(dir, Split("validation"))
	require.Error(t, err)
}

func TestSplitValidation(t *testing.T) {
	corpus := &Corpus{Name: "train", Images: make([]float32, 100*NumPixels), Labels: make([]int32, 100)}
	for ii := range corpus.Labels {
		corpus.Labels[ii] = int32(ii)
	}
	train, validation, err := SplitValidation(corpus, 30, 42)
	require.NoError(t, err)
	require.Equal(t, 70, train.Len())
	require.Equal(t, 30, validation.Len())
	require.Equal(t, corpus.Len(), train.Len()+validation.Len())

	// Disjoint and covering.
	seen := make(map[int32]bool)
	for _, subset := range []*Subset{train, validation} {
		for ii := range subset.Len() {
			_, label := subset.Example(ii)
			require.False(t, seen[label], "example %d appears twice", label)
			seen[label] = true
		}
	}
	require.Len(t, seen, 100)

	// Deterministic given the seed.
	train2, validation2, err := SplitValidation(corpus, 30, 42)
	require.NoError(t, err)
	require.Equal(t, train.Indices, train2.Indices)
	require.Equal(t, validation.Indices, validation2.Indices)

	// A different seed gives a different partition.
	train3, _, err := SplitValidation(corpus, 30, 7)
	require.NoError(t, err)
	require.NotEqual(t, train.Indices, train3.Indices)

	_, _, err = SplitValidation(corpus, 101, 42)
	require.Error(t, err)
}

func TestSplitValidationFullSize(t *testing.T) {
	corpus := &Corpus{Labels: make([]int32, TrainSize), Images: nil}
	train, validation, err := SplitValidation(corpus, 10000, 42)
	require.NoError(t, err)
	require.Equal(t, 50000, train.Len())
	require.Equal(t, TrainSize, train.Len()+validation.Len())
}
