package checkpoint

import (
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/mnistdnn/internal/model"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

func fixedImages(batchSize int) *tensors.Tensor {
	rng := rand.New(rand.NewSource(11))
	images := tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, 1, 28, 28))
	tensors.MutableFlatData(images, func(flat []float32) {
		for ii := range flat {
			flat[ii] = float32(rng.NormFloat64())
		}
	})
	return images
}

// perturb all parameters of m, so they differ from a freshly initialized model.
func perturb(m *model.Model) {
	for ii, p := range m.Parameters() {
		values := p.Values()
		for jj := range values {
			values[jj] += 0.01 * float32((ii+jj)%7)
		}
		must.M(p.SetValues(values))
	}
}

func TestRoundTrip(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	trained := model.New(backend, model.DefaultConfig())
	perturb(trained)
	images := fixedImages(4)
	want := tensors.CopyFlatData[float32](must.M1(trained.Logits(images)))

	filePath := filepath.Join(t.TempDir(), "run", "best.ckpt")
	require.NoError(t, Save(trained, filePath, 3))

	fresh := model.New(backend, model.DefaultConfig())
	require.NotEqual(t, want, tensors.CopyFlatData[float32](must.M1(fresh.Logits(images))))
	f, err := Load(fresh, filePath)
	require.NoError(t, err)
	require.Equal(t, 3, f.Epoch)
	require.Equal(t, backend.Name(), f.Backend)
	require.Equal(t, want, tensors.CopyFlatData[float32](must.M1(fresh.Logits(images))))
}

func TestOverwrite(t *testing.T) {
	m := model.New(graphtest.BuildTestBackend(), model.DefaultConfig())
	dir := t.TempDir()
	filePath := filepath.Join(dir, "best.ckpt")
	for epoch := 1; epoch <= 3; epoch++ {
		perturb(m)
		require.NoError(t, Save(m, filePath, epoch))
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the checkpoint file should remain, no temporary files")

	f, err := Read(filePath)
	require.NoError(t, err)
	require.Equal(t, 3, f.Epoch)
	require.Equal(t, m.Parameter("dense_2/biases").Values(), f.Tensors[len(f.Tensors)-1].Values)
}

func TestMissing(t *testing.T) {
	m := model.New(graphtest.BuildTestBackend(), model.DefaultConfig())
	_, err := Load(m, filepath.Join(t.TempDir(), "nope.ckpt"))
	require.True(t, errors.Is(err, ErrMissingCheckpoint))
}

func TestShapeMismatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := model.New(backend, model.DefaultConfig())
	original := m.Parameter("dense_0/weights").Values()

	wrongDims := Snapshot(model.New(backend, model.DefaultConfig()), 1)
	wrongDims.Tensors[2].Dims = []int{128}
	wrongDims.Tensors[2].Values = wrongDims.Tensors[2].Values[:128]
	missing := Snapshot(m, 1)
	missing.Tensors = missing.Tensors[:len(missing.Tensors)-1]
	unknown := Snapshot(m, 1)
	unknown.Tensors = append(unknown.Tensors, Tensor{Name: "dense_3/weights", Dims: []int{1}, Values: []float32{0}})

	for name, f := range map[string]*File{"wrong dims": wrongDims, "missing": missing, "unknown": unknown} {
		filePath := filepath.Join(t.TempDir(), "ckpt")
		require.NoError(t, f.Write(filePath), name)
		_, err := Load(m, filePath)
		require.True(t, errors.Is(err, ErrShapeMismatch), "%s: got %v", name, err)
	}
	require.Equal(t, original, m.Parameter("dense_0/weights").Values(), "a failed load must not change the model")
}

func TestCorrupt(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "ckpt")
	require.NoError(t, os.WriteFile(filePath, []byte("not a checkpoint"), 0644))
	_, err := Read(filePath)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrMissingCheckpoint))
}
