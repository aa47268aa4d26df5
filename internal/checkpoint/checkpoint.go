// Package checkpoint saves and restores model parameters in a single file.
//
// The file holds a gob encoded File: the name, shape and values of every parameter, plus a few fields
// describing where it was produced. Saving always fully replaces the previous file at the same path.
package checkpoint

import (
	"encoding/gob"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/mnistdnn/internal/generics"
	"github.com/janpfeifer/mnistdnn/internal/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// FormatVersion of the checkpoint files written.
const FormatVersion = 1

var (
	// ErrMissingCheckpoint is returned (wrapped) when a checkpoint is required but doesn't exist.
	ErrMissingCheckpoint = errors.New("missing checkpoint")

	// ErrShapeMismatch is returned (wrapped) when a checkpoint parameters don't match the model:
	// missing or unknown names, or different shapes.
	ErrShapeMismatch = errors.New("checkpoint shape mismatch")
)

// Tensor is one saved parameter.
type Tensor struct {
	Name   string
	Dims   []int
	Values []float32
}

// File is the content of a checkpoint file.
type File struct {
	Version int

	// Backend name where the parameters were trained.
	Backend string

	// Epoch (1-based) of the training when the checkpoint was taken, 0 if unknown.
	Epoch int

	// Tensors in the order of the model parameters.
	Tensors []Tensor
}

// Snapshot the current parameters of m.
func Snapshot(m *model.Model, epoch int) *File {
	f := &File{
		Version: FormatVersion,
		Backend: m.Backend().Name(),
		Epoch:   epoch,
	}
	for _, p := range m.Parameters() {
		f.Tensors = append(f.Tensors, Tensor{
			Name:   p.Name,
			Dims:   slices.Clone(p.Dims),
			Values: p.Values(),
		})
	}
	return f
}

// Save the current parameters of m to filePath, replacing any previous file.
// The file is first written to a temporary file in the same directory and then renamed over filePath.
func Save(m *model.Model, filePath string, epoch int) error {
	return Snapshot(m, epoch).Write(filePath)
}

// Write f to filePath, replacing any previous file.
func (f *File) Write(filePath string) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "creating checkpoint directory %q", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(filePath)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "creating temporary file for checkpoint %q", filePath)
	}
	tmpPath := tmp.Name()
	defer func() {
		// No-op if the rename succeeded.
		_ = os.Remove(tmpPath)
	}()
	if err = gob.NewEncoder(tmp).Encode(f); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "encoding checkpoint %q", filePath)
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrapf(err, "writing checkpoint %q", filePath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return errors.Wrapf(err, "moving checkpoint into %q", filePath)
	}
	if klog.V(1).Enabled() {
		if info, statErr := os.Stat(filePath); statErr == nil {
			klog.Infof("Saved checkpoint %q (epoch %d): %s", filePath, f.Epoch, humanize.Bytes(uint64(info.Size())))
		}
	}
	return nil
}

// Read the checkpoint file at filePath.
func Read(filePath string) (*File, error) {
	reader, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrMissingCheckpoint, "checkpoint %q", filePath)
		}
		return nil, errors.Wrapf(err, "opening checkpoint %q", filePath)
	}
	defer func() { _ = reader.Close() }()
	f := &File{}
	if err = gob.NewDecoder(reader).Decode(f); err != nil {
		return nil, errors.Wrapf(err, "decoding checkpoint %q", filePath)
	}
	if f.Version != FormatVersion {
		return nil, errors.Errorf("checkpoint %q has format version %d, only version %d is supported",
			filePath, f.Version, FormatVersion)
	}
	return f, nil
}

// Restore the parameters of m from f. The names and shapes in f must exactly match those of m, otherwise
// ErrShapeMismatch is returned and m is left unchanged.
func (f *File) Restore(m *model.Model) error {
	params := m.Parameters()
	saved := make(map[string]*Tensor, len(f.Tensors))
	for ii := range f.Tensors {
		saved[f.Tensors[ii].Name] = &f.Tensors[ii]
	}
	modelNames := generics.SetWith(generics.SliceMap(params, func(p *model.Parameter) string { return p.Name })...)
	savedNames := make(generics.Set[string], len(saved))
	for name := range saved {
		savedNames[name] = struct{}{}
	}
	if missing := modelNames.Sub(savedNames); len(missing) > 0 {
		return errors.Wrapf(ErrShapeMismatch, "parameters missing from checkpoint: %s",
			strings.Join(slices.Collect(generics.SortedKeys(missing)), ", "))
	}
	if unknown := savedNames.Sub(modelNames); len(unknown) > 0 {
		return errors.Wrapf(ErrShapeMismatch, "checkpoint has unknown parameters: %s",
			strings.Join(slices.Collect(generics.SortedKeys(unknown)), ", "))
	}
	for _, p := range params {
		t := saved[p.Name]
		if !slices.Equal(t.Dims, p.Dims) || len(t.Values) != p.Size() {
			return errors.Wrapf(ErrShapeMismatch, "parameter %q has shape %v (%d values) in checkpoint, model requires %v",
				p.Name, t.Dims, len(t.Values), p.Dims)
		}
	}
	for _, p := range params {
		if err := p.SetValues(saved[p.Name].Values); err != nil {
			return errors.WithMessagef(err, "restoring checkpoint")
		}
	}
	if f.Backend != m.Backend().Name() {
		klog.V(1).Infof("Checkpoint trained on backend %q restored into a model on backend %q", f.Backend, m.Backend().Name())
	}
	return nil
}

// Load reads the checkpoint at filePath and restores it into m.
func Load(m *model.Model, filePath string) (*File, error) {
	f, err := Read(filePath)
	if err != nil {
		return nil, err
	}
	if err = f.Restore(m); err != nil {
		return nil, errors.WithMessagef(err, "loading checkpoint %q", filePath)
	}
	return f, nil
}
