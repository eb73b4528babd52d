// Package checkpoint saves trained models as gob files named <prefix>-<epoch>_<step>.ckpt,
// keeping only the most recent ones.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"widedeep/pkg/io"
	"widedeep/pkg/model"
)

const (
	DefaultPrefix = "widedeep_train"
	fileSuffix    = ".ckpt"
)

// ErrNoCheckpoint is returned by Latest when the directory holds no checkpoint for the prefix
var ErrNoCheckpoint = errors.New("no checkpoint found")

type Config struct {
	Dir    string
	Prefix string

	// SaveSteps is the number of global steps between two checkpoints
	SaveSteps int

	// KeepMax is the number of checkpoints kept on disk. A negative value keeps all of them.
	KeepMax int
}

type Handler struct {
	config Config
}

// New creates the checkpoint directory if needed.
func New(config Config) (*Handler, error) {
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	if config.SaveSteps <= 0 {
		return nil, fmt.Errorf("save steps must be > 0 (got %d)", config.SaveSteps)
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating checkpoint directory: %w", err)
	}
	return &Handler{config: config}, nil
}

func (h *Handler) String() string {
	return fmt.Sprintf("checkpoint.Handler(%q)", h.config.Dir)
}

func (h *Handler) Dir() string {
	return h.config.Dir
}

// ShouldSave reports whether a checkpoint is due after globalStep (1-based) steps.
func (h *Handler) ShouldSave(globalStep int) bool {
	return globalStep > 0 && globalStep%h.config.SaveSteps == 0
}

// FileName is the path of the checkpoint for epoch and stepInEpoch.
func (h *Handler) FileName(epoch, stepInEpoch int) string {
	return filepath.Join(h.config.Dir, fmt.Sprintf("%s-%d_%d%s", h.config.Prefix, epoch, stepInEpoch, fileSuffix))
}

// Save writes m as the checkpoint of epoch and stepInEpoch, then removes the excess ones.
func (h *Handler) Save(m *model.Model, epoch, stepInEpoch int) (string, error) {
	fileName := h.FileName(epoch, stepInEpoch)
	tmpName := fileName + ".tmp"
	f, err := os.Create(tmpName)
	if err != nil {
		return "", fmt.Errorf("%s: failed to create checkpoint file: %w", h, err)
	}
	if err := io.SaveModel(m, f); err != nil {
		f.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("%s: %w", h, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("%s: failed to close checkpoint file: %w", h, err)
	}
	if err := os.Rename(tmpName, fileName); err != nil {
		return "", fmt.Errorf("%s: failed to move checkpoint in place: %w", h, err)
	}

	size := ""
	if info, err := os.Stat(fileName); err == nil {
		size = humanize.Bytes(uint64(info.Size()))
	}
	log.Info().Str("file", fileName).Str("size", size).Int("epoch", epoch).Int("step", m.Step).Msg("Saved checkpoint")

	return fileName, h.keepNCheckpoints()
}

// ListCheckpoints returns the checkpoints of the handler's prefix, oldest first.
func (h *Handler) ListCheckpoints() ([]string, error) {
	return List(h.config.Dir, h.config.Prefix)
}

// keepNCheckpoints removes the oldest checkpoints beyond KeepMax.
func (h *Handler) keepNCheckpoints() error {
	if h.config.KeepMax < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("%s failed to list saved checkpoints: %w", h, err)
	}
	if len(list) <= h.config.KeepMax {
		return nil
	}
	for _, fileName := range list[:len(list)-h.config.KeepMax] {
		if err := os.Remove(fileName); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%s failed to remove excess checkpoint %q: %w", h, fileName, err)
		}
	}
	return nil
}

type entry struct {
	path  string
	epoch int
	step  int
}

// List returns the checkpoint files of prefix under dir ordered by (epoch, step), oldest first.
func List(dir, prefix string) ([]string, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error listing checkpoints: %w", err)
	}
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `-(\d+)_(\d+)` + regexp.QuoteMeta(fileSuffix) + `$`)
	var found []entry
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		matches := pattern.FindStringSubmatch(e.Name())
		if matches == nil {
			continue
		}
		epoch, err1 := strconv.Atoi(matches[1])
		step, err2 := strconv.Atoi(matches[2])
		if err1 != nil || err2 != nil {
			continue
		}
		found = append(found, entry{path: filepath.Join(dir, e.Name()), epoch: epoch, step: step})
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].epoch != found[j].epoch {
			return found[i].epoch < found[j].epoch
		}
		return found[i].step < found[j].step
	})
	paths := make([]string, len(found))
	for i, e := range found {
		paths[i] = e.path
	}
	return paths, nil
}

// Latest returns the most recent checkpoint of prefix under dir.
func Latest(dir, prefix string) (string, error) {
	list, err := List(dir, prefix)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "", fmt.Errorf("%s: %w", dir, ErrNoCheckpoint)
	}
	return list[len(list)-1], nil
}

func Load(path string) (*model.Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening checkpoint: %w", err)
	}
	defer f.Close()
	m, err := io.LoadModel(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Restore loads the checkpoint at path into net. The checkpoint must describe a network of the same shape.
func Restore(path string, net *model.WideDeep) (*model.Model, error) {
	m, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := net.Restore(m.Tensors); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}
