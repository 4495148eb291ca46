package msghooks

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// skippedDir holds hook files kept around but not loaded.
const skippedDir = "disabled"

// LoadFromDir reads every *.yaml and *.yml file below hooksDir. Files that
// fail to parse or validate are logged and ignored, and a later file reusing
// a hook name loses to the first one. The result is ordered by priority,
// then by path. An empty or missing hooksDir yields no hooks.
func LoadFromDir(hooksDir string, logger *slog.Logger) ([]*Hook, error) {
	if hooksDir == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	info, err := os.Stat(hooksDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Debug("No message hooks directory", "path", hooksDir)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("message hooks: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("message hooks: %s is not a directory", hooksDir)
	}

	var hooks []*Hook
	seen := make(map[string]string)
	walkErr := filepath.WalkDir(hooksDir, func(path string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			logger.Warn("Skipping unreadable hook path", "path", path, "error", err)
			return nil
		case d.IsDir() && d.Name() == skippedDir:
			return filepath.SkipDir
		case d.IsDir() || !isHookFile(path):
			return nil
		}

		hook, err := readHookFile(path)
		if err != nil {
			logger.Warn("Ignoring message hook", "path", path, "error", err)
			return nil
		}
		if first, dup := seen[hook.Name]; dup {
			logger.Warn("Ignoring duplicate message hook", "name", hook.Name, "path", path, "first", first)
			return nil
		}
		seen[hook.Name] = path
		hooks = append(hooks, hook)
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("message hooks: %w", walkErr)
	}

	slices.SortStableFunc(hooks, func(a, b *Hook) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.FilePath, b.FilePath)
	})
	logger.Info("Message hooks loaded", "dir", hooksDir, "count", len(hooks))
	return hooks, nil
}

func isHookFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func readHookFile(path string) (*Hook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	hook := &Hook{}
	if err := yaml.Unmarshal(data, hook); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	hook.applyDefaults()
	if err := hook.Validate(); err != nil {
		return nil, err
	}
	hook.FilePath = path
	hook.HookDir = filepath.Dir(path)
	return hook, nil
}

// Validate checks the fields a hook file must set and the enumerated ones.
func (h *Hook) Validate() error {
	var errs []error
	if h.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if h.Command == "" {
		errs = append(errs, errors.New("command is required"))
	}
	if o := h.Output; o != "" && o != OutputDiscard && o != OutputPublish {
		errs = append(errs, fmt.Errorf("output %q must be %s or %s", h.Output, OutputDiscard, OutputPublish))
	}
	if e := h.OnError; e != "" && e != ErrorSkip && e != ErrorFail {
		errs = append(errs, fmt.Errorf("on_error %q must be %s or %s", h.OnError, ErrorSkip, ErrorFail))
	}
	return errors.Join(errs...)
}
