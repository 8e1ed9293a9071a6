package playbooks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// LoadSeedDir registers every YAML playbook document found in dir as
// version 1. Files whose playbook_id already exists are skipped, so the
// seed directory is safe to re-read on every startup. A document with
// `enabled: true` becomes the active version through the normal
// single-active path.
func LoadSeedDir(store *Store, dir string, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read seed dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	loaded := 0
	for _, name := range names {
		path := filepath.Join(dir, name)
		pb, err := parseSeedFile(path)
		if err != nil {
			logger.Warn("skipping seed playbook", zap.String("file", name), zap.Error(err))
			continue
		}

		enable := pb.Enabled
		pb.Enabled = false
		pb.CreatedBy = "seed:" + name

		created, err := store.Create(*pb)
		if err != nil {
			if err == ErrAlreadyExists {
				continue
			}
			logger.Warn("seed playbook rejected", zap.String("file", name), zap.Error(err))
			continue
		}
		if enable {
			if _, err := store.SetEnabled(created.PlaybookID, created.Version, true); err != nil {
				logger.Warn("seed playbook enable failed", zap.String("playbook", created.PlaybookID), zap.Error(err))
			}
		}
		loaded++
		logger.Info("seed playbook loaded",
			zap.String("playbook", created.PlaybookID),
			zap.Bool("enabled", enable))
	}
	return loaded, nil
}

// parseSeedFile decodes a YAML playbook document. The YAML tree is
// round-tripped through JSON so the store sees exactly the shapes the
// HTTP API produces.
func parseSeedFile(path string) (*Playbook, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var tree any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	data, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("convert yaml: %w", err)
	}

	var pb Playbook
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&pb); err != nil {
		return nil, fmt.Errorf("decode playbook: %w", err)
	}
	return &pb, nil
}
