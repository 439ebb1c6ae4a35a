package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hcengine/integration-engine/internal/model"
)

// LoadChannels reads every *.yaml/*.yml/*.json file directly under dir
// and unmarshals each into a model.Channel, sorted by filename for
// deterministic deploy ordering (spec §4.0 "per-channel config
// directory").
func LoadChannels(dir string) ([]*model.Channel, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read channel dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" || ext == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	channels := make([]*model.Channel, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read channel file %s: %w", path, err)
		}
		ch := &model.Channel{}
		if err := yaml.Unmarshal(data, ch); err != nil {
			return nil, fmt.Errorf("config: parse channel file %s: %w", path, err)
		}
		channels = append(channels, ch)
	}
	return channels, nil
}
