package detector

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Baselines is the per-detector adaptive state persisted across runs:
// calibration levels and learned floors. Rebuilt from scratch when
// the cache is missing or unreadable.
type Baselines struct {
	dir string
}

// BaselineData is one detector's persisted parameters.
type BaselineData struct {
	Params map[string]float64 `yaml:"params"`
}

// NewBaselines returns a store rooted at dataDir/baselines, creating
// the directory if needed.
func NewBaselines(dataDir string) (*Baselines, error) {
	dir := filepath.Join(dataDir, "baselines")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("baselines: mkdir %s: %w", dir, err)
	}
	return &Baselines{dir: dir}, nil
}

// Load returns the persisted parameters for detector, or an empty map
// when no baseline exists yet.
func (b *Baselines) Load(detector string) map[string]float64 {
	data, err := os.ReadFile(b.path(detector))
	if err != nil {
		return map[string]float64{}
	}
	var bd BaselineData
	if err := yaml.Unmarshal(data, &bd); err != nil || bd.Params == nil {
		return map[string]float64{}
	}
	return bd.Params
}

// Save writes detector's parameters, replacing any prior baseline.
func (b *Baselines) Save(detector string, params map[string]float64) error {
	data, err := yaml.Marshal(BaselineData{Params: params})
	if err != nil {
		return err
	}
	tmp := b.path(detector) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("baselines: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, b.path(detector))
}

func (b *Baselines) path(detector string) string {
	return filepath.Join(b.dir, detector+".yaml")
}
