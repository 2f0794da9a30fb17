package plugins

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/prfagit/sam-framework-sub002/pkg/pluginsdk"
)

// ManifestInfo pairs a decoded manifest with its resolved binary path.
type ManifestInfo struct {
	Manifest *pluginsdk.Manifest
	Binary   string
}

// DiscoverManifests walks dirs for sam.plugin.json files and resolves
// each manifest's binary path. Missing directories are skipped;
// duplicate manifest IDs are an error. Results come back sorted by ID
// so load order is stable.
func DiscoverManifests(dirs []string) ([]ManifestInfo, error) {
	byID := make(map[string]ManifestInfo)

	for _, root := range dirs {
		if root == "" {
			continue
		}
		info, err := os.Stat(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("stat plugin dir: %w", err)
		}
		if !info.IsDir() {
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || d.Name() != pluginsdk.ManifestFilename {
				return nil
			}
			manifest, err := pluginsdk.DecodeManifestFile(path)
			if err != nil {
				return fmt.Errorf("load manifest %s: %w", path, err)
			}
			if err := manifest.Validate(); err != nil {
				return fmt.Errorf("manifest %s: %w", path, err)
			}
			binary := manifest.Binary
			if !filepath.IsAbs(binary) {
				binary = filepath.Join(filepath.Dir(path), binary)
			}
			if existing, ok := byID[manifest.ID]; ok {
				return fmt.Errorf("duplicate plugin id %q (%s and %s)",
					manifest.ID, existing.Binary, binary)
			}
			byID[manifest.ID] = ManifestInfo{Manifest: manifest, Binary: binary}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	out := make([]ManifestInfo, 0, len(byID))
	for _, info := range byID {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.ID < out[j].Manifest.ID })
	return out, nil
}
