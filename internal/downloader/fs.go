package downloader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/npmlens/npmlens/internal/manifest"
)

// lockfiles are removed before analysis: they freeze transitive
// versions and would skew the outdated-dependency signals.
var lockfiles = []string{"package-lock.json", "npm-shrinkwrap.json", "yarn.lock", "pnpm-lock.yaml"}

// findPackageDir locates the directory holding the manifest for name.
// Repository tarballs of monorepos carry the package one level down
// (packages/<x>, workspaces); the scan goes a single level deep.
func findPackageDir(root, name string) string {
	if manifestNameAt(root) == name {
		return root
	}

	groups, err := os.ReadDir(root)
	if err != nil {
		return root
	}

	for _, group := range groups {
		if !group.IsDir() {
			continue
		}

		groupDir := filepath.Join(root, group.Name())
		if manifestNameAt(groupDir) == name {
			return groupDir
		}

		members, err := os.ReadDir(groupDir)
		if err != nil {
			continue
		}

		for _, member := range members {
			if !member.IsDir() {
				continue
			}

			memberDir := filepath.Join(groupDir, member.Name())
			if manifestNameAt(memberDir) == name {
				return memberDir
			}
		}
	}

	return root
}

// readManifestAt decodes the package.json in dir, nil when absent or
// broken.
func readManifestAt(dir string) *manifest.Manifest {
	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil
	}

	var m manifest.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}

	return &m
}

func manifestNameAt(dir string) string {
	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return ""
	}

	var doc struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}

	return doc.Name
}

// mergeManifest combines the on-disk package.json (repository state)
// with the registry manifest. The registry wins name and version since
// repository HEAD may be ahead of the published release; everything
// else prefers the disk copy. The merged manifest is written back so
// disk-reading collectors see a consistent view.
func mergeManifest(pkgDir string, published *manifest.Manifest) (*manifest.Manifest, error) {
	path := filepath.Join(pkgDir, "package.json")

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return writeManifest(path, published)
	}
	if err != nil {
		return nil, fmt.Errorf("read package.json: %w", err)
	}

	var disk manifest.Manifest
	if err := json.Unmarshal(raw, &disk); err != nil {
		// Repository copy is broken; the registry one is authoritative.
		return writeManifest(path, published)
	}

	merged := disk
	merged.Name = published.Name
	merged.Version = published.Version

	if merged.Readme == "" {
		merged.Readme = published.Readme
	}
	if len(merged.Maintainers) == 0 {
		merged.Maintainers = published.Maintainers
	}
	if merged.Repository == nil {
		merged.Repository = published.Repository
	}
	if merged.Deprecated == "" {
		merged.Deprecated = published.Deprecated
	}

	return writeManifest(path, &merged)
}

func writeManifest(path string, m *manifest.Manifest) (*manifest.Manifest, error) {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode merged manifest: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return nil, fmt.Errorf("write merged manifest: %w", err)
	}

	return m, nil
}

// removeLockfiles drops lockfiles and reports whether any existed.
func removeLockfiles(pkgDir string) bool {
	had := false

	for _, name := range lockfiles {
		if err := os.Remove(filepath.Join(pkgDir, name)); err == nil {
			had = true
		}
	}

	return had
}
