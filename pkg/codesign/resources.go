package codesign

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"
)

// GenerateCodeResources builds the _CodeSignature/CodeResources plist for
// the bundle at bundlePath. Every file below the bundle is hashed, including
// the contents of nested bundles, so nested bundles must be signed first.
// execName is the bundle executable, which carries its own signature and is
// left out.
func GenerateCodeResources(bundlePath, execName string) ([]byte, error) {
	// files holds SHA-1 digests; files2 holds SHA-1 and SHA-256.
	files := make(map[string]interface{})
	files2 := make(map[string]interface{})

	err := filepath.Walk(bundlePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(bundlePath, path)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)

		if relPath == "_CodeSignature/CodeResources" || relPath == execName {
			return nil
		}
		if shouldOmit(relPath) {
			return nil
		}

		hash, hash2, err := hashFile(path)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", relPath, err)
		}

		optional := isOptional(relPath)
		if optional {
			files[relPath] = map[string]interface{}{
				"hash":     hash,
				"optional": true,
			}
		} else {
			files[relPath] = hash
		}

		// Info.plist and PkgInfo are covered by rules2 omit entries.
		if !shouldOmitFromFiles2(relPath) {
			entry := map[string]interface{}{
				"hash":  hash,
				"hash2": hash2,
			}
			if optional {
				entry["optional"] = true
			}
			files2[relPath] = entry
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	codeResources := map[string]interface{}{
		"files":  files,
		"files2": files2,
		"rules":  defaultRules(),
		"rules2": defaultRules2(),
	}

	data, err := plist.MarshalIndent(codeResources, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CodeResources: %w", err)
	}
	return data, nil
}

// writeCodeResources generates CodeResources for a bundle, writes it and
// returns the bytes for the resource-directory slot.
func writeCodeResources(bundlePath, execName string) ([]byte, error) {
	data, err := GenerateCodeResources(bundlePath, execName)
	if err != nil {
		return nil, err
	}

	codeSignDir := filepath.Join(bundlePath, "_CodeSignature")
	if err := os.MkdirAll(codeSignDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create _CodeSignature directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(codeSignDir, "CodeResources"), data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write CodeResources: %w", err)
	}
	return data, nil
}

// hashFile returns the SHA-1 and SHA-256 digests of a file in one pass.
func hashFile(path string) (sum1, sum256 []byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	h1 := sha1.New()
	h2 := sha256.New()
	if _, err := io.Copy(io.MultiWriter(h1, h2), f); err != nil {
		return nil, nil, err
	}
	return h1.Sum(nil), h2.Sum(nil), nil
}

// isNestedBundle reports whether relPath names a bundle directory.
func isNestedBundle(relPath string) bool {
	switch filepath.Ext(relPath) {
	case ".framework", ".xctest", ".appex", ".app":
		return true
	}
	return false
}

func shouldOmit(path string) bool {
	if strings.HasSuffix(path, ".DS_Store") {
		return true
	}
	if strings.Contains(path, ".git/") || strings.HasSuffix(path, ".git") {
		return true
	}
	// AppleDouble
	if strings.HasPrefix(filepath.Base(path), "._") {
		return true
	}
	if strings.HasSuffix(path, ".lproj/locversion.plist") {
		return true
	}
	return false
}

func isOptional(path string) bool {
	return strings.Contains(path, ".lproj/")
}

// shouldOmitFromFiles2 matches the omit entries of rules2.
func shouldOmitFromFiles2(path string) bool {
	return path == "Info.plist" || path == "PkgInfo"
}

// Weights are float64 so they encode as <real>.
func defaultRules() map[string]interface{} {
	return map[string]interface{}{
		"^.*": true,
		"^.*\\.lproj/": map[string]interface{}{
			"optional": true,
			"weight":   float64(1000),
		},
		"^.*\\.lproj/locversion.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(1100),
		},
		"^Base\\.lproj/": map[string]interface{}{
			"weight": float64(1010),
		},
		"^version.plist$": true,
	}
}

func defaultRules2() map[string]interface{} {
	return map[string]interface{}{
		"^.*": true,
		".*\\.dSYM($|/)": map[string]interface{}{
			"weight": float64(11),
		},
		"^(.*/)?\\.DS_Store$": map[string]interface{}{
			"omit":   true,
			"weight": float64(2000),
		},
		"^.*\\.lproj/": map[string]interface{}{
			"optional": true,
			"weight":   float64(1000),
		},
		"^.*\\.lproj/locversion.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(1100),
		},
		"^Base\\.lproj/": map[string]interface{}{
			"weight": float64(1010),
		},
		"^Info\\.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(20),
		},
		"^PkgInfo$": map[string]interface{}{
			"omit":   true,
			"weight": float64(20),
		},
		"^embedded\\.provisionprofile$": map[string]interface{}{
			"weight": float64(20),
		},
		"^version\\.plist$": map[string]interface{}{
			"weight": float64(20),
		},
	}
}
