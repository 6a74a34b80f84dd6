package codesign

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"

	"github.com/aluedeke/go-ipasign/pkg/provision"
)

var (
	errNoBundleID   = errors.New("CFBundleIdentifier not found in Info.plist")
	errNoExecutable = errors.New("CFBundleExecutable not found in Info.plist")
)

// bundleInfo is the part of Info.plist signing cares about.
type bundleInfo struct {
	ID         string
	Executable string
}

func parseBundleInfo(data []byte) (*bundleInfo, error) {
	info, err := parseInfoPlist(data)
	if err != nil {
		return nil, err
	}
	id, _ := info["CFBundleIdentifier"].(string)
	if id == "" {
		return nil, errNoBundleID
	}
	exe, _ := info["CFBundleExecutable"].(string)
	if exe == "" {
		return nil, errNoExecutable
	}
	return &bundleInfo{ID: id, Executable: exe}, nil
}

func readBundleInfo(bundlePath string) (*bundleInfo, error) {
	data, err := os.ReadFile(filepath.Join(bundlePath, "Info.plist"))
	if err != nil {
		return nil, fmt.Errorf("failed to read Info.plist: %w", err)
	}
	return parseBundleInfo(data)
}

// GetAppBundleID reads the bundle ID from an app's Info.plist
func GetAppBundleID(appPath string) (string, error) {
	info, err := readBundleInfo(appPath)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// GetAppExecutableName reads CFBundleExecutable from an app's Info.plist.
func GetAppExecutableName(appPath string) (string, error) {
	info, err := readBundleInfo(appPath)
	if err != nil {
		return "", err
	}
	return info.Executable, nil
}

func parseInfoPlist(data []byte) (map[string]interface{}, error) {
	var info map[string]interface{}
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse plist: %w", err)
	}
	return info, nil
}

// updateInfoPlistBundleID sets CFBundleIdentifier, keeping the file's plist
// format.
func updateInfoPlistBundleID(bundlePath, newBundleID string) error {
	infoPlistPath := filepath.Join(bundlePath, "Info.plist")
	data, err := os.ReadFile(infoPlistPath)
	if err != nil {
		return fmt.Errorf("failed to read Info.plist: %w", err)
	}

	var info map[string]interface{}
	format, err := plist.Unmarshal(data, &info)
	if err != nil {
		return fmt.Errorf("failed to parse Info.plist: %w", err)
	}
	info["CFBundleIdentifier"] = newBundleID

	var newData []byte
	if format == plist.XMLFormat {
		newData, err = plist.MarshalIndent(info, plist.XMLFormat, "\t")
	} else {
		newData, err = plist.Marshal(info, format)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal Info.plist: %w", err)
	}
	if err := os.WriteFile(infoPlistPath, newData, 0644); err != nil {
		return fmt.Errorf("failed to write Info.plist: %w", err)
	}
	return nil
}

// rewriteBundleIDs changes the app's identifier to newID. Nested bundles
// whose identifier starts with oldID get the same prefix swapped.
func rewriteBundleIDs(appPath, oldID, newID string) ([]string, error) {
	if oldID == newID {
		return nil, nil
	}
	if err := updateInfoPlistBundleID(appPath, newID); err != nil {
		return nil, err
	}
	changed := []string{"."}

	for _, b := range findNestedBundles(appPath) {
		info, err := readBundleInfo(b)
		if err != nil {
			continue
		}
		if !strings.HasPrefix(info.ID, oldID+".") {
			continue
		}
		if err := updateInfoPlistBundleID(b, newID+strings.TrimPrefix(info.ID, oldID)); err != nil {
			return changed, err
		}
		rel, _ := filepath.Rel(appPath, b)
		changed = append(changed, filepath.ToSlash(rel))
	}
	return changed, nil
}

// findNestedBundles returns the absolute paths of every bundle below
// appPath, at any depth.
func findNestedBundles(appPath string) []string {
	var bundles []string
	_ = filepath.WalkDir(appPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() || p == appPath {
			return nil
		}
		if isNestedBundle(p) {
			bundles = append(bundles, p)
		}
		return nil
	})
	return bundles
}

// planStep is one Mach-O file to sign.
type planStep struct {
	// path is absolute.
	path string
	// bundle is the absolute path of the bundle this file is the executable
	// of, "" for loose binaries.
	bundle string
	ident  string
	main   bool
}

// planBundle groups a bundle's executable with the loose binaries it
// contains directly. The loose binaries are signed first.
type planBundle struct {
	path  string
	info  *bundleInfo
	loose []planStep
	exec  *planStep
}

// signingPlan orders the targets for signing: nested bundles deepest first,
// each with its loose binaries ahead of its executable, and the app last.
// targets are absolute paths.
func signingPlan(appPath string, targets []string) ([]*planBundle, error) {
	nested := findNestedBundles(appPath)
	sortByDepth(nested)

	all := append(nested, appPath)
	byPath := make(map[string]*planBundle, len(all))
	plan := make([]*planBundle, 0, len(all))
	for _, b := range all {
		pb := &planBundle{path: b}
		if info, err := readBundleInfo(b); err == nil {
			pb.info = info
		} else if b == appPath {
			return nil, err
		}
		byPath[b] = pb
		plan = append(plan, pb)
	}

	for _, t := range targets {
		owner := byPath[owningBundle(appPath, t)]
		if owner == nil {
			owner = byPath[appPath]
		}
		if owner.info != nil && t == filepath.Join(owner.path, owner.info.Executable) {
			owner.exec = &planStep{path: t, bundle: owner.path, ident: owner.info.ID, main: owner.path == appPath}
			continue
		}
		owner.loose = append(owner.loose, planStep{path: t, ident: looseIdent(t)})
	}

	if plan[len(plan)-1].exec == nil {
		return nil, fmt.Errorf("main executable %s is not a Mach-O file", plan[len(plan)-1].info.Executable)
	}
	return plan, nil
}

// owningBundle returns the innermost bundle directory containing p.
func owningBundle(appPath, p string) string {
	dir := filepath.Dir(p)
	for len(dir) > len(appPath) {
		if isNestedBundle(dir) {
			return dir
		}
		dir = filepath.Dir(dir)
	}
	return appPath
}

// looseIdent is the identifier codesign gives a standalone library: its
// file name without extension.
func looseIdent(p string) string {
	base := filepath.Base(p)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// emptyEntitlements is signed into nested bundle executables.
var emptyEntitlements = []byte(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict/>
</plist>
`)

// existingEntitlements returns the entitlements of the profile embedded in
// bundlePath, or nil.
func existingEntitlements(bundlePath string) map[string]interface{} {
	data, err := os.ReadFile(filepath.Join(bundlePath, "embedded.mobileprovision"))
	if err != nil {
		return nil
	}
	p, err := provision.Parse(data)
	if err != nil {
		return nil
	}
	return p.Entitlements
}
