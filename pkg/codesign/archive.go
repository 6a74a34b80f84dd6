package codesign

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/aluedeke/go-ipasign/pkg/signerr"
)

// manifestEntry records how an entry was stored in the source archive.
type manifestEntry struct {
	name     string
	method   uint16
	mode     fs.FileMode
	modified time.Time
	dir      bool
}

// Archive is an extracted application archive in a private working
// directory. Close removes the directory.
type Archive struct {
	// Dir is the working directory the archive was extracted into.
	Dir string
	// AppRel is the slash-separated path of the .app, e.g. "Payload/X.app".
	AppRel string
	// AppPath is the absolute path of the extracted .app.
	AppPath    string
	BundleID   string
	Executable string
	// Targets lists every Mach-O file below the .app, slash-separated and
	// relative to Dir, found by magic.
	Targets []string

	entries []manifestEntry
}

// ArchiveInfo describes the application in an archive.
type ArchiveInfo struct {
	AppRel     string
	BundleID   string
	Executable string
}

// OpenArchive extracts the archive at src into a fresh directory under
// workDir ("" = os.TempDir()) and locates its application.
func OpenArchive(ctx context.Context, src, workDir string) (*Archive, error) {
	const op = "codesign.unpack"

	r, err := zip.OpenReader(src)
	if err != nil {
		return nil, signerr.Ef(op, signerr.ErrMalformedArchive, "failed to open archive: %w", err)
	}
	defer func() { _ = r.Close() }()

	dir, err := os.MkdirTemp(workDir, "ipasign-*")
	if err != nil {
		return nil, signerr.Internalf(op, "failed to create working directory: %w", err)
	}
	a := &Archive{Dir: dir}

	fail := func(err error) (*Archive, error) {
		_ = a.Close()
		return nil, err
	}

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if f.Mode()&fs.ModeSymlink != 0 {
			return fail(signerr.Ef(op, signerr.ErrMalformedArchive, "symlink entries are not supported: %s", f.Name))
		}
		if err := extractZipFile(f, dir); err != nil {
			return fail(signerr.Ef(op, signerr.ErrMalformedArchive, "failed to extract %s: %w", f.Name, err))
		}
		a.entries = append(a.entries, manifestEntry{
			name:     f.Name,
			method:   f.Method,
			mode:     f.Mode(),
			modified: f.Modified,
			dir:      strings.HasSuffix(f.Name, "/"),
		})
	}

	appRel, err := findAppBundle(dir)
	if err != nil {
		return fail(signerr.E(op, signerr.ErrMalformedArchive, err))
	}
	a.AppRel = appRel
	a.AppPath = filepath.Join(dir, filepath.FromSlash(appRel))

	info, err := readBundleInfo(a.AppPath)
	if err != nil {
		return fail(signerr.E(op, signerr.ErrMissingMetadata, err))
	}
	a.BundleID = info.ID
	a.Executable = info.Executable

	if a.Targets, err = findMachOTargets(dir, a.AppPath); err != nil {
		return fail(signerr.Internalf(op, "failed to enumerate binaries: %w", err))
	}
	return a, nil
}

// Close removes the working directory.
func (a *Archive) Close() error {
	if a == nil || a.Dir == "" {
		return nil
	}
	return os.RemoveAll(a.Dir)
}

func extractZipFile(f *zip.File, destDir string) error {
	destPath := filepath.Join(destDir, filepath.FromSlash(f.Name))
	if !strings.HasPrefix(destPath, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return fmt.Errorf("invalid file path: %s", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(destPath, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}

	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0644
	}
	destFile, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm|0600)
	if err != nil {
		return err
	}
	defer func() { _ = destFile.Close() }()

	srcFile, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = srcFile.Close() }()

	_, err = io.Copy(destFile, srcFile)
	return err
}

// findAppBundle returns the slash path of the first Payload/*.app.
func findAppBundle(extractedDir string) (string, error) {
	entries, err := os.ReadDir(filepath.Join(extractedDir, "Payload"))
	if err != nil {
		return "", fmt.Errorf("no Payload directory")
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasSuffix(entry.Name(), ".app") {
			return "Payload/" + entry.Name(), nil
		}
	}
	return "", fmt.Errorf("no .app bundle found in Payload directory")
}

// findMachOTargets walks appPath and returns the Mach-O files relative to
// root.
func findMachOTargets(root, appPath string) ([]string, error) {
	var targets []string
	err := filepath.WalkDir(appPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || !IsMachO(p) {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		targets = append(targets, filepath.ToSlash(rel))
		return nil
	})
	return targets, err
}

// ReadArchiveInfo reads the application's Info.plist straight from the
// archive without extracting anything else.
func ReadArchiveInfo(src string) (*ArchiveInfo, error) {
	const op = "codesign.read_info"

	r, err := zip.OpenReader(src)
	if err != nil {
		return nil, signerr.Ef(op, signerr.ErrMalformedArchive, "failed to open archive: %w", err)
	}
	defer func() { _ = r.Close() }()

	var appRel string
	for _, f := range r.File {
		parts := strings.Split(strings.TrimSuffix(f.Name, "/"), "/")
		if len(parts) >= 2 && parts[0] == "Payload" && strings.HasSuffix(parts[1], ".app") {
			appRel = "Payload/" + parts[1]
			break
		}
	}
	if appRel == "" {
		return nil, signerr.Ef(op, signerr.ErrMalformedArchive, "no .app bundle found in Payload directory")
	}

	for _, f := range r.File {
		if f.Name != appRel+"/Info.plist" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, signerr.Ef(op, signerr.ErrMalformedArchive, "failed to read Info.plist: %w", err)
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, signerr.Ef(op, signerr.ErrMalformedArchive, "failed to read Info.plist: %w", err)
		}
		info, err := parseBundleInfo(data)
		if err != nil {
			return nil, signerr.E(op, signerr.ErrMissingMetadata, err)
		}
		return &ArchiveInfo{AppRel: appRel, BundleID: info.ID, Executable: info.Executable}, nil
	}
	return nil, signerr.Ef(op, signerr.ErrMissingMetadata, "%s/Info.plist not found", appRel)
}

// Repack writes the working directory to dst. The archive is built next to
// dst and renamed into place only when complete.
func (a *Archive) Repack(ctx context.Context, dst string) (err error) {
	const op = "codesign.repack"

	names, err := a.repackOrder()
	if err != nil {
		return signerr.Internalf(op, "failed to walk working directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-*")
	if err != nil {
		return signerr.Internalf(op, "failed to create output file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	w := zip.NewWriter(tmp)
	for _, n := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.writeEntry(w, n); err != nil {
			return signerr.Internalf(op, "failed to add %s: %w", n.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return signerr.Internalf(op, "failed to finish archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return signerr.Internalf(op, "failed to close output: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return signerr.Internalf(op, "failed to move output into place: %w", err)
	}
	return nil
}

// repackOrder keeps the manifest order for entries still present and slots
// each new path after the last manifest entry of the bundle containing it.
func (a *Archive) repackOrder() ([]manifestEntry, error) {
	known := make(map[string]bool, len(a.entries))
	hasDirs := false
	for _, e := range a.entries {
		known[e.name] = true
		hasDirs = hasDirs || e.dir
	}

	var added []manifestEntry
	err := filepath.WalkDir(a.Dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == a.Dir {
			return nil
		}
		rel, err := filepath.Rel(a.Dir, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if d.IsDir() {
			name += "/"
			if !hasDirs {
				return nil
			}
		}
		if known[name] {
			return nil
		}
		added = append(added, manifestEntry{name: name, method: zip.Deflate, dir: d.IsDir()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Insert positions are indexes into a.entries; -1 appends.
	after := make(map[int][]manifestEntry)
	for _, e := range added {
		prefix := bundlePrefix(e.name)
		at := -1
		for i, m := range a.entries {
			if prefix != "" && strings.HasPrefix(m.name, prefix) {
				at = i
			}
		}
		after[at] = append(after[at], e)
	}

	out := make([]manifestEntry, 0, len(a.entries)+len(added))
	for i, m := range a.entries {
		if _, err := os.Lstat(filepath.Join(a.Dir, filepath.FromSlash(m.name))); err != nil {
			continue
		}
		out = append(out, m)
		out = append(out, after[i]...)
	}
	out = append(out, after[-1]...)
	return out, nil
}

// bundlePrefix returns the innermost bundle directory containing name,
// with a trailing slash, or "".
func bundlePrefix(name string) string {
	dir := path.Dir(strings.TrimSuffix(name, "/"))
	for dir != "." && dir != "/" {
		if isNestedBundle(dir) {
			return dir + "/"
		}
		dir = path.Dir(dir)
	}
	return ""
}

func (a *Archive) writeEntry(w *zip.Writer, e manifestEntry) error {
	p := filepath.Join(a.Dir, filepath.FromSlash(e.name))
	info, err := os.Lstat(p)
	if err != nil {
		return err
	}

	hdr := &zip.FileHeader{Name: e.name, Method: e.method, Modified: e.modified}
	if hdr.Modified.IsZero() {
		hdr.Modified = info.ModTime()
	}
	mode := e.mode
	if mode == 0 {
		mode = info.Mode()
	}
	if e.dir {
		hdr.Method = zip.Store
		mode |= fs.ModeDir
	}
	hdr.SetMode(mode)

	fw, err := w.CreateHeader(hdr)
	if err != nil {
		return err
	}
	if e.dir {
		return nil
	}
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(fw, f)
	return err
}

// sortByDepth orders paths deepest first, then lexically.
func sortByDepth(paths []string) {
	sort.SliceStable(paths, func(i, j int) bool {
		di := strings.Count(paths[i], "/")
		dj := strings.Count(paths[j], "/")
		if di != dj {
			return di > dj
		}
		return paths[i] < paths[j]
	})
}
