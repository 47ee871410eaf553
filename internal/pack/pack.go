// Package pack implements the ArtifactPacker (C5): zipping a rule's
// declared outputs into a single artifact, and unzipping a fetched
// artifact back onto the filesystem.
//
// Grounded on the reference tool's tools/jarcat/unzip/unzip.go, which
// extracts a zip's members through a small fixed-size worker pool rather
// than a single goroutine; the packing side uses the standard library's
// archive/zip directly rather than jarcat's bespoke zip writer, which
// carries JVM/Python-jar-specific behavior (classfile merging, __init__.py
// synthesis) this package has no use for — see DESIGN.md.
package pack

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arbor-build/arbor/internal/errs"
)

// concurrency bounds the number of goroutines extracting zip members
// simultaneously (grounded on unzip.go's fixed concurrency = 4).
const concurrency = 4

// modTime is stamped on every packed entry so that two packs of identical
// content produce byte-identical zip files, independent of wall-clock time
// (artifacts are compared and cached by rule key, not by archive digest,
// but determinism still avoids spurious diffs in archives kept for
// inspection).
var modTime = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// ExistingFileMode controls how Unpack treats a destination path that
// already exists.
type ExistingFileMode int

const (
	// OverwriteAndCleanDirectories removes, before extracting anything,
	// whatever exists at the top-level path of every member (the first
	// component of its name, a file or a whole directory), so a declared
	// output directory can never retain stale siblings from a previous
	// build (§4.5). Paths under destDir that no member starts with are left
	// in place.
	OverwriteAndCleanDirectories ExistingFileMode = iota
)

// Pack writes every path in paths into a new zip archive at outZip. Entry
// names are taken relative to baseDir (typically the rule's output
// directory) and written in sorted order so repeated packs of the same
// content are byte-identical.
func Pack(baseDir string, paths []string, outZip string) error {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	if err := os.MkdirAll(filepath.Dir(outZip), 0755); err != nil {
		return errs.NewIOFailure("creating artifact output directory", err)
	}
	f, err := os.Create(outZip)
	if err != nil {
		return errs.NewIOFailure("creating artifact zip", err)
	}
	defer f.Close()

	w := zip.NewWriter(f)
	for _, p := range sorted {
		if err := addToZip(w, baseDir, p); err != nil {
			w.Close()
			return err
		}
	}
	if err := w.Close(); err != nil {
		return errs.NewIOFailure("finalizing artifact zip", err)
	}
	return nil
}

func addToZip(w *zip.Writer, baseDir, path string) error {
	rel, err := filepath.Rel(baseDir, path)
	if err != nil {
		return errs.NewInternal(fmt.Sprintf("path %s is not under base directory %s", path, baseDir))
	}
	info, err := os.Lstat(path)
	if err != nil {
		return errs.NewIOFailure(fmt.Sprintf("stat %s for packing", path), err)
	}
	if info.IsDir() {
		return filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if fi.IsDir() {
				return nil
			}
			memberRel, err := filepath.Rel(baseDir, p)
			if err != nil {
				return err
			}
			return writeZipEntry(w, filepath.ToSlash(memberRel), p, fi)
		})
	}
	return writeZipEntry(w, filepath.ToSlash(rel), path, info)
}

func writeZipEntry(w *zip.Writer, name, diskPath string, info os.FileInfo) error {
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return errs.NewIOFailure(fmt.Sprintf("building zip header for %s", name), err)
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	hdr.Modified = modTime

	wr, err := w.CreateHeader(hdr)
	if err != nil {
		return errs.NewIOFailure(fmt.Sprintf("creating zip entry for %s", name), err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		dest, err := os.Readlink(diskPath)
		if err != nil {
			return errs.NewIOFailure(fmt.Sprintf("reading symlink %s", diskPath), err)
		}
		_, err = io.WriteString(wr, dest)
		return err
	}
	src, err := os.Open(diskPath)
	if err != nil {
		return errs.NewIOFailure(fmt.Sprintf("opening %s for packing", diskPath), err)
	}
	defer src.Close()
	if _, err := io.Copy(wr, src); err != nil {
		return errs.NewIOFailure(fmt.Sprintf("writing zip entry for %s", name), err)
	}
	return nil
}

// Unpack extracts zipPath's members into destDir according to mode. It
// uses a small bounded worker pool, matching unzip.go's approach, so a
// many-member archive does not serialize extraction on a single goroutine.
func Unpack(zipPath, destDir string, mode ExistingFileMode) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return errs.NewIOFailure("opening artifact zip", err)
	}
	defer r.Close()

	if mode == OverwriteAndCleanDirectories {
		for _, f := range r.File {
			top, _, _ := strings.Cut(f.Name, "/")
			dest := filepath.Join(destDir, filepath.FromSlash(top))
			if err := os.RemoveAll(dest); err != nil && !os.IsNotExist(err) {
				return errs.NewIOFailure(fmt.Sprintf("clearing stale path %s before unpack", dest), err)
			}
		}
	}

	files := make(chan *zip.File, len(r.File))
	for _, f := range r.File {
		files <- f
	}
	close(files)

	var wg sync.WaitGroup
	errCh := make(chan error, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range files {
				if err := extractOne(f, destDir); err != nil {
					select {
					case errCh <- err:
					default:
					}
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return err
	}
	return nil
}

func extractOne(f *zip.File, destDir string) error {
	dest := filepath.Join(destDir, filepath.FromSlash(f.Name))
	if f.FileInfo().IsDir() {
		return os.MkdirAll(dest, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return errs.NewIOFailure(fmt.Sprintf("creating parent directory for %s", dest), err)
	}

	rc, err := f.Open()
	if err != nil {
		return errs.NewIOFailure(fmt.Sprintf("opening zip member %s", f.Name), err)
	}
	defer rc.Close()

	if f.Mode()&os.ModeSymlink != 0 {
		target, err := io.ReadAll(rc)
		if err != nil {
			return errs.NewIOFailure(fmt.Sprintf("reading symlink target for %s", f.Name), err)
		}
		return os.Symlink(string(target), dest)
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm()|0644)
	if err != nil {
		return errs.NewIOFailure(fmt.Sprintf("creating destination file %s", dest), err)
	}
	defer out.Close()
	if _, err := io.Copy(out, rc); err != nil {
		return errs.NewIOFailure(fmt.Sprintf("writing %s", dest), err)
	}
	return nil
}
