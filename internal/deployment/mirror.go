package deployment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/gobwas/glob"

	"sitebox/internal/security"
)

// DefaultExcludes are never copied to or deleted from the web root. They
// match entry names at any depth.
var DefaultExcludes = []string{
	".git",
	".gitignore",
	".svn",
	".hg",
	".env",
	".env.*",
	"*.log",
	"node_modules",
	"vendor",
	".cache",
	".DS_Store",
}

// Excludes matches entry names against shell-style patterns.
type Excludes struct {
	patterns []string
	globs    []glob.Glob
}

// NewExcludes compiles patterns.
func NewExcludes(patterns []string) (*Excludes, error) {
	e := &Excludes{patterns: patterns}
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		e.globs = append(e.globs, g)
	}
	return e, nil
}

// Match reports whether the base name of path is excluded.
func (e *Excludes) Match(path string) bool {
	name := filepath.Base(path)
	for _, g := range e.globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Patterns returns the source patterns.
func (e *Excludes) Patterns() []string {
	return e.patterns
}

// SyncPlan lists what a mirror will change. Paths are relative to the
// destination and ordered so they can be applied front to back.
type SyncPlan struct {
	Delete    []string `json:"delete,omitempty"`
	Mkdir     []string `json:"mkdir,omitempty"`
	Copy      []string `json:"copy,omitempty"`
	Unchanged int      `json:"unchanged"`
}

// Empty reports whether applying the plan changes nothing.
func (p *SyncPlan) Empty() bool {
	return len(p.Delete) == 0 && len(p.Mkdir) == 0 && len(p.Copy) == 0
}

// planMirror compares src and dest without touching either. A missing dest
// is treated as empty.
func planMirror(ctx context.Context, src, dest string, excludes *Excludes) (*SyncPlan, error) {
	plan := &SyncPlan{}
	// Source directories whose destination counterpart is missing or not a
	// directory. Nothing below them exists on the destination side.
	fresh := map[string]bool{}

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if excludes.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		srcInfo, err := d.Info()
		if err != nil {
			return err
		}
		var destInfo fs.FileInfo
		if !fresh[filepath.Dir(rel)] {
			destInfo, err = os.Lstat(filepath.Join(dest, rel))
			if err != nil && !notExist(err) {
				return err
			}
		}

		switch {
		case srcInfo.IsDir():
			if destInfo == nil || !destInfo.IsDir() {
				plan.Mkdir = append(plan.Mkdir, rel)
				fresh[rel] = true
			}
		case srcInfo.Mode()&fs.ModeSymlink != 0:
			same, err := sameSymlink(path, filepath.Join(dest, rel), destInfo)
			if err != nil {
				return err
			}
			if same {
				plan.Unchanged++
			} else {
				plan.Copy = append(plan.Copy, rel)
			}
		case srcInfo.Mode().IsRegular():
			same, err := sameFile(path, filepath.Join(dest, rel), srcInfo, destInfo)
			if err != nil {
				return err
			}
			if same {
				plan.Unchanged++
			} else {
				plan.Copy = append(plan.Copy, rel)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", src, err)
	}

	err = filepath.WalkDir(dest, func(path string, d fs.DirEntry, err error) error {
		if errors.Is(err, fs.ErrNotExist) && path == dest {
			return filepath.SkipAll
		}
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dest, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if excludes.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		srcInfo, err := os.Lstat(filepath.Join(src, rel))
		if err != nil && !notExist(err) {
			return err
		}
		if srcInfo == nil || srcInfo.IsDir() != d.IsDir() {
			plan.Delete = append(plan.Delete, rel)
			if d.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dest, err)
	}

	sort.Strings(plan.Delete)
	return plan, nil
}

// notExist reports whether err means the path is absent, including a
// parent that is a file rather than a directory.
func notExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// sameFile starts with rsync's quick check: a different size or
// modification time (at one-second resolution) means the file changed.
// When both match the contents are compared.
func sameFile(srcPath, destPath string, src, dest fs.FileInfo) (bool, error) {
	if dest == nil || !dest.Mode().IsRegular() {
		return false, nil
	}
	if src.Size() != dest.Size() ||
		!src.ModTime().Truncate(time.Second).Equal(dest.ModTime().Truncate(time.Second)) {
		return false, nil
	}
	return sameContent(srcPath, destPath)
}

func sameContent(a, b string) (bool, error) {
	fa, err := os.Open(a)
	if err != nil {
		return false, err
	}
	defer fa.Close()
	fb, err := os.Open(b)
	if err != nil {
		return false, nil
	}
	defer fb.Close()

	bufA, bufB := make([]byte, 32*1024), make([]byte, 32*1024)
	for {
		na, errA := io.ReadFull(fa, bufA)
		nb, errB := io.ReadFull(fb, bufB)
		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}
		doneA := errA == io.EOF || errA == io.ErrUnexpectedEOF
		doneB := errB == io.EOF || errB == io.ErrUnexpectedEOF
		if errA != nil && !doneA {
			return false, errA
		}
		if errB != nil && !doneB {
			return false, nil
		}
		if doneA || doneB {
			return doneA && doneB, nil
		}
	}
}

func sameSymlink(srcPath, destPath string, destInfo fs.FileInfo) (bool, error) {
	if destInfo == nil || destInfo.Mode()&fs.ModeSymlink == 0 {
		return false, nil
	}
	want, err := os.Readlink(srcPath)
	if err != nil {
		return false, err
	}
	got, err := os.Readlink(destPath)
	if err != nil {
		return false, nil
	}
	return want == got, nil
}

// applyMirror executes plan against dest.
func applyMirror(ctx context.Context, src, dest string, plan *SyncPlan) error {
	for _, rel := range plan.Delete {
		target, err := security.SanitizePathWithin(dest, filepath.Join(dest, rel))
		if err != nil {
			return err
		}
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("deleting %s: %w", rel, err)
		}
	}

	for _, rel := range plan.Mkdir {
		target := filepath.Join(dest, rel)
		if fi, err := os.Lstat(target); err == nil && !fi.IsDir() {
			if err := os.Remove(target); err != nil {
				return fmt.Errorf("replacing %s: %w", rel, err)
			}
		}
		if err := os.MkdirAll(target, security.PermPublicDir); err != nil {
			return fmt.Errorf("creating %s: %w", rel, err)
		}
	}

	for _, rel := range plan.Copy {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := copyEntry(filepath.Join(src, rel), filepath.Join(dest, rel)); err != nil {
			return fmt.Errorf("copying %s: %w", rel, err)
		}
	}
	return nil
}

// copyEntry writes a file or symlink next to dst and renames it into place,
// so readers never see a half-written file.
func copyEntry(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}

	tmp := filepath.Join(filepath.Dir(dst), fmt.Sprintf(".%s.sitebox-%d.tmp", filepath.Base(dst), time.Now().UnixNano()))

	if info.Mode()&fs.ModeSymlink != 0 {
		link, err := os.Readlink(src)
		if err != nil {
			return err
		}
		if err := os.Symlink(link, tmp); err != nil {
			return err
		}
		if err := os.Rename(tmp, dst); err != nil {
			os.Remove(tmp)
			return err
		}
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, security.PermPublicFile)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chtimes(tmp, info.ModTime(), info.ModTime()); err != nil {
		os.Remove(tmp)
		return err
	}
	if fi, err := os.Lstat(dst); err == nil && fi.IsDir() {
		if err := os.RemoveAll(dst); err != nil {
			os.Remove(tmp)
			return err
		}
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
