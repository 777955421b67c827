// Package backup keeps timestamped gzip tarball snapshots of a directory.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"sitebox/internal/errs"
	"sitebox/internal/security"
)

const (
	namePrefix = "backup-"
	nameSuffix = ".tar.gz"
	timeLayout = "20060102-150405"
)

// ErrEmptyStore is returned by Latest when there are no snapshots.
var ErrEmptyStore = errors.New("backup store is empty")

// Snapshot is one archived copy of a directory. Snapshots are immutable
// once created; CreatedAt is their identity and sort key.
type Snapshot struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
	Source    string    `json:"source,omitempty"`
}

// Store manages the snapshots in one directory.
type Store struct {
	dir    string
	logger *slog.Logger

	now   func() time.Time
	sleep func(time.Duration)
}

// NewStore creates a Store rooted at dir. The directory is created on the
// first snapshot.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    dir,
		logger: logger,
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// Create archives the contents of srcDir into a new snapshot. When a
// snapshot for the current second already exists it waits for the next
// second. The archive only becomes visible once fully written.
func (s *Store) Create(ctx context.Context, srcDir string) (*Snapshot, error) {
	if err := security.CreateSecureDir(s.dir, security.PermDirectory); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}

	createdAt, path := s.nextName()

	tmp, err := os.CreateTemp(s.dir, ".backup-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("creating snapshot file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := writeArchive(ctx, tmp, srcDir, createdAt); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("archiving %s: %w", srcDir, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Chmod(tmpPath, security.PermBackupFile); err != nil {
		return nil, fmt.Errorf("setting snapshot permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, fmt.Errorf("finalizing snapshot: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat snapshot: %w", err)
	}

	snap := &Snapshot{
		Name:      filepath.Base(path),
		Path:      path,
		CreatedAt: createdAt,
		Size:      info.Size(),
		Source:    srcDir,
	}
	s.logger.Info("snapshot created", "name", snap.Name, "source", srcDir, "size", humanize.Bytes(uint64(snap.Size)))
	return snap, nil
}

// nextName returns a timestamp whose file name is not taken yet, sleeping
// into the next second on collision.
func (s *Store) nextName() (time.Time, string) {
	for {
		now := s.now().UTC().Truncate(time.Second)
		path := filepath.Join(s.dir, fileName(now))
		if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
			return now, path
		}
		wait := now.Add(time.Second).Sub(s.now())
		if wait <= 0 {
			wait = time.Millisecond
		}
		s.sleep(wait)
	}
}

// Names are in UTC so they sort in creation order across DST changes.
func fileName(t time.Time) string {
	return namePrefix + t.UTC().Format(timeLayout) + nameSuffix
}

func parseName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, namePrefix) || !strings.HasSuffix(name, nameSuffix) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, namePrefix), nameSuffix)
	t, err := time.ParseInLocation(timeLayout, stamp, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func writeArchive(ctx context.Context, w io.Writer, srcDir string, createdAt time.Time) error {
	gz := gzip.NewWriter(w)
	gz.Comment = srcDir
	gz.ModTime = createdAt
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		} else if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// List returns the snapshots oldest first.
func (s *Store) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	var snaps []Snapshot
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		createdAt, ok := parseName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		snaps = append(snaps, Snapshot{
			Name:      e.Name(),
			Path:      path,
			CreatedAt: createdAt,
			Size:      info.Size(),
			Source:    readSource(path),
		})
	}

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
	})
	return snaps, nil
}

// readSource returns the source directory recorded in the gzip header.
func readSource(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return ""
	}
	defer gz.Close()
	return gz.Comment
}

// Latest returns the newest snapshot, or a StateError wrapping ErrEmptyStore.
func (s *Store) Latest() (*Snapshot, error) {
	snaps, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, &errs.StateError{Err: ErrEmptyStore}
	}
	latest := snaps[len(snaps)-1]
	return &latest, nil
}

// Prune deletes the oldest snapshots until at most max remain and returns
// the deleted ones.
func (s *Store) Prune(max int) ([]Snapshot, error) {
	if max < 1 {
		return nil, errs.Validation("retention must be at least 1, got %d", max)
	}

	snaps, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(snaps) <= max {
		return nil, nil
	}

	var removed []Snapshot
	for _, snap := range snaps[:len(snaps)-max] {
		if err := s.Delete(snap); err != nil {
			return removed, err
		}
		removed = append(removed, snap)
	}

	s.logger.Info("old snapshots removed", "count", len(removed), "kept", max)
	return removed, nil
}

// Delete removes one snapshot from the store.
func (s *Store) Delete(snap Snapshot) error {
	path, err := security.SanitizePathWithin(s.dir, filepath.Join(s.dir, filepath.Base(snap.Path)))
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing snapshot %s: %w", snap.Name, err)
	}
	s.logger.Debug("snapshot removed", "name", snap.Name)
	return nil
}

// Restore extracts snap into destDir. Existing files with the same names
// are overwritten; anything else in destDir is left alone. Entries that
// would land outside destDir are rejected.
func (s *Store) Restore(ctx context.Context, snap Snapshot, destDir string) error {
	f, err := os.Open(snap.Path)
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	if err := os.MkdirAll(destDir, security.PermPublicDir); err != nil {
		return fmt.Errorf("creating %s: %w", destDir, err)
	}
	if err := extract(ctx, f, destDir); err != nil {
		return fmt.Errorf("restoring %s: %w", snap.Name, err)
	}

	s.logger.Info("snapshot restored", "name", snap.Name, "dest", destDir)
	return nil
}

func extract(ctx context.Context, r io.Reader, destDir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	realDest, err := filepath.EvalSymlinks(destDir)
	if err != nil {
		return err
	}

	type dirTime struct {
		path string
		mod  time.Time
	}
	var dirs []dirTime

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		target, err := security.SanitizePathWithin(realDest, filepath.Join(realDest, filepath.FromSlash(hdr.Name)))
		if err != nil {
			return err
		}
		if target == realDest {
			continue
		}
		if err := checkParent(realDest, target); err != nil {
			return err
		}

		mode := fs.FileMode(hdr.Mode).Perm()
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, security.PermPublicDir); err != nil {
				return err
			}
			if err := os.Chmod(target, mode); err != nil {
				return err
			}
			dirs = append(dirs, dirTime{target, hdr.ModTime})

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), security.PermPublicDir); err != nil {
				return err
			}
			if err := writeFile(target, tr, mode); err != nil {
				return err
			}
			if err := os.Chtimes(target, hdr.ModTime, hdr.ModTime); err != nil {
				return err
			}

		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), security.PermPublicDir); err != nil {
				return err
			}
			if err := os.RemoveAll(target); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}

		default:
			// devices, fifos and hard links never come from our own archives
			continue
		}
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Chtimes(dirs[i].path, dirs[i].mod, dirs[i].mod)
	}
	return nil
}

// checkParent rejects targets whose nearest existing ancestor resolves
// outside root through a symlink extracted earlier.
func checkParent(root, target string) error {
	dir := filepath.Dir(target)
	for {
		real, err := filepath.EvalSymlinks(dir)
		if err == nil {
			if _, err := security.SanitizePathWithin(root, real); err != nil {
				return fmt.Errorf("entry %s escapes through a symlink: %w", target, err)
			}
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		next := filepath.Dir(dir)
		if next == dir {
			return nil
		}
		dir = next
	}
}

func writeFile(path string, r io.Reader, mode fs.FileMode) error {
	if fi, err := os.Lstat(path); err == nil && !fi.Mode().IsRegular() {
		if err := os.RemoveAll(path); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chmod(path, mode)
}
