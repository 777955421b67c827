package deployment

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitebox/internal/config"
	"sitebox/internal/errs"
	"sitebox/pkg/cmdutil/cmdutiltest"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		BackupDir:         filepath.Join(t.TempDir(), "backups"),
		MaxBackups:        5,
		ConfigTestCommand: []string{"nginx", "-t"},
		ReloadCommand:     []string{"systemctl", "reload", "nginx"},
	}
}

func newTestDeployer(t *testing.T) (*Deployer, *cmdutiltest.Runner) {
	t.Helper()
	runner := cmdutiltest.NewRunner()
	d, err := NewDeployer(testConfig(t), runner, nil)
	require.NoError(t, err)
	return d, runner
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	}
}

// readTree returns the regular files under root keyed by relative path.
func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	files := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return files
}

var siteV1 = map[string]string{
	"index.html":     "<h1>v1</h1>",
	"about.html":     "about v1",
	"css/site.css":   "body{color:red}",
	"img/logo/a.svg": "<svg/>",
}

var siteV2 = map[string]string{
	"index.html":   "<h1>v2</h1>",
	"css/site.css": "body{color:blue}",
	"blog/1.html":  "first post",
}

func TestDeployFreshDestination(t *testing.T) {
	d, runner := newTestDeployer(t)
	src, dest := t.TempDir(), filepath.Join(t.TempDir(), "html")

	writeTree(t, src, siteV1)
	writeTree(t, src, map[string]string{
		".git/HEAD":               "ref: refs/heads/main",
		".gitignore":              "node_modules",
		".env":                    "SECRET=1",
		".env.production":         "SECRET=2",
		"debug.log":               "noise",
		"node_modules/x/index.js": "x",
		"vendor/lib.php":          "<?php",
		".DS_Store":               "",
	})

	report, err := d.Deploy(context.Background(), src, dest)
	require.NoError(t, err)

	assert.Nil(t, report.Snapshot, "empty destination needs no snapshot")
	assert.Equal(t, len(siteV1), report.Copied)
	assert.Equal(t, 0, report.Deleted)
	assert.Equal(t, siteV1, readTree(t, dest))

	info, err := os.Stat(filepath.Join(dest, "css/site.css"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0644), info.Mode().Perm())
	info, err = os.Stat(filepath.Join(dest, "img/logo"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0755), info.Mode().Perm())

	require.Len(t, runner.Calls, 2)
	assert.Equal(t, []string{"nginx", "-t"}, runner.Calls[0])
	assert.Equal(t, []string{"systemctl", "reload", "nginx"}, runner.Calls[1])
	assert.False(t, runner.Called("systemctl restart"))
}

func TestDeployIdempotent(t *testing.T) {
	d, _ := newTestDeployer(t)
	src, dest := t.TempDir(), t.TempDir()
	writeTree(t, src, siteV1)

	_, err := d.Deploy(context.Background(), src, dest)
	require.NoError(t, err)
	first := readTree(t, dest)

	report, err := d.Deploy(context.Background(), src, dest)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Copied)
	assert.Equal(t, 0, report.Deleted)
	assert.Equal(t, len(siteV1), report.Unchanged)
	assert.NotNil(t, report.Snapshot, "non-empty destination is snapshotted")
	assert.Equal(t, first, readTree(t, dest))
}

func TestDeployMirrorDeletes(t *testing.T) {
	d, _ := newTestDeployer(t)
	src, dest := t.TempDir(), t.TempDir()
	writeTree(t, src, siteV2)
	writeTree(t, dest, map[string]string{
		"old.html":         "stale",
		"old/deep/x.html":  "stale",
		"css/extra.css":    "stale",
		".env":             "KEEP=1",
		"access.log":       "keep me",
		"blog":             "file where a directory belongs",
		".git/config":      "keep",
		"index.html":       "<h1>old</h1>",
		"css/site.css":     "old",
		"node_modules/a/b": "keep",
	})

	report, err := d.Deploy(context.Background(), src, dest)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Deleted, "old.html, old/, css/extra.css and the blog file")

	got := readTree(t, dest)
	for name, content := range siteV2 {
		assert.Equal(t, content, got[name], name)
	}
	for _, gone := range []string{"old.html", "old/deep/x.html", "css/extra.css"} {
		assert.NotContains(t, got, gone)
	}
	for _, kept := range []string{".env", "access.log", ".git/config", "node_modules/a/b"} {
		assert.Contains(t, got, kept, "excluded names are never deleted")
	}
}

func TestDeploySymlinks(t *testing.T) {
	d, _ := newTestDeployer(t)
	src, dest := t.TempDir(), t.TempDir()
	writeTree(t, src, siteV1)
	require.NoError(t, os.Symlink("index.html", filepath.Join(src, "home.html")))

	_, err := d.Deploy(context.Background(), src, dest)
	require.NoError(t, err)

	link, err := os.Readlink(filepath.Join(dest, "home.html"))
	require.NoError(t, err)
	assert.Equal(t, "index.html", link)

	report, err := d.Deploy(context.Background(), src, dest)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Copied)
}

func TestRollbackRoundTrip(t *testing.T) {
	d, runner := newTestDeployer(t)
	srcV1, srcV2, dest := t.TempDir(), t.TempDir(), t.TempDir()
	writeTree(t, srcV1, siteV1)
	writeTree(t, srcV2, siteV2)

	_, err := d.Deploy(context.Background(), srcV1, dest)
	require.NoError(t, err)
	before := readTree(t, dest)

	report, err := d.Deploy(context.Background(), srcV2, dest)
	require.NoError(t, err)
	require.NotNil(t, report.Snapshot)
	assert.Equal(t, siteV2, readTree(t, dest))

	reloads := runner.Count("systemctl reload")
	snap, err := d.Rollback(context.Background(), dest)
	require.NoError(t, err)
	assert.Equal(t, report.Snapshot.Name, snap.Name)
	assert.Equal(t, before, readTree(t, dest))
	assert.Equal(t, reloads+1, runner.Count("systemctl reload"))

	snaps, err := d.Store().List()
	require.NoError(t, err)
	assert.Len(t, snaps, 1, "rollback takes no new snapshot")

	info, err := os.Stat(filepath.Join(dest, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0644), info.Mode().Perm())
}

func TestRollbackEmptyStore(t *testing.T) {
	d, runner := newTestDeployer(t)
	dest := t.TempDir()
	writeTree(t, dest, map[string]string{"index.html": "live"})

	_, err := d.Rollback(context.Background(), dest)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoBackupAvailable)
	var serr *errs.StateError
	assert.True(t, errors.As(err, &serr))

	assert.Equal(t, map[string]string{"index.html": "live"}, readTree(t, dest))
	assert.Empty(t, runner.Calls)
}

func TestDeployConfigInvalid(t *testing.T) {
	d, runner := newTestDeployer(t)
	runner.On("nginx -t", cmdutiltest.Response{Output: "nginx: [emerg] unexpected \"}\"", ExitCode: 1})

	src, dest := t.TempDir(), t.TempDir()
	writeTree(t, src, siteV1)

	_, err := d.Deploy(context.Background(), src, dest)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigInvalid)

	var perr *errs.PartialApplyError
	require.True(t, errors.As(err, &perr))
	assert.Contains(t, perr.Output, "emerg")
	assert.Equal(t, "partial-apply", errs.Kind(err))

	assert.Equal(t, siteV1, readTree(t, dest), "content is synced")
	assert.False(t, runner.Called("systemctl reload"), "server must not be reloaded")
}

func TestDeployReloadFailure(t *testing.T) {
	d, runner := newTestDeployer(t)
	runner.On("systemctl reload", cmdutiltest.Response{Output: "Job failed", ExitCode: 1})

	src, dest := t.TempDir(), t.TempDir()
	writeTree(t, src, siteV1)

	_, err := d.Deploy(context.Background(), src, dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reloading web server")
}

func TestDeploySourceInvalid(t *testing.T) {
	d, runner := newTestDeployer(t)
	dest := t.TempDir()

	tests := []struct {
		name string
		src  string
	}{
		{"missing", filepath.Join(t.TempDir(), "nope")},
		{"empty", t.TempDir()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Deploy(context.Background(), tt.src, dest)
			assert.ErrorIs(t, err, ErrSourceInvalid)
			var verr *errs.ValidationError
			assert.True(t, errors.As(err, &verr))
		})
	}
	assert.Empty(t, runner.Calls)
}

func TestDeployRejectsDangerousDestinations(t *testing.T) {
	d, _ := newTestDeployer(t)
	src := t.TempDir()
	writeTree(t, src, siteV1)

	for _, dest := range []string{"/", "/etc", "/var/www", filepath.Join(src, "public")} {
		_, err := d.Deploy(context.Background(), src, dest)
		var verr *errs.ValidationError
		assert.True(t, errors.As(err, &verr), "dest %s: %v", dest, err)
	}
}

func TestDeployLocked(t *testing.T) {
	d, _ := newTestDeployer(t)
	src, dest := t.TempDir(), t.TempDir()
	writeTree(t, src, siteV1)

	lock, err := d.locks.TryLock(d.Store().Dir())
	require.NoError(t, err)
	defer lock.Unlock()

	_, err = d.Deploy(context.Background(), src, dest)
	assert.ErrorIs(t, err, ErrLocked)
	assert.Equal(t, "state", errs.Kind(err))
	_, err = d.Rollback(context.Background(), dest)
	assert.ErrorIs(t, err, ErrLocked)
	assert.Empty(t, readTree(t, dest))
}

func TestPlanDoesNotMutate(t *testing.T) {
	d, runner := newTestDeployer(t)
	src, dest := t.TempDir(), t.TempDir()
	writeTree(t, src, siteV2)
	writeTree(t, dest, map[string]string{"old.html": "stale", "index.html": "<h1>old</h1>"})

	plan, err := d.Plan(context.Background(), src, dest)
	require.NoError(t, err)

	assert.Equal(t, []string{"old.html"}, plan.Delete)
	assert.ElementsMatch(t, []string{"index.html", "css/site.css", "blog/1.html"}, plan.Copy)
	assert.ElementsMatch(t, []string{"css", "blog"}, plan.Mkdir)
	assert.False(t, plan.Empty())

	assert.Equal(t, map[string]string{"old.html": "stale", "index.html": "<h1>old</h1>"}, readTree(t, dest))
	assert.Empty(t, runner.Calls)

	_, err = os.Stat(d.Store().Dir())
	assert.True(t, os.IsNotExist(err), "plan must not create the backup directory")

	missing, err := d.Plan(context.Background(), src, filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Len(t, missing.Copy, len(siteV2))
}

func TestPruneAfterDeploy(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxBackups = 1
	d, err := NewDeployer(cfg, cmdutiltest.NewRunner(), nil)
	require.NoError(t, err)

	src, dest := t.TempDir(), t.TempDir()
	writeTree(t, dest, map[string]string{"index.html": "live"})
	writeTree(t, src, siteV1)

	_, err = d.Deploy(context.Background(), src, dest)
	require.NoError(t, err)
	writeTree(t, src, map[string]string{"index.html": "changed"})
	_, err = d.Deploy(context.Background(), src, dest)
	require.NoError(t, err)

	snaps, err := d.Store().List()
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestDeployReplacesSameSizeSameTime(t *testing.T) {
	d, _ := newTestDeployer(t)
	src, dest := t.TempDir(), t.TempDir()
	writeTree(t, src, map[string]string{"index.html": "AAAA"})
	writeTree(t, dest, map[string]string{"index.html": "BBBB"})

	stamp := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, dir := range []string{src, dest} {
		require.NoError(t, os.Chtimes(filepath.Join(dir, "index.html"), stamp, stamp))
	}

	report, err := d.Deploy(context.Background(), src, dest)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Copied)
	assert.Equal(t, map[string]string{"index.html": "AAAA"}, readTree(t, dest))
}

func TestDeployRejectsBackupDirInsideDestination(t *testing.T) {
	dest := t.TempDir()
	cfg := testConfig(t)
	cfg.BackupDir = filepath.Join(dest, "_backups")
	d, err := NewDeployer(cfg, cmdutiltest.NewRunner(), nil)
	require.NoError(t, err)

	src := t.TempDir()
	writeTree(t, src, siteV1)
	writeTree(t, dest, map[string]string{"index.html": "live"})

	_, err = d.Deploy(context.Background(), src, dest)
	var verr *errs.ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, map[string]string{"index.html": "live"}, readTree(t, dest))

	_, err = d.Rollback(context.Background(), dest)
	assert.True(t, errors.As(err, &verr), "got %v", err)

	outer := testConfig(t)
	outer.BackupDir = filepath.Dir(dest)
	d, err = NewDeployer(outer, cmdutiltest.NewRunner(), nil)
	require.NoError(t, err)
	_, err = d.Deploy(context.Background(), src, dest)
	assert.True(t, errors.As(err, &verr), "got %v", err)
}

func TestDeployBackupDirUnusable(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))
	cfg.BackupDir = blocker
	d, err := NewDeployer(cfg, cmdutiltest.NewRunner(), nil)
	require.NoError(t, err)

	src, dest := t.TempDir(), t.TempDir()
	writeTree(t, src, siteV1)

	_, err = d.Deploy(context.Background(), src, dest)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackupUnavailable)
	assert.NotErrorIs(t, err, ErrLocked)
	assert.Equal(t, "internal", errs.Kind(err))
}
