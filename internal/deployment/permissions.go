package deployment

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"

	"sitebox/internal/security"
)

// Owner is the account that should own served files.
type Owner struct {
	User  string
	Group string
}

func (o Owner) String() string {
	return o.User + ":" + o.Group
}

// lookup resolves the owner to numeric ids. An empty owner disables chown.
func (o Owner) lookup() (uid, gid int, err error) {
	uid, gid = -1, -1
	if o.User != "" {
		u, err := user.Lookup(o.User)
		if err != nil {
			return -1, -1, fmt.Errorf("unknown user %q: %w", o.User, err)
		}
		if uid, err = strconv.Atoi(u.Uid); err != nil {
			return -1, -1, err
		}
	}
	if o.Group != "" {
		g, err := user.LookupGroup(o.Group)
		if err != nil {
			return -1, -1, fmt.Errorf("unknown group %q: %w", o.Group, err)
		}
		if gid, err = strconv.Atoi(g.Gid); err != nil {
			return -1, -1, err
		}
	}
	return uid, gid, nil
}

// normalize sets 0644 on files, 0755 on directories and the owner on every
// entry below root, root included. Ownership problems are returned as
// warnings; permission failures are errors.
func normalize(ctx context.Context, root string, owner Owner) ([]string, error) {
	var warnings []string

	uid, gid, err := owner.lookup()
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("ownership not changed: %v", err))
		uid, gid = -1, -1
	}
	chown := uid != -1 || gid != -1
	chownDenied := false

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if chown && !chownDenied {
			if err := os.Lchown(path, uid, gid); err != nil {
				if errors.Is(err, syscall.EPERM) {
					chownDenied = true
					warnings = append(warnings, fmt.Sprintf("ownership not changed to %s: not permitted (run as root to fix ownership)", owner))
				} else {
					return fmt.Errorf("chown %s: %w", path, err)
				}
			}
		}

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			return nil
		case d.IsDir():
			return os.Chmod(path, security.PermPublicDir)
		case d.Type().IsRegular():
			return os.Chmod(path, security.PermPublicFile)
		}
		return nil
	})
	if err != nil {
		return warnings, fmt.Errorf("normalizing permissions under %s: %w", root, err)
	}
	return warnings, nil
}
