package deployment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"sitebox/internal/security"
)

// LockFileName is created inside the backup directory.
const LockFileName = ".sitebox.lock"

// ErrLocked is returned when another deployment or rollback holds the lock.
var ErrLocked = errors.New("another deployment is in progress")

// LockManager serializes deployments that share a backup directory.
//
// Two levels are used:
// 1. a per-directory mutex keeps goroutines of this process apart
// 2. an flock(2) on the lock file keeps separate sitebox processes apart
//
// Both are non-blocking: a second caller fails with ErrLocked.
type LockManager struct {
	mu    sync.Mutex             // Protects the locks map
	locks map[string]*sync.Mutex // Per-directory locks
}

// NewLockManager creates a new lock manager
func NewLockManager() *LockManager {
	return &LockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock is a held deployment lock.
type Lock struct {
	mu   *sync.Mutex
	file *os.File
	once sync.Once
}

// TryLock acquires the lock for dir without waiting.
func (lm *LockManager) TryLock(dir string) (*Lock, error) {
	lm.mu.Lock()
	mu, exists := lm.locks[dir]
	if !exists {
		mu = &sync.Mutex{}
		lm.locks[dir] = mu
	}
	lm.mu.Unlock()

	if !mu.TryLock() {
		return nil, ErrLocked
	}

	if err := security.CreateSecureDir(dir, security.PermDirectory); err != nil {
		mu.Unlock()
		return nil, err
	}

	path := filepath.Join(dir, LockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, security.PermLogFile)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		mu.Unlock()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w (lock held on %s)", ErrLocked, path)
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())

	return &Lock{mu: mu, file: f}, nil
}

// Unlock releases the lock. It is safe to call more than once.
func (l *Lock) Unlock() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
		l.file.Close()
		l.mu.Unlock()
	})
}
