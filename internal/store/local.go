package store

import (
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Local is a store.Backend rooted at a directory on the local host. It is
// used for both SR (Split mode) and the single root (PS mode); callers
// never see a difference beyond which logical tree they point it at.
type Local struct {
	root string
}

// NewLocal returns a Backend rooted at root. root must already exist.
func NewLocal(root string) *Local {
	return &Local{root: root}
}

func (l *Local) Root() string { return l.root }

func (l *Local) abs(path string) string {
	return filepath.Join(l.root, path)
}

func toOSFlags(flags OpenFlag) int {
	f := 0
	switch {
	case flags&OReadWrite != 0:
		f |= os.O_RDWR
	default:
		f |= os.O_RDONLY
	}
	if flags&OCreate != 0 {
		f |= os.O_CREATE
	}
	if flags&OExcl != 0 {
		f |= os.O_EXCL
	}
	if flags&OTrunc != 0 {
		f |= os.O_TRUNC
	}
	return f
}

func (l *Local) OpenFile(path string, flags OpenFlag, mode os.FileMode) (File, error) {
	f, err := os.OpenFile(l.abs(path), toOSFlags(flags), mode)
	if err != nil {
		return nil, err
	}
	return &localFile{f: f}, nil
}

func (l *Local) Mkdir(path string, mode os.FileMode) error {
	return os.Mkdir(l.abs(path), mode)
}

func (l *Local) Remove(path string) error {
	return os.Remove(l.abs(path))
}

func (l *Local) Rename(oldPath, newPath string) error {
	return os.Rename(l.abs(oldPath), l.abs(newPath))
}

func (l *Local) ReadDir(path string) ([]FileInfo, error) {
	entries, err := os.ReadDir(l.abs(path))
	if err != nil {
		return nil, err
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, toFileInfo(fi))
	}
	return out, nil
}

func (l *Local) Stat(path string) (FileInfo, error) {
	fi, err := os.Stat(l.abs(path))
	if err != nil {
		return FileInfo{}, err
	}
	return toFileInfo(fi), nil
}

func (l *Local) Lstat(path string) (FileInfo, error) {
	fi, err := os.Lstat(l.abs(path))
	if err != nil {
		return FileInfo{}, err
	}
	return toFileInfo(fi), nil
}

func (l *Local) Symlink(target, linkPath string) error {
	return os.Symlink(target, l.abs(linkPath))
}

func (l *Local) Readlink(path string) (string, error) {
	return os.Readlink(l.abs(path))
}

func (l *Local) Chmod(path string, mode os.FileMode) error {
	return os.Chmod(l.abs(path), mode)
}

func (l *Local) Lchown(path string, uid, gid int) error {
	return os.Lchown(l.abs(path), uid, gid)
}

func (l *Local) Utimens(path string, atime, mtime time.Time) error {
	return os.Chtimes(l.abs(path), atime, mtime)
}

func (l *Local) Statfs(path string) (StatfsResult, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(l.abs(path), &st); err != nil {
		return StatfsResult{}, err
	}
	return StatfsResult{
		BlockSize:  uint32(st.Bsize),
		Blocks:     st.Blocks,
		BlocksFree: st.Bfree,
		Files:      st.Files,
		FilesFree:  st.Ffree,
		NameLen:    uint32(st.Namelen),
	}, nil
}

func toFileInfo(fi os.FileInfo) FileInfo {
	out := FileInfo{
		Name:    fi.Name(),
		Size:    fi.Size(),
		Mode:    fi.Mode(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		out.UID = st.Uid
		out.GID = st.Gid
		out.HasOwner = true
		out.CTime = time.Unix(int64(st.Ctim.Sec), int64(st.Ctim.Nsec))
	}
	return out
}

type localFile struct {
	f *os.File
}

func (lf *localFile) Close() error { return lf.f.Close() }

func (lf *localFile) ReadAt(b []byte, off int64) (int, error) {
	return lf.f.ReadAt(b, off)
}

func (lf *localFile) WriteAt(b []byte, off int64) (int, error) {
	return lf.f.WriteAt(b, off)
}

func (lf *localFile) Truncate(size int64) error {
	return lf.f.Truncate(size)
}

func (lf *localFile) Sync() error {
	return lf.f.Sync()
}

func (lf *localFile) Stat() (FileInfo, error) {
	fi, err := lf.f.Stat()
	if err != nil {
		return FileInfo{}, err
	}
	return toFileInfo(fi), nil
}

func (lf *localFile) Lock(exclusive bool) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	for {
		err := unix.Flock(int(lf.f.Fd()), how)
		if err == syscall.EINTR {
			continue
		}
		return err
	}
}

func (lf *localFile) Unlock() error {
	return unix.Flock(int(lf.f.Fd()), unix.LOCK_UN)
}
