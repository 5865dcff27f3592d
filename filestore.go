package shelf

import (
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/dustin/go-humanize"
)

// Resolve maps a client-supplied relative path to an absolute path inside the
// volume root. Traversal sequences are neutralized by SecureJoin (`../../etc`
// lands at `<root>/etc`, a pure `../../..` lands at the root itself); the
// prefix check after the join is belt and braces. Every filesystem access
// derived from untrusted input goes through here.
func (v *Volume) Resolve(relativePath string) (string, error) {
	resolved, err := securejoin.SecureJoin(v.Path, relativePath)
	if err != nil {
		return "", ErrAccessDenied
	}

	root := filepath.Clean(v.Path)
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", ErrAccessDenied
	}

	return resolved, nil
}

// ValidateName guards name-only inputs (new directory names and the like)
// before they are joined onto a parent path.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: invalid name", ErrInvalidInput)
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return fmt.Errorf("%w: name must not contain path separators or '..'", ErrInvalidInput)
	}
	return nil
}

type FileEntry struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	IsDirectory bool      `json:"is_directory"`
	Size        int64     `json:"size"`
	HumanSize   string    `json:"human_size"`
	ModifiedAt  time.Time `json:"modified_at"`
	MimeType    *string   `json:"mime_type"`
}

// MimeTypeByExtension infers a mime type from the file extension alone.
// Directories have no mime type.
func MimeTypeByExtension(name string) *string {
	mtraw := mime.TypeByExtension(filepath.Ext(name))
	mimetype, _, err := mime.ParseMediaType(mtraw)
	if err != nil || mimetype == "" {
		return nil
	}
	return &mimetype
}

func NewFileEntryFromStat(relativePath string, info fs.FileInfo) *FileEntry {
	entry := &FileEntry{
		Name:        info.Name(),
		Path:        path.Clean(filepath.ToSlash(relativePath)),
		IsDirectory: info.IsDir(),
		Size:        info.Size(),
		HumanSize:   humanize.Bytes(uint64(info.Size())),
		ModifiedAt:  info.ModTime(),
	}
	if !info.IsDir() {
		entry.MimeType = MimeTypeByExtension(info.Name())
	}
	return entry
}

func (v *Volume) Stat(relativePath string) (os.FileInfo, error) {
	resolved, err := v.Resolve(relativePath)
	if err != nil {
		return nil, err
	}
	return os.Stat(resolved)
}

func (v *Volume) Entry(relativePath string) (*FileEntry, error) {
	info, err := v.Stat(relativePath)
	if err != nil {
		return nil, err
	}
	return NewFileEntryFromStat(relativePath, info), nil
}

func (v *Volume) Open(relativePath string) (*os.File, error) {
	resolved, err := v.Resolve(relativePath)
	if err != nil {
		return nil, err
	}
	return os.Open(resolved)
}

// Entries lists a directory: directories before files, case-insensitive name
// order within each group. Children that fail to stat (racing deletes,
// permission holes) are silently dropped rather than failing the listing.
func (v *Volume) Entries(relativePath string, includeDotfiles bool) ([]*FileEntry, error) {
	resolved, err := v.Resolve(relativePath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, ErrNotADirectory
	}

	children, err := os.ReadDir(resolved)
	if err != nil {
		return nil, err
	}

	result := []*FileEntry{}
	for _, child := range children {
		if !includeDotfiles && strings.HasPrefix(child.Name(), ".") {
			continue
		}

		childInfo, err := child.Info()
		if err != nil {
			continue
		}

		result = append(result, NewFileEntryFromStat(path.Join(filepath.ToSlash(relativePath), child.Name()), childInfo))
	}

	sort.Slice(result, func(i, j int) bool {
		ii := result[i]
		jj := result[j]

		if ii.IsDirectory != jj.IsDirectory {
			return ii.IsDirectory
		}
		return strings.ToLower(ii.Name) < strings.ToLower(jj.Name)
	})

	return result, nil
}

// Delete removes a file or directory tree. The volume root itself is off
// limits.
func (v *Volume) Delete(relativePath string) error {
	resolved, err := v.Resolve(relativePath)
	if err != nil {
		return err
	}
	if resolved == filepath.Clean(v.Path) {
		return fmt.Errorf("%w: refusing to delete volume root", ErrForbidden)
	}

	_, err = os.Stat(resolved)
	if err != nil {
		return err
	}

	return os.RemoveAll(resolved)
}

// Move renames within the volume. The destination's parent directory must
// already exist.
func (v *Volume) Move(from, to string) error {
	src, err := v.Resolve(from)
	if err != nil {
		return err
	}
	if src == filepath.Clean(v.Path) {
		return fmt.Errorf("%w: refusing to move volume root", ErrForbidden)
	}

	dst, err := v.Resolve(to)
	if err != nil {
		return err
	}

	parent, err := os.Stat(filepath.Dir(dst))
	if err != nil {
		return fmt.Errorf("%w: destination parent does not exist", ErrNotFound)
	}
	if !parent.IsDir() {
		return fmt.Errorf("%w: destination parent is not a directory", ErrNotFound)
	}

	return os.Rename(src, dst)
}

// Copy duplicates a file or directory tree within the volume.
func (v *Volume) Copy(from, to string) error {
	src, err := v.Resolve(from)
	if err != nil {
		return err
	}
	dst, err := v.Resolve(to)
	if err != nil {
		return err
	}

	parent, err := os.Stat(filepath.Dir(dst))
	if err != nil || !parent.IsDir() {
		return fmt.Errorf("%w: destination parent does not exist", ErrNotFound)
	}

	return copyTree(src, dst)
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}

	err = os.MkdirAll(dst, info.Mode())
	if err != nil {
		return err
	}

	children, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, child := range children {
		err = copyTree(filepath.Join(src, child.Name()), filepath.Join(dst, child.Name()))
		if err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// Mkdir creates a single directory under parent. Non-recursive: the parent
// must exist, the leaf must not.
func (v *Volume) Mkdir(parentRelativePath, name string) (*FileEntry, error) {
	err := ValidateName(name)
	if err != nil {
		return nil, err
	}

	relative := path.Join(filepath.ToSlash(parentRelativePath), name)
	resolved, err := v.Resolve(relative)
	if err != nil {
		return nil, err
	}

	err = os.Mkdir(resolved, 0o755)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: directory already exists", ErrConflict)
		}
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: parent directory does not exist", ErrNotFound)
		}
		return nil, err
	}

	return v.Entry(relative)
}

// OpenFile opens for writing, creating parents as needed. Used by WebDAV PUT.
func (v *Volume) OpenFile(relativePath string, flag int, perm fs.FileMode) (*os.File, error) {
	resolved, err := v.Resolve(relativePath)
	if err != nil {
		return nil, err
	}

	err = os.MkdirAll(filepath.Dir(resolved), 0o755)
	if err != nil {
		return nil, err
	}

	return os.OpenFile(resolved, flag, perm)
}
