package scenario

import (
	"fmt"

	"kestrel/kernel"
	"kestrel/kernel/fs"
)

// WriteFile opens path (creating it if needed), writes data at offset 0,
// and closes it again - the open/write/close half of the open/write/close/
// open/read round trip.
func (h *Harness) WriteFile(path string, data []byte) error {
	entry, kerr := fs.Open(h.RootNode(), path, fs.OpenCreate|fs.OpenTrunc)
	if kerr != nil {
		return wrap("open", path, kerr)
	}
	defer fs.Close(entry)

	if _, kerr := fs.Write(entry, 0, data); kerr != nil {
		return wrap("write", path, kerr)
	}
	return nil
}

// ReadFile opens path and reads its full contents back, the open/read half
// of the round trip.
func (h *Harness) ReadFile(path string) ([]byte, error) {
	entry, kerr := fs.Open(h.RootNode(), path, 0)
	if kerr != nil {
		return nil, wrap("open", path, kerr)
	}
	defer fs.Close(entry)

	stat := fs.StatEntry(entry)
	buf := make([]byte, stat.Size)
	n, kerr := fs.Read(entry, 0, buf)
	if kerr != nil {
		return nil, wrap("read", path, kerr)
	}
	return buf[:n], nil
}

// Stat reports path's kind and size.
func (h *Harness) Stat(path string) (fs.Stat, error) {
	entry, kerr := fs.Open(h.RootNode(), path, 0)
	if kerr != nil {
		return fs.Stat{}, wrap("open", path, kerr)
	}
	defer fs.Close(entry)
	return fs.StatEntry(entry), nil
}

// Mkdir creates a directory at path.
func (h *Harness) Mkdir(path string) error {
	if kerr := fs.Mkdir(h.RootNode(), path); kerr != nil {
		return wrap("mkdir", path, kerr)
	}
	return nil
}

// Rename moves oldPath to newPath.
func (h *Harness) Rename(oldPath, newPath string) error {
	if kerr := fs.Rename(h.RootNode(), oldPath, newPath); kerr != nil {
		return wrap("rename", oldPath+" -> "+newPath, kerr)
	}
	return nil
}

// Unlink removes path.
func (h *Harness) Unlink(path string) error {
	if kerr := fs.Unlink(h.RootNode(), path); kerr != nil {
		return wrap("unlink", path, kerr)
	}
	return nil
}

// Readdir lists dirPath's entries.
func (h *Harness) Readdir(dirPath string) ([]fs.Dirent, error) {
	nodeID, kerr := fs.Resolve(h.RootNode(), dirPath)
	if kerr != nil {
		return nil, wrap("resolve", dirPath, kerr)
	}
	entries, kerr := fs.Readdir(nodeID)
	if kerr != nil {
		return nil, wrap("readdir", dirPath, kerr)
	}
	return entries, nil
}

func wrap(verb, path string, kerr *kernel.Error) error {
	return fmt.Errorf("ksim: %s %s: %s", verb, path, kerr.Message)
}
