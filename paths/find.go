// Package paths locates and opens data files: key material, element schema
// tables and packet captures.
package paths

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"badc0de.net/pkg/go-bigworld/datafiles"
)

// File is what every opener returns.
type File interface {
	io.ReadCloser
	io.Seeker
}

// Opener opens a named resource as a byte stream.
type Opener interface {
	Open(name string) (File, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(name string) (File, error)

func (f OpenerFunc) Open(name string) (File, error) {
	return f(name)
}

// Default looks on disk first and then among the embedded data files. Names
// starting with http:// or https:// are fetched.
var Default Opener = OpenerFunc(Open)

// getPossiblePathDirs lists the directories searched by Find, in order.
func getPossiblePathDirs() []string {
	dirs := []string{}
	if env := os.Getenv("BW_DATA_PATH"); env != "" {
		dirs = append(dirs, filepath.SplitList(env)...)
	}
	dirs = append(dirs, ".", "datafiles")
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Join(filepath.Dir(exe), "datafiles"))
	}
	return dirs
}

func getPossiblePaths(fileName string) []string {
	if filepath.IsAbs(fileName) {
		return []string{fileName}
	}
	var paths []string
	for _, dir := range getPossiblePathDirs() {
		paths = append(paths, filepath.Join(dir, fileName))
	}
	return paths
}

// Find locates the passed datafile shortname on disk and returns an absolute
// or relative path to find the datafile at, or an empty string.
//
// For example, for "elements.xml" it may return "datafiles/elements.xml".
func Find(fileName string) string {
	for _, path := range getPossiblePaths(fileName) {
		if f, err := os.Open(path); err == nil {
			f.Close()
			glog.Infof("paths.Find(%q)=%s", fileName, path)
			return path
		}
	}
	return ""
}

// Open locates the passed file in the same locations that Find would look, and
// opens it. Files not found on disk are looked up among the embedded data
// files.
func Open(fileName string) (File, error) {
	if isURL(fileName) {
		return openHTTP(fileName)
	}
	if path := Find(fileName); path != "" {
		return NoFindOpen(path)
	}
	f, err := datafiles.Open(filepath.ToSlash(fileName))
	if err != nil {
		return nil, errors.Wrapf(os.ErrNotExist, "paths.Open(%q): not found on disk or embedded", fileName)
	}
	glog.Infof("paths.Open(%q): using embedded copy", fileName)
	return f, nil
}

// NoFindOpen opens exactly the passed path.
func NoFindOpen(fileName string) (File, error) {
	if isURL(fileName) {
		return openHTTP(fileName)
	}
	f, err := os.Open(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "paths.NoFindOpen(%q)", fileName)
	}
	return f, nil
}

func isURL(name string) bool {
	return strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://")
}
