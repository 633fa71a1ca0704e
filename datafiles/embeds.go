// Package datafiles carries the data files the tools fall back to when none
// are found on disk.
package datafiles

import (
	"embed"
	"io"

	"github.com/pkg/errors"
)

//go:embed elements.xml
var FS embed.FS

// Open opens an embedded file. Files in an embed.FS are seekable.
func Open(name string) (interface {
	io.ReadCloser
	io.Seeker
}, error) {
	f, err := FS.Open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "embedded %q", name)
	}
	rsc, ok := f.(interface {
		io.ReadCloser
		io.Seeker
	})
	if !ok {
		f.Close()
		return nil, errors.Errorf("embedded %q is not seekable", name)
	}
	return rsc, nil
}
