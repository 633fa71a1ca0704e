package paths

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

var (
	cache     map[string][]byte
	cacheLock sync.Mutex

	// HTTPClient fetches remote files.
	HTTPClient = http.DefaultClient
)

// openHTTP fetches fileName, which must be a URL, into memory. Successful
// fetches are cached for the life of the process.
func openHTTP(fileName string) (File, error) {
	cacheLock.Lock()
	defer cacheLock.Unlock()

	if cache == nil {
		cache = make(map[string][]byte)
	}
	if buf, ok := cache[fileName]; ok {
		glog.V(2).Infof("paths: %q served from cache", fileName)
		return &bytesReaderWithDummyClose{bytes.NewReader(buf)}, nil
	}

	response, err := HTTPClient.Get(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "paths: fetching %q", fileName)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		e := os.ErrInvalid
		if response.StatusCode == http.StatusNotFound {
			e = os.ErrNotExist
		}
		return nil, errors.Wrapf(e, "paths: fetching %q: http status %v, want 200", fileName, response.StatusCode)
	}

	buf, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, errors.Wrap(err, "copying response to seekable buffer")
	}
	cache[fileName] = buf
	glog.V(2).Infof("paths: fetched %q, %d bytes", fileName, len(buf))
	return &bytesReaderWithDummyClose{bytes.NewReader(buf)}, nil
}

type bytesReaderWithDummyClose struct {
	*bytes.Reader
}

func (bytesReaderWithDummyClose) Close() error {
	return nil
}
