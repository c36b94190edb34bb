// Package positionstate reads the worker position-state file a side
// process (outside this relay) maintains. spec.md §6 lists it as a
// persisted file "consumed read-only from a side process" — the relay
// never writes it, only serves its current contents back over the REST
// surface, following the same plain file-read convention as this
// module's identitydoc package (read-only, no caching, no mtime tricks needed since this
// is a low-traffic read).
package positionstate

import (
	"encoding/json"
	"os"

	"github.com/ocx/vessel-relay/internal/relayerr"
)

// Reader serves the current contents of the position-state file.
type Reader struct {
	path string
}

func New(path string) *Reader {
	return &Reader{path: path}
}

// Read returns the file's parsed JSON contents. A missing file is not
// an error — the side process may not have run yet — and yields nil.
func (r *Reader) Read() (any, error) {
	if r.path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindInternal, "reading position state", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, relayerr.Wrap(relayerr.KindInternal, "parsing position state", err)
	}
	return out, nil
}
