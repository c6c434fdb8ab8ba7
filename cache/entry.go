package cache

import (
	"context"
	"time"
)

// State is the fetch state of an entry.
type State int

const (
	// Idle means no transfer is in flight for the entry.
	Idle State = iota
	// Fetching means exactly one transfer is in flight for the entry.
	Fetching
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// entry is the per-URI cache state. All fields are guarded by Cache.mu.
type entry struct {
	uri       string
	immutable bool

	// key is the storage key of the resident content, empty until a fetch
	// completes or an immutable key is derived at creation.
	key string

	// generation counts successful fetches; an existence check that
	// raced with a fetch sees it change and stands down.
	generation uint64

	state State
	task  *task // non-nil iff state == Fetching

	observers []*Subscription
}

// task is the handle of an in-flight transfer.
type task struct {
	key     string
	cancel  context.CancelFunc
	started time.Time
}

// Snapshot is a point-in-time copy of an entry's state.
type Snapshot struct {
	URI       string `json:"uri"`
	Immutable bool   `json:"immutable"`
	State     State  `json:"state"`
	Key       string `json:"key,omitempty"`
	Path      string `json:"path,omitempty"`
	Observers int    `json:"observers"`
	// FetchingKey is the key the in-flight transfer writes to.
	FetchingKey string `json:"fetching_key,omitempty"`
}

// Subscription is a registered observer. It is the identity used to
// unregister, since handlers themselves are not comparable.
type Subscription struct {
	cache   *Cache
	uri     string
	handler Handler
}

// Unregister removes the subscription from its cache. It is safe to call
// more than once.
func (s *Subscription) Unregister() {
	s.cache.Unregister(s.uri, s)
}
