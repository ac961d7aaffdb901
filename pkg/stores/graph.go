package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrVersionConflict is returned by GraphBackend.Store when the persisted
// graph changed since it was loaded.
var ErrVersionConflict = errors.New("persistent graph version conflict")

// Version identifies one stored revision of a persistent graph.
// The empty Version means the graph does not exist yet.
type Version string

// LockInfo records who holds the persistent graph lock.
type LockInfo struct {
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// GraphBlob is the stored form of a namespace's persistent graph.
type GraphBlob struct {
	Edges map[string][]string `json:"edges"`
	Lock  *LockInfo           `json:"lock,omitempty"`
	Tags  map[string]string   `json:"tags,omitempty"`
}

// Clone returns a deep copy of the blob.
func (b *GraphBlob) Clone() *GraphBlob {
	if b == nil {
		return &GraphBlob{Edges: map[string][]string{}}
	}
	out := &GraphBlob{
		Edges: make(map[string][]string, len(b.Edges)),
	}
	for name, deps := range b.Edges {
		out.Edges[name] = append([]string{}, deps...)
	}
	if b.Lock != nil {
		lock := *b.Lock
		out.Lock = &lock
	}
	if b.Tags != nil {
		out.Tags = make(map[string]string, len(b.Tags))
		for k, v := range b.Tags {
			out.Tags[k] = v
		}
	}
	return out
}

// GraphBackend is compare-and-swap storage for persistent graphs keyed by
// namespace. Implementations must be safe for concurrent use.
type GraphBackend interface {
	// Load returns the stored graph and its version. An absent graph is
	// returned as an empty blob with the empty Version.
	Load(ctx context.Context, namespace string) (*GraphBlob, Version, error)

	// Store writes blob if the stored version still equals expected and
	// returns the new version. The empty expected version only succeeds
	// when no graph exists. A mismatch returns ErrVersionConflict.
	Store(ctx context.Context, namespace string, blob *GraphBlob, expected Version) (Version, error)

	// Delete removes the stored graph. Deleting an absent graph is not an error.
	Delete(ctx context.Context, namespace string) error

	// Close releases backend resources.
	Close() error
}

// EncodeGraphBlob serializes a blob to its JSON wire form.
func EncodeGraphBlob(blob *GraphBlob) ([]byte, error) {
	if blob == nil {
		blob = &GraphBlob{}
	}
	if blob.Edges == nil {
		blob = blob.Clone()
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to encode persistent graph: %w", err)
	}
	return data, nil
}

// DecodeGraphBlob parses the JSON wire form. Empty input yields an empty graph.
func DecodeGraphBlob(data []byte) (*GraphBlob, error) {
	blob := &GraphBlob{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, blob); err != nil {
			return nil, fmt.Errorf("failed to decode persistent graph: %w", err)
		}
	}
	if blob.Edges == nil {
		blob.Edges = map[string][]string{}
	}
	return blob, nil
}

func emptyGraphBlob() *GraphBlob {
	return &GraphBlob{Edges: map[string][]string{}}
}
