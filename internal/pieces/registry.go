package pieces

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/conveyorhq/conveyor/pkg/schema"
)

// Registry resolves piece invocations to registered providers.
type Registry interface {
	Register(piece Piece) error
	Resolve(name, version string, state schema.FlowVersionState) (Piece, error)
	Has(name string) bool
	List() []Info
}

// Info is a summary of a registered piece version for listing.
type Info struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Actions []string `json:"actions,omitempty"`
}

// registry is the concrete thread-safe Registry implementation. Each
// piece name maps to its registered versions, newest first.
type registry struct {
	mu     sync.RWMutex
	pieces map[string][]Piece
}

// NewRegistry creates an empty Registry.
func NewRegistry() Registry {
	return &registry{pieces: make(map[string][]Piece)}
}

// Register adds one piece version. Duplicate name+version pairs are rejected.
func (r *registry) Register(piece Piece) error {
	if piece == nil {
		return schema.NewError(schema.ErrCodeValidation, "piece is nil")
	}
	name := piece.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "piece name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.pieces[name]
	for _, p := range versions {
		if p.Version() == piece.Version() {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"piece %q version %q already registered", name, piece.Version())
		}
	}

	versions = append(versions, piece)
	sort.Slice(versions, func(i, j int) bool {
		return compareVersions(versions[i].Version(), versions[j].Version()) > 0
	})
	r.pieces[name] = versions
	return nil
}

// Resolve finds the provider for an invocation. Locked flow versions pin
// the exact piece version; draft versions take the newest registered one.
func (r *registry) Resolve(name, version string, state schema.FlowVersionState) (Piece, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.pieces[name]
	if !ok || len(versions) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodePieceUnavailable, "piece %q not registered", name)
	}

	if state == schema.FlowVersionStateLocked && version != "" {
		for _, p := range versions {
			if p.Version() == version {
				return p, nil
			}
		}
		return nil, schema.NewErrorf(schema.ErrCodePieceUnavailable,
			"piece %q version %q not registered", name, version)
	}

	return versions[0], nil
}

// Has reports whether any version of the piece is registered.
func (r *registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pieces[name]) > 0
}

// List returns info for every registered piece version, sorted by name.
func (r *registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.pieces))
	for _, versions := range r.pieces {
		for _, p := range versions {
			infos = append(infos, Info{Name: p.Name(), Version: p.Version(), Actions: p.Actions()})
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Name != infos[j].Name {
			return infos[i].Name < infos[j].Name
		}
		return compareVersions(infos[i].Version, infos[j].Version) > 0
	})
	return infos
}

// compareVersions compares dotted numeric versions segment by segment.
// Non-numeric segments fall back to string comparison.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var sa, sb string
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}
		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)
		switch {
		case errA == nil && errB == nil:
			if na != nb {
				if na > nb {
					return 1
				}
				return -1
			}
		default:
			if sa != sb {
				if sa > sb {
					return 1
				}
				return -1
			}
		}
	}
	return 0
}
