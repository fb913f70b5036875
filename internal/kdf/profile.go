package kdf

import (
	"fmt"
	"sort"

	kerrors "private-journal/go-backend/internal/errors"
)

// Envelope format versions.
const (
	// VersionLegacy is the implicit version of envelopes written before
	// versioning existed: no version or kdf field on the wire.
	VersionLegacy = 0
	VersionPBKDF2 = 1
	VersionArgon  = 2
)

const (
	SaltSize         = 16
	legacyIterations = 100_000
)

// Profile is what a new envelope of a given version is sealed with.
type Profile struct {
	Version   int
	Algorithm Algorithm
	Params    Params
	// Allowed lists every algorithm a stored envelope of this version may declare.
	Allowed []Algorithm
}

func (p Profile) allows(alg Algorithm) bool {
	for _, a := range p.Allowed {
		if a == alg {
			return true
		}
	}
	return false
}

// LegacyParams are the fixed parameters of version 0.
func LegacyParams() Params {
	return Params{Iterations: legacyIterations, Hash: "sha256"}
}

// Registry maps versions to profiles and names the version new envelopes use.
type Registry struct {
	profiles map[int]Profile
	current  int
}

// DefaultRegistry returns the production profiles with version 2 current.
func DefaultRegistry() *Registry {
	r, _ := NewRegistry(VersionArgon,
		Profile{
			Version:   VersionLegacy,
			Algorithm: PBKDF2,
			Params:    LegacyParams(),
			Allowed:   []Algorithm{PBKDF2},
		},
		Profile{
			Version:   VersionPBKDF2,
			Algorithm: PBKDF2,
			Params:    Params{Iterations: 600_000, Hash: "sha256"},
			Allowed:   []Algorithm{PBKDF2},
		},
		Profile{
			Version:   VersionArgon,
			Algorithm: Argon2id,
			Params:    Params{Time: 3, MemoryKiB: 64 * 1024, Parallelism: 4},
			Allowed:   []Algorithm{Argon2id, PBKDF2},
		},
	)
	return r
}

// NewRegistry validates profiles; current must be one of them.
func NewRegistry(current int, profiles ...Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[int]Profile, len(profiles)), current: current}
	for _, p := range profiles {
		if p.Version < 0 {
			return nil, fmt.Errorf("kdf profile version must be >= 0, got %d", p.Version)
		}
		if len(p.Allowed) == 0 {
			p.Allowed = []Algorithm{p.Algorithm}
		}
		if !p.allows(p.Algorithm) {
			return nil, fmt.Errorf("kdf profile v%d: algorithm %s not in allowed set", p.Version, p.Algorithm)
		}
		if err := p.Params.Validate(p.Algorithm); err != nil {
			return nil, fmt.Errorf("kdf profile v%d: %w", p.Version, err)
		}
		r.profiles[p.Version] = p
	}
	if _, ok := r.profiles[current]; !ok {
		return nil, fmt.Errorf("kdf current version %d has no profile", current)
	}
	return r, nil
}

// Current is the version new envelopes are written at.
func (r *Registry) Current() int { return r.current }

// Profile returns the profile for version or UNSUPPORTED_VERSION.
func (r *Registry) Profile(version int) (Profile, error) {
	p, ok := r.profiles[version]
	if !ok {
		return Profile{}, kerrors.Newf(kerrors.ErrUnsupportedVersion, "kdf", "version %d", version)
	}
	return p, nil
}

// Check validates what a decoded envelope declares.
func (r *Registry) Check(version int, alg Algorithm, params Params) error {
	p, err := r.Profile(version)
	if err != nil {
		return err
	}
	if !p.allows(alg) {
		return kerrors.Newf(kerrors.ErrUnsupportedVersion, "kdf", "algorithm %s not valid for version %d", alg, version)
	}
	return params.Validate(alg)
}

// WithFallback returns a copy whose current profile seals with alg instead,
// for platforms where the default algorithm is unavailable.
func (r *Registry) WithFallback(alg Algorithm, params Params) (*Registry, error) {
	cur := r.profiles[r.current]
	if !cur.allows(alg) {
		return nil, fmt.Errorf("kdf: %s is not allowed at version %d", alg, r.current)
	}
	if err := params.Validate(alg); err != nil {
		return nil, err
	}
	cp := &Registry{profiles: make(map[int]Profile, len(r.profiles)), current: r.current}
	for v, p := range r.profiles {
		cp.profiles[v] = p
	}
	cur.Algorithm = alg
	cur.Params = params
	cp.profiles[r.current] = cur
	return cp, nil
}

// Versions lists known versions in ascending order.
func (r *Registry) Versions() []int {
	out := make([]int, 0, len(r.profiles))
	for v := range r.profiles {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
