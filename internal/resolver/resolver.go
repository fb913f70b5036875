// Package resolver implements trial decryption across the keys a session can
// produce. Identity drift (anonymous to logged-in, wallet swaps) leaves
// records that only an older key opens; the resolver walks an ordered list
// of candidate keys and returns the first authenticated plaintext.
package resolver

import (
	"log/slog"

	kerrors "private-journal/go-backend/internal/errors"
	"private-journal/go-backend/internal/identity"
	"private-journal/go-backend/internal/securestore"
	"private-journal/go-backend/pkg/models"
)

// Candidate lazily supplies one principal. Supply is called only when the
// resolver reaches the candidate.
type Candidate struct {
	Name   string
	Supply func() (identity.Principal, bool)
}

// Fixed returns a candidate that always supplies p.
func Fixed(name string, p identity.Principal) Candidate {
	return Candidate{Name: name, Supply: func() (identity.Principal, bool) { return p, !p.IsZero() }}
}

// PasswordLookup is the read side of the password cache.
type PasswordLookup interface {
	Get(context string) (string, bool)
}

type Observer interface {
	ObserveAttempt(candidate string, err error)
	ObserveResolve(err error)
}

type Resolver struct {
	codec     *securestore.Codec
	passwords PasswordLookup
	observer  Observer
	logger    *slog.Logger
}

func New(codec *securestore.Codec, passwords PasswordLookup, observer Observer, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{codec: codec, passwords: passwords, observer: observer, logger: logger}
}

// Candidates builds the priority list for session:
// cached passwords, platform account, wallet, public seal (public records
// only), and the anonymous device key as last resort.
func (r *Resolver) Candidates(session models.Session, public bool) []Candidate {
	contexts := identity.SessionContexts(session)
	out := make([]Candidate, 0, len(contexts)+4)
	for _, ctx := range contexts {
		out = append(out, r.passwordCandidate(ctx))
	}
	out = append(out,
		Fixed("platform", identity.Platform(session.PlatformUserID)),
		Fixed("wallet", identity.Wallet(session.WalletAddress)),
	)
	if public {
		out = append(out, Fixed("public", identity.PublicSeal()))
	}
	out = append(out, Fixed("anonymous", identity.Anonymous(session.AnonymousID)))
	return out
}

func (r *Resolver) passwordCandidate(ctx identity.Context) Candidate {
	return Candidate{
		Name: "password/" + ctx.Kind.String(),
		Supply: func() (identity.Principal, bool) {
			if r.passwords == nil {
				return identity.Principal{}, false
			}
			pw, ok := r.passwords.Get(ctx.String())
			if !ok {
				return identity.Principal{}, false
			}
			p := identity.Password(pw)
			return p, !p.IsZero()
		},
	}
}

// Resolve decrypts env with the candidates of session.
func (r *Resolver) Resolve(env *securestore.Envelope, session models.Session, public bool) ([]byte, error) {
	return r.ResolveWith(env, r.Candidates(session, public))
}

// ResolveBlob parses blob and resolves it. Parse failures report zero attempts.
func (r *Resolver) ResolveBlob(blob []byte, session models.Session, public bool) ([]byte, error) {
	env, err := r.codec.Parse(blob)
	if err != nil {
		derr := &kerrors.DecryptionError{Kind: kindOrFormat(err), Err: err}
		r.observe("", nil, derr)
		return nil, derr
	}
	return r.Resolve(env, session, public)
}

// ResolveWith tries candidates in order and stops at the first success.
// On failure it reports the most informative kind seen, ties going to the
// latest attempt, together with the number of keys tried.
func (r *Resolver) ResolveWith(env *securestore.Envelope, candidates []Candidate) ([]byte, error) {
	var (
		best     error
		bestKind error
		bestName string
		attempts int
	)
	for _, c := range candidates {
		p, ok := c.Supply()
		if !ok || p.IsZero() {
			continue
		}
		attempts++
		plaintext, err := r.codec.Decode(env, p)
		if err == nil {
			r.observe(c.Name, nil, nil)
			return plaintext, nil
		}
		kind := kindOrFormat(err)
		r.observe(c.Name, err, nil)
		r.logger.Debug("decrypt candidate rejected", "candidate", c.Name, "attempt", attempts, "outcome", kind.Error())
		if best == nil || kerrors.Severity(kind) >= kerrors.Severity(bestKind) {
			best, bestKind, bestName = err, kind, c.Name
		}
		if keyIndependent(kind) {
			break
		}
	}
	var derr *kerrors.DecryptionError
	if attempts == 0 {
		derr = &kerrors.DecryptionError{Kind: kerrors.ErrKeyUnavailable}
	} else {
		derr = &kerrors.DecryptionError{Kind: bestKind, Attempts: attempts, Candidate: bestName, Err: best}
	}
	r.observe("", nil, derr)
	return nil, derr
}

func (r *Resolver) observe(candidate string, attemptErr error, final error) {
	if r.observer == nil {
		return
	}
	if candidate != "" {
		r.observer.ObserveAttempt(candidate, attemptErr)
	}
	if candidate == "" || attemptErr == nil {
		r.observer.ObserveResolve(final)
	}
}

// keyIndependent kinds fail identically for every remaining candidate.
// DATA_CORRUPTED is only reported once the key check has matched, so no
// other key can succeed either.
func keyIndependent(kind error) bool {
	switch kind {
	case kerrors.ErrDataCorrupted, kerrors.ErrUnsupportedVersion, kerrors.ErrInvalidFormat:
		return true
	default:
		return false
	}
}

func kindOrFormat(err error) error {
	if kind := kerrors.KindOf(err); kind != nil {
		return kind
	}
	return kerrors.ErrInvalidFormat
}
