package securestore

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	kerrors "private-journal/go-backend/internal/errors"
	"private-journal/go-backend/internal/identity"
	"private-journal/go-backend/internal/kdf"

	"github.com/fxamacker/cbor/v2"
)

// Codec converts between plaintext, envelopes and their serialized blobs.
type Codec struct {
	registry *kdf.Registry
	deriver  *identity.Deriver
	cborDec  cbor.DecMode
}

func NewCodec(registry *kdf.Registry, deriver *identity.Deriver) *Codec {
	if registry == nil {
		registry = kdf.DefaultRegistry()
	}
	if deriver == nil {
		deriver = identity.NewDeriver(nil)
	}
	dec, err := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 32,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return &Codec{registry: registry, deriver: deriver, cborDec: dec}
}

func (c *Codec) Registry() *kdf.Registry { return c.registry }

func (c *Codec) Deriver() *identity.Deriver { return c.deriver }

// Encode derives the key for p under a fresh salt and seals plaintext at version.
func (c *Codec) Encode(plaintext []byte, p identity.Principal, version int) (*Envelope, error) {
	profile, err := c.registry.Profile(version)
	if err != nil {
		return nil, err
	}
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	key, err := c.deriver.Derive(p, salt, profile.Algorithm, profile.Params)
	if err != nil {
		return nil, err
	}
	defer key.Wipe()
	return Seal(key.Bytes(), plaintext, profile, salt)
}

// Decode re-derives the key for p from env's metadata and opens it.
func (c *Codec) Decode(env *Envelope, p identity.Principal) ([]byte, error) {
	if env == nil {
		return nil, kerrors.New(kerrors.ErrInvalidFormat, "decode", nil)
	}
	if err := c.registry.Check(env.Version, env.KDF, env.Params); err != nil {
		return nil, err
	}
	key, err := c.deriver.Derive(p, env.Salt, env.KDF, env.Params)
	if err != nil {
		return nil, err
	}
	defer key.Wipe()
	return Open(env, key.Bytes())
}

type versionedWire struct {
	Version    int         `json:"version"`
	KDF        string      `json:"kdf"`
	KDFParams  *kdf.Params `json:"kdfParams"`
	Salt       string      `json:"salt"`
	IV         string      `json:"iv"`
	Ciphertext string      `json:"ciphertext"`
	KeyCheck   string      `json:"keyCheck,omitempty"`
}

type legacyWire struct {
	Salt       string `json:"salt"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

type cborWire struct {
	Version    int        `cbor:"1,keyasint"`
	KDF        string     `cbor:"2,keyasint"`
	KDFParams  kdf.Params `cbor:"3,keyasint"`
	Salt       []byte     `cbor:"4,keyasint"`
	IV         []byte     `cbor:"5,keyasint"`
	Ciphertext []byte     `cbor:"6,keyasint"`
	KeyCheck   []byte     `cbor:"7,keyasint,omitempty"`
}

// Marshal renders env as the JSON blob handed to storage. Version 0 keeps the
// legacy hex shape; later versions use base64.
func (c *Codec) Marshal(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, kerrors.New(kerrors.ErrInvalidFormat, "marshal", nil)
	}
	if env.Legacy() {
		return json.Marshal(legacyWire{
			Salt:       hex.EncodeToString(env.Salt),
			IV:         hex.EncodeToString(env.IV),
			Ciphertext: hex.EncodeToString(env.Ciphertext),
		})
	}
	params := env.Params
	w := versionedWire{
		Version:    env.Version,
		KDF:        string(env.KDF),
		KDFParams:  &params,
		Salt:       b64(env.Salt),
		IV:         b64(env.IV),
		Ciphertext: b64(env.Ciphertext),
	}
	if len(env.KeyCheck) > 0 {
		w.KeyCheck = b64(env.KeyCheck)
	}
	return json.Marshal(w)
}

// MarshalCBOR renders env in the compact binary form. Legacy envelopes have
// no binary form.
func (c *Codec) MarshalCBOR(env *Envelope) ([]byte, error) {
	if env == nil || env.Legacy() {
		return nil, kerrors.Newf(kerrors.ErrUnsupportedVersion, "marshal", "legacy envelopes are JSON only")
	}
	return cbor.Marshal(cborWire{
		Version:    env.Version,
		KDF:        string(env.KDF),
		KDFParams:  env.Params,
		Salt:       env.Salt,
		IV:         env.IV,
		Ciphertext: env.Ciphertext,
		KeyCheck:   env.KeyCheck,
	})
}

// Parse decodes a stored blob. JSON blobs are tried against the versioned
// schema first and the legacy schema second; CBOR blobs are always versioned.
func (c *Codec) Parse(blob []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(blob)
	if len(trimmed) == 0 {
		return nil, kerrors.Newf(kerrors.ErrInvalidFormat, "parse", "empty blob")
	}
	switch first := trimmed[0]; {
	case first == '{':
		return c.parseJSON(trimmed)
	case first >= 0xa0 && first <= 0xbb:
		return c.parseCBOR(trimmed)
	default:
		return nil, kerrors.Newf(kerrors.ErrInvalidFormat, "parse", "unrecognized envelope encoding")
	}
}

func (c *Codec) parseJSON(data []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, kerrors.New(kerrors.ErrInvalidFormat, "parse", err)
	}
	_, hasVersion := fields["version"]
	_, hasKDF := fields["kdf"]
	_, hasKDFAlg := fields["kdfAlgorithm"]
	if !hasVersion && !hasKDF && !hasKDFAlg {
		return c.parseLegacy(data)
	}
	if !hasVersion {
		return nil, kerrors.Newf(kerrors.ErrInvalidFormat, "parse", "kdf declared without version")
	}

	var w versionedWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, kerrors.New(kerrors.ErrInvalidFormat, "parse", err)
	}
	if w.KDF == "" && hasKDFAlg {
		if err := json.Unmarshal(fields["kdfAlgorithm"], &w.KDF); err != nil {
			return nil, kerrors.New(kerrors.ErrInvalidFormat, "parse", err)
		}
	}
	if w.KDF == "" || w.KDFParams == nil {
		return nil, kerrors.Newf(kerrors.ErrInvalidFormat, "parse", "versioned envelope missing kdf or kdfParams")
	}
	env := &Envelope{Version: w.Version, Params: *w.KDFParams}
	if err := c.checkHeader(env, w.KDF); err != nil {
		return nil, err
	}

	var err error
	if env.Salt, err = decodeField("salt", w.Salt, b64Decode); err != nil {
		return nil, err
	}
	if env.IV, err = decodeField("iv", w.IV, b64Decode); err != nil {
		return nil, err
	}
	if env.Ciphertext, err = decodeField("ciphertext", w.Ciphertext, b64Decode); err != nil {
		return nil, err
	}
	if w.KeyCheck != "" {
		if env.KeyCheck, err = decodeField("keyCheck", w.KeyCheck, b64Decode); err != nil {
			return nil, err
		}
	}
	return env, checkSizes(env)
}

func (c *Codec) parseLegacy(data []byte) (*Envelope, error) {
	var w legacyWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, kerrors.New(kerrors.ErrInvalidFormat, "parse", err)
	}
	profile, err := c.registry.Profile(kdf.VersionLegacy)
	if err != nil {
		return nil, err
	}
	env := &Envelope{Version: kdf.VersionLegacy, KDF: profile.Algorithm, Params: kdf.LegacyParams()}
	if env.Salt, err = decodeField("salt", w.Salt, hex.DecodeString); err != nil {
		return nil, err
	}
	if env.IV, err = decodeField("iv", w.IV, hex.DecodeString); err != nil {
		return nil, err
	}
	if env.Ciphertext, err = decodeField("ciphertext", w.Ciphertext, hex.DecodeString); err != nil {
		return nil, err
	}
	return env, checkSizes(env)
}

func (c *Codec) parseCBOR(data []byte) (*Envelope, error) {
	var w cborWire
	if err := c.cborDec.Unmarshal(data, &w); err != nil {
		return nil, kerrors.New(kerrors.ErrInvalidFormat, "parse", err)
	}
	if w.Version == kdf.VersionLegacy {
		return nil, kerrors.Newf(kerrors.ErrInvalidFormat, "parse", "binary envelope without version")
	}
	env := &Envelope{
		Version:    w.Version,
		Params:     w.KDFParams,
		Salt:       w.Salt,
		IV:         w.IV,
		Ciphertext: w.Ciphertext,
		KeyCheck:   w.KeyCheck,
	}
	if err := c.checkHeader(env, w.KDF); err != nil {
		return nil, err
	}
	for name, v := range map[string][]byte{"salt": w.Salt, "iv": w.IV, "ciphertext": w.Ciphertext} {
		if len(v) == 0 {
			return nil, kerrors.Newf(kerrors.ErrInvalidFormat, "parse", "missing %s", name)
		}
	}
	return env, checkSizes(env)
}

func (c *Codec) checkHeader(env *Envelope, rawKDF string) error {
	alg, ok := kdf.ParseAlgorithm(rawKDF)
	if !ok {
		return kerrors.Newf(kerrors.ErrUnsupportedVersion, "parse", "unknown kdf %q", rawKDF)
	}
	env.KDF = alg
	return c.registry.Check(env.Version, env.KDF, env.Params)
}

func checkSizes(env *Envelope) error {
	if len(env.Salt) < kdf.SaltSize {
		return kerrors.Newf(kerrors.ErrInvalidFormat, "parse", "salt must be at least %d bytes, got %d", kdf.SaltSize, len(env.Salt))
	}
	if len(env.IV) != ivSize {
		return kerrors.Newf(kerrors.ErrInvalidFormat, "parse", "iv must be %d bytes, got %d", ivSize, len(env.IV))
	}
	if len(env.KeyCheck) != 0 && len(env.KeyCheck) != keyCheckSize {
		return kerrors.Newf(kerrors.ErrInvalidFormat, "parse", "keyCheck must be %d bytes", keyCheckSize)
	}
	return nil
}

func decodeField(name, value string, decode func(string) ([]byte, error)) ([]byte, error) {
	if value == "" {
		return nil, kerrors.Newf(kerrors.ErrInvalidFormat, "parse", "missing %s", name)
	}
	out, err := decode(value)
	if err != nil {
		return nil, kerrors.New(kerrors.ErrInvalidFormat, "parse", fmt.Errorf("%s: %w", name, err))
	}
	return out, nil
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func b64Decode(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
