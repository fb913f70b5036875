package securestore

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"private-journal/go-backend/internal/identity"
)

const filePrefix = "PJENC1\n"

// ErrPlainData marks a file written without sealing.
var ErrPlainData = errors.New("securestore plaintext data")

// SealFile encrypts payload for p at the codec's current version and frames
// it with the file prefix.
func (c *Codec) SealFile(p identity.Principal, payload []byte) ([]byte, error) {
	env, err := c.Encode(payload, p, c.registry.Current())
	if err != nil {
		return nil, err
	}
	raw, err := c.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

// OpenFile reverses SealFile. Unframed data yields ErrPlainData.
func (c *Codec) OpenFile(p identity.Principal, data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, []byte(filePrefix)) {
		return nil, ErrPlainData
	}
	env, err := c.Parse(data[len(filePrefix):])
	if err != nil {
		return nil, err
	}
	return c.Decode(env, p)
}

// ReadSealedFile reads and opens path. A file without the prefix is returned
// as-is together with ErrPlainData so callers can migrate it.
func (c *Codec) ReadSealedFile(path string, p identity.Principal) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	plain, err := c.OpenFile(p, raw)
	if errors.Is(err, ErrPlainData) {
		return raw, err
	}
	return plain, err
}

// WriteSealedJSON marshals v, seals it for p and writes it with owner-only permissions.
func (c *Codec) WriteSealedJSON(path string, p identity.Principal, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	defer identity.WipeBytes(payload)
	sealed, err := c.SealFile(p, payload)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, sealed)
}

// WriteFileAtomic writes data to a temp file and renames it over path.
func WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
