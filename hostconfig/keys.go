package hostconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"
)

// AuthorizedKeys is a parsed authorized_keys file, keyed by the
// marshaled key blob for O(1) membership checks.
type AuthorizedKeys struct {
	byBlob map[string]ssh.PublicKey
}

// LoadAuthorizedKeys parses every PEM-less "type base64-blob comment"
// line in the file at path, skipping malformed lines the way OpenSSH
// tolerates trailing garbage between entries.
func LoadAuthorizedKeys(path string) (*AuthorizedKeys, error) {
	if err := CheckStrictPermissions(path); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ak := &AuthorizedKeys{byBlob: make(map[string]ssh.PublicKey)}
	for len(raw) > 0 {
		key, _, _, rest, err := ssh.ParseAuthorizedKey(raw)
		if err != nil {
			break
		}
		ak.byBlob[string(key.Marshal())] = key
		raw = rest
	}
	return ak, nil
}

// Contains reports whether key appears in the loaded file.
func (ak *AuthorizedKeys) Contains(key ssh.PublicKey) bool {
	_, ok := ak.byBlob[string(key.Marshal())]
	return ok
}

// CheckStrictPermissions enforces OpenSSH's StrictModes behavior on a
// private key or authorized_keys file: it must not be writable by group
// or other, and its containing directory must carry no group or other
// permission bits at all (mode <= 0700).
func CheckStrictPermissions(path string) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fmt.Errorf("hostconfig: stat %s: %w", path, err)
	}
	if st.Mode&(unix.S_IWGRP|unix.S_IWOTH) != 0 {
		return fmt.Errorf("hostconfig: %s is group/world writable, refusing to use it", path)
	}
	dir := filepath.Dir(path)
	var dst unix.Stat_t
	if err := unix.Stat(dir, &dst); err != nil {
		return fmt.Errorf("hostconfig: stat %s: %w", dir, err)
	}
	if dst.Mode&0077 != 0 {
		return fmt.Errorf("hostconfig: containing directory %s is not mode <= 0700, refusing to use %s", dir, path)
	}
	return nil
}
