package model

import (
	"encoding"
	"fmt"
	"strconv"
	"strings"
)

const (
	localPrefix  = "local:"
	remotePrefix = "remote:"
)

// SessionID identifies a chat session. It is either a client-generated
// local id or the numeric id assigned by the remote store on first persist.
// The zero value is invalid.
type SessionID struct {
	local  string
	remote uint64
}

// LocalID returns a local-temporary session id.
func LocalID(value string) SessionID {
	return SessionID{local: value}
}

// RemoteID returns a remote-durable session id.
func RemoteID(value uint64) SessionID {
	return SessionID{remote: value}
}

// IsZero reports whether id is unset.
func (id SessionID) IsZero() bool {
	return id.local == "" && id.remote == 0
}

// IsRemote reports whether id was assigned by the remote store.
func (id SessionID) IsRemote() bool {
	return id.remote != 0
}

// Remote returns the remote id and true for remote-durable ids.
func (id SessionID) Remote() (uint64, bool) {
	return id.remote, id.remote != 0
}

// Local returns the local id and true for local-temporary ids.
func (id SessionID) Local() (string, bool) {
	return id.local, id.remote == 0 && id.local != ""
}

// String renders id with its class prefix, e.g. "local:abc" or "remote:12".
func (id SessionID) String() string {
	if id.remote != 0 {
		return remotePrefix + strconv.FormatUint(id.remote, 10)
	}
	if id.local != "" {
		return localPrefix + id.local
	}
	return ""
}

// ParseSessionID is the inverse of SessionID.String.
func ParseSessionID(value string) (SessionID, error) {
	switch {
	case strings.HasPrefix(value, remotePrefix):
		n, err := strconv.ParseUint(strings.TrimPrefix(value, remotePrefix), 10, 64)
		if err != nil || n == 0 {
			return SessionID{}, fmt.Errorf("invalid remote session id %q", value)
		}
		return RemoteID(n), nil
	case strings.HasPrefix(value, localPrefix):
		local := strings.TrimPrefix(value, localPrefix)
		if local == "" {
			return SessionID{}, fmt.Errorf("invalid local session id %q", value)
		}
		return LocalID(local), nil
	default:
		return SessionID{}, fmt.Errorf("session id %q has no class prefix", value)
	}
}

// MarshalText encodes id in its prefixed form.
func (id SessionID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText decodes an id produced by MarshalText.
func (id *SessionID) UnmarshalText(text []byte) error {
	parsed, err := ParseSessionID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

var (
	_ encoding.TextMarshaler   = SessionID{}
	_ encoding.TextUnmarshaler = (*SessionID)(nil)
)
