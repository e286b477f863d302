package kvstore

import "strings"

// DefaultPrefix and DefaultSeparator mirror the original KeyNameHelper
// defaults: a process-wide namespace prefix joined to key segments with
// a fixed separator.
const (
	DefaultPrefix    = "maas"
	DefaultSeparator = ":"
)

// KeyNamer builds namespaced key and field names the same way across every
// component so the KV layout stays consistent between them.
type KeyNamer struct {
	prefix    string
	separator string
}

// NewKeyNamer constructs a KeyNamer. An empty prefix or separator falls
// back to the package defaults.
func NewKeyNamer(prefix, separator string) *KeyNamer {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if separator == "" {
		separator = DefaultSeparator
	}
	return &KeyNamer{prefix: prefix, separator: separator}
}

// Key joins the namer's prefix with the given segments.
func (k *KeyNamer) Key(segments ...string) string {
	parts := make([]string, 0, len(segments)+1)
	parts = append(parts, k.prefix)
	parts = append(parts, segments...)
	return strings.Join(parts, k.separator)
}

// Field joins segments without the prefix, for use as a hash field name.
func (k *KeyNamer) Field(segments ...string) string {
	return strings.Join(segments, k.separator)
}

func (k *KeyNamer) SessionKey(id string) string          { return k.Key("session", id) }
func (k *KeyNamer) ResourceKey(nodeID string) string      { return k.Key("resource", nodeID) }
func (k *KeyNamer) JobKey(jobID string) string            { return k.Key("job", jobID) }
func (k *KeyNamer) ResourcesSetKey() string               { return k.Key("resources") }
func (k *KeyNamer) RunningSetKey(pool string) string      { return k.Key(pool, "running") }
func (k *KeyNamer) AllSessionSecretsKey() string          { return k.Key("all_session_secrets") }
func (k *KeyNamer) AllUsersKey() string                   { return k.Key("all_users") }
func (k *KeyNamer) NextSessionIDKey() string              { return k.Key("next_session_id") }
func (k *KeyNamer) CommunicationChannel(id string) string { return k.Key(id, "COMMUNICATION") }
