package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var targetPattern = regexp.MustCompile(`^(?:([^@]*)@)?(?:([^:]*):)?(.+)$`)

// Target is where a finished archive goes: user@host:dir for a remote
// host, or a bare directory for a local copy. All fields may be empty.
type Target struct {
	User string
	Host string
	Dir  string
}

// ParseTarget splits "[user@][host:]directory".
func ParseTarget(s string) (Target, error) {
	m := targetPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Target{}, fmt.Errorf("invalid target %q", s)
	}
	return Target{User: m[1], Host: m[2], Dir: m[3]}, nil
}

// IsRemote reports whether delivery goes over the remote-copy channel.
func (t Target) IsRemote() bool {
	return t.User != "" && t.Host != ""
}

// IsZero reports whether no component is set.
func (t Target) IsZero() bool {
	return t.User == "" && t.Host == "" && t.Dir == ""
}

// IsLocalFor reports whether t names a local directory other than the one
// holding archivePath.
func (t Target) IsLocalFor(archivePath string) bool {
	if t.IsRemote() || t.Dir == "" {
		return false
	}
	dir := filepath.Clean(t.Dir)
	return dir != filepath.Dir(filepath.Clean(archivePath)) && dir != filepath.Clean(archivePath)
}

func (t Target) String() string {
	var b strings.Builder
	if t.User != "" {
		b.WriteString(t.User)
		b.WriteByte('@')
	}
	if t.Host != "" {
		b.WriteString(t.Host)
		b.WriteByte(':')
	}
	b.WriteString(t.Dir)
	return b.String()
}

// MarshalYAML writes the target in its parsed-back string form.
func (t Target) MarshalYAML() (interface{}, error) {
	return t.String(), nil
}
