package refs

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Head is the one name allowed outside the refs/ namespace.
	Head = "HEAD"

	Prefix       = "refs/"
	HeadsPrefix  = "refs/heads/"
	TagsPrefix   = "refs/tags/"
	RemotePrefix = "refs/remotes/"
)

// ErrInvalidName is wrapped by every ValidateName failure.
var ErrInvalidName = errors.New("invalid reference name")

// ValidateName checks that name is HEAD or a well-formed path under refs/.
func ValidateName(name string) error {
	if name == Head {
		return nil
	}
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if !strings.HasPrefix(name, Prefix) || len(name) == len(Prefix) {
		return fmt.Errorf("%w %q: must be %s or start with %q", ErrInvalidName, name, Head, Prefix)
	}
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") || strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("%w %q", ErrInvalidName, name)
	}
	if strings.Contains(name, "..") || strings.Contains(name, "//") || strings.Contains(name, "@{") || strings.Contains(name, "/.") {
		return fmt.Errorf("%w %q", ErrInvalidName, name)
	}
	for _, c := range name {
		if c < 0x20 || c == 0x7f {
			return fmt.Errorf("%w %q: control character", ErrInvalidName, name)
		}
		if strings.ContainsRune(" ~^:?*[\\", c) {
			return fmt.Errorf("%w %q: forbidden character %q", ErrInvalidName, name, c)
		}
	}
	return nil
}

// Shorthand strips the well-known namespace prefix: refs/heads/main -> main.
func Shorthand(name string) string {
	for _, p := range []string{HeadsPrefix, TagsPrefix, RemotePrefix, Prefix} {
		if strings.HasPrefix(name, p) {
			return strings.TrimPrefix(name, p)
		}
	}
	return name
}

// BranchName returns refs/heads/<short>.
func BranchName(short string) string { return HeadsPrefix + short }

// TagName returns refs/tags/<short>.
func TagName(short string) string { return TagsPrefix + short }
