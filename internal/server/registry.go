package server

import (
	"errors"
	"sort"
	"sync"
	"unicode"
	"unicode/utf8"
)

const (
	// maxNameBytes matches the client's username input limit.
	maxNameBytes = 32

	// fallbackName stands in for sessions that have not joined yet.  It is
	// reserved so no real user can impersonate it.
	fallbackName = "[unknown]"
)

// Expected registration failures.  The join loop matches on these to pick
// the rejection line sent back to the client.
var (
	ErrNameEmpty   = errors.New("username is empty")
	ErrNameTaken   = errors.New("username is taken")
	ErrNameInvalid = errors.New("username is invalid")
)

// registry owns the set of usernames currently in use.  Uniqueness holds
// under concurrent joins because the availability check and the insert
// happen under one lock.
type registry struct {
	mu    sync.Mutex
	names map[string]struct{}
}

func newRegistry() *registry {
	return &registry{names: make(map[string]struct{})}
}

// reserve claims name, which the caller must have trimmed already.  On
// success the name stays claimed until release.
func (r *registry) reserve(name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.names[name]; taken {
		return ErrNameTaken
	}
	r.names[name] = struct{}{}
	return nil
}

// release frees name for reuse.  Releasing a name that is not claimed is a
// no-op so cleanup paths can call it unconditionally.
func (r *registry) release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.names, name)
}

// list returns a sorted snapshot of the claimed names.
func (r *registry) list() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.names))
	for name := range r.names {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	return names
}

// validateName applies the username rules: non-empty, valid UTF-8, at most
// maxNameBytes bytes, free of whitespace and control characters, and not
// the reserved fallback.
func validateName(name string) error {
	if name == "" {
		return ErrNameEmpty
	}
	if len(name) > maxNameBytes || name == fallbackName || !utf8.ValidString(name) {
		return ErrNameInvalid
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrNameInvalid
		}
	}
	return nil
}
