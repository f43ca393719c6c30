// Package directory maps controller addresses to registered human-readable
// names. The name is purely informational but is bound into permit digests,
// so a grantor always signs over the identity they saw.
package directory

import (
	"errors"
	"strings"

	"obligo.org/internal/identity"
)

var (
	ErrUnknownController = errors.New("directory: controller not registered")
	ErrEmptyName         = errors.New("directory: name is required")
)

// Directory is an append/overwrite registry of controller names.
// Single writer; callers go through the node facade.
type Directory struct {
	names map[identity.Address]string
}

func New() *Directory {
	return &Directory{names: make(map[identity.Address]string)}
}

// Register records or overwrites the name for a controller address.
func (d *Directory) Register(controller identity.Address, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	d.names[controller] = name
	return nil
}

// NameOf resolves a controller's registered name.
func (d *Directory) NameOf(controller identity.Address) (string, error) {
	name, ok := d.names[controller]
	if !ok {
		return "", ErrUnknownController
	}
	return name, nil
}

// Snapshot returns a deep copy of the directory state.
func (d *Directory) Snapshot() map[identity.Address]string {
	out := make(map[identity.Address]string, len(d.names))
	for k, v := range d.names {
		out[k] = v
	}
	return out
}

// Restore replaces the directory state with a snapshot.
func (d *Directory) Restore(snap map[identity.Address]string) {
	d.names = make(map[identity.Address]string, len(snap))
	for k, v := range snap {
		d.names[k] = v
	}
}
