package linux

import (
	"context"
	"path"
)

// Path is a path on a specific Linux machine.  Using it in a command for
// another machine is an error.
type Path struct {
	host *Machine
	p    string
}

// Path returns a path on m.
func (m *Machine) Path(p string) Path {
	return Path{host: m, p: p}
}

func (p Path) String() string { return p.p }

// Host returns the machine the path belongs to.
func (p Path) Host() *Machine { return p.host }

// Join appends path elements.
func (p Path) Join(elem ...string) Path {
	return Path{host: p.host, p: path.Join(append([]string{p.p}, elem...)...)}
}

// Parent returns the containing directory.
func (p Path) Parent() Path {
	return Path{host: p.host, p: path.Dir(p.p)}
}

// Base returns the last element.
func (p Path) Base() string {
	return path.Base(p.p)
}

// Exists reports whether anything exists at p.
func (p Path) Exists(ctx context.Context) (bool, error) {
	return p.host.TestContext(ctx, "test", "-e", p)
}

// IsDir reports whether p is a directory.
func (p Path) IsDir(ctx context.Context) (bool, error) {
	return p.host.TestContext(ctx, "test", "-d", p)
}

// IsFile reports whether p is a regular file.
func (p Path) IsFile(ctx context.Context) (bool, error) {
	return p.host.TestContext(ctx, "test", "-f", p)
}
