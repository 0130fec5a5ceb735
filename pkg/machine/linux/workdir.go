package linux

import "context"

// Static returns a WorkdirFunc for a fixed directory.
func Static(dir string) WorkdirFunc {
	return func(ctx context.Context, m *Machine) (Path, error) {
		p := m.Path(dir)
		if _, err := m.Exec0Context(ctx, "mkdir", "-p", p); err != nil {
			return Path{}, err
		}
		return p, nil
	}
}

// AtHome returns a WorkdirFunc for a directory below $HOME of the logged in
// user.
func AtHome(sub string) WorkdirFunc {
	return func(ctx context.Context, m *Machine) (Path, error) {
		home, err := m.Env(ctx, "HOME")
		if err != nil {
			return Path{}, err
		}
		p := m.Path(home).Join(sub)
		if _, err := m.Exec0Context(ctx, "mkdir", "-p", p); err != nil {
			return Path{}, err
		}
		return p, nil
	}
}
