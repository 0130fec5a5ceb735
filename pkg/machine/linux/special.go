package linux

// Special is a command argument that is inserted into the command line
// without quoting.
type Special interface {
	resolve(m *Machine) (string, error)
}

// Raw is inserted verbatim.
type Raw string

func (r Raw) resolve(*Machine) (string, error) { return string(r), nil }

// Shell operators.
var (
	Pipe       Special = Raw("|")
	Then       Special = Raw(";")
	AndThen    Special = Raw("&&")
	OrElse     Special = Raw("||")
	Background Special = Raw("&")
)

// EnvVar expands to the value of an environment variable.
type EnvVar string

func (e EnvVar) resolve(*Machine) (string, error) {
	return `"${` + string(e) + `}"`, nil
}

type redirect struct {
	op   string
	path Path
}

func (r redirect) resolve(m *Machine) (string, error) {
	p, err := m.pathArg(r.path)
	if err != nil {
		return "", err
	}
	return r.op + p, nil
}

// RedirStdout redirects stdout of the preceding command to p.
func RedirStdout(p Path) Special { return redirect{op: ">", path: p} }

// RedirStderr redirects stderr of the preceding command to p.
func RedirStderr(p Path) Special { return redirect{op: "2>", path: p} }

// RedirBoth redirects stdout and stderr of the preceding command to p.
func RedirBoth(p Path) Special { return redirect{op: "&>", path: p} }
