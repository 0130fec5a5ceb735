package channel

import (
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

type sshSession struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (s *sshSession) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *sshSession) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *sshSession) Close() error {
	_ = s.stdin.Close()
	return s.session.Close()
}

// SSH opens a shell session with a pty on client.  stderr is merged into the
// pty by the remote side.
func SSH(name string, client *ssh.Client) (*Channel, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%s: new session: %w", name, err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 115200,
		ssh.TTY_OP_OSPEED: 115200,
	}
	if err := session.RequestPty("dumb", 48, 200, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("%s: request pty: %w", name, err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("%s: start shell: %w", name, err)
	}

	return New(name, &sshSession{session: session, stdin: stdin, stdout: stdout}), nil
}
