package sf

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/holger24/afd/internal/config"
	"github.com/holger24/afd/internal/state"
)

// sftpConn delivers over an SSH session. Auth methods are tried in order:
// the agent when SSH_AUTH_SOCK is set, then the configured key file or the
// usual ones under ~/.ssh.
type sftpConn struct {
	ssh *ssh.Client
	cl  *sftp.Client
	dir string
}

func dialSFTP(host state.HostView, def *config.HostDef) (*sftpConn, error) {
	userName := def.User
	if userName == "" {
		u, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("determine current user: %w", err)
		}
		userName = u.Username
	}
	port := def.Port
	if port == 0 {
		port = 22
	}

	auth := authMethods(def.KeyFile)
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh auth for %s (set SSH_AUTH_SOCK or key_file)", host.Alias())
	}
	hostKeys, err := knownHostsCallback()
	if err != nil {
		// No known_hosts to check against, accept like a first connection.
		hostKeys = ssh.InsecureIgnoreHostKey()
	}

	cfg := &ssh.ClientConfig{
		User:            userName,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         time.Duration(host.TransferTimeout()) * time.Second,
	}
	addr := net.JoinHostPort(host.ActiveHostname(), strconv.Itoa(port))
	sshc, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	cl, err := sftp.NewClient(sshc)
	if err != nil {
		sshc.Close()
		return nil, fmt.Errorf("sftp session: %w", err)
	}
	return &sftpConn{ssh: sshc, cl: cl}, nil
}

func authMethods(keyFile string) []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if c, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(c).Signers))
		}
	}
	if keyFile != "" {
		if m := keyFileAuth(keyFile); m != nil {
			methods = append(methods, m)
		}
		return methods
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return methods
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		if m := keyFileAuth(filepath.Join(home, ".ssh", name)); m != nil {
			methods = append(methods, m)
		}
	}
	return methods
}

func keyFileAuth(path string) ssh.AuthMethod {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil
	}
	return ssh.PublicKeys(signer)
}

func knownHostsCallback() (ssh.HostKeyCallback, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return knownhosts.New(filepath.Join(home, ".ssh", "known_hosts"))
}

func (c *sftpConn) use(dir string) error {
	c.dir = dir
	return c.cl.MkdirAll(dir)
}

func (c *sftpConn) createTemp(name string) (io.WriteCloser, string, error) {
	tmp := tmpName(name)
	p := path.Join(c.dir, tmp)
	f, err := c.cl.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, "", err
	}
	// OpenFile takes no mode over sftp, set permissions after creation.
	if err := c.cl.Chmod(p, 0o644); err != nil {
		f.Close()
		c.cl.Remove(p)
		return nil, "", fmt.Errorf("chmod %s: %w", p, err)
	}
	return f, tmp, nil
}

func (c *sftpConn) rename(old, new string) error {
	newAbs := path.Join(c.dir, new)
	// sftp rename refuses an existing target, remove it first.
	c.cl.Remove(newAbs)
	return c.cl.Rename(path.Join(c.dir, old), newAbs)
}

func (c *sftpConn) remove(name string) error {
	return c.cl.Remove(path.Join(c.dir, name))
}

func (c *sftpConn) open(name string) (io.ReadCloser, error) {
	return c.cl.Open(path.Join(c.dir, name))
}

func (c *sftpConn) close() error {
	err := c.cl.Close()
	if serr := c.ssh.Close(); err == nil {
		err = serr
	}
	return err
}
