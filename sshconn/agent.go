package sshconn

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// agentSigners returns the signers available from the local ssh-agent,
// used when a Config specifies neither an identity file nor a password —
// the common case for a manager whose hosts are configured with
// password-less key auth already loaded into the agent.
func agentSigners() ([]ssh.Signer, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("no identity file or password configured and SSH_AUTH_SOCK is unset")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("dial ssh-agent at %s: %w", sock, err)
	}
	ag := agent.NewClient(conn)
	return ag.Signers()
}
