package hosts

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/ssh"

	"github.com/dockerpilot/dockerpilot/pkg/opserr"
)

const sshDialTimeout = 10 * time.Second

// dialSSH opens the SSH transport for a record. TOTP codes are generated
// from the stored seed and consumed once per connection.
func dialSSH(record Record, secret Secret) (*ssh.Client, error) {
	methods, err := authMethods(record, secret)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User: record.Username,
		Auth: methods,
		// Hosts are registered explicitly by an operator, key pinning is
		// a follow-up concern of the registry UI.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshDialTimeout,
	}

	port := record.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(record.Hostname, fmt.Sprintf("%d", port))

	conn, err := net.DialTimeout("tcp", addr, sshDialTimeout)
	if err != nil {
		return nil, opserr.Wrap(err, opserr.KindUnreachable, "unable to reach %s", addr)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, classifyHandshakeError(record, err)
	}

	return ssh.NewClient(c, chans, reqs), nil
}

func authMethods(record Record, secret Secret) ([]ssh.AuthMethod, error) {
	switch record.AuthKind {
	case AuthPassword:
		if secret.Password == "" {
			return nil, opserr.New(opserr.KindAuthRejected, "password required for host %s", record.ID)
		}
		return []ssh.AuthMethod{ssh.Password(secret.Password)}, nil

	case AuthKey, AuthKeyPassphrase:
		if secret.PrivateKey == "" {
			return nil, opserr.New(opserr.KindAuthRejected, "private key required for host %s", record.ID)
		}

		var signer ssh.Signer
		var err error
		if secret.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(secret.PrivateKey), []byte(secret.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(secret.PrivateKey))
		}
		if err != nil {
			return nil, opserr.Wrap(err, opserr.KindAuthRejected, "unable to parse private key for host %s", record.ID)
		}

		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthPasswordTOTP:
		if secret.Password == "" {
			return nil, opserr.New(opserr.KindAuthRejected, "password required for host %s", record.ID)
		}
		if secret.TOTPSecret == "" {
			return nil, opserr.New(opserr.KindTotpRequired, "no TOTP seed stored for host %s", record.ID)
		}

		code, err := totp.GenerateCode(secret.TOTPSecret, time.Now())
		if err != nil {
			return nil, opserr.Wrap(err, opserr.KindTotpInvalid, "unable to generate TOTP code for host %s", record.ID)
		}

		// Servers with PAM two-factor setups ask for the password and the
		// verification code through keyboard-interactive prompts; the code
		// is consumed by the first connection that answers it.
		challenge := func(name, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i, q := range questions {
				lower := strings.ToLower(q)
				switch {
				case strings.Contains(lower, "password"):
					answers[i] = secret.Password
				case strings.Contains(lower, "verification") || strings.Contains(lower, "code") || strings.Contains(lower, "otp"):
					answers[i] = code
				default:
					answers[i] = secret.Password
				}
			}
			return answers, nil
		}

		return []ssh.AuthMethod{
			ssh.KeyboardInteractive(challenge),
			ssh.Password(secret.Password),
		}, nil

	default:
		return nil, opserr.New(opserr.KindAuthRejected, "unknown auth kind %q for host %s", record.AuthKind, record.ID)
	}
}

func classifyHandshakeError(record Record, err error) error {
	msg := err.Error()

	switch {
	case record.AuthKind == AuthPasswordTOTP && strings.Contains(msg, "unable to authenticate"):
		return opserr.Wrap(err, opserr.KindTotpInvalid, "two-factor authentication failed for host %s", record.ID)
	case strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods"):
		return opserr.Wrap(err, opserr.KindAuthRejected, "authentication failed for host %s", record.ID)
	default:
		return opserr.Wrap(err, opserr.KindUnreachable, "SSH handshake with host %s failed", record.ID)
	}
}
