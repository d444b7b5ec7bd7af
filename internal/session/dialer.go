package session

import (
	"context"
	"strings"

	"github.com/fentz26/jetdeploy/internal/config"
	"github.com/fentz26/jetdeploy/internal/connectors"
	"github.com/fentz26/jetdeploy/internal/connectors/localexec"
	"github.com/fentz26/jetdeploy/internal/connectors/sshexec"
	"github.com/rs/zerolog"
)

// Connection modes.
const (
	ModeSSH   = "ssh"
	ModeLocal = "local"
)

// IsLocal reports whether p targets the control host itself.
func IsLocal(p ConnectParams) bool {
	host := strings.ToLower(strings.TrimSpace(p.Host))
	if host != "local" && host != "localhost" {
		return false
	}
	return p.Password == "" && p.PrivateKey == "" && p.PrivateKeyPath == ""
}

// NewDialer returns the default dialer: local mode for credential-less
// local hosts, SSH for everything else.
func NewDialer(cfg config.SSHConfig, logger zerolog.Logger) Dialer {
	return func(ctx context.Context, p ConnectParams) (connectors.Executor, string, error) {
		if IsLocal(p) {
			ex := localexec.New("")
			if p.ElevatedPassword != "" {
				ex.SetElevatedCredential(p.ElevatedPassword)
			}
			return ex, ModeLocal, nil
		}
		ex, err := sshexec.Dial(ctx, sshexec.Config{
			Host:             p.Host,
			Port:             p.Port,
			User:             p.Username,
			Password:         p.Password,
			PrivateKey:       p.PrivateKey,
			PrivateKeyPath:   p.PrivateKeyPath,
			ElevatedPassword: p.ElevatedPassword,
			ConnectTimeout:   cfg.ConnectTimeout,
			KnownHostsPath:   cfg.KnownHosts,
			KeepAlive:        cfg.KeepAlive,
		}, logger)
		if err != nil {
			return nil, "", err
		}
		return ex, ModeSSH, nil
	}
}
