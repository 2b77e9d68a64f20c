package provision

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"atlas/internal/satellites"
	"atlas/internal/shell"
)

// Step names, in their documented order.
const (
	StepConnect             = "connect"
	StepInstallTrustKey     = "install_trust_key"
	StepDisablePasswordAuth = "disable_password_auth"
	StepSetHostname         = "set_hostname"
	StepInstallPackages     = "install_packages"
	StepInstallAgent        = "install_agent"
	StepWriteConfig         = "write_config"
	StepStartService        = "start_service"
	StepVerify              = "verify"
)

// stepDef is an immutable step definition. Per-run state lives in runState.
type stepDef struct {
	name string
	run  func(e *Engine, st *runState, cfg *Config) (string, error)
}

type runState struct {
	sess shell.Session
}

// stepsFor returns the ordered step sequence for a mode. Dedicated runs
// take exclusive control of the host; shared runs touch only user scope.
func stepsFor(mode satellites.Mode) []stepDef {
	if mode == satellites.ModeShared {
		return []stepDef{
			{StepConnect, stepConnect},
			{StepInstallAgent, stepInstallAgentShared},
			{StepWriteConfig, stepWriteConfigShared},
			{StepStartService, stepStartServiceShared},
			{StepVerify, stepVerifyShared},
		}
	}
	return []stepDef{
		{StepConnect, stepConnect},
		{StepInstallTrustKey, stepInstallTrustKey},
		{StepDisablePasswordAuth, stepDisablePasswordAuth},
		{StepSetHostname, stepSetHostname},
		{StepInstallPackages, stepInstallPackages},
		{StepInstallAgent, stepInstallAgentDedicated},
		{StepWriteConfig, stepWriteConfigDedicated},
		{StepStartService, stepStartServiceDedicated},
		{StepVerify, stepVerifyDedicated},
	}
}

// ─── step implementations ─────────────────────────────────────────────────────

func stepConnect(e *Engine, st *runState, cfg *Config) (string, error) {
	auth := shell.Auth{Password: cfg.SSHPassword}
	if e.key != nil {
		auth.PrivateKeyPEM = e.key.PrivateKeyPEM()
	}

	sess, err := e.connector.Connect(cfg.Host, cfg.SSHPort, cfg.SSHUsername, auth)
	if err != nil {
		return "", err
	}
	st.sess = sess
	return fmt.Sprintf("connected to %s as %s", cfg.Host, cfg.SSHUsername), nil
}

// stepInstallTrustKey appends the fleet public key to authorized_keys,
// skipping the append when the key is already present. The key material is
// server-generated base64 and safe to quote.
func stepInstallTrustKey(e *Engine, st *runState, _ *Config) (string, error) {
	if e.key == nil {
		return "", errors.New("no trust key configured")
	}
	key := e.key.AuthorizedKey()

	if _, err := runCmd(st, "mkdir -p ~/.ssh && chmod 700 ~/.ssh"); err != nil {
		return "", err
	}

	check := fmt.Sprintf("grep -qF '%s' ~/.ssh/authorized_keys 2>/dev/null", key)
	if res, err := st.sess.Run(check); err != nil {
		return "", fmt.Errorf("check authorized_keys: %w", err)
	} else if res.OK() {
		return "trust key already installed", nil
	}

	appendCmd := fmt.Sprintf("echo '%s' >> ~/.ssh/authorized_keys && chmod 600 ~/.ssh/authorized_keys", key)
	if _, err := runCmd(st, appendCmd); err != nil {
		return "", err
	}
	return "trust key installed", nil
}

func stepDisablePasswordAuth(_ *Engine, st *runState, _ *Config) (string, error) {
	conf := "PasswordAuthentication no\nKbdInteractiveAuthentication no\n"
	cmd := "sudo tee /etc/ssh/sshd_config.d/90-atlas.conf >/dev/null"
	if _, err := runCmdWithInput(st, cmd, []byte(conf)); err != nil {
		return "", err
	}
	if _, err := runCmd(st, "sudo systemctl reload ssh 2>/dev/null || sudo systemctl reload sshd"); err != nil {
		return "", err
	}
	return "password authentication disabled", nil
}

func stepSetHostname(_ *Engine, st *runState, cfg *Config) (string, error) {
	if !ValidHostname(cfg.Hostname) {
		return "", fmt.Errorf("invalid hostname %q", cfg.Hostname)
	}
	cmd := fmt.Sprintf("sudo hostnamectl set-hostname %s && "+
		"sudo sed -i 's/^127\\.0\\.1\\.1.*/127.0.1.1\\t%s/' /etc/hosts",
		cfg.Hostname, cfg.Hostname)
	if _, err := runCmd(st, cmd); err != nil {
		return "", err
	}
	return "hostname set to " + cfg.Hostname, nil
}

func stepInstallPackages(_ *Engine, st *runState, _ *Config) (string, error) {
	cmd := "sudo apt-get update -qq && " +
		"sudo DEBIAN_FRONTEND=noninteractive apt-get install -y -qq " +
		"python3-pip alsa-utils i2c-tools"
	if _, err := runCmd(st, cmd); err != nil {
		return "", err
	}
	return "os packages installed", nil
}

func stepInstallAgentDedicated(_ *Engine, st *runState, _ *Config) (string, error) {
	cmd := "sudo pip3 install --upgrade atlas-satellite"
	if _, err := runCmd(st, cmd); err != nil {
		return "", err
	}
	return "agent installed system-wide", nil
}

func stepInstallAgentShared(_ *Engine, st *runState, _ *Config) (string, error) {
	cmd := "pip3 install --user --upgrade atlas-satellite"
	if _, err := runCmd(st, cmd); err != nil {
		return "", err
	}
	return "agent installed for user", nil
}

func stepWriteConfigDedicated(_ *Engine, st *runState, cfg *Config) (string, error) {
	return writeConfig(st, cfg,
		"sudo mkdir -p /etc/atlas",
		"sudo tee /etc/atlas/satellite.json >/dev/null")
}

func stepWriteConfigShared(_ *Engine, st *runState, cfg *Config) (string, error) {
	return writeConfig(st, cfg,
		"mkdir -p ~/.config/atlas",
		"cat > ~/.config/atlas/satellite.json")
}

// writeConfig transfers the serialized config document over stdin. The
// command strings are fixed constants; config values never touch the shell.
func writeConfig(st *runState, cfg *Config, mkdirCmd, writeCmd string) (string, error) {
	doc, err := cfg.Document()
	if err != nil {
		return "", err
	}
	if _, err := runCmd(st, mkdirCmd); err != nil {
		return "", err
	}
	if _, err := runCmdWithInput(st, writeCmd, doc); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote config (%d bytes)", len(doc)), nil
}

func stepStartServiceDedicated(_ *Engine, st *runState, _ *Config) (string, error) {
	cmd := "sudo systemctl daemon-reload && sudo systemctl enable --now atlas-satellite.service"
	if _, err := runCmd(st, cmd); err != nil {
		return "", err
	}
	return "system service started", nil
}

func stepStartServiceShared(_ *Engine, st *runState, _ *Config) (string, error) {
	cmd := "systemctl --user daemon-reload && systemctl --user enable --now atlas-satellite.service"
	if _, err := runCmd(st, cmd); err != nil {
		return "", err
	}
	return "user service started", nil
}

func stepVerifyDedicated(_ *Engine, st *runState, _ *Config) (string, error) {
	return verifyActive(st, "systemctl is-active atlas-satellite.service")
}

func stepVerifyShared(_ *Engine, st *runState, _ *Config) (string, error) {
	return verifyActive(st, "systemctl --user is-active atlas-satellite.service")
}

func verifyActive(st *runState, cmd string) (string, error) {
	res, err := st.sess.Run(cmd)
	if err != nil {
		return "", fmt.Errorf("verify service: %w", err)
	}
	state := strings.TrimSpace(res.Stdout)
	if state != "active" {
		return "", fmt.Errorf("service not active: %q", state)
	}
	return "service active", nil
}

// ─── command helpers ──────────────────────────────────────────────────────────

func runCmd(st *runState, cmd string) (string, error) {
	if st.sess == nil {
		return "", errors.New("no session")
	}
	res, err := st.sess.Run(cmd)
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", cmdError(cmd, res)
	}
	return res.Stdout, nil
}

func runCmdWithInput(st *runState, cmd string, input []byte) (string, error) {
	if st.sess == nil {
		return "", errors.New("no session")
	}
	ir, ok := st.sess.(shell.InputRunner)
	if !ok {
		return "", errors.New("session does not support stdin transfer")
	}
	res, err := ir.RunWithInput(cmd, bytes.NewReader(input))
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", cmdError(cmd, res)
	}
	return res.Stdout, nil
}

func cmdError(cmd string, res shell.Result) error {
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(res.Stdout)
	}
	if msg == "" {
		return fmt.Errorf("%q exited %d", firstWord(cmd), res.ExitCode)
	}
	return fmt.Errorf("%q exited %d: %s", firstWord(cmd), res.ExitCode, msg)
}

func firstWord(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		return cmd[:i]
	}
	return cmd
}
