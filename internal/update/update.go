// Package update replaces the installed agent binary when the remote
// version marker differs from the compiled in one. Every failure on
// the way is fail open: the check logs and reports "no update" rather
// than erroring, so a flaky update endpoint can never wedge the watch
// loop. The only state change is the final atomic rename over the
// install path.
package update

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/MasonGillDev/instance-scripts/internal/fetch"
	"github.com/MasonGillDev/instance-scripts/internal/model"
)

// Version identifies the running binary. Overridden at build time:
//
//	go build -ldflags "-X .../internal/update.Version=<marker>"
var Version = "dev"

// ErrRestart is returned by the agent loop after a successful swap;
// the process exits cleanly and the supervisor restarts the new binary.
var ErrRestart = errors.New("binary updated, restart required")

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

type Updater struct {
	client      *fetch.Client
	localVer    string
	versionURL  string
	artifactURL string
	installPath string
}

func New(client *fetch.Client, cfg model.Update) *Updater {
	return &Updater{
		client:      client,
		localVer:    Version,
		versionURL:  cfg.VersionURL.String(),
		artifactURL: cfg.ArtifactURL.String(),
		installPath: cfg.InstallPath,
	}
}

// WithLocalVersion overrides the compiled in version marker. This
// method exists for unit testing only.
func (u *Updater) WithLocalVersion(v string) *Updater {
	u.localVer = v
	return u
}

// CheckAndApply fetches the remote version marker and, when it differs
// from the local one, downloads and installs the new binary. It
// returns true only after the install path has been atomically
// replaced; in every other case the running binary is untouched.
func (u *Updater) CheckAndApply(ctx context.Context) bool {
	remote, err := u.remoteVersion(ctx)
	if err != nil {
		slog.WarnContext(ctx, "version check failed, assuming up to date", "url", u.versionURL, "error", err)
		return false
	}
	if remote == u.localVer {
		slog.DebugContext(ctx, "agent is up to date", "version", u.localVer)
		return false
	}

	slog.InfoContext(ctx, "new agent version available", "local", u.localVer, "remote", remote)
	if err := u.apply(ctx); err != nil {
		slog.ErrorContext(ctx, "applying update failed, keeping current binary", "error", err)
		return false
	}
	slog.InfoContext(ctx, "agent binary replaced", "path", u.installPath, "version", remote)
	return true
}

// remoteVersion reads the single line version marker. Compared by
// exact string equality, not semantic versioning.
func (u *Updater) remoteVersion(ctx context.Context) (string, error) {
	b, err := u.client.Fetch(ctx, u.versionURL)
	if err != nil {
		return "", err
	}
	marker, _, _ := strings.Cut(string(b), "\n")
	marker = strings.TrimSpace(marker)
	if marker == "" {
		return "", errors.New("empty version marker")
	}
	return marker, nil
}

func (u *Updater) apply(ctx context.Context) error {
	// temp file lives next to the install path so the final rename
	// stays on one filesystem
	f, err := os.CreateTemp(filepath.Dir(u.installPath), ".agentd-update-*")
	if err != nil {
		return fmt.Errorf("creating staging file: %w", err)
	}
	tmp := f.Name()
	defer func() {
		_ = os.Remove(tmp)
	}()

	if _, err := u.client.FetchTo(ctx, u.artifactURL, f); err != nil {
		_ = f.Close()
		return fmt.Errorf("downloading artifact: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("syncing staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing staging file: %w", err)
	}

	if err := checkArtifact(tmp); err != nil {
		return err
	}
	if err := os.Chmod(tmp, 0755); err != nil {
		return fmt.Errorf("making artifact executable: %w", err)
	}
	if err := os.Rename(tmp, u.installPath); err != nil {
		return fmt.Errorf("replacing %s: %w", u.installPath, err)
	}
	return nil
}

// checkArtifact is the minimal integrity gate: the artifact must at
// least start like an executable.
func checkArtifact(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening artifact: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	magic := make([]byte, len(elfMagic))
	if _, err := io.ReadFull(f, magic); err != nil {
		return fmt.Errorf("artifact too short: %w", err)
	}
	if !bytes.Equal(magic, elfMagic) {
		return errors.New("artifact is not an ELF executable")
	}
	return nil
}
