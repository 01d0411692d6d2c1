package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/MasonGillDev/instance-scripts/internal/fetch"
	"github.com/MasonGillDev/instance-scripts/internal/hybrid"
	"github.com/MasonGillDev/instance-scripts/internal/log"
	"github.com/MasonGillDev/instance-scripts/internal/model"
	"github.com/MasonGillDev/instance-scripts/internal/store"
)

// Processor drives one job through parse, download, optional
// decryption and atomic placement. Every failure is terminal for the
// job and local to it: the outcome is a renamed descriptor plus log
// lines, never a crashed process.
type Processor struct {
	store       *store.Store
	client      *fetch.Client
	decryptor   *hybrid.Decryptor // nil when no private key is configured
	downloadDir string
}

func NewProcessor(st *store.Store, client *fetch.Client, decryptor *hybrid.Decryptor, downloadDir string) *Processor {
	return &Processor{
		store:       st,
		client:      client,
		decryptor:   decryptor,
		downloadDir: downloadDir,
	}
}

// Process runs the pipeline for the named pending descriptor and marks
// it terminal. The returned outcome is for the caller's bookkeeping,
// errors are already folded into it.
func (p *Processor) Process(ctx context.Context, name string) model.Outcome {
	ctx = log.ContextAttrs(ctx, slog.String("job", name))

	job, err := p.store.Load(name)
	if err != nil {
		return p.fail(ctx, name, job, fmt.Errorf("parsing descriptor: %w", err))
	}
	if err := job.Validate(); err != nil {
		return p.fail(ctx, name, job, err)
	}

	targetDir := job.TargetPath
	if targetDir == "" {
		targetDir = p.downloadDir
	}
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return p.fail(ctx, name, job, fmt.Errorf("creating target directory: %w", err))
	}

	slog.InfoContext(ctx, "downloading", "url", job.URL)
	blob, err := p.client.Fetch(ctx, job.URL)
	if err != nil {
		return p.fail(ctx, name, job, err)
	}

	if job.Encrypted && job.EncryptionKey != "" {
		if p.decryptor == nil {
			return p.fail(ctx, name, job, fmt.Errorf("job is encrypted but no private key is configured"))
		}
		blob, err = p.decryptor.Decrypt(job.EncryptionKey, blob)
		if err != nil {
			return p.fail(ctx, name, job, err)
		}
		slog.DebugContext(ctx, "payload decrypted", "bytes", len(blob))
	}

	dest := filepath.Join(targetDir, resolveFilename(job, name))
	if err := p.place(blob, dest); err != nil {
		return p.fail(ctx, name, job, err)
	}

	slog.InfoContext(ctx, "artifact placed", "path", dest, "bytes", len(blob))
	if err := p.store.MarkTerminal(ctx, name, job, model.OutcomeCompleted, ""); err != nil {
		slog.ErrorContext(ctx, "can't mark job completed", "error", err)
	}
	return model.OutcomeCompleted
}

func (p *Processor) fail(ctx context.Context, name string, job model.Job, cause error) model.Outcome {
	slog.ErrorContext(ctx, "job failed", "error", cause)
	if err := p.store.MarkTerminal(ctx, name, job, model.OutcomeFailed, cause.Error()); err != nil {
		slog.ErrorContext(ctx, "can't mark job failed", "error", err)
	}
	return model.OutcomeFailed
}

// place writes blob into a scratch file and renames it to dest, so a
// partially written artifact is never visible under the final name.
// The scratch file lives in the destination directory, renames within
// one directory never cross filesystems.
func (p *Processor) place(blob []byte, dest string) error {
	scratch := filepath.Join(filepath.Dir(dest), ".scratch-"+uuid.NewString())

	f, err := os.OpenFile(scratch, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("creating scratch file: %w", err)
	}
	_, err = f.Write(blob)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(scratch)
		return fmt.Errorf("writing scratch file: %w", err)
	}

	if err := os.Rename(scratch, dest); err != nil {
		_ = os.Remove(scratch)
		return fmt.Errorf("placing artifact: %w", err)
	}
	return nil
}

// resolveFilename picks the artifact name: the explicit filename
// field, else the last path element of the url, else the descriptor's
// own name.
func resolveFilename(job model.Job, descriptorName string) string {
	if job.Filename != "" {
		return filepath.Base(job.Filename)
	}
	if u, err := url.Parse(job.URL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			return base
		}
	}
	return descriptorName
}
