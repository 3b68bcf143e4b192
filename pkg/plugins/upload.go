package plugins

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	maxUploadSize    = 50 << 20  // compressed upload
	maxExtractedSize = 256 << 20 // total decompressed bundle size
)

// Pipeline accepts uploaded plugin artifacts (a bare .lua source, a
// plugin.yaml manifest, or a .zip bundle), stages them in a scratch
// directory, installs them into the plugins directory and loads them.
// The scratch directory is removed on every path, success or failure. A
// failed load removes the installed artifact and puts back the previous
// install if the upload was overwriting one, so the directory holds either
// the old working plugin or the new validated one, never a torso.
type Pipeline struct {
	manager *Manager
	log     *logrus.Logger
}

// NewPipeline creates an upload pipeline bound to a lifecycle manager.
func NewPipeline(manager *Manager, log *logrus.Logger) *Pipeline {
	if log == nil {
		log = logrus.New()
	}
	return &Pipeline{manager: manager, log: log}
}

// Install stages and loads an uploaded plugin artifact. The plugin
// identifier is derived from the uploaded filename.
func (p *Pipeline) Install(filename string, upload io.Reader) (*Record, error) {
	id := DeriveID(filename)
	if id == "" {
		return nil, fmt.Errorf("%w: cannot derive identifier from %q", ErrValidationFailed, filename)
	}

	if err := os.MkdirAll(p.manager.PluginsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create plugins directory: %w", err)
	}

	// Scratch lives inside the plugins directory so the final install is a
	// rename on the same filesystem.
	scratch, err := os.MkdirTemp(p.manager.PluginsDir(), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	data, err := io.ReadAll(io.LimitReader(upload, maxUploadSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(data) > maxUploadSize {
		return nil, fmt.Errorf("%w: upload exceeds %d bytes", ErrValidationFailed, maxUploadSize)
	}

	previous, backup, err := p.setAsidePrevious(id, scratch)
	if err != nil {
		return nil, err
	}

	var target string
	if strings.HasSuffix(filename, ".zip") {
		target, err = p.stageBundle(id, scratch, data)
	} else {
		target, err = p.stageFile(id, filename, scratch, data)
	}
	if err != nil {
		p.restorePrevious(id, previous, backup)
		return nil, err
	}

	rec, err := p.manager.Load(target)
	if err != nil {
		// No half-installed plugins: a source that failed validation or
		// evaluation does not stay on disk, and an overwritten install
		// comes back. Its registry entry was never touched.
		os.RemoveAll(target)
		p.restorePrevious(id, previous, backup)
		return nil, err
	}
	p.log.WithField("plugin", rec.ID).Infof("Installed plugin %s v%s", rec.Name, rec.Version)
	return rec, nil
}

// setAsidePrevious moves the registered install for id, if any, into the
// scratch dir so a failed upgrade can put it back. It returns the original
// path and the backup path, both empty when there was nothing to preserve.
func (p *Pipeline) setAsidePrevious(id, scratch string) (previous, backup string, err error) {
	rec := p.manager.Registry().Get(id)
	if rec == nil || rec.SourcePath == "" {
		return "", "", nil
	}
	if _, err := os.Stat(rec.SourcePath); err != nil {
		return "", "", nil
	}
	backup = filepath.Join(scratch, "previous")
	if err := os.Rename(rec.SourcePath, backup); err != nil {
		return "", "", fmt.Errorf("failed to set aside previous install: %w", err)
	}
	return rec.SourcePath, backup, nil
}

// restorePrevious undoes setAsidePrevious after a failed install.
func (p *Pipeline) restorePrevious(id, previous, backup string) {
	if backup == "" {
		return
	}
	if err := os.Rename(backup, previous); err != nil {
		p.log.WithField("plugin", id).WithError(err).Warn("failed to restore previous install")
	}
}

// stageFile writes a single-file plugin into the scratch dir and renames it
// into place.
func (p *Pipeline) stageFile(id, filename, scratch string, data []byte) (string, error) {
	ext := filepath.Ext(filename)
	if ext != ".lua" && ext != ".yaml" && ext != ".yml" {
		return "", fmt.Errorf("%w: unsupported plugin file type %q", ErrValidationFailed, ext)
	}

	staged := filepath.Join(scratch, id+ext)
	if err := os.WriteFile(staged, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to stage plugin file: %w", err)
	}

	target := filepath.Join(p.manager.PluginsDir(), id+ext)
	if err := os.Rename(staged, target); err != nil {
		return "", fmt.Errorf("failed to install plugin file: %w", err)
	}
	return target, nil
}

// stageBundle extracts a zip bundle into the scratch dir, verifies it
// contains a recognizable plugin entry and renames it into place.
func (p *Pipeline) stageBundle(id, scratch string, data []byte) (string, error) {
	bundle := filepath.Join(scratch, "bundle")
	if err := extractZip(data, bundle); err != nil {
		return "", err
	}

	root, err := bundleRoot(bundle)
	if err != nil {
		return "", err
	}

	// The registered install has already been set aside; anything still at
	// the target is an orphan and can go.
	target := filepath.Join(p.manager.PluginsDir(), id)
	if err := os.RemoveAll(target); err != nil {
		return "", fmt.Errorf("failed to clear previous install: %w", err)
	}
	if err := os.Rename(root, target); err != nil {
		return "", fmt.Errorf("failed to install plugin bundle: %w", err)
	}
	return target, nil
}

// bundleRoot locates the directory holding the plugin entry point. A zip
// whose contents all live under a single top-level directory is unwrapped
// one level.
func bundleRoot(bundle string) (string, error) {
	for _, dir := range []string{bundle, singleSubdir(bundle)} {
		if dir == "" {
			continue
		}
		for _, entry := range []string{ManifestFileName, "index.plugin.lua", "init.lua"} {
			if _, err := os.Stat(filepath.Join(dir, entry)); err == nil {
				return dir, nil
			}
		}
	}
	return "", fmt.Errorf("%w: bundle has neither %s nor a plugin entry file", ErrNoManifestFound, ManifestFileName)
}

// singleSubdir returns the sole subdirectory of dir, or "" if dir holds
// anything else.
func singleSubdir(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return ""
	}
	return filepath.Join(dir, entries[0].Name())
}

// extractZip unpacks an in-memory zip archive under dst, refusing entries
// that would escape it and capping total decompressed size.
func extractZip(data []byte, dst string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%w: not a valid zip archive", ErrValidationFailed)
	}

	var extracted int64
	for _, f := range zr.File {
		name := filepath.Clean(f.Name)
		if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("%w: archive entry %q escapes the bundle", ErrValidationFailed, f.Name)
		}
		path := filepath.Join(dst, name)
		if !strings.HasPrefix(path, filepath.Clean(dst)+string(filepath.Separator)) {
			return fmt.Errorf("%w: archive entry %q escapes the bundle", ErrValidationFailed, f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(path, 0o755); err != nil {
				return fmt.Errorf("failed to create bundle directory: %w", err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create bundle directory: %w", err)
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to open archive entry %q: %w", f.Name, err)
		}
		out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			rc.Close()
			return fmt.Errorf("failed to create bundle file %q: %w", name, err)
		}
		n, err := io.Copy(out, io.LimitReader(rc, maxExtractedSize-extracted+1))
		out.Close()
		rc.Close()
		if err != nil {
			return fmt.Errorf("failed to extract %q: %w", f.Name, err)
		}
		extracted += n
		if extracted > maxExtractedSize {
			return fmt.Errorf("%w: bundle exceeds %d decompressed bytes", ErrValidationFailed, maxExtractedSize)
		}
	}
	return nil
}
