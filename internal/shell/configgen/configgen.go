// Package configgen renders configuration templates: the render directory
// mirrors the template directory with every ${VAR} placeholder substituted
// from the resolved deployment environment.
package configgen

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/artpar/shipyard/internal/core/envfile"
)

// Renderer renders a template tree into a target directory.
type Renderer struct {
	env    *envfile.Env
	logger *slog.Logger
}

// New creates a Renderer substituting from env.
func New(env *envfile.Env, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{
		env:    env,
		logger: logger.With("component", "configgen"),
	}
}

// Render walks templateDir and writes each file under renderDir at the same
// relative path with placeholders substituted. Existing rendered files are
// overwritten, making the operation idempotent.
func (r *Renderer) Render(templateDir, renderDir string) (int, error) {
	rendered := 0
	err := filepath.WalkDir(templateDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(templateDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(renderDir, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read template %s: %w", rel, err)
		}
		if err := os.WriteFile(target, []byte(r.env.Expand(string(data))), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}

		r.logger.Debug("rendered template", "file", rel)
		rendered++
		return nil
	})
	if err != nil {
		return rendered, err
	}

	r.logger.Info("rendered configuration templates",
		"template_dir", templateDir,
		"render_dir", renderDir,
		"files", rendered,
	)
	return rendered, nil
}
