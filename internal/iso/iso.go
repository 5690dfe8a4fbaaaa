package iso

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/MinhTranCA/lava/internal/subprocess"
	"go.uber.org/zap"
)

// DefaultTool builds Rock Ridge / Joliet images
const DefaultTool = "genisoimage"

// Provisioner builds the CD image that carries the instrumented build and the
// input file into the guest.
type Provisioner struct {
	Runner subprocess.Runner
	Logger *zap.Logger

	// Tool is the image builder binary (defaults to DefaultTool)
	Tool string

	// Stdout and Stderr receive the builder's output
	Stdout io.Writer
	Stderr io.Writer
}

// Image is a provisioned medium
type Image struct {
	// Path is the image file; its name doubles as the recording name
	Path string

	// InputBase is the input file's base name, as it appears in the image root
	InputBase string

	// ArchivedInput is the run-local copy of the input
	ArchivedInput string
}

// ImagePath returns the deterministic image name for an input
func ImagePath(sourceDir, inputFile string) string {
	return fmt.Sprintf("%s-%s.iso", sourceDir, filepath.Base(inputFile))
}

// Build writes an image holding installDir plus inputFile and archives the
// input under archiveDir. The temporary copy placed in installDir is removed
// whether or not the build succeeds.
func (p *Provisioner) Build(ctx context.Context, sourceDir, installDir, inputFile, archiveDir string) (*Image, error) {
	base := filepath.Base(inputFile)
	img := &Image{
		Path:          ImagePath(sourceDir, inputFile),
		InputBase:     base,
		ArchivedInput: filepath.Join(archiveDir, base),
	}

	if info, err := os.Stat(installDir); err != nil {
		return nil, fmt.Errorf("install directory unavailable: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("install directory %s is not a directory", installDir)
	}

	staged := filepath.Join(installDir, base)
	if err := copyFile(inputFile, staged); err != nil {
		return nil, fmt.Errorf("failed to stage input: %w", err)
	}
	defer func() {
		if err := os.Remove(staged); err != nil && !os.IsNotExist(err) {
			p.logger().Warn("failed to remove staged input", zap.String("path", staged), zap.Error(err))
		}
	}()

	tool := p.Tool
	if tool == "" {
		tool = DefaultTool
	}
	command := []string{tool, "-RJ", "-max-iso9660-filenames", "-o", img.Path, installDir}
	p.logger().Debug("building image", zap.String("cmd", subprocess.Join(command)))

	if err := p.Runner.Run(ctx, command, p.Stdout, p.Stderr); err != nil {
		// A partial image is never usable
		_ = os.Remove(img.Path)
		return nil, fmt.Errorf("failed to build image %s: %w", img.Path, err)
	}

	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create inputs directory: %w", err)
	}
	if err := copyFile(inputFile, img.ArchivedInput); err != nil {
		return nil, fmt.Errorf("failed to archive input: %w", err)
	}

	return img, nil
}

func (p *Provisioner) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// Contents lists the files in an image's root using isoinfo(1), with Rock
// Ridge names.
func Contents(ctx context.Context, r subprocess.Runner, imagePath string) ([]string, error) {
	out, err := subprocess.Output(ctx, r, []string{"isoinfo", "-R", "-f", "-i", imagePath})
	if err != nil {
		return nil, fmt.Errorf("failed to list image %s: %w", imagePath, err)
	}

	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		names = append(names, strings.TrimPrefix(line, "/"))
	}
	sort.Strings(names)
	return names, nil
}

// copyFile copies src to dst, keeping src's permission bits
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return errors.New(src + " is a directory")
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
