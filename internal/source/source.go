package source

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/MinhTranCA/lava/internal/subprocess"
)

// InstallDirName is the directory inside the extracted source tree that holds
// the instrumented build.
const InstallDirName = "lava-install"

// Dir returns the absolute path of the source tree extracted from tarfile
// under workDir. The top-level directory is taken from the archive's first
// entry, as listed by tar(1) so any compression tar understands works.
func Dir(ctx context.Context, r subprocess.Runner, workDir, tarfile string) (string, error) {
	out, err := subprocess.Output(ctx, r, []string{"tar", "tf", tarfile})
	if err != nil {
		return "", fmt.Errorf("failed to list %s: %w", tarfile, err)
	}

	top := TopLevel(out)
	if top == "" {
		return "", fmt.Errorf("archive %s is empty", tarfile)
	}

	return filepath.Join(workDir, top), nil
}

// TopLevel returns the first path component of the first non-empty line of a
// tar listing
func TopLevel(listing string) string {
	for _, line := range strings.Split(listing, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "./")
		if line == "" || line == "." {
			continue
		}
		return strings.SplitN(line, "/", 2)[0]
	}
	return ""
}

// InstallDir returns the install directory of a source tree
func InstallDir(sourceDir string) string {
	return filepath.Join(sourceDir, InstallDirName)
}
