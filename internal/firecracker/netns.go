package firecracker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// createNetNS adds a named network namespace with iproute2.
func createNetNS(ctx context.Context, name string) error {
	if err := os.MkdirAll(NetNSRunDir, 0o755); err != nil {
		return fmt.Errorf("create netns dir: %w", err)
	}
	return ipNetNS(ctx, "add", name)
}

// deleteNetNS removes a named namespace. A missing namespace is not an error.
func deleteNetNS(ctx context.Context, name string) error {
	if _, err := os.Stat(filepath.Join(NetNSRunDir, name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat netns %s: %w", name, err)
	}
	return ipNetNS(ctx, "delete", name)
}

func ipNetNS(ctx context.Context, op, name string) error {
	out, err := exec.CommandContext(ctx, "ip", "netns", op, name).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ip netns %s %s: %s: %w", op, name, strings.TrimSpace(string(out)), err)
	}
	return nil
}
