package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/quantmill/tradelab/internal/worker"
)

// SpawnerFactory turns generated scanner code into a worker spawner.
// The engine respawns through it after crashes.
type SpawnerFactory func(scannerCode string) worker.Spawner

// SubprocessFactory builds spawners that run the configured worker
// host command. The literal argument "{code}" is replaced with the path
// of a file holding the scanner source.
func SubprocessFactory(command []string, dir string) SpawnerFactory {
	return func(scannerCode string) worker.Spawner {
		return func(ctx context.Context) (worker.Worker, error) {
			if len(command) == 0 {
				return nil, fmt.Errorf("pipeline: no worker command configured")
			}
			path := filepath.Join(dir, "scanner-"+uuid.NewString()[:8]+".js")
			if err := os.WriteFile(path, []byte(scannerCode), 0o644); err != nil {
				return nil, fmt.Errorf("pipeline: write scanner code: %w", err)
			}
			argv := make([]string, len(command))
			for i, a := range command {
				argv[i] = strings.ReplaceAll(a, "{code}", path)
			}
			return worker.SpawnSubprocess(ctx, argv...)
		}
	}
}

// BuiltinFactory ignores the generated code and runs a named built-in
// scanner in-process. Used for demos and tests without a script runtime.
func BuiltinFactory(name string) (SpawnerFactory, error) {
	fn, ok := worker.Builtin(name)
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown builtin scanner %q", name)
	}
	return func(string) worker.Spawner { return worker.FuncSpawner(fn) }, nil
}
