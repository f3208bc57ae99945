// Package sysservices restarts system services after an installation.
package sysservices

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"
)

// Manager abstracts the process manager so the installer works identically
// in production and in tests.
type Manager interface {
	// Restart fully stops and starts a service unit.
	Restart(ctx context.Context, unit string) error
}

// SystemdManager implements Manager using systemctl.
type SystemdManager struct {
	logger zerolog.Logger
}

func NewSystemdManager(logger zerolog.Logger) *SystemdManager {
	return &SystemdManager{logger: logger.With().Str("svc_mgr", "systemd").Logger()}
}

func (s *SystemdManager) Restart(ctx context.Context, unit string) error {
	s.logger.Info().Str("unit", unit).Msg("restarting service")
	cmd := exec.CommandContext(ctx, "systemctl", "restart", unit)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl restart %s: %s: %w", unit, string(output), err)
	}
	return nil
}

// FakeManager records restarts and fails the units it is told to fail.
// Test helper.
type FakeManager struct {
	mu        sync.Mutex
	Restarted []string
	FailUnits map[string]error
}

func NewFakeManager() *FakeManager {
	return &FakeManager{FailUnits: map[string]error{}}
}

func (f *FakeManager) Restart(_ context.Context, unit string) error {
	f.mu.Lock()
	f.Restarted = append(f.Restarted, unit)
	f.mu.Unlock()
	if err, ok := f.FailUnits[unit]; ok {
		return err
	}
	return nil
}
