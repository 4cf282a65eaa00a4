package instance

import (
	"fmt"

	"github.com/pocketbase/pocketbase/core"

	"github.com/arata-labs/termorch/internal/backend"
	"github.com/arata-labs/termorch/internal/crypto"
	"github.com/arata-labs/termorch/internal/status"
)

// Source adapts the Registry's PocketBase-backed rows to the narrow
// interfaces the Local/Remote Status Pollers (C5/C6) depend on, and
// resolves a remote_machines row plus its decrypted credential into the
// backend.MachineConfig a Backend spawn needs.
type Source struct {
	app core.App
}

// NewSource wires a Source to the PocketBase app.
func NewSource(app core.App) *Source {
	return &Source{app: app}
}

// OpenLocalInstances implements status.InstanceSource.
func (s *Source) OpenLocalInstances() ([]status.PollTarget, error) {
	recs, err := s.app.FindRecordsByFilter(
		"instances",
		"machine_binding = 'local' && closed_at = ''",
		"", 0, 0,
	)
	if err != nil {
		return nil, fmt.Errorf("instance: open local instances: %w", err)
	}

	targets := make([]status.PollTarget, 0, len(recs))
	for _, r := range recs {
		targets = append(targets, status.PollTarget{ID: r.Id, WorkingDir: r.GetString("working_dir")})
	}
	return targets, nil
}

// OpenRemoteInstances implements status.RemoteInstanceSource, grouping
// non-closed remote-binding instances by their machine id for connection reuse.
func (s *Source) OpenRemoteInstances() (map[string][]status.RemotePollTarget, error) {
	recs, err := s.app.FindRecordsByFilter(
		"instances",
		"machine_binding = 'remote' && closed_at = ''",
		"", 0, 0,
	)
	if err != nil {
		return nil, fmt.Errorf("instance: open remote instances: %w", err)
	}

	grouped := make(map[string][]status.RemotePollTarget)
	for _, r := range recs {
		machineID := r.GetString("machine")
		if machineID == "" {
			continue
		}
		machine, err := s.ResolveMachine(machineID)
		if err != nil {
			continue // skip instances whose machine can't be resolved this tick
		}
		grouped[machineID] = append(grouped[machineID], status.RemotePollTarget{
			ID:         r.Id,
			WorkingDir: r.GetString("working_dir"),
			Machine:    machine,
		})
	}
	return grouped, nil
}

// ResolveMachine loads a remote_machines row and its credential, decrypting
// the secret value into a backend.MachineConfig ready for backend.SpawnSSH.
// The decrypted value lives only in the returned struct for the caller's
// immediate use — it must never be persisted.
func (s *Source) ResolveMachine(machineID string) (*backend.MachineConfig, error) {
	rec, err := s.app.FindRecordById("remote_machines", machineID)
	if err != nil {
		return nil, fmt.Errorf("instance: find machine %s: %w", machineID, err)
	}

	cfg := &backend.MachineConfig{
		Host:               rec.GetString("host"),
		Port:               rec.GetInt("port"),
		User:               rec.GetString("user"),
		KeyPath:            rec.GetString("key_path"),
		ForwardCredentials: rec.GetBool("forward_credentials"),
		CredentialEnvValue: rec.GetString("credential_env_value"),
	}

	credID := rec.GetString("credential")
	if credID == "" {
		cfg.AuthType = "key"
		return cfg, nil
	}

	secret, err := s.app.FindRecordById("secrets", credID)
	if err != nil {
		return nil, fmt.Errorf("instance: find credential %s: %w", credID, err)
	}

	switch secret.GetString("type") {
	case "password":
		cfg.AuthType = "password"
	default:
		cfg.AuthType = "key"
	}

	plain, err := crypto.Decrypt(secret.GetString("value"))
	if err != nil {
		return nil, fmt.Errorf("instance: decrypt credential %s: %w", credID, err)
	}
	cfg.Secret = plain

	return cfg, nil
}
