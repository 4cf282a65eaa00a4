package status

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/crypto/ssh"

	"github.com/arata-labs/termorch/internal/backend"
)

// RemoteInstanceSource abstracts the remote-binding instances and their
// machine credentials a poller needs.
type RemoteInstanceSource interface {
	// OpenRemoteInstances returns every non-closed remote-binding instance
	// grouped by machine id, so the poller can reuse one SSH connection per
	// machine across its instances.
	OpenRemoteInstances() (map[string][]RemotePollTarget, error)
}

// RemotePollTarget names one remote instance plus the machine config
// needed to dial it.
type RemotePollTarget struct {
	ID         string
	WorkingDir string
	Machine    *backend.MachineConfig
}

// RemotePoller ticks on a configurable interval, probing each open remote
// instance's session-log mtime over SSH. Overlapping ticks are skipped
// (not queued) via an atomic in-flight guard.
type RemotePoller struct {
	source     RemoteInstanceSource
	reconciler *Reconciler
	ageThresh  time.Duration
	cronSched  *cron.Cron
	inFlight   int32
}

// NewRemotePoller wires a poller against source, submitting candidates to r.
func NewRemotePoller(source RemoteInstanceSource, r *Reconciler, ageThreshold time.Duration) *RemotePoller {
	return &RemotePoller{
		source:     source,
		reconciler: r,
		ageThresh:  ageThreshold,
		cronSched:  cron.New(),
	}
}

// Start schedules the recurring tick at interval. Call Stop to halt it.
func (p *RemotePoller) Start(interval time.Duration) error {
	_, err := p.cronSched.AddFunc("@every "+interval.String(), p.tick)
	if err != nil {
		return err
	}
	p.cronSched.Start()
	return nil
}

// Stop halts future ticks; an in-flight tick is allowed to finish.
func (p *RemotePoller) Stop() {
	p.cronSched.Stop()
}

func (p *RemotePoller) tick() {
	if !atomic.CompareAndSwapInt32(&p.inFlight, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&p.inFlight, 0)

	grouped, err := p.source.OpenRemoteInstances()
	if err != nil {
		return
	}

	for _, targets := range grouped {
		if len(targets) == 0 {
			continue
		}
		client, err := dialMachine(targets[0].Machine)
		if err != nil {
			continue // machine unreachable: leave status untouched for every instance on it
		}
		for _, t := range targets {
			candidate, ok := p.probeRemote(client, t.WorkingDir)
			if !ok {
				continue
			}
			_ = p.reconciler.SubmitPoll(t.ID, candidate, SourceRemote)
		}
		client.Close()
	}
}

func dialMachine(m *backend.MachineConfig) (*ssh.Client, error) {
	if m == nil {
		return nil, fmt.Errorf("status: nil machine config")
	}
	auth, err := backend.AuthMethod(m)
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            m.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	return ssh.Dial("tcp", fmt.Sprintf("%s:%d", m.Host, m.Port), cfg)
}

// probeRemote runs a single find-newest-mtime probe over the already
// connected client and classifies the result. The remote shell emits
// either an epoch-seconds integer (newest file mtime) or nothing when the
// log directory does not exist. On any probe error, ok is false and the
// caller must leave the instance's status untouched.
func (p *RemotePoller) probeRemote(client *ssh.Client, workingDir string) (candidate string, ok bool) {
	session, err := client.NewSession()
	if err != nil {
		return "", false
	}
	defer session.Close()

	out, err := session.Output(remoteProbeCommand(workingDir))
	if err != nil {
		return "", false
	}

	raw := strings.TrimSpace(string(out))
	if raw == "" {
		return Idle, true
	}

	var epoch int64
	if _, err := fmt.Sscanf(raw, "%d", &epoch); err != nil {
		return "", false
	}

	age := time.Since(time.Unix(epoch, 0))
	if age >= p.ageThresh {
		return Idle, true
	}
	return Working, true
}

// remoteProbeCommand builds the shell one-liner that prints the newest
// mtime (as epoch seconds) under workingDir's session-log directory, or
// nothing if that directory does not exist — mirroring sessionLogDir's
// local layout convention (dash-joined absolute path under LogRootDir).
func remoteProbeCommand(workingDir string) string {
	dir := cdArgumentForProbe(workingDir)
	return fmt.Sprintf(
		`d=%s/$(echo %s | sed 's#/#-#g'); if [ -d "$d" ]; then find "$d" -type f -printf '%%T@\n' 2>/dev/null | sort -n | tail -1 | cut -d. -f1; fi`,
		"\"$HOME/"+LogRootDir+"\"", dir,
	)
}

func cdArgumentForProbe(workingDir string) string {
	if workingDir == "" || workingDir == "~" {
		return `"$HOME"`
	}
	if strings.HasPrefix(workingDir, "~/") {
		return `"$HOME/` + workingDir[2:] + `"`
	}
	return `"` + strings.ReplaceAll(workingDir, `"`, `\"`) + `"`
}
