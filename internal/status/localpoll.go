package status

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// InstanceSource abstracts the instance rows a poller needs to iterate,
// decoupling this package from the instance registry's storage details.
type InstanceSource interface {
	// OpenLocalInstances returns (id, workingDir) pairs for every non-closed
	// instance whose machine binding is local.
	OpenLocalInstances() ([]PollTarget, error)
}

// PollTarget names one instance a poller should evaluate.
type PollTarget struct {
	ID         string
	WorkingDir string
}

// LogRootDir is the canonical per-user directory under which per-project
// session-log subdirectories live, one per working directory.
const LogRootDir = ".orchestrator/logs"

// LocalPoller ticks on a configurable interval, classifying each open
// local instance as idle/working from its session-log directory's newest
// file mtime.
type LocalPoller struct {
	source     InstanceSource
	reconciler *Reconciler
	ageThresh  time.Duration
	interval   time.Duration
	cronSched  *cron.Cron
}

// NewLocalPoller wires a poller against source, submitting candidates to r.
func NewLocalPoller(source InstanceSource, r *Reconciler, interval, ageThreshold time.Duration) *LocalPoller {
	return &LocalPoller{
		source:     source,
		reconciler: r,
		ageThresh:  ageThreshold,
		interval:   interval,
		cronSched:  cron.New(),
	}
}

// Start schedules the recurring tick. Call Stop to halt it.
func (p *LocalPoller) Start() error {
	_, err := p.cronSched.AddFunc("@every "+p.interval.String(), p.tick)
	if err != nil {
		return err
	}
	p.cronSched.Start()
	return nil
}

// Stop halts future ticks; in-flight work is allowed to finish.
func (p *LocalPoller) Stop() {
	p.cronSched.Stop()
}

func (p *LocalPoller) tick() {
	targets, err := p.source.OpenLocalInstances()
	if err != nil {
		return
	}
	for _, t := range targets {
		candidate := classifyByLogDir(t.WorkingDir, p.ageThresh)
		_ = p.reconciler.SubmitPoll(t.ID, candidate, SourceLocal)
	}
}

// classifyByLogDir derives the session-log directory for workingDir (its
// absolute path with separators replaced by dashes, under LogRootDir) and
// classifies idle/working by the newest child file's mtime age. A missing
// log directory classifies as idle.
func classifyByLogDir(workingDir string, ageThreshold time.Duration) string {
	dir, err := sessionLogDir(workingDir)
	if err != nil {
		return Idle
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		return Idle
	}

	var newest time.Time
	found := false
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
			found = true
		}
	}
	if !found {
		return Idle
	}

	if time.Since(newest) >= ageThreshold {
		return Idle
	}
	return Working
}

// sessionLogDir expands a home-shorthand working directory to its absolute
// form, then maps it under the canonical per-user log root with path
// separators replaced by dashes — e.g. /home/user/proj -> ~/LogRootDir/-home-user-proj.
func sessionLogDir(workingDir string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	abs := workingDir
	if abs == "~" {
		abs = home
	} else if strings.HasPrefix(abs, "~/") {
		abs = filepath.Join(home, abs[2:])
	}

	slug := strings.ReplaceAll(abs, string(filepath.Separator), "-")
	return filepath.Join(home, LogRootDir, slug), nil
}
