package model

import (
	"maps"
	"strings"
)

// Descriptor keys the launcher fills or reads.
const (
	KeyJobCommand   = "JOB_COMMAND"
	KeyJobScript    = "JOB_SCRIPT"
	KeyJobName      = "JOB_NAME"
	KeyJobID        = "JOB_ID"
	KeyQueueForJobs = "QUEUE_FOR_JOBS"
)

// HostConfig describes an execution target. An empty Address means the local
// machine.
type HostConfig struct {
	Name    string `json:"-" yaml:"-"`
	Address string `json:"address" yaml:"address,omitempty"`
	// Root is the installation root on the host, the remote entrypoint lives there.
	Root string `json:"root" yaml:"root"`
	// Config is an optional configuration file passed to the remote entrypoint.
	Config string `json:"config,omitempty" yaml:"config,omitempty"`
	// HostPath is the remote directory job files are copied to.
	HostPath       string     `json:"host_path,omitempty" yaml:"host_path,omitempty"`
	SubmitCommand  string     `json:"submit_command,omitempty" yaml:"submit_command,omitempty"`
	SubmitTemplate string     `json:"submit_template,omitempty" yaml:"submit_template,omitempty"`
	CancelCommand  string     `json:"cancel_command,omitempty" yaml:"cancel_command,omitempty"`
	QueueDefaults  Descriptor `json:"queue_defaults,omitempty" yaml:"queue_defaults,omitempty"`
}

func (h HostConfig) IsLocal() bool {
	return strings.TrimSpace(h.Address) == ""
}

// Descriptor maps template placeholders to their values.
type Descriptor map[string]any

// Merge returns a new descriptor with defaults overwritten by overrides.
func Merge(defaults, overrides Descriptor) Descriptor {
	ret := make(Descriptor, len(defaults)+len(overrides)+2)
	maps.Copy(ret, defaults)
	maps.Copy(ret, overrides)
	return ret
}

// Strategy is the way a job gets started and stopped.
type Strategy string

const (
	StrategyDirect Strategy = "direct"
	StrategyQueue  Strategy = "queue"
	StrategyRemote Strategy = "remote"
)

// Dispatch is recorded on a job at launch time and reused by stop, so a host
// config edited in between does not redirect the stop.
type Dispatch struct {
	Strategy      Strategy `json:"strategy"`
	Hostname      string   `json:"hostname,omitempty"`
	Address       string   `json:"address,omitempty"`
	CancelCommand string   `json:"cancel_command,omitempty"`
}

// Job is a unit of work owned by the caller. The launcher only reads it and
// updates Identity and Dispatch.
type Job struct {
	ID          int
	ProjectPath string
	DBPath      string
	Host        HostConfig
	UseQueue    bool
	// Scheduled is set for jobs waiting on their inputs, they are not on a queue yet.
	Scheduled bool
	Submit    Descriptor
	Files     []string
	Identity  Identity
	Dispatch  *Dispatch
}

// AssignIdentity stores id unless the job already holds another known
// identity.
func (j *Job) AssignIdentity(id Identity) error {
	if !j.Identity.IsUnknown() && j.Identity != id {
		return &IdentityAssignedError{Current: j.Identity, New: id}
	}
	j.Identity = id
	return nil
}

// ResetIdentity drops the identity and dispatch record of a terminated job.
func (j *Job) ResetIdentity() {
	j.Identity = Unknown
	j.Dispatch = nil
}

// QueueManaged reports whether the job dispatches its own steps to a queue,
// in that case the launcher runs it directly.
func (j *Job) QueueManaged() bool {
	v, ok := j.Submit[KeyQueueForJobs]
	if !ok {
		return false
	}
	s, _ := v.(string)
	return strings.EqualFold(strings.TrimSpace(s), "y")
}

// Select returns the strategy for job on host. It depends only on the host
// address, the queue request and the queue policy of the job.
func Select(host HostConfig, job *Job) Strategy {
	switch {
	case !host.IsLocal():
		return StrategyRemote
	case job.UseQueue && !job.QueueManaged():
		return StrategyQueue
	default:
		return StrategyDirect
	}
}
