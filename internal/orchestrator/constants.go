package orchestrator

import "time"

// Orchestrator defaults
const (
	DefaultClientBinary   = "zoom"
	DefaultSettleMin      = 3 * time.Second
	DefaultSettleMax      = 5 * time.Second
	DefaultTerminateGrace = 5 * time.Second
	DefaultSink           = "ZoomRec"

	// LegacyArtifactName is the fixed recording name older deployments use.
	LegacyArtifactName = "zoom_recording"
)

// Phase is the orchestrator's coarse progress through a recording.
type Phase string

const (
	PhaseLaunching Phase = "launching"
	PhaseSettling  Phase = "settling"
	PhaseJoining   Phase = "joining"
	PhaseRecording Phase = "recording"
	PhaseFinished  Phase = "finished"
)

// Role names a process the orchestrator starts.
type Role string

const (
	RoleClient   Role = "client"
	RoleRecorder Role = "recorder"
)
