package protocol

// Directory and path constants used throughout loom.
const (
	// LoomDir is the user-level state directory (e.g., ~/.loom).
	LoomDir = ".loom"

	// StateDBFile is the runtime SQLite database file name inside LoomDir.
	// It holds the jobs mirror, the durable event log and the guardian's
	// usage samples.
	StateDBFile = "state.db"

	// PIDFile is the daemon PID file name inside LoomDir.
	PIDFile = "loom.pid"
)
