package job

// Status is the canonical job state reported by every engine.
type Status string

const (
	StatusUnsubmitted Status = "Unsubmitted"
	StatusQueued      Status = "Queued"
	StatusDownloading Status = "Downloading"
	StatusRunning     Status = "Running"
	StatusFinishing   Status = "Finishing"
	StatusFinished    Status = "Finished"
	StatusError       Status = "Error"
	StatusTimeout     Status = "Timeout"
	StatusKilled      Status = "Killed"
)

// DoneStates are the terminal statuses. Once observed they never change.
var DoneStates = []Status{StatusFinished, StatusError, StatusTimeout, StatusKilled}

// IsDone reports whether s is terminal.
func (s Status) IsDone() bool {
	switch s {
	case StatusFinished, StatusError, StatusTimeout, StatusKilled:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }
