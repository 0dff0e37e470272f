package domain

import "time"

type TrackStatus string

const (
	TrackPending        TrackStatus = "pending"
	TrackExtractingInfo TrackStatus = "extracting_info"
	TrackDownloading    TrackStatus = "downloading"
	TrackUploading      TrackStatus = "uploading"
	TrackCreatingRecord TrackStatus = "creating_record"
	TrackCompleted      TrackStatus = "completed"
	TrackFailed         TrackStatus = "failed"
	TrackSkipped        TrackStatus = "skipped"
	TrackCancelled      TrackStatus = "cancelled"
)

func (s TrackStatus) Terminal() bool {
	switch s {
	case TrackCompleted, TrackFailed, TrackSkipped, TrackCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether a worker is currently processing the track.
func (s TrackStatus) Active() bool {
	return !s.Terminal() && s != TrackPending
}

func (s TrackStatus) stage() int {
	switch s {
	case TrackExtractingInfo:
		return 1
	case TrackDownloading:
		return 2
	case TrackUploading:
		return 3
	case TrackCreatingRecord:
		return 4
	default:
		return 0
	}
}

type TaskStatus string

const (
	TaskPending        TaskStatus = "pending"
	TaskExtractingInfo TaskStatus = "extracting_info"
	TaskDownloading    TaskStatus = "downloading"
	TaskUploading      TaskStatus = "uploading"
	TaskCreatingRecord TaskStatus = "creating_record"
	TaskCompleted      TaskStatus = "completed"
	TaskFailed         TaskStatus = "failed"
	TaskCancelled      TaskStatus = "cancelled"
)

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

type AcquisitionItem struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

type AcquisitionRequest struct {
	Items          []AcquisitionItem `json:"items"`
	Category       Category          `json:"category"`
	Classification Classification    `json:"classification"`
}

type TrackProgress struct {
	Index     int         `json:"index"`
	URL       string      `json:"url"`
	Title     string      `json:"title"`
	Status    TrackStatus `json:"status"`
	Progress  float64     `json:"progress"`
	Error     string      `json:"error,omitempty"`
	ContentID *int64      `json:"contentId,omitempty"`
	// PlaylistURL is the submitted URL this track was expanded from.
	PlaylistURL string    `json:"playlistUrl,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type AcquisitionTask struct {
	ID              string             `json:"id"`
	Request         AcquisitionRequest `json:"request"`
	Status          TaskStatus         `json:"status"`
	Tracks          []TrackProgress    `json:"tracks"`
	CompletedCount  int                `json:"completedCount"`
	FailedCount     int                `json:"failedCount"`
	SkippedCount    int                `json:"skippedCount"`
	CancelledCount  int                `json:"cancelledCount"`
	TotalCount      int                `json:"totalCount"`
	Error           string             `json:"error,omitempty"`
	CancelRequested bool               `json:"cancelRequested,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand out while workers keep mutating the original.
func (t AcquisitionTask) Clone() AcquisitionTask {
	cloned := t
	cloned.Request.Items = append([]AcquisitionItem(nil), t.Request.Items...)
	cloned.Request.Classification.TagIDs = append([]int64(nil), t.Request.Classification.TagIDs...)
	cloned.Tracks = make([]TrackProgress, len(t.Tracks))
	for i, track := range t.Tracks {
		copied := track
		if track.ContentID != nil {
			id := *track.ContentID
			copied.ContentID = &id
		}
		cloned.Tracks[i] = copied
	}
	return cloned
}

// Recount recomputes aggregate counters and the task-level status from the tracks.
func (t *AcquisitionTask) Recount() {
	t.TotalCount = len(t.Tracks)
	t.CompletedCount, t.FailedCount, t.SkippedCount, t.CancelledCount = 0, 0, 0, 0

	nonTerminal := 0
	started := false
	var leastActive TrackStatus
	for _, track := range t.Tracks {
		switch track.Status {
		case TrackCompleted:
			t.CompletedCount++
		case TrackFailed:
			t.FailedCount++
		case TrackSkipped:
			t.SkippedCount++
		case TrackCancelled:
			t.CancelledCount++
		default:
			nonTerminal++
		}
		if track.Status != TrackPending && track.Status != TrackCancelled {
			started = true
		}
		if track.Status.Active() && (leastActive == "" || track.Status.stage() < leastActive.stage()) {
			leastActive = track.Status
		}
	}

	switch {
	case t.TotalCount > 0 && nonTerminal == 0:
		switch {
		case t.CancelRequested:
			t.Status = TaskCancelled
		case t.CompletedCount+t.SkippedCount > 0:
			t.Status = TaskCompleted
		default:
			t.Status = TaskFailed
		}
	case leastActive != "":
		t.Status = TaskStatus(leastActive)
	case started:
		// Tracks between stages or waiting for a worker slot keep the last active label.
		if t.Status == TaskPending || t.Status == "" || t.Status.Terminal() {
			t.Status = TaskExtractingInfo
		}
	default:
		t.Status = TaskPending
	}
}

// Finished reports whether every track has reached a terminal status.
func (t AcquisitionTask) Finished() bool {
	return t.Status.Terminal()
}
