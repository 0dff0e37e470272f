package acquisition

import (
	"reflect"
	"testing"
	"time"

	"storyhub/resolverservice/internal/domain"
)

// ---------------------------------------------------------------------------
// toTaskDoc / fromTaskDoc roundtrip
// ---------------------------------------------------------------------------

func TestTaskDocRoundtrip(t *testing.T) {
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	id := int64(42)
	task := domain.AcquisitionTask{
		ID: "9b2f",
		Request: domain.AcquisitionRequest{
			Items:          []domain.AcquisitionItem{{URL: "https://youtu.be/a", Title: "小燕子"}, {URL: "https://b23.tv/b"}},
			Category:       domain.CategoryMusic,
			Classification: domain.Classification{CategoryID: 3, Artist: "童声合唱", TagIDs: []int64{1, 2}, AgeMin: 2, AgeMax: 6},
		},
		Tracks: []domain.TrackProgress{
			{Index: 0, URL: "https://youtu.be/a", Title: "小燕子", Status: domain.TrackCompleted, Progress: 100, ContentID: &id, UpdatedAt: now},
			{Index: 1, URL: "https://b23.tv/b", Status: domain.TrackFailed, Error: "HTTP Error 412", UpdatedAt: now},
			{Index: 2, URL: "https://b23.tv/b?p=2", Status: domain.TrackPending, PlaylistURL: "https://b23.tv/b", UpdatedAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now.Add(time.Minute),
	}
	task.Recount()

	got := fromTaskDoc(toTaskDoc(task))
	if !reflect.DeepEqual(got, task) {
		t.Fatalf("roundtrip mismatch:\n got %+v\nwant %+v", got, task)
	}
}

func TestTimeFromUnixMilliZero(t *testing.T) {
	if !timeFromUnixMilli(0).IsZero() {
		t.Fatal("expected zero time for 0")
	}
	if unixMilli(time.Time{}) != 0 {
		t.Fatal("expected 0 for zero time")
	}
}
