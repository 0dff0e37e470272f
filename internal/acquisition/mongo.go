package acquisition

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"storyhub/resolverservice/internal/domain"
)

type MongoTaskStore struct {
	collection *mongo.Collection
}

type itemDoc struct {
	URL   string `bson:"url"`
	Title string `bson:"title,omitempty"`
}

type classificationDoc struct {
	CategoryID int64   `bson:"categoryId,omitempty"`
	Artist     string  `bson:"artist,omitempty"`
	TagIDs     []int64 `bson:"tagIds,omitempty"`
	AgeMin     int     `bson:"ageMin,omitempty"`
	AgeMax     int     `bson:"ageMax,omitempty"`
}

type trackDoc struct {
	Index     int     `bson:"index"`
	URL       string  `bson:"url"`
	Title     string  `bson:"title"`
	Status    string  `bson:"status"`
	Progress  float64 `bson:"progress"`
	Error     string  `bson:"error,omitempty"`
	ContentID *int64  `bson:"contentId,omitempty"`
	Playlist  string  `bson:"playlistUrl,omitempty"`
	UpdatedAt int64   `bson:"updatedAt"`
}

type taskDoc struct {
	ID              string            `bson:"_id"`
	Items           []itemDoc         `bson:"items"`
	Category        string            `bson:"category"`
	Classification  classificationDoc `bson:"classification"`
	Status          string            `bson:"status"`
	Tracks          []trackDoc        `bson:"tracks"`
	CompletedCount  int               `bson:"completedCount"`
	FailedCount     int               `bson:"failedCount"`
	SkippedCount    int               `bson:"skippedCount"`
	CancelledCount  int               `bson:"cancelledCount"`
	TotalCount      int               `bson:"totalCount"`
	Error           string            `bson:"error,omitempty"`
	CancelRequested bool              `bson:"cancelRequested,omitempty"`
	CreatedAt       int64             `bson:"createdAt"`
	UpdatedAt       int64             `bson:"updatedAt"`
}

func NewMongoTaskStore(client *mongo.Client, dbName, collectionName string) *MongoTaskStore {
	return &MongoTaskStore{collection: client.Database(dbName).Collection(collectionName)}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	return mongo.Connect(ctx, opts...)
}

func (s *MongoTaskStore) EnsureIndexes(ctx context.Context) error {
	if s == nil || s.collection == nil {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	}
	_, err := s.collection.Indexes().CreateMany(ctx, models)
	return err
}

func (s *MongoTaskStore) Save(ctx context.Context, task domain.AcquisitionTask) error {
	doc := toTaskDoc(task)
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoTaskStore) Get(ctx context.Context, id string) (domain.AcquisitionTask, error) {
	var doc taskDoc
	if err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.AcquisitionTask{}, domain.ErrNotFound
		}
		return domain.AcquisitionTask{}, err
	}
	return fromTaskDoc(doc), nil
}

func (s *MongoTaskStore) List(ctx context.Context, limit int) ([]domain.AcquisitionTask, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []taskDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.AcquisitionTask, 0, len(docs))
	for _, doc := range docs {
		out = append(out, fromTaskDoc(doc))
	}
	return out, nil
}

func toTaskDoc(t domain.AcquisitionTask) taskDoc {
	items := make([]itemDoc, 0, len(t.Request.Items))
	for _, item := range t.Request.Items {
		items = append(items, itemDoc{URL: item.URL, Title: item.Title})
	}
	tracks := make([]trackDoc, 0, len(t.Tracks))
	for _, track := range t.Tracks {
		tracks = append(tracks, trackDoc{
			Index:     track.Index,
			URL:       track.URL,
			Title:     track.Title,
			Status:    string(track.Status),
			Progress:  track.Progress,
			Error:     track.Error,
			ContentID: track.ContentID,
			Playlist:  track.PlaylistURL,
			UpdatedAt: unixMilli(track.UpdatedAt),
		})
	}
	c := t.Request.Classification
	return taskDoc{
		ID:       t.ID,
		Items:    items,
		Category: string(t.Request.Category),
		Classification: classificationDoc{
			CategoryID: c.CategoryID,
			Artist:     c.Artist,
			TagIDs:     append([]int64(nil), c.TagIDs...),
			AgeMin:     c.AgeMin,
			AgeMax:     c.AgeMax,
		},
		Status:          string(t.Status),
		Tracks:          tracks,
		CompletedCount:  t.CompletedCount,
		FailedCount:     t.FailedCount,
		SkippedCount:    t.SkippedCount,
		CancelledCount:  t.CancelledCount,
		TotalCount:      t.TotalCount,
		Error:           t.Error,
		CancelRequested: t.CancelRequested,
		CreatedAt:       unixMilli(t.CreatedAt),
		UpdatedAt:       unixMilli(t.UpdatedAt),
	}
}

func fromTaskDoc(doc taskDoc) domain.AcquisitionTask {
	items := make([]domain.AcquisitionItem, 0, len(doc.Items))
	for _, item := range doc.Items {
		items = append(items, domain.AcquisitionItem{URL: item.URL, Title: item.Title})
	}
	tracks := make([]domain.TrackProgress, 0, len(doc.Tracks))
	for _, track := range doc.Tracks {
		tracks = append(tracks, domain.TrackProgress{
			Index:       track.Index,
			URL:         track.URL,
			Title:       track.Title,
			Status:      domain.TrackStatus(track.Status),
			Progress:    track.Progress,
			Error:       track.Error,
			ContentID:   track.ContentID,
			PlaylistURL: track.Playlist,
			UpdatedAt:   timeFromUnixMilli(track.UpdatedAt),
		})
	}
	return domain.AcquisitionTask{
		ID: doc.ID,
		Request: domain.AcquisitionRequest{
			Items:    items,
			Category: domain.Category(doc.Category),
			Classification: domain.Classification{
				CategoryID: doc.Classification.CategoryID,
				Artist:     doc.Classification.Artist,
				TagIDs:     doc.Classification.TagIDs,
				AgeMin:     doc.Classification.AgeMin,
				AgeMax:     doc.Classification.AgeMax,
			},
		},
		Status:          domain.TaskStatus(doc.Status),
		Tracks:          tracks,
		CompletedCount:  doc.CompletedCount,
		FailedCount:     doc.FailedCount,
		SkippedCount:    doc.SkippedCount,
		CancelledCount:  doc.CancelledCount,
		TotalCount:      doc.TotalCount,
		Error:           doc.Error,
		CancelRequested: doc.CancelRequested,
		CreatedAt:       timeFromUnixMilli(doc.CreatedAt),
		UpdatedAt:       timeFromUnixMilli(doc.UpdatedAt),
	}
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func timeFromUnixMilli(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}
