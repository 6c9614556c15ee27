package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"codelab/internal/models"
)

// ErrNotFound is returned when no session matches the given room id (or it
// is inactive where the operation requires an active one).
var ErrNotFound = errors.New("session not found")

// SessionRepo wraps the sessions collection.
type SessionRepo struct{ col *mongo.Collection }

// NewSessionRepo ensures a unique index on roomId.
func NewSessionRepo(c *Client, dbName, colName string) (*SessionRepo, error) {
	db, err := c.DB(dbName)
	if err != nil {
		return nil, err
	}
	col := db.Collection(colName)
	r := &SessionRepo{col: col}

	_, _ = col.Indexes().CreateOne(context.Background(), mongo.IndexModel{
		Keys:    bson.M{"roomId": 1},
		Options: options.Index().SetUnique(true),
	})
	return r, nil
}

func (r *SessionRepo) Create(ctx context.Context, s *models.Session) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.Participants == nil {
		s.Participants = []string{}
	}
	if s.RaisedHands == nil {
		s.RaisedHands = []string{}
	}
	if s.CodeHistory == nil {
		s.CodeHistory = []models.CodeRevision{}
	}
	_, err := r.col.InsertOne(ctx, s)
	return err
}

func (r *SessionRepo) Get(ctx context.Context, roomID string) (*models.Session, error) {
	return r.findOne(ctx, bson.M{"roomId": roomID})
}

func (r *SessionRepo) GetActive(ctx context.Context, roomID string) (*models.Session, error) {
	return r.findOne(ctx, bson.M{"roomId": roomID, "isActive": true})
}

func (r *SessionRepo) findOne(ctx context.Context, filter bson.M) (*models.Session, error) {
	var s models.Session
	if err := r.col.FindOne(ctx, filter).Decode(&s); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// ListByCreator returns sessions created by userID, newest first.
func (r *SessionRepo) ListByCreator(ctx context.Context, userID string) ([]models.Session, error) {
	return r.find(ctx, bson.M{"createdBy": userID})
}

// ListByParticipant returns sessions userID has ever joined, newest first.
func (r *SessionRepo) ListByParticipant(ctx context.Context, userID string) ([]models.Session, error) {
	return r.find(ctx, bson.M{"participants": userID})
}

// ListActiveRaisedHands returns active sessions with at least one raised
// hand, newest first.
func (r *SessionRepo) ListActiveRaisedHands(ctx context.Context) ([]models.Session, error) {
	return r.find(ctx, bson.M{"isActive": true, "raisedHands": bson.M{"$ne": []string{}}})
}

func (r *SessionRepo) find(ctx context.Context, filter bson.M) ([]models.Session, error) {
	opts := options.Find().SetSort(bson.M{"createdAt": -1})
	cur, err := r.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.Session
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddParticipant appends userID to the participants set if absent. The set
// is append-only: nothing ever removes from it while the record exists.
func (r *SessionRepo) AddParticipant(ctx context.Context, roomID, userID string) error {
	return r.updateOne(ctx, bson.M{"roomId": roomID},
		bson.M{"$addToSet": bson.M{"participants": userID}})
}

// SaveCode sets the current code and appends a revision to the history.
func (r *SessionRepo) SaveCode(ctx context.Context, roomID, author, code string) error {
	rev := models.CodeRevision{Code: code, Author: author, Timestamp: time.Now().UTC()}
	return r.updateOne(ctx, bson.M{"roomId": roomID, "isActive": true},
		bson.M{
			"$set":  bson.M{"currentCode": code},
			"$push": bson.M{"codeHistory": rev},
		})
}

func (r *SessionRepo) SetLanguage(ctx context.Context, roomID, language string) error {
	return r.updateOne(ctx, bson.M{"roomId": roomID, "isActive": true},
		bson.M{"$set": bson.M{"language": language}})
}

func (r *SessionRepo) End(ctx context.Context, roomID string) error {
	now := time.Now().UTC()
	return r.updateOne(ctx, bson.M{"roomId": roomID},
		bson.M{"$set": bson.M{"isActive": false, "endedAt": now}})
}

func (r *SessionRepo) Delete(ctx context.Context, roomID string) error {
	res, err := r.col.DeleteOne(ctx, bson.M{"roomId": roomID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// RaiseHand is idempotent: an already-raised hand is not duplicated.
func (r *SessionRepo) RaiseHand(ctx context.Context, roomID, userID string) error {
	return r.updateOne(ctx, bson.M{"roomId": roomID, "isActive": true},
		bson.M{"$addToSet": bson.M{"raisedHands": userID}})
}

func (r *SessionRepo) LowerHand(ctx context.Context, roomID, userID string) error {
	return r.updateOne(ctx, bson.M{"roomId": roomID},
		bson.M{"$pull": bson.M{"raisedHands": userID}})
}

func (r *SessionRepo) updateOne(ctx context.Context, filter, update bson.M) error {
	res, err := r.col.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
