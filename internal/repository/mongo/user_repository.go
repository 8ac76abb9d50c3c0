package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"avatar-cache/internal/domain"
	"avatar-cache/internal/repository"
)

const usersCollection = "users"

type userDocument struct {
	ID         string    `bson:"_id"`
	Name       string    `bson:"name"`
	Email      string    `bson:"email"`
	Avatar     string    `bson:"avatar,omitempty"`
	AvatarHash *string   `bson:"avatarHash"`
	CreatedAt  time.Time `bson:"createdAt"`
	UpdatedAt  time.Time `bson:"updatedAt"`
}

func toDocument(u *domain.User) userDocument {
	return userDocument{
		ID:         u.ID,
		Name:       u.Name,
		Email:      u.Email,
		Avatar:     u.Avatar,
		AvatarHash: u.AvatarHash,
		CreatedAt:  u.CreatedAt,
		UpdatedAt:  u.UpdatedAt,
	}
}

func (d userDocument) toDomain() domain.User {
	return domain.User{
		ID:         d.ID,
		Name:       d.Name,
		Email:      d.Email,
		Avatar:     d.Avatar,
		AvatarHash: d.AvatarHash,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

// UserRepository stores user records in a Mongo collection keyed by user id.
type UserRepository struct {
	collection *mongo.Collection
}

func NewUserRepository(db *mongo.Database) repository.UserRepository {
	return &UserRepository{collection: db.Collection(usersCollection)}
}

func (r *UserRepository) Init(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "createdAt", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create users index: %w", err)
	}
	return nil
}

func (r *UserRepository) Create(ctx context.Context, user *domain.User) error {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	if _, err := r.collection.InsertOne(ctx, toDocument(user)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("user %s: %w", user.ID, repository.ErrDuplicate)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *UserRepository) Get(ctx context.Context, id string) (*domain.User, error) {
	var doc userDocument
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	user := doc.toDomain()
	return &user, nil
}

func (r *UserRepository) List(ctx context.Context) ([]domain.User, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []userDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}

	users := make([]domain.User, len(docs))
	for i := range docs {
		users[i] = docs[i].toDomain()
	}
	return users, nil
}

func (r *UserRepository) UpdateAvatarHash(ctx context.Context, id string, hash *string) error {
	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"avatarHash": hash, "updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("update avatar hash: %w", err)
	}
	if res.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *UserRepository) Delete(ctx context.Context, id string) error {
	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if res.DeletedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *UserRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.collection.Database().Client().Disconnect(ctx)
}
