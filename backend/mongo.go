package backend

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo is the Store backed by a MongoDB database.
type Mongo struct {
	client   *mongo.Client
	accounts *mongo.Collection
	profiles *mongo.Collection
	books    *mongo.Collection
}

// accountDoc adds the password hash to the stored account.
type accountDoc struct {
	Account      `bson:",inline"`
	PasswordHash string `bson:"password_hash"`
}

// OpenMongo connects to uri, selects database and ensures the indexes.
func OpenMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	if database == "" {
		return nil, errors.New("mongo database name is required")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}

	db := client.Database(database)
	m := &Mongo{
		client:   client,
		accounts: db.Collection("accounts"),
		profiles: db.Collection("profiles"),
		books:    db.Collection("books"),
	}

	if _, err := m.accounts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("create account index: %w", err)
	}
	if _, err := m.books.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "seller_id", Value: 1}},
	}); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("create book index: %w", err)
	}
	return m, nil
}

func (m *Mongo) Close() error {
	return m.client.Disconnect(context.Background())
}

func (m *Mongo) CreateAccount(ctx context.Context, account Account, passwordHash string) (Account, error) {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	account.Email = strings.ToLower(account.Email)
	account.CreatedAt = time.Now().UTC()

	_, err := m.accounts.InsertOne(ctx, accountDoc{Account: account, PasswordHash: passwordHash})
	if mongo.IsDuplicateKeyError(err) {
		return Account{}, ErrEmailTaken
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

func (m *Mongo) AccountByEmail(ctx context.Context, email string) (Account, string, error) {
	var doc accountDoc
	err := m.accounts.FindOne(ctx, bson.M{"email": strings.ToLower(email)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Account{}, "", ErrNotFound
	}
	if err != nil {
		return Account{}, "", err
	}
	return doc.Account, doc.PasswordHash, nil
}

func (m *Mongo) Profile(ctx context.Context, id string) (Profile, error) {
	var p Profile
	err := m.profiles.FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Profile{}, ErrNotFound
	}
	return p, err
}

func (m *Mongo) UpsertProfile(ctx context.Context, p Profile) error {
	now := time.Now().UTC()
	_, err := m.profiles.UpdateOne(ctx,
		bson.M{"_id": p.ID},
		bson.M{
			"$set": bson.M{
				"name":              p.Name,
				"email":             p.Email,
				"phone":             p.Phone,
				"university":        p.University,
				"major":             p.Major,
				"profile_image_url": p.ImageURL,
				"updated_at":        now,
			},
			"$setOnInsert": bson.M{"created_at": now},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (m *Mongo) Books(ctx context.Context, filter BookFilter) ([]Book, error) {
	q := bson.M{}
	if filter.SellerID != "" {
		q["seller_id"] = filter.SellerID
	}
	if filter.Query != "" {
		pattern := bson.M{"$regex": regexp.QuoteMeta(filter.Query), "$options": "i"}
		q["$or"] = bson.A{
			bson.M{"title": pattern},
			bson.M{"author": pattern},
			bson.M{"subject": pattern},
		}
	}
	findOptions := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter.Limit > 0 {
		findOptions.SetLimit(int64(filter.Limit))
	}

	cursor, err := m.books.Find(ctx, q, findOptions)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var books []Book
	if err := cursor.All(ctx, &books); err != nil {
		return nil, err
	}
	return books, nil
}

func (m *Mongo) CreateBook(ctx context.Context, b Book) (Book, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	if _, err := m.books.InsertOne(ctx, b); err != nil {
		return Book{}, err
	}
	return b, nil
}
