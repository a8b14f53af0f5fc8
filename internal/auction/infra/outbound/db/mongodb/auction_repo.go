package mongodb

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	// --- Importaciones del dominio y compartidas ---
	auctionDomain "github.com/davicafu/auctionlab/internal/auction/domain"
	sharedDomain "github.com/davicafu/auctionlab/internal/shared/domain"
	sharedQuery "github.com/davicafu/auctionlab/internal/shared/infra/platform/query"
)

// Store implementa AuctionRepository y los repositorios del outbox para MongoDB.
// Requiere un replica set: subasta y evento se escriben en una transacción multi-documento.
type Store struct {
	client       *mongo.Client
	auctionsColl *mongo.Collection
	outboxColl   *mongo.Collection
	countersColl *mongo.Collection
	now          func() time.Time
}

// NewStore es el constructor del repositorio.
func NewStore(ctx context.Context, client *mongo.Client, dbName string) (*Store, error) {
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("could not ping mongoDB: %w", err)
	}

	db := client.Database(dbName)
	s := &Store{
		client:       client,
		auctionsColl: db.Collection("auctions"),
		outboxColl:   db.Collection("outbox"),
		countersColl: db.Collection("counters"),
		now:          time.Now,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.auctionsColl.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "seller", Value: 1}}},
		{Keys: bson.D{{Key: "updatedAt", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("failed to create auction indexes: %w", err)
	}
	if _, err := s.outboxColl.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "seq", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "aggregateId", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "claimToken", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("failed to create outbox indexes: %w", err)
	}
	return nil
}

// --- Structs de BSON para el mapeo ---
// Se definen localmente para no "contaminar" el dominio con tags de BSON.
// Los instantes se guardan como microsegundos Unix, igual que en los stores SQL.

type mongoAuction struct {
	ID             string `bson:"_id,omitempty"`
	Seller         string `bson:"seller"`
	Winner         string `bson:"winner"`
	Make           string `bson:"make"`
	Model          string `bson:"model"`
	Year           int    `bson:"year"`
	Color          string `bson:"color"`
	Mileage        int    `bson:"mileage"`
	ImageURL       string `bson:"imageUrl"`
	ReservePrice   int    `bson:"reservePrice"`
	CurrentHighBid *int   `bson:"currentHighBid"`
	SoldAmount     *int   `bson:"soldAmount"`
	AuctionStart   int64  `bson:"auctionStart"`
	AuctionEnd     int64  `bson:"auctionEnd"`
	Status         string `bson:"status"`
	Version        int64  `bson:"version"`
	CreatedAt      int64  `bson:"createdAt"`
	UpdatedAt      int64  `bson:"updatedAt"`
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMicro()
}

func fromMicros(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

func toMongoAuction(a *auctionDomain.Auction) *mongoAuction {
	c := a.Clone()
	return &mongoAuction{
		ID: c.ID.String(), Seller: c.Seller, Winner: c.Winner,
		Make: c.Item.Make, Model: c.Item.Model, Year: c.Item.Year, Color: c.Item.Color,
		Mileage: c.Item.Mileage, ImageURL: c.Item.ImageURL,
		ReservePrice: c.ReservePrice, CurrentHighBid: c.CurrentHighBid, SoldAmount: c.SoldAmount,
		AuctionStart: toMicros(c.AuctionStart), AuctionEnd: toMicros(c.AuctionEnd),
		Status: string(c.Status), Version: c.Version,
		CreatedAt: toMicros(c.CreatedAt), UpdatedAt: toMicros(c.UpdatedAt),
	}
}

func fromMongoAuction(ma *mongoAuction) (*auctionDomain.Auction, error) {
	id, err := uuid.Parse(ma.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid UUID in mongo document: %w", err)
	}
	return &auctionDomain.Auction{
		ID: id, Seller: ma.Seller, Winner: ma.Winner,
		Item: auctionDomain.Item{
			Make: ma.Make, Model: ma.Model, Year: ma.Year, Color: ma.Color,
			Mileage: ma.Mileage, ImageURL: ma.ImageURL,
		},
		ReservePrice: ma.ReservePrice, CurrentHighBid: ma.CurrentHighBid, SoldAmount: ma.SoldAmount,
		AuctionStart: fromMicros(ma.AuctionStart), AuctionEnd: fromMicros(ma.AuctionEnd),
		Status: auctionDomain.AuctionStatus(ma.Status), Version: ma.Version,
		CreatedAt: fromMicros(ma.CreatedAt), UpdatedAt: fromMicros(ma.UpdatedAt),
	}, nil
}

// --- CRUD Transaccional ---

func (s *Store) withTransaction(ctx context.Context, fn func(sessCtx mongo.SessionContext) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return nil, fn(sessCtx)
	})
	return err
}

func (s *Store) Create(ctx context.Context, a *auctionDomain.Auction, evt sharedDomain.OutboxEvent) error {
	// La transacción asegura que ambas inserciones (subasta y evento) sean atómicas.
	return s.withTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		if _, err := s.auctionsColl.InsertOne(sessCtx, toMongoAuction(a)); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return auctionDomain.ErrAuctionAlreadyExists
			}
			return err
		}
		return s.insertOutbox(sessCtx, evt)
	})
}

func (s *Store) Update(ctx context.Context, a *auctionDomain.Auction, evt sharedDomain.OutboxEvent) error {
	return s.withTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		ma := toMongoAuction(a)
		set := *ma
		set.ID = "" // _id es inmutable; omitempty lo deja fuera del $set
		res, err := s.auctionsColl.UpdateOne(sessCtx,
			bson.M{"_id": ma.ID, "version": a.Version - 1},
			bson.M{"$set": set},
		)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return s.casMiss(sessCtx, ma.ID)
		}
		return s.insertOutbox(sessCtx, evt)
	})
}

func (s *Store) DeleteByID(ctx context.Context, id uuid.UUID, expectedVersion int64, evt sharedDomain.OutboxEvent) error {
	return s.withTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		res, err := s.auctionsColl.DeleteOne(sessCtx, bson.M{"_id": id.String(), "version": expectedVersion})
		if err != nil {
			return err
		}
		if res.DeletedCount == 0 {
			return s.casMiss(sessCtx, id.String())
		}
		return s.insertOutbox(sessCtx, evt)
	})
}

// casMiss distingue entre subasta inexistente y versión obsoleta.
func (s *Store) casMiss(ctx context.Context, id string) error {
	n, err := s.auctionsColl.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if n == 0 {
		return auctionDomain.ErrAuctionNotFound
	}
	return auctionDomain.ErrConcurrencyConflict
}

// --- Lectura ---

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*auctionDomain.Auction, error) {
	var ma mongoAuction
	err := s.auctionsColl.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&ma)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, auctionDomain.ErrAuctionNotFound
		}
		return nil, err
	}
	return fromMongoAuction(&ma)
}

func (s *Store) ListByCriteria(ctx context.Context, criteria sharedDomain.Criteria, pagination sharedQuery.Pagination, sort sharedQuery.Sort) ([]*auctionDomain.Auction, error) {
	filter, err := criteriaToMongoFilter(criteria)
	if err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(sortToMongo(sort))

	// Paginación
	if p, ok := pagination.(sharedQuery.OffsetPagination); ok {
		if p.Offset > 0 {
			opts.SetSkip(int64(p.Offset))
		}
		if p.Limit > 0 {
			opts.SetLimit(int64(p.Limit))
		}
	}

	cursor, err := s.auctionsColl.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	auctions := make([]*auctionDomain.Auction, 0)
	for cursor.Next(ctx) {
		var ma mongoAuction
		if err := cursor.Decode(&ma); err != nil {
			return nil, err
		}
		a, err := fromMongoAuction(&ma)
		if err != nil {
			return nil, err
		}
		auctions = append(auctions, a)
	}
	return auctions, cursor.Err()
}

// --- Helpers de Mapeo y Conversión ---

// mongoFields traduce los nombres neutrales de campo a las claves BSON.
var mongoFields = map[string]string{
	"seller":        "seller",
	"status":        "status",
	"created_at":    "createdAt",
	"updated_at":    "updatedAt",
	"auction_start": "auctionStart",
	"auction_end":   "auctionEnd",
	"reserve_price": "reservePrice",
	"make":          "make",
}

func sortToMongo(sort sharedQuery.Sort) bson.D {
	sort = auctionDomain.NormalizeSort(sort)
	dir := 1 // Ascendente por defecto
	if sort.Desc {
		dir = -1
	}
	return bson.D{{Key: mongoFields[sort.Field], Value: dir}, {Key: "_id", Value: 1}}
}

func criteriaToMongoFilter(criteria sharedDomain.Criteria) (bson.D, error) {
	filter := bson.D{}
	for _, c := range sharedDomain.Conditions(criteria) {
		key, ok := mongoFields[c.Field]
		if !ok {
			return nil, fmt.Errorf("unsupported filter field %q", c.Field)
		}
		value := c.Value
		if t, ok := value.(time.Time); ok {
			value = toMicros(t)
		}

		// Mapeo de operadores genéricos a operadores de MongoDB
		var mongoOp string
		switch c.Op {
		case sharedDomain.OpEq:
			mongoOp = "$eq"
		case sharedDomain.OpGt:
			mongoOp = "$gt"
		case sharedDomain.OpGte:
			mongoOp = "$gte"
		case sharedDomain.OpLt:
			mongoOp = "$lt"
		case sharedDomain.OpLte:
			mongoOp = "$lte"
		case sharedDomain.OpEqFold:
			// Igualdad exacta sin distinguir mayúsculas: regex anclada con la opción 'i'
			str, _ := value.(string)
			filter = append(filter, bson.E{Key: key, Value: bson.M{
				"$regex":   "^" + regexp.QuoteMeta(str) + "$",
				"$options": "i",
			}})
			continue
		default:
			return nil, fmt.Errorf("unsupported operator %q", c.Op)
		}
		filter = append(filter, bson.E{Key: key, Value: bson.M{mongoOp: value}})
	}
	return filter, nil
}

// Verificación en tiempo de compilación.
var _ auctionDomain.AuctionRepository = (*Store)(nil)
