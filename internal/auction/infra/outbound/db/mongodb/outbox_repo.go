package mongodb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	sharedDomain "github.com/davicafu/auctionlab/internal/shared/domain"
)

// mongoOutboxEvent es un helper para mapear los documentos de la base de datos a un struct.
type mongoOutboxEvent struct {
	ID               string `bson:"_id"`
	Seq              int64  `bson:"seq"`
	AggregateType    string `bson:"aggregateType"`
	AggregateID      string `bson:"aggregateId"`
	AggregateVersion int64  `bson:"aggregateVersion"`
	EventType        string `bson:"eventType"`
	Payload          string `bson:"payload"`
	Status           string `bson:"status"`
	Attempts         int    `bson:"attempts"`
	LastError        string `bson:"lastError"`
	NextAttemptAt    int64  `bson:"nextAttemptAt"`
	ClaimToken       string `bson:"claimToken"`
	ClaimedUntil     int64  `bson:"claimedUntil"`
	CreatedAt        int64  `bson:"createdAt"`
	DeliveredAt      *int64 `bson:"deliveredAt"`
}

func fromMongoOutboxEvent(mo *mongoOutboxEvent) (sharedDomain.OutboxEvent, error) {
	id, err := uuid.Parse(mo.ID)
	if err != nil {
		return sharedDomain.OutboxEvent{}, fmt.Errorf("invalid UUID in outbox document: %w", err)
	}
	evt := sharedDomain.OutboxEvent{
		ID:               id,
		Sequence:         mo.Seq,
		AggregateType:    mo.AggregateType,
		AggregateID:      mo.AggregateID,
		AggregateVersion: mo.AggregateVersion,
		EventType:        mo.EventType,
		Payload:          json.RawMessage(mo.Payload),
		Status:           sharedDomain.OutboxStatus(mo.Status),
		Attempts:         mo.Attempts,
		LastError:        mo.LastError,
		NextAttemptAt:    fromMicros(mo.NextAttemptAt),
		ClaimToken:       mo.ClaimToken,
		ClaimedUntil:     fromMicros(mo.ClaimedUntil),
		CreatedAt:        fromMicros(mo.CreatedAt),
	}
	if mo.DeliveredAt != nil {
		t := fromMicros(*mo.DeliveredAt)
		evt.DeliveredAt = &t
	}
	return evt, nil
}

// nextSeq asigna la secuencia del outbox con un contador atómico.
func (s *Store) nextSeq(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.countersColl.FindOneAndUpdate(ctx,
		bson.M{"_id": "outbox"},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate outbox sequence: %w", err)
	}
	return counter.Seq, nil
}

func (s *Store) insertOutbox(ctx context.Context, evt sharedDomain.OutboxEvent) error {
	seq, err := s.nextSeq(ctx)
	if err != nil {
		return err
	}
	status := evt.Status
	if status == "" {
		status = sharedDomain.OutboxPending
	}
	_, err = s.outboxColl.InsertOne(ctx, &mongoOutboxEvent{
		ID:               evt.ID.String(),
		Seq:              seq,
		AggregateType:    evt.AggregateType,
		AggregateID:      evt.AggregateID,
		AggregateVersion: evt.AggregateVersion,
		EventType:        evt.EventType,
		Payload:          string(evt.Payload),
		Status:           string(status),
		Attempts:         evt.Attempts,
		LastError:        evt.LastError,
		NextAttemptAt:    toMicros(evt.NextAttemptAt),
		CreatedAt:        toMicros(evt.CreatedAt),
	})
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

func (s *Store) findOutbox(ctx context.Context, filter interface{}, opts *options.FindOptions) ([]sharedDomain.OutboxEvent, error) {
	cursor, err := s.outboxColl.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	events := make([]sharedDomain.OutboxEvent, 0)
	for cursor.Next(ctx) {
		var mo mongoOutboxEvent
		if err := cursor.Decode(&mo); err != nil {
			return nil, err
		}
		evt, err := fromMongoOutboxEvent(&mo)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, cursor.Err()
}

// claimScanFactor fija cuántas pendientes se leen por página respecto al lote.
const claimScanFactor = 4

// pendingPage devuelve la consulta de la siguiente página de pendientes tras afterSeq.
func pendingPage(afterSeq int64, window int) (bson.M, *options.FindOptions) {
	filter := bson.M{
		"status": string(sharedDomain.OutboxPending),
		"seq":    bson.M{"$gt": afterSeq},
	}
	return filter, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}).SetLimit(int64(window))
}

// ClaimPending recorre las pendientes en orden de secuencia, por páginas, y
// reclama cada una con un UpdateOne condicionado a que el lease siga libre.
// Si otra instancia gana la carrera, el agregado queda bloqueado para el resto del lote.
func (s *Store) ClaimPending(ctx context.Context, owner string, limit int, lease time.Duration) ([]sharedDomain.OutboxEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.now()
	nowMicros := toMicros(now)
	token := owner + ":" + uuid.NewString()
	window := limit * claimScanFactor

	blocked := make(map[string]bool)
	var claimed []sharedDomain.OutboxEvent
	var lastSeq int64
	for len(claimed) < limit {
		filter, opts := pendingPage(lastSeq, window)
		pending, err := s.findOutbox(ctx, filter, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch pending outbox events: %w", err)
		}

		for _, evt := range pending {
			lastSeq = evt.Sequence
			if len(claimed) >= limit {
				break
			}
			if blocked[evt.AggregateID] {
				continue
			}
			if toMicros(evt.NextAttemptAt) > nowMicros || toMicros(evt.ClaimedUntil) >= nowMicros {
				blocked[evt.AggregateID] = true
				continue
			}

			res, err := s.outboxColl.UpdateOne(ctx,
				bson.M{
					"_id":          evt.ID.String(),
					"status":       string(sharedDomain.OutboxPending),
					"claimedUntil": bson.M{"$lt": nowMicros},
				},
				bson.M{"$set": bson.M{"claimToken": token, "claimedUntil": toMicros(now.Add(lease))}},
			)
			if err != nil {
				return nil, fmt.Errorf("failed to lease outbox event %s: %w", evt.ID, err)
			}
			if res.ModifiedCount == 0 {
				blocked[evt.AggregateID] = true
				continue
			}
			evt.ClaimToken = token
			evt.ClaimedUntil = fromMicros(toMicros(now.Add(lease)))
			claimed = append(claimed, evt)
		}

		if len(pending) < window {
			break
		}
	}
	return claimed, nil
}

// transition aplica un cambio de estado condicionado al token del lote.
func (s *Store) transition(ctx context.Context, evt sharedDomain.OutboxEvent, set bson.M) error {
	if evt.ClaimToken == "" {
		return fmt.Errorf("outbox event %s: %w", evt.ID, sharedDomain.ErrOutboxClaimLost)
	}
	set["claimToken"] = ""
	set["claimedUntil"] = int64(0)

	res, err := s.outboxColl.UpdateOne(ctx,
		bson.M{"_id": evt.ID.String(), "claimToken": evt.ClaimToken},
		bson.M{"$set": set},
	)
	if err != nil {
		return fmt.Errorf("failed to update outbox event %s: %w", evt.ID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("outbox event %s: %w", evt.ID, sharedDomain.ErrOutboxClaimLost)
	}
	return nil
}

func (s *Store) MarkDelivered(ctx context.Context, evt sharedDomain.OutboxEvent) error {
	return s.transition(ctx, evt, bson.M{
		"status":      string(sharedDomain.OutboxDelivered),
		"deliveredAt": toMicros(s.now()),
	})
}

func (s *Store) MarkRetry(ctx context.Context, evt sharedDomain.OutboxEvent) error {
	return s.transition(ctx, evt, bson.M{
		"attempts":      evt.Attempts,
		"lastError":     evt.LastError,
		"nextAttemptAt": toMicros(evt.NextAttemptAt),
	})
}

func (s *Store) MarkFailed(ctx context.Context, evt sharedDomain.OutboxEvent) error {
	return s.transition(ctx, evt, bson.M{
		"status":    string(sharedDomain.OutboxFailed),
		"attempts":  evt.Attempts,
		"lastError": evt.LastError,
	})
}

func (s *Store) Release(ctx context.Context, evt sharedDomain.OutboxEvent) error {
	return s.transition(ctx, evt, bson.M{})
}

// --- Archivado e inspección ---

func (s *Store) FetchDelivered(ctx context.Context, before time.Time, limit int) ([]sharedDomain.OutboxEvent, error) {
	return s.findOutbox(ctx,
		bson.M{"status": string(sharedDomain.OutboxDelivered), "deliveredAt": bson.M{"$lt": toMicros(before)}},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}).SetLimit(int64(limit)),
	)
}

func (s *Store) PurgeOutbox(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	strIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		strIDs = append(strIDs, id.String())
	}
	res, err := s.outboxColl.DeleteMany(ctx, bson.M{
		"_id":    bson.M{"$in": strIDs},
		"status": string(sharedDomain.OutboxDelivered),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *Store) ListOutbox(ctx context.Context, f sharedDomain.OutboxFilter) ([]sharedDomain.OutboxEvent, error) {
	filter := bson.M{}
	if f.AggregateID != "" {
		filter["aggregateId"] = f.AggregateID
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	return s.findOutbox(ctx, filter, opts)
}

// Verificación en tiempo de compilación.
var (
	_ sharedDomain.OutboxRepository        = (*Store)(nil)
	_ sharedDomain.OutboxArchiveRepository = (*Store)(nil)
	_ sharedDomain.OutboxQueryRepository   = (*Store)(nil)
)
