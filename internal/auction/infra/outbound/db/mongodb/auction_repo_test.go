package mongodb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	auctionDomain "github.com/davicafu/auctionlab/internal/auction/domain"
	sharedDomain "github.com/davicafu/auctionlab/internal/shared/domain"
	sharedQuery "github.com/davicafu/auctionlab/internal/shared/infra/platform/query"
)

func TestCriteriaToMongoFilter(t *testing.T) {
	after := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	crit := sharedDomain.And(
		auctionDomain.SellerCriteria{Seller: "a.b", Fold: true},
		auctionDomain.UpdatedAfterCriteria{After: after},
	)

	filter, err := criteriaToMongoFilter(crit)
	require.NoError(t, err)
	require.Len(t, filter, 2)

	assert.Equal(t, "seller", filter[0].Key)
	assert.Equal(t, bson.M{"$regex": `^a\.b$`, "$options": "i"}, filter[0].Value)

	assert.Equal(t, "updatedAt", filter[1].Key)
	assert.Equal(t, bson.M{"$gt": after.UnixMicro()}, filter[1].Value)
}

func TestCriteriaToMongoFilter_EmptyAndUnknown(t *testing.T) {
	filter, err := criteriaToMongoFilter(nil)
	require.NoError(t, err)
	assert.Empty(t, filter)

	_, err = criteriaToMongoFilter(unknownCriteria{})
	assert.Error(t, err)
}

func TestSortToMongo(t *testing.T) {
	assert.Equal(t, bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}, sortToMongo(sharedQuery.Sort{}))
	assert.Equal(t, bson.D{{Key: "auctionEnd", Value: -1}, {Key: "_id", Value: 1}}, sortToMongo(sharedQuery.Sort{Field: "auction_end", Desc: true}))
}

func TestMongoAuctionRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	bid := 42
	a := &auctionDomain.Auction{
		Seller:         "alice",
		Item:           auctionDomain.Item{Make: "Ford", Model: "GT", Year: 2020, Color: "White"},
		CurrentHighBid: &bid,
		AuctionStart:   now,
		AuctionEnd:     now.Add(time.Hour),
		Status:         auctionDomain.StatusLive,
		Version:        3,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	got, err := fromMongoAuction(toMongoAuction(a))
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

type unknownCriteria struct{}

func (unknownCriteria) ToConditions() []sharedDomain.Criterion {
	return []sharedDomain.Criterion{{Field: "password", Op: sharedDomain.OpEq, Value: "x"}}
}

func TestPendingPage_IsBoundedAndResumesAfterSeq(t *testing.T) {
	filter, opts := pendingPage(42, 40)

	assert.Equal(t, string(sharedDomain.OutboxPending), filter["status"])
	assert.Equal(t, bson.M{"$gt": int64(42)}, filter["seq"])
	require.NotNil(t, opts.Limit)
	assert.Equal(t, int64(40), *opts.Limit)
	assert.Equal(t, bson.D{{Key: "seq", Value: 1}}, opts.Sort)
}
