// Package dynamo stores conversations in a single DynamoDB table. It is the
// alternative to the SQLite conversation repository (STORE_BACKEND=dynamodb);
// balances and the ledger always stay in SQL.
//
// Item layout (one item per conversation):
//
//	PK  = "CONV#<kind>#<subject>#<account:id|guest:id>"
//	SK  = "META#"
//	id, kind, subjectId, accountId, guestId, turns (JSON), turnCount,
//	scores (JSON), nextPrompt, status, version, claimToken, claimedUntil
//	(unix ms), createdAt, updatedAt (RFC3339Nano)
//
// Claims and commits are conditional UpdateItem calls, so the same lease and
// optimistic-version rules as the SQL store hold. Errors are reported with
// the repo sentinels (repo.ErrNotFound, repo.ErrDuplicate,
// repo.ErrClaimHeld, repo.ErrVersionConflict).
package dynamo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/tbourn/deepdive-relay/internal/domain"
	"github.com/tbourn/deepdive-relay/internal/repo"
)

const (
	skMeta = "META#"

	// GuestIndex is the GSI (partition key guestId) used to find a guest's
	// conversations during migration.
	GuestIndex = "guestId-index"
)

// dynamodbAPI is the minimal DynamoDB interface required by Store.
// *dynamodb.Client satisfies it.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store wraps a DynamoDB table holding conversation state.
type Store struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a Store for tableName.
func New(api dynamodbAPI, tableName string) (*Store, error) {
	if api == nil {
		return nil, errors.New("dynamo: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamo: table name must not be empty")
	}
	return &Store{api: api, tableName: tableName, now: time.Now}, nil
}

// convPK returns the partition key for the conversation (kind, subject, owner).
func convPK(kind, subjectID string, owner domain.Identity) string {
	return "CONV#" + kind + "#" + subjectID + "#" + owner.String()
}

func keyOf(c *domain.Conversation) map[string]types.AttributeValue {
	owner := domain.Identity{AccountID: c.AccountID, GuestID: c.GuestID}
	return key(convPK(c.Kind, c.SubjectID, owner))
}

func key(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// Find returns the conversation for (kind, subject, owner), or
// repo.ErrNotFound.
func (s *Store) Find(ctx context.Context, kind, subjectID string, owner domain.Identity) (*domain.Conversation, error) {
	return s.get(ctx, convPK(kind, subjectID, owner))
}

func (s *Store) get(ctx context.Context, pk string) (*domain.Conversation, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(pk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, repo.ErrNotFound
	}
	c, err := itemToConversation(out.Item)
	if err != nil {
		return nil, fmt.Errorf("dynamo: decode item: %w", err)
	}
	return c, nil
}

// Create writes an empty in_progress conversation. repo.ErrDuplicate is
// returned when one already exists for the key.
func (s *Store) Create(ctx context.Context, kind, subjectID string, owner domain.Identity) (*domain.Conversation, error) {
	if !owner.Valid() {
		return nil, errors.New("dynamo: conversation owner must be exactly one of account or guest")
	}
	now := s.now().UTC()
	c := &domain.Conversation{
		ID:        uuid.NewString(),
		Kind:      kind,
		SubjectID: subjectID,
		AccountID: owner.AccountID,
		GuestID:   owner.GuestID,
		Turns:     datatypes.NewJSONSlice([]domain.Turn{}),
		Scores:    datatypes.NewJSONType(domain.Scores{}),
		Status:    domain.StatusInProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}
	item, err := conversationItem(c)
	if err != nil {
		return nil, err
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, repo.ErrDuplicate
		}
		return nil, fmt.Errorf("dynamo: create: %w", err)
	}
	return c, nil
}

// Claim leases c for token until now+lease. It returns the row as stored
// after the update, repo.ErrClaimHeld when another live lease exists, or
// repo.ErrNotFound when the item is gone.
func (s *Store) Claim(ctx context.Context, c *domain.Conversation, token string, lease time.Duration, now time.Time) (*domain.Conversation, error) {
	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 keyOf(c),
		ConditionExpression: aws.String("attribute_exists(PK) AND (attribute_not_exists(claimToken) OR claimedUntil < :now)"),
		UpdateExpression:    aws.String("SET claimToken = :tok, claimedUntil = :until, version = version + :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":   numAttr(now.UnixMilli()),
			":until": numAttr(now.Add(lease).UnixMilli()),
			":tok":   &types.AttributeValueMemberS{Value: token},
			":one":   numAttr(1),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			owner := domain.Identity{AccountID: c.AccountID, GuestID: c.GuestID}
			if _, gerr := s.Find(ctx, c.Kind, c.SubjectID, owner); gerr != nil {
				return nil, gerr
			}
			return nil, repo.ErrClaimHeld
		}
		return nil, fmt.Errorf("dynamo: claim: %w", err)
	}
	claimed, err := itemToConversation(out.Attributes)
	if err != nil {
		return nil, fmt.Errorf("dynamo: decode claim: %w", err)
	}
	return claimed, nil
}

// Commit persists {turns, turnCount, scores, nextPrompt, status, updatedAt}
// in one conditional update guarded by version and claim token, and clears
// the lease. repo.ErrVersionConflict is returned when the guard fails.
func (s *Store) Commit(ctx context.Context, c *domain.Conversation, token string) error {
	turns, err := json.Marshal(c.Turns)
	if err != nil {
		return fmt.Errorf("dynamo: encode turns: %w", err)
	}
	scores, err := json.Marshal(c.Scores.Data())
	if err != nil {
		return fmt.Errorf("dynamo: encode scores: %w", err)
	}
	now := s.now().UTC()

	set := []string{
		"turns = :turns", "turnCount = :tc", "scores = :scores",
		"#st = :status", "updatedAt = :upd", "version = version + :one",
	}
	remove := []string{"claimToken", "claimedUntil"}
	values := map[string]types.AttributeValue{
		":turns":  &types.AttributeValueMemberS{Value: string(turns)},
		":tc":     numAttr(int64(c.TurnCount)),
		":scores": &types.AttributeValueMemberS{Value: string(scores)},
		":status": &types.AttributeValueMemberS{Value: c.Status},
		":upd":    &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		":one":    numAttr(1),
		":v":      numAttr(c.Version),
		":tok":    &types.AttributeValueMemberS{Value: token},
	}
	if c.NextPrompt != nil {
		set = append(set, "nextPrompt = :np")
		values[":np"] = &types.AttributeValueMemberS{Value: *c.NextPrompt}
	} else {
		remove = append(remove, "nextPrompt")
	}

	_, err = s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       keyOf(c),
		ConditionExpression:       aws.String("version = :v AND claimToken = :tok"),
		UpdateExpression:          aws.String("SET " + strings.Join(set, ", ") + " REMOVE " + strings.Join(remove, ", ")),
		ExpressionAttributeNames:  map[string]string{"#st": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionFailed(err) {
			return repo.ErrVersionConflict
		}
		return fmt.Errorf("dynamo: commit: %w", err)
	}
	c.Version++
	c.UpdatedAt = now
	c.ClaimToken = nil
	c.ClaimedUntil = nil
	return nil
}

// Release drops the lease held by token. A lease that is no longer held is
// not an error.
func (s *Store) Release(ctx context.Context, c *domain.Conversation, token string) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 keyOf(c),
		ConditionExpression: aws.String("claimToken = :tok"),
		UpdateExpression:    aws.String("REMOVE claimToken, claimedUntil"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tok": &types.AttributeValueMemberS{Value: token},
		},
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("dynamo: release: %w", err)
	}
	return nil
}

// ReassignGuest moves every conversation of guestID to accountID. Each move
// is a transaction that puts the item under the account key (only if the
// account has no conversation there yet) and deletes the guest item.
// Conflicting subjects stay with the guest. It returns the number moved.
func (s *Store) ReassignGuest(ctx context.Context, guestID, accountID string) (int64, error) {
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(GuestIndex),
		KeyConditionExpression: aws.String("guestId = :g"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":g": &types.AttributeValueMemberS{Value: guestID},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("dynamo: query guest conversations: %w", err)
	}

	var moved int64
	for _, item := range out.Items {
		c, err := itemToConversation(item)
		if err != nil {
			return moved, fmt.Errorf("dynamo: decode guest conversation: %w", err)
		}
		oldKey := keyOf(c)
		c.AccountID, c.GuestID = accountID, ""
		c.UpdatedAt = s.now().UTC()
		next, err := conversationItem(c)
		if err != nil {
			return moved, err
		}
		_, err = s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                next,
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				}},
				{Delete: &types.Delete{
					TableName: aws.String(s.tableName),
					Key:       oldKey,
				}},
			},
		})
		if err != nil {
			var tce *types.TransactionCanceledException
			if errors.As(err, &tce) {
				continue
			}
			return moved, fmt.Errorf("dynamo: reassign: %w", err)
		}
		moved++
	}
	return moved, nil
}

func conversationItem(c *domain.Conversation) (map[string]types.AttributeValue, error) {
	turns, err := json.Marshal(c.Turns)
	if err != nil {
		return nil, fmt.Errorf("dynamo: encode turns: %w", err)
	}
	scores, err := json.Marshal(c.Scores.Data())
	if err != nil {
		return nil, fmt.Errorf("dynamo: encode scores: %w", err)
	}
	owner := domain.Identity{AccountID: c.AccountID, GuestID: c.GuestID}
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: convPK(c.Kind, c.SubjectID, owner)},
		"SK":        &types.AttributeValueMemberS{Value: skMeta},
		"id":        &types.AttributeValueMemberS{Value: c.ID},
		"kind":      &types.AttributeValueMemberS{Value: c.Kind},
		"subjectId": &types.AttributeValueMemberS{Value: c.SubjectID},
		"turns":     &types.AttributeValueMemberS{Value: string(turns)},
		"turnCount": numAttr(int64(c.TurnCount)),
		"scores":    &types.AttributeValueMemberS{Value: string(scores)},
		"status":    &types.AttributeValueMemberS{Value: c.Status},
		"version":   numAttr(c.Version),
		"createdAt": &types.AttributeValueMemberS{Value: c.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"updatedAt": &types.AttributeValueMemberS{Value: c.UpdatedAt.UTC().Format(time.RFC3339Nano)},
	}
	// Empty strings cannot be GSI keys, so only the owning side is written.
	if c.AccountID != "" {
		item["accountId"] = &types.AttributeValueMemberS{Value: c.AccountID}
	}
	if c.GuestID != "" {
		item["guestId"] = &types.AttributeValueMemberS{Value: c.GuestID}
	}
	if c.NextPrompt != nil {
		item["nextPrompt"] = &types.AttributeValueMemberS{Value: *c.NextPrompt}
	}
	return item, nil
}

func itemToConversation(item map[string]types.AttributeValue) (*domain.Conversation, error) {
	c := &domain.Conversation{}
	var err error
	if c.ID, err = strAttr(item, "id"); err != nil {
		return nil, err
	}
	if c.Kind, err = strAttr(item, "kind"); err != nil {
		return nil, err
	}
	if c.SubjectID, err = strAttr(item, "subjectId"); err != nil {
		return nil, err
	}
	if c.Status, err = strAttr(item, "status"); err != nil {
		return nil, err
	}
	c.AccountID, _ = strAttr(item, "accountId") // owner side only
	c.GuestID, _ = strAttr(item, "guestId")

	tc, err := intAttr(item, "turnCount")
	if err != nil {
		return nil, err
	}
	c.TurnCount = int(tc)
	if c.Version, err = intAttr(item, "version"); err != nil {
		return nil, err
	}

	raw, err := strAttr(item, "turns")
	if err != nil {
		return nil, err
	}
	var turns []domain.Turn
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		return nil, fmt.Errorf("dynamo: attribute %q: %w", "turns", err)
	}
	c.Turns = datatypes.NewJSONSlice(turns)

	var scores domain.Scores
	if raw, err := strAttr(item, "scores"); err == nil {
		if err := json.Unmarshal([]byte(raw), &scores); err != nil {
			return nil, fmt.Errorf("dynamo: attribute %q: %w", "scores", err)
		}
	}
	c.Scores = datatypes.NewJSONType(scores)

	if np, err := strAttr(item, "nextPrompt"); err == nil {
		c.NextPrompt = &np
	}
	if tok, err := strAttr(item, "claimToken"); err == nil {
		c.ClaimToken = &tok
		if ms, err := intAttr(item, "claimedUntil"); err == nil {
			until := time.UnixMilli(ms).UTC()
			c.ClaimedUntil = &until
		}
	}
	c.CreatedAt = timeAttr(item, "createdAt")
	c.UpdatedAt = timeAttr(item, "updatedAt")
	return c, nil
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("dynamo: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("dynamo: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("dynamo: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("dynamo: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("dynamo: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) time.Time {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
