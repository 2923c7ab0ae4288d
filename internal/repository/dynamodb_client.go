package repository

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

	"dbconsole-agent/internal/domain"
)

const (
	skState      = "STATE"
	skPrefixTurn = "TURN#"
	ttlDuration  = 30 * 24 * time.Hour

	// DynamoDB accepts at most 100 actions per transaction; one is the state item.
	maxTurnsPerSave = 99

	// maxEmbeddedTurns bounds the turns copied into the STATE item so long
	// sessions stay under the 400 KB item limit. The full log is in TURN# items.
	maxEmbeddedTurns = 50
)

var (
	ErrNotFound = domain.ErrNotFound
	ErrConflict = domain.ErrConflict
)

// dynamodbAPI is the subset of *dynamodb.Client used by DynamoStore.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore keeps sessions in a single table. Each session is one
// partition: a STATE item holding the versioned workflow state and one
// TURN#<seq> item per transcript entry.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName, now: time.Now}, nil
}

func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

// turnSK orders turns by their position in the transcript.
func turnSK(seq int) string {
	return fmt.Sprintf("%s%08d", skPrefixTurn, seq)
}

func (s *DynamoStore) ttlValue() int64 {
	return s.now().Add(ttlDuration).Unix()
}

func (s *DynamoStore) CreateSession(ctx context.Context, sess domain.Session) error {
	item, err := s.stateItem(sess)
	if err != nil {
		return fmt.Errorf("repository: CreateSession: %w", err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: CreateSession: %w", mapConditionError(err))
	}
	return nil
}

func (s *DynamoStore) GetSession(ctx context.Context, id string) (domain.Session, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(id)},
			"SK": &types.AttributeValueMemberS{Value: skState},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: GetSession get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Session{}, fmt.Errorf("repository: GetSession %q: %w", id, ErrNotFound)
	}
	sess, err := itemToSession(out.Item)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: GetSession decode: %w", err)
	}
	return sess, nil
}

// SaveSession replaces the state item if its stored version is
// sess.Version-1 and appends newTurns, all in one transaction.
func (s *DynamoStore) SaveSession(ctx context.Context, sess domain.Session, newTurns []domain.Turn) error {
	if len(newTurns) > maxTurnsPerSave {
		return fmt.Errorf("repository: SaveSession: %d turns exceed the per-save limit", len(newTurns))
	}
	item, err := s.stateItem(sess)
	if err != nil {
		return fmt.Errorf("repository: SaveSession: %w", err)
	}
	statePut := &types.Put{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("version = :prev"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prev": &types.AttributeValueMemberN{Value: strconv.Itoa(sess.Version - 1)},
		},
	}

	if len(newTurns) == 0 {
		_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 statePut.TableName,
			Item:                      statePut.Item,
			ConditionExpression:       statePut.ConditionExpression,
			ExpressionAttributeValues: statePut.ExpressionAttributeValues,
		})
		if err != nil {
			return fmt.Errorf("repository: SaveSession: %w", mapConditionError(err))
		}
		return nil
	}

	items := []types.TransactWriteItem{{Put: statePut}}
	base := sess.State.TurnOffset + len(sess.State.Turns) - len(newTurns)
	for i, t := range newTurns {
		ti, err := s.turnItem(sess.ID, base+i, t)
		if err != nil {
			return fmt.Errorf("repository: SaveSession: %w", err)
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:           aws.String(s.tableName),
			Item:                ti,
			ConditionExpression: aws.String("attribute_not_exists(SK)"),
		}})
	}
	if _, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return fmt.Errorf("repository: SaveSession: %w", mapConditionError(err))
	}
	return nil
}

// ListTurns returns the newest limit turns in chronological order.
func (s *DynamoStore) ListTurns(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		// Newest first so the limit keeps the most recent turns.
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := s.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: ListTurns query: %w", err)
	}
	turns := make([]domain.Turn, 0, len(out.Items))
	for _, item := range out.Items {
		t, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListTurns unmarshal: %w", err)
		}
		turns = append(turns, t)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *DynamoStore) stateItem(sess domain.Session) (map[string]types.AttributeValue, error) {
	if strings.TrimSpace(sess.ID) == "" {
		return nil, errors.New("session id is required")
	}
	state, err := json.Marshal(embeddedState(sess.State))
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: sessionPK(sess.ID)},
		"SK":         &types.AttributeValueMemberS{Value: skState},
		"sessionId":  &types.AttributeValueMemberS{Value: sess.ID},
		"workflowId": &types.AttributeValueMemberS{Value: sess.WorkflowID},
		"version":    &types.AttributeValueMemberN{Value: strconv.Itoa(sess.Version)},
		"state":      &types.AttributeValueMemberS{Value: string(state)},
		"updatedAt":  &types.AttributeValueMemberS{Value: sess.UpdatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":        &types.AttributeValueMemberN{Value: strconv.FormatInt(s.ttlValue(), 10)},
	}, nil
}

// embeddedState keeps the newest maxEmbeddedTurns turns and moves the rest
// into TurnOffset.
func embeddedState(st domain.WorkflowState) domain.WorkflowState {
	if drop := len(st.Turns) - maxEmbeddedTurns; drop > 0 {
		st.Turns = st.Turns[drop:]
		st.TurnOffset += drop
	}
	return st
}

func (s *DynamoStore) turnItem(sessionID string, seq int, t domain.Turn) (map[string]types.AttributeValue, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal turn: %w", err)
	}
	return map[string]types.AttributeValue{
		"PK":   &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		"SK":   &types.AttributeValueMemberS{Value: turnSK(seq)},
		"role": &types.AttributeValueMemberS{Value: string(t.Role)},
		"turn": &types.AttributeValueMemberS{Value: string(body)},
		"ttl":  &types.AttributeValueMemberN{Value: strconv.FormatInt(s.ttlValue(), 10)},
	}, nil
}

func itemToSession(item map[string]types.AttributeValue) (domain.Session, error) {
	id, err := strAttr(item, "sessionId")
	if err != nil {
		return domain.Session{}, err
	}
	workflowID, err := strAttr(item, "workflowId")
	if err != nil {
		return domain.Session{}, err
	}
	version, err := intAttr(item, "version")
	if err != nil {
		return domain.Session{}, err
	}
	rawState, err := strAttr(item, "state")
	if err != nil {
		return domain.Session{}, err
	}
	var state domain.WorkflowState
	if err := json.Unmarshal([]byte(rawState), &state); err != nil {
		return domain.Session{}, fmt.Errorf("repository: decode state: %w", err)
	}
	sess := domain.Session{ID: id, WorkflowID: workflowID, Version: version, State: state}
	if ts, err := strAttr(item, "updatedAt"); err == nil {
		sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return sess, nil
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	raw, err := strAttr(item, "turn")
	if err != nil {
		return domain.Turn{}, err
	}
	var t domain.Turn
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return domain.Turn{}, fmt.Errorf("repository: decode turn: %w", err)
	}
	return t, nil
}

// mapConditionError turns a failed condition check into ErrConflict.
func mapConditionError(err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, r := range tce.CancellationReasons {
			if aws.ToString(r.Code) == "ConditionalCheckFailed" {
				return fmt.Errorf("%w: %v", ErrConflict, err)
			}
		}
	}
	return err
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
