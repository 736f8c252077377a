package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"supply-agent/internal/domain"
)

const (
	skMeta      = "META"
	skPrefixMsg = "MSG#"
	gsiName     = "GSI1"

	// maxTransactItems is the DynamoDB limit on items per transaction.
	maxTransactItems = 100
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoClient.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoClient stores suppliers and conversations in a single DynamoDB table
// keyed by PK/SK, with a GSI1 index over supplier status.
type DynamoClient struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
	newID     func() string
}

// NewDynamo creates a DynamoDB-backed store.
func NewDynamo(api dynamodbAPI, tableName string) (*DynamoClient, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoClient{
		api:       api,
		tableName: tableName,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}, nil
}

func supplierPK(id string) string {
	return "SUPPLIER#" + id
}

func convPK(threadID string) string {
	return "CONV#" + threadID
}

// msgSK orders messages by their 1-based sequence number.
func msgSK(seq int) string {
	return fmt.Sprintf("%s%06d", skPrefixMsg, seq)
}

func statusGSI(s domain.SupplierStatus) string {
	return "STATUS#" + string(s)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// InsertSuppliers stores every record with status pending and returns them
// with IDs and timestamps assigned. Records are written in transactions of up
// to 100 items; an empty list writes nothing.
func (c *DynamoClient) InsertSuppliers(ctx context.Context, runID string, suppliers []domain.SupplierRecord) ([]domain.SupplierRecord, error) {
	if len(suppliers) == 0 {
		return nil, nil
	}
	now := c.now()
	out := make([]domain.SupplierRecord, 0, len(suppliers))
	for _, s := range suppliers {
		s.ID = c.newID()
		s.RunID = runID
		s.Status = domain.StatusPending
		s.ThreadID = ""
		s.CreatedAt = now
		s.UpdatedAt = now
		out = append(out, s)
	}

	for start := 0; start < len(out); start += maxTransactItems {
		end := min(start+maxTransactItems, len(out))
		items := make([]types.TransactWriteItem, 0, end-start)
		for _, s := range out[start:end] {
			items = append(items, types.TransactWriteItem{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                supplierItem(s),
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			})
		}
		if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
			return nil, fmt.Errorf("repository: InsertSuppliers: %w", err)
		}
	}
	return out, nil
}

// GetSupplier returns the supplier with id or ErrNotFound.
func (c *DynamoClient) GetSupplier(ctx context.Context, id string) (domain.SupplierRecord, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(supplierPK(id), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.SupplierRecord{}, fmt.Errorf("repository: GetSupplier get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.SupplierRecord{}, ErrNotFound
	}
	s, err := itemToSupplier(out.Item)
	if err != nil {
		return domain.SupplierRecord{}, fmt.Errorf("repository: GetSupplier decode: %w", err)
	}
	return s, nil
}

// ListSuppliers returns suppliers in creation order, optionally filtered by
// status. An empty status lists every supplier.
func (c *DynamoClient) ListSuppliers(ctx context.Context, status domain.SupplierStatus) ([]domain.SupplierRecord, error) {
	statuses := domain.Statuses()
	if status != "" {
		if !status.Valid() {
			return nil, fmt.Errorf("repository: ListSuppliers: unknown status %q", status)
		}
		statuses = []domain.SupplierStatus{status}
	}

	var out []domain.SupplierRecord
	for _, s := range statuses {
		in := &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			IndexName:              aws.String(gsiName),
			KeyConditionExpression: aws.String("GSI1PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: statusGSI(s)},
			},
		}
		for {
			page, err := c.api.Query(ctx, in)
			if err != nil {
				return nil, fmt.Errorf("repository: ListSuppliers query: %w", err)
			}
			for _, item := range page.Items {
				rec, err := itemToSupplier(item)
				if err != nil {
					return nil, fmt.Errorf("repository: ListSuppliers decode: %w", err)
				}
				out = append(out, rec)
			}
			if len(page.LastEvaluatedKey) == 0 {
				break
			}
			in.ExclusiveStartKey = page.LastEvaluatedKey
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateStatus moves a supplier to status, atomically rejecting transitions
// the outreach state machine does not allow.
func (c *DynamoClient) UpdateStatus(ctx context.Context, id string, status domain.SupplierStatus) error {
	if !status.Valid() {
		return fmt.Errorf("repository: UpdateStatus: unknown status %q", status)
	}
	from := domain.Predecessors(status)
	if len(from) == 0 {
		return fmt.Errorf("repository: UpdateStatus %s -> %s: %w", id, status, ErrInvalidTransition)
	}

	values := map[string]types.AttributeValue{
		":to":  &types.AttributeValueMemberS{Value: string(status)},
		":gsi": &types.AttributeValueMemberS{Value: statusGSI(status)},
		":now": &types.AttributeValueMemberS{Value: formatTime(c.now())},
	}
	placeholders := make([]string, 0, len(from))
	for i, s := range from {
		p := ":p" + strconv.Itoa(i)
		placeholders = append(placeholders, p)
		values[p] = &types.AttributeValueMemberS{Value: string(s)}
	}

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       key(supplierPK(id), skMeta),
		UpdateExpression:          aws.String("SET #status = :to, GSI1PK = :gsi, updatedAt = :now"),
		ConditionExpression:       aws.String("attribute_exists(PK) AND #status IN (" + strings.Join(placeholders, ", ") + ")"),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
	})
	if err == nil {
		return nil
	}
	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return fmt.Errorf("repository: UpdateStatus: %w", err)
	}
	current, getErr := c.GetSupplier(ctx, id)
	if getErr != nil {
		return fmt.Errorf("repository: UpdateStatus %s: %w", id, getErr)
	}
	return fmt.Errorf("repository: UpdateStatus %s %s -> %s: %w", id, current.Status, status, ErrInvalidTransition)
}

// CreateConversation writes the conversation, its initial messages and the
// supplier's move to contacted in one transaction.
func (c *DynamoClient) CreateConversation(ctx context.Context, conv domain.ConversationRecord) error {
	if err := validateNewConversation(conv); err != nil {
		return fmt.Errorf("repository: CreateConversation: %w", err)
	}
	if len(conv.Messages)+2 > maxTransactItems {
		return fmt.Errorf("repository: CreateConversation: too many initial messages (%d)", len(conv.Messages))
	}
	created := conv.CreatedAt
	if created.IsZero() {
		created = c.now()
	}

	items := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                conversationMetaItem(conv.ThreadID, conv.SupplierID, len(conv.Messages), created),
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			},
		},
		{
			Update: &types.Update{
				TableName:                aws.String(c.tableName),
				Key:                      key(supplierPK(conv.SupplierID), skMeta),
				UpdateExpression:         aws.String("SET #status = :to, GSI1PK = :gsi, threadId = :thread, updatedAt = :now"),
				ConditionExpression:      aws.String("attribute_exists(PK) AND #status = :from"),
				ExpressionAttributeNames: map[string]string{"#status": "status"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":to":     &types.AttributeValueMemberS{Value: string(domain.StatusContacted)},
					":from":   &types.AttributeValueMemberS{Value: string(domain.StatusPending)},
					":gsi":    &types.AttributeValueMemberS{Value: statusGSI(domain.StatusContacted)},
					":thread": &types.AttributeValueMemberS{Value: conv.ThreadID},
					":now":    &types.AttributeValueMemberS{Value: formatTime(c.now())},
				},
			},
		},
	}
	for i, m := range conv.Messages {
		items = append(items, messagePut(c.tableName, conv.ThreadID, i+1, m))
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		return fmt.Errorf("repository: CreateConversation: %w", classifyCancellation(err, map[int]error{0: ErrConflict, 1: ErrInvalidTransition}))
	}
	return nil
}

// FindConversation loads a conversation and its messages in order, or
// returns ErrNotFound.
func (c *DynamoClient) FindConversation(ctx context.Context, threadID string) (domain.ConversationRecord, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(convPK(threadID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationRecord{}, fmt.Errorf("repository: FindConversation get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ConversationRecord{}, ErrNotFound
	}
	supplierID, err := strAttr(out.Item, "supplierId")
	if err != nil {
		return domain.ConversationRecord{}, fmt.Errorf("repository: FindConversation decode: %w", err)
	}
	created, err := timeAttr(out.Item, "createdAt")
	if err != nil {
		return domain.ConversationRecord{}, fmt.Errorf("repository: FindConversation decode: %w", err)
	}

	count, err := intAttr(out.Item, "messageCount")
	if err != nil {
		return domain.ConversationRecord{}, fmt.Errorf("repository: FindConversation decode: %w", err)
	}

	conv := domain.ConversationRecord{
		ThreadID:   threadID,
		SupplierID: supplierID,
		CreatedAt:  created,
		Messages:   make([]domain.Message, 0, count),
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(threadID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}
	for {
		page, err := c.api.Query(ctx, in)
		if err != nil {
			return domain.ConversationRecord{}, fmt.Errorf("repository: FindConversation query: %w", err)
		}
		for _, item := range page.Items {
			msg, err := itemToMessage(item)
			if err != nil {
				return domain.ConversationRecord{}, fmt.Errorf("repository: FindConversation unmarshal: %w", err)
			}
			conv.Messages = append(conv.Messages, msg)
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
	return conv, nil
}

// AppendMessages adds msgs after the known messages of a thread. The write
// is rejected with ErrConflict when the stored message count is no longer
// known, so concurrent appends to one thread never interleave.
func (c *DynamoClient) AppendMessages(ctx context.Context, threadID string, known int, msgs ...domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if len(msgs)+1 > maxTransactItems {
		return fmt.Errorf("repository: AppendMessages: too many messages (%d)", len(msgs))
	}
	items := []types.TransactWriteItem{
		{
			Update: &types.Update{
				TableName:           aws.String(c.tableName),
				Key:                 key(convPK(threadID), skMeta),
				UpdateExpression:    aws.String("SET messageCount = :next, lastActivity = :now"),
				ConditionExpression: aws.String("attribute_exists(PK) AND messageCount = :known"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":known": &types.AttributeValueMemberN{Value: strconv.Itoa(known)},
					":next":  &types.AttributeValueMemberN{Value: strconv.Itoa(known + len(msgs))},
					":now":   &types.AttributeValueMemberS{Value: formatTime(c.now())},
				},
			},
		},
	}
	for i, m := range msgs {
		items = append(items, messagePut(c.tableName, threadID, known+i+1, m))
	}
	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		return fmt.Errorf("repository: AppendMessages: %w", classifyCancellation(err, map[int]error{0: ErrConflict}))
	}
	return nil
}

// classifyCancellation maps a condition failure on a transaction item to the
// sentinel registered for that item's index.
func classifyCancellation(err error, byIndex map[int]error) error {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return err
	}
	for i, reason := range tce.CancellationReasons {
		if aws.ToString(reason.Code) != "ConditionalCheckFailed" {
			continue
		}
		if sentinel, ok := byIndex[i]; ok {
			return fmt.Errorf("%w: %s", sentinel, err.Error())
		}
	}
	return err
}

func validateNewConversation(conv domain.ConversationRecord) error {
	if strings.TrimSpace(conv.ThreadID) == "" {
		return errors.New("thread id is required")
	}
	if strings.TrimSpace(conv.SupplierID) == "" {
		return errors.New("supplier id is required")
	}
	if len(conv.Messages) == 0 {
		return errors.New("conversation needs its first message")
	}
	if conv.Messages[0].Role != domain.RoleModel {
		return domain.ErrRoleOrder
	}
	return nil
}

func supplierItem(s domain.SupplierRecord) map[string]types.AttributeValue {
	item := key(supplierPK(s.ID), skMeta)
	item["entity"] = &types.AttributeValueMemberS{Value: "supplier"}
	item["id"] = &types.AttributeValueMemberS{Value: s.ID}
	item["runId"] = &types.AttributeValueMemberS{Value: s.RunID}
	item["companyName"] = &types.AttributeValueMemberS{Value: s.CompanyName}
	item["email"] = &types.AttributeValueMemberS{Value: s.Email}
	item["productName"] = &types.AttributeValueMemberS{Value: s.ProductName}
	item["status"] = &types.AttributeValueMemberS{Value: string(s.Status)}
	item["createdAt"] = &types.AttributeValueMemberS{Value: formatTime(s.CreatedAt)}
	item["updatedAt"] = &types.AttributeValueMemberS{Value: formatTime(s.UpdatedAt)}
	item["GSI1PK"] = &types.AttributeValueMemberS{Value: statusGSI(s.Status)}
	item["GSI1SK"] = &types.AttributeValueMemberS{Value: formatTime(s.CreatedAt) + "#" + s.ID}
	if s.ThreadID != "" {
		item["threadId"] = &types.AttributeValueMemberS{Value: s.ThreadID}
	}
	return item
}

func conversationMetaItem(threadID, supplierID string, count int, created time.Time) map[string]types.AttributeValue {
	item := key(convPK(threadID), skMeta)
	item["entity"] = &types.AttributeValueMemberS{Value: "conversation"}
	item["threadId"] = &types.AttributeValueMemberS{Value: threadID}
	item["supplierId"] = &types.AttributeValueMemberS{Value: supplierID}
	item["messageCount"] = &types.AttributeValueMemberN{Value: strconv.Itoa(count)}
	item["createdAt"] = &types.AttributeValueMemberS{Value: formatTime(created)}
	item["lastActivity"] = &types.AttributeValueMemberS{Value: formatTime(created)}
	return item
}

func messagePut(table, threadID string, seq int, m domain.Message) types.TransactWriteItem {
	item := key(convPK(threadID), msgSK(seq))
	item["role"] = &types.AttributeValueMemberS{Value: string(m.Role)}
	item["content"] = &types.AttributeValueMemberS{Value: m.Content}
	item["at"] = &types.AttributeValueMemberS{Value: formatTime(m.At)}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(table),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
		},
	}
}

func itemToSupplier(item map[string]types.AttributeValue) (domain.SupplierRecord, error) {
	var (
		s   domain.SupplierRecord
		err error
	)
	if s.ID, err = strAttr(item, "id"); err != nil {
		return s, err
	}
	if s.CompanyName, err = strAttr(item, "companyName"); err != nil {
		return s, err
	}
	if s.Email, err = strAttr(item, "email"); err != nil {
		return s, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return s, err
	}
	if s.Status, err = domain.ParseStatus(status); err != nil {
		return s, err
	}
	if s.CreatedAt, err = timeAttr(item, "createdAt"); err != nil {
		return s, err
	}
	s.ProductName, _ = strAttr(item, "productName") // allow empty
	s.RunID, _ = strAttr(item, "runId")
	s.ThreadID, _ = strAttr(item, "threadId")
	s.UpdatedAt, _ = timeAttr(item, "updatedAt")
	return s, nil
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	if !domain.MessageRole(role).Valid() {
		return domain.Message{}, fmt.Errorf("repository: unknown message role %q", role)
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	at, _ := timeAttr(item, "at")
	return domain.Message{Role: domain.MessageRole(role), Content: content, At: at}, nil
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

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	raw, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
