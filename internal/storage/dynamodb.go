package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	logx "alertrelay/pkg/logx"
)

// DynamoDB item layout: partition key alert_key (S), sort key destination (S),
// status (S), message_id (S), updated_at (N, unix millis).
const (
	attrKey       = "alert_key"
	attrDest      = "destination"
	attrStatus    = "status"
	attrMessageID = "message_id"
	attrUpdatedAt = "updated_at"
)

type dynamoRecord map[string]*dynamodb.AttributeValue

func mkDynamoString(v string) *dynamodb.AttributeValue {
	return &dynamodb.AttributeValue{S: aws.String(v)}
}

func mkDynamoMillis(t time.Time) *dynamodb.AttributeValue {
	return &dynamodb.AttributeValue{N: aws.String(strconv.FormatInt(t.UnixMilli(), 10))}
}

func serializeRecordToDynamo(r Record) dynamoRecord {
	return dynamoRecord{
		attrKey:       mkDynamoString(r.AlertKey),
		attrDest:      mkDynamoString(r.Destination),
		attrStatus:    mkDynamoString(r.Status),
		attrMessageID: mkDynamoString(r.MessageID),
		attrUpdatedAt: mkDynamoMillis(r.UpdatedAt),
	}
}

func deserializeRecordFromDynamo(item dynamoRecord) (Record, error) {
	str := func(name string) string {
		if v, ok := item[name]; ok && v != nil && v.S != nil {
			return *v.S
		}
		return ""
	}
	r := Record{
		AlertKey:    str(attrKey),
		Destination: str(attrDest),
		Status:      str(attrStatus),
		MessageID:   str(attrMessageID),
	}
	if v, ok := item[attrUpdatedAt]; ok && v != nil && v.N != nil {
		ms, err := strconv.ParseInt(*v.N, 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("bad %s: %w", attrUpdatedAt, err)
		}
		r.UpdatedAt = time.UnixMilli(ms)
	}
	if r.AlertKey == "" || r.Destination == "" {
		return Record{}, errors.New("dynamodb item missing key attributes")
	}
	return r, nil
}

func recordKey(alertKey, destination string) dynamoRecord {
	return dynamoRecord{attrKey: mkDynamoString(alertKey), attrDest: mkDynamoString(destination)}
}

func isConditionalCheckFailed(err error) bool {
	var ae awserr.Error
	return errors.As(err, &ae) && ae.Code() == dynamodb.ErrCodeConditionalCheckFailedException
}

type dynamoStore struct {
	svc   dynamodbiface.DynamoDBAPI
	table string
	log   logx.Logger
}

func openDynamo(cfg Config, log logx.Logger) (Store, error) {
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		return nil, errors.New("storage.table is required for dynamodb driver")
	}
	awsCfg := aws.NewConfig()
	if r := strings.TrimSpace(cfg.Region); r != "" {
		awsCfg = awsCfg.WithRegion(r)
	}
	if ep := strings.TrimSpace(cfg.Endpoint); ep != "" {
		awsCfg = awsCfg.WithEndpoint(ep)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, err
	}
	log.Info("dynamodb store opened", logx.String("table", table))
	return newDynamoStore(dynamodb.New(sess), table, log), nil
}

func newDynamoStore(svc dynamodbiface.DynamoDBAPI, table string, log logx.Logger) *dynamoStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &dynamoStore{svc: svc, table: table, log: log}
}

func (s *dynamoStore) Get(ctx context.Context, alertKey, destination string) (Record, bool, error) {
	out, err := s.svc.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            recordKey(alertKey, destination),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Record{}, false, err
	}
	if len(out.Item) == 0 {
		return Record{}, false, nil
	}
	r, err := deserializeRecordFromDynamo(out.Item)
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

func (s *dynamoStore) Put(ctx context.Context, r Record) error {
	if err := validRecord(r); err != nil {
		return err
	}
	_, err := s.svc.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      serializeRecordToDynamo(r),
	})
	return err
}

func (s *dynamoStore) Delete(ctx context.Context, alertKey, destination string) error {
	_, err := s.svc.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 recordKey(alertKey, destination),
		ConditionExpression: aws.String("attribute_exists(" + attrKey + ")"),
	})
	if isConditionalCheckFailed(err) {
		return ErrNotFound
	}
	return err
}

func (s *dynamoStore) scan(ctx context.Context, in *dynamodb.ScanInput) ([]Record, error) {
	var (
		out       []Record
		decodeErr error
	)
	err := s.svc.ScanPagesWithContext(ctx, in, func(page *dynamodb.ScanOutput, _ bool) bool {
		for _, item := range page.Items {
			r, err := deserializeRecordFromDynamo(item)
			if err != nil {
				decodeErr = err
				return false
			}
			out = append(out, r)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, decodeErr
}

func (s *dynamoStore) List(ctx context.Context, f Filter) ([]Record, error) {
	in := &dynamodb.ScanInput{TableName: aws.String(s.table)}
	var (
		conds  []string
		names  = map[string]*string{}
		values = dynamoRecord{}
	)
	if f.Destination != "" {
		conds = append(conds, "#d = :d")
		names["#d"] = aws.String(attrDest)
		values[":d"] = mkDynamoString(f.Destination)
	}
	if f.Status != "" {
		// "status" is a DynamoDB reserved word.
		conds = append(conds, "#s = :s")
		names["#s"] = aws.String(attrStatus)
		values[":s"] = mkDynamoString(f.Status)
	}
	if len(conds) > 0 {
		in.FilterExpression = aws.String(strings.Join(conds, " AND "))
		in.ExpressionAttributeNames = names
		in.ExpressionAttributeValues = values
	}
	recs, err := s.scan(ctx, in)
	if err != nil {
		return nil, err
	}
	sortRecords(recs)
	return limitRecords(recs, f.Limit), nil
}

func (s *dynamoStore) PruneResolved(ctx context.Context, before time.Time) (int, error) {
	cond := "#s = :r AND " + attrUpdatedAt + " < :b"
	names := map[string]*string{"#s": aws.String(attrStatus)}
	values := dynamoRecord{
		":r": mkDynamoString(StatusResolved),
		":b": mkDynamoMillis(before),
	}
	recs, err := s.scan(ctx, &dynamodb.ScanInput{
		TableName:                 aws.String(s.table),
		FilterExpression:          aws.String(cond),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		// Re-check the condition on delete so a record that re-fired since the scan survives.
		_, err := s.svc.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
			TableName:                 aws.String(s.table),
			Key:                       recordKey(r.AlertKey, r.Destination),
			ConditionExpression:       aws.String(cond),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		})
		if isConditionalCheckFailed(err) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *dynamoStore) Ping(ctx context.Context) error {
	_, err := s.svc.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	return err
}

func (s *dynamoStore) Close() error { return nil }
