package processing

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/aws/aws-lambda-go/events"
)

// ArrivalEvent reports that an object was created in a bucket.
type ArrivalEvent struct {
	Bucket    string
	Key       string
	Size      int64
	EventTime time.Time
}

// genericEvent is the backend-neutral arrival payload.
type genericEvent struct {
	Bucket    string    `json:"bucket"`
	ObjectKey string    `json:"objectKey"`
	Size      int64     `json:"size"`
	EventTime time.Time `json:"eventTime"`
}

// gcsObject is the subset of a Cloud Storage object resource carried in
// bucket notifications. Size is a decimal string in that resource.
type gcsObject struct {
	Name        string    `json:"name"`
	Bucket      string    `json:"bucket"`
	Size        string    `json:"size"`
	TimeCreated time.Time `json:"timeCreated"`
}

// ParseArrivalEvents decodes a message in any supported format. A valid
// message that does not announce an object creation yields no events.
func ParseArrivalEvents(msg *pubsub.Message) ([]ArrivalEvent, error) {
	if eventType, ok := msg.Attributes["eventType"]; ok {
		return parseGCS(eventType, msg)
	}

	var probe struct {
		Records json.RawMessage `json:"Records"`
	}
	if err := json.Unmarshal(msg.Data, &probe); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if len(probe.Records) > 0 {
		return parseS3(msg.Data)
	}
	return parseGeneric(msg.Data)
}

func parseGCS(eventType string, msg *pubsub.Message) ([]ArrivalEvent, error) {
	if eventType != "OBJECT_FINALIZE" {
		return nil, nil
	}
	var obj gcsObject
	if err := json.Unmarshal(msg.Data, &obj); err != nil {
		return nil, fmt.Errorf("unmarshal gcs object: %w", err)
	}
	bucket := firstNonEmpty(msg.Attributes["bucketId"], obj.Bucket)
	key := firstNonEmpty(msg.Attributes["objectId"], obj.Name)
	if bucket == "" || key == "" {
		return nil, errors.New("gcs notification missing bucket or object")
	}
	var size int64
	if obj.Size != "" {
		n, err := strconv.ParseInt(obj.Size, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("gcs object size: %w", err)
		}
		size = n
	}
	at := obj.TimeCreated
	if t, err := time.Parse(time.RFC3339Nano, msg.Attributes["eventTime"]); err == nil {
		at = t
	}
	return []ArrivalEvent{{Bucket: bucket, Key: key, Size: size, EventTime: at}}, nil
}

func parseS3(raw []byte) ([]ArrivalEvent, error) {
	var ev events.S3Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal s3 event: %w", err)
	}
	var out []ArrivalEvent
	for _, rec := range ev.Records {
		// AWS uses "ObjectCreated:Put"; MinIO prefixes it with "s3:".
		if !strings.HasPrefix(strings.TrimPrefix(rec.EventName, "s3:"), "ObjectCreated:") {
			continue
		}
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("s3 object key: %w", err)
		}
		if rec.S3.Bucket.Name == "" || key == "" {
			return nil, errors.New("s3 record missing bucket or key")
		}
		out = append(out, ArrivalEvent{
			Bucket:    rec.S3.Bucket.Name,
			Key:       key,
			Size:      rec.S3.Object.Size,
			EventTime: rec.EventTime,
		})
	}
	return out, nil
}

func parseGeneric(raw []byte) ([]ArrivalEvent, error) {
	var ev genericEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if ev.Bucket == "" || ev.ObjectKey == "" {
		return nil, errors.New("missing bucket or objectKey field")
	}
	return []ArrivalEvent{{Bucket: ev.Bucket, Key: ev.ObjectKey, Size: ev.Size, EventTime: ev.EventTime}}, nil
}

// EncodeArrivalEvent renders ev in the generic format.
func EncodeArrivalEvent(ev ArrivalEvent) ([]byte, error) {
	return json.Marshal(genericEvent{Bucket: ev.Bucket, ObjectKey: ev.Key, Size: ev.Size, EventTime: ev.EventTime})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
