package processing

import (
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
)

func TestParseArrivalEvents(t *testing.T) {
	created := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name        string
		msg         *pubsub.Message
		want        []ArrivalEvent
		expectError bool
	}{
		{
			name: "gcs finalize",
			msg: &pubsub.Message{
				Attributes: map[string]string{
					"eventType": "OBJECT_FINALIZE",
					"bucketId":  "intake",
					"objectId":  "2026/10/19/abc-report.pdf",
				},
				Data: []byte(`{"name":"2026/10/19/abc-report.pdf","bucket":"intake","size":"2048","timeCreated":"2026-10-19T09:00:00Z"}`),
			},
			want: []ArrivalEvent{{Bucket: "intake", Key: "2026/10/19/abc-report.pdf", Size: 2048, EventTime: created}},
		},
		{
			name: "gcs delete ignored",
			msg: &pubsub.Message{
				Attributes: map[string]string{"eventType": "OBJECT_DELETE", "bucketId": "intake", "objectId": "k"},
				Data:       []byte(`{}`),
			},
		},
		{
			name: "gcs bad size",
			msg: &pubsub.Message{
				Attributes: map[string]string{"eventType": "OBJECT_FINALIZE", "bucketId": "intake", "objectId": "k"},
				Data:       []byte(`{"size":"lots"}`),
			},
			expectError: true,
		},
		{
			name: "s3 records",
			msg: &pubsub.Message{Data: []byte(`{"Records":[
				{"eventName":"s3:ObjectCreated:Put","eventTime":"2026-10-19T09:00:00Z","s3":{"bucket":{"name":"intake"},"object":{"key":"2026/10/19/abc-my+report.pdf","size":12}}},
				{"eventName":"s3:ObjectRemoved:Delete","s3":{"bucket":{"name":"intake"},"object":{"key":"gone"}}}
			]}`)},
			want: []ArrivalEvent{{Bucket: "intake", Key: "2026/10/19/abc-my report.pdf", Size: 12, EventTime: created}},
		},
		{
			name: "generic",
			msg:  &pubsub.Message{Data: []byte(`{"bucket":"intake","objectKey":"2026/10/19/abc-a.txt","size":5,"eventTime":"2026-10-19T09:00:00Z"}`)},
			want: []ArrivalEvent{{Bucket: "intake", Key: "2026/10/19/abc-a.txt", Size: 5, EventTime: created}},
		},
		{
			name:        "generic missing key",
			msg:         &pubsub.Message{Data: []byte(`{"bucket":"intake"}`)},
			expectError: true,
		},
		{
			name:        "malformed",
			msg:         &pubsub.Message{Data: []byte("{not json")},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseArrivalEvents(tt.msg)
			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseArrivalEvents error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d events, want %d: %+v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i].Bucket != tt.want[i].Bucket || got[i].Key != tt.want[i].Key || got[i].Size != tt.want[i].Size {
					t.Fatalf("event %d = %+v, want %+v", i, got[i], tt.want[i])
				}
				if !got[i].EventTime.Equal(tt.want[i].EventTime) {
					t.Fatalf("event %d time = %v, want %v", i, got[i].EventTime, tt.want[i].EventTime)
				}
			}
		})
	}
}

func TestEncodeArrivalEvent(t *testing.T) {
	ev := ArrivalEvent{Bucket: "intake", Key: "2026/10/19/x-a.txt", Size: 3, EventTime: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
	raw, err := EncodeArrivalEvent(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := ParseArrivalEvents(&pubsub.Message{Data: raw})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 1 || got[0].Key != ev.Key || got[0].Size != 3 {
		t.Fatalf("unexpected events: %+v", got)
	}
}
