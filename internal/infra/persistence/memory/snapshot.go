package memory

import (
	"encoding/json"
	"fmt"
)

// Snapshot buckets persisted by the durable backends, one row per bucket.
const (
	BucketTemplates = "templates"
	BucketLinks     = "links"
	BucketCounters  = "counters"
)

// Buckets lists the snapshot buckets in persistence order.
var Buckets = []string{BucketTemplates, BucketLinks, BucketCounters}

type counters struct {
	NextTemplateID TemplateID `json:"next_template_id"`
	NextLinkID     LinkID     `json:"next_link_id"`
}

// EncodeBuckets renders the snapshot as JSON payloads keyed by bucket.
func (s Snapshot) EncodeBuckets() (map[string][]byte, error) {
	out := make(map[string][]byte, len(Buckets))
	for _, bucket := range Buckets {
		var (
			data []byte
			err  error
		)
		switch bucket {
		case BucketTemplates:
			data, err = json.Marshal(s.Templates)
		case BucketLinks:
			data, err = json.Marshal(s.Links)
		case BucketCounters:
			data, err = json.Marshal(counters{NextTemplateID: s.NextTemplateID, NextLinkID: s.NextLinkID})
		}
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", bucket, err)
		}
		out[bucket] = data
	}
	return out, nil
}

// DecodeBuckets rebuilds a snapshot from bucket payloads. Unknown buckets
// and empty payloads are ignored.
func DecodeBuckets(payloads map[string][]byte) (Snapshot, error) {
	var snapshot Snapshot
	for bucket, payload := range payloads {
		if len(payload) == 0 {
			continue
		}
		var err error
		switch bucket {
		case BucketTemplates:
			err = json.Unmarshal(payload, &snapshot.Templates)
		case BucketLinks:
			err = json.Unmarshal(payload, &snapshot.Links)
		case BucketCounters:
			var c counters
			if err = json.Unmarshal(payload, &c); err == nil {
				snapshot.NextTemplateID = c.NextTemplateID
				snapshot.NextLinkID = c.NextLinkID
			}
		default:
			continue
		}
		if err != nil {
			return Snapshot{}, fmt.Errorf("decode %s: %w", bucket, err)
		}
	}
	return snapshot, nil
}
