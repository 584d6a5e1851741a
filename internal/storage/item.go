package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// Item is one row of the table. Entity payloads travel in Data as JSON;
// Status and Count are lifted out so conditions and atomic adds can address
// them without decoding.
type Item struct {
	PK     string
	SK     string
	GSI1PK string
	GSI1SK string
	GSI2PK string
	GSI2SK string

	Status    string
	Count     int64
	Data      []byte
	Version   int64
	ExpiresAt int64 // unix seconds, 0 means the row never expires
	UpdatedAt time.Time
}

// NewItem builds an item whose Data is the JSON encoding of v.
func NewItem(pk, sk string, v any) (*Item, error) {
	it := &Item{PK: pk, SK: sk}
	if v != nil {
		if err := it.Encode(v); err != nil {
			return nil, err
		}
	}
	return it, nil
}

func (it *Item) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", it.PK, it.SK, err)
	}
	it.Data = data
	return nil
}

func (it *Item) Decode(v any) error {
	if len(it.Data) == 0 {
		return fmt.Errorf("decode %s/%s: empty payload", it.PK, it.SK)
	}
	if err := json.Unmarshal(it.Data, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", it.PK, it.SK, err)
	}
	return nil
}

// ExpireAt sets the expiry from a wall-clock time. The zero time clears it.
func (it *Item) ExpireAt(t time.Time) {
	if t.IsZero() {
		it.ExpiresAt = 0
		return
	}
	it.ExpiresAt = t.Unix()
}

// Expired reports whether the row is past its expiry at now.
func (it *Item) Expired(now time.Time) bool {
	return it.ExpiresAt != 0 && it.ExpiresAt <= now.Unix()
}

func (it *Item) clone() *Item {
	c := *it
	if it.Data != nil {
		c.Data = append([]byte(nil), it.Data...)
	}
	return &c
}

func (it *Item) indexKeys(idx Index) (string, string) {
	switch idx {
	case IndexGSI1:
		return it.GSI1PK, it.GSI1SK
	case IndexGSI2:
		return it.GSI2PK, it.GSI2SK
	}
	return it.PK, it.SK
}
