// Package bboltstore persists channel metadata, promotional message
// templates, and account records in a single bbolt file, one bucket per
// concern. Values are JSON; keys are the natural ids (channel id, client
// id), which keeps bucket scans ordered and cheap.
package bboltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"promofleet/internal/domain/promotion/ports"
)

const (
	channelsBucket  = "channels"
	templatesBucket = "templates"
	accountsBucket  = "accounts"

	templatesKey = "promoteMsgs"

	dbOpenTimeout             = time.Second
	dbFileMode    os.FileMode = 0o600
)

var bucketNames = [][]byte{
	[]byte(channelsBucket),
	[]byte(templatesBucket),
	[]byte(accountsBucket),
}

// channelRecord is the on-disk shape of one channel.
type channelRecord struct {
	ChannelID         string   `json:"channelId"`
	Title             string   `json:"title"`
	Username          string   `json:"username,omitempty"`
	ParticipantsCount int      `json:"participantsCount"`
	Broadcast         bool     `json:"broadcast"`
	Restricted        bool     `json:"restricted"`
	CanSendMsgs       bool     `json:"canSendMsgs"`
	AvailableMsgs     []string `json:"availableMsgs"`
	Banned            bool     `json:"banned"`
	LastMessageTime   int64    `json:"lastMessageTime"`
	WordRestriction   int      `json:"wordRestriction"`
}

// accountRecord is the on-disk shape of one managed account.
type accountRecord struct {
	ClientID       string   `json:"clientId"`
	PromoteMobiles []string `json:"promoteMobile"`
	DaysLeft       int      `json:"daysLeft"`
	Expired        bool     `json:"expired"`
}

// DB owns the bbolt file and hands out the per-concern store views.
type DB struct {
	db *bbolt.DB
}

// Open opens (or creates) the database at path and ensures all buckets
// exist.
func Open(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, fmt.Errorf("bboltstore: db path is empty")
	}
	if dir := filepath.Dir(p); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("bboltstore: ensure dir %q: %w", dir, err)
		}
	}

	db, err := bbolt.Open(p, dbFileMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("bboltstore: open db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range bucketNames {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bboltstore: create buckets: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the underlying database file.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Channels returns the ChannelStore view.
func (d *DB) Channels() *Channels { return &Channels{db: d.db} }

// Templates returns the TemplateStore view.
func (d *DB) Templates() *Templates { return &Templates{db: d.db} }

// Accounts returns the AccountStore view.
func (d *DB) Accounts() *Accounts { return &Accounts{db: d.db} }

// --- ChannelStore -----------------------------------------------------------

// Channels implements ports.ChannelStore over the channels bucket.
type Channels struct {
	db *bbolt.DB
}

var _ ports.ChannelStore = (*Channels)(nil)

// FindOne returns the channel record for id, or (nil, nil) when unknown.
func (c *Channels) FindOne(_ context.Context, id ports.ChannelID) (*ports.ChannelMeta, error) {
	var meta *ports.ChannelMeta
	err := c.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(channelsBucket)).Get([]byte(id))
		if raw == nil {
			return nil
		}
		var rec channelRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode channel %s: %w", id, err)
		}
		m := metaFromRecord(rec)
		meta = &m
		return nil
	})
	return meta, err
}

// Upsert stores meta wholesale, replacing any existing record.
func (c *Channels) Upsert(_ context.Context, meta ports.ChannelMeta) error {
	raw, err := json.Marshal(recordFromMeta(meta))
	if err != nil {
		return fmt.Errorf("encode channel %s: %w", meta.ChannelID, err)
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(channelsBucket)).Put([]byte(meta.ChannelID), raw)
	})
}

// Update applies a partial patch to an existing channel. Unknown channels
// are a no-op rather than an error: a verification probe may outlive the
// record it refers to.
func (c *Channels) Update(_ context.Context, id ports.ChannelID, patch ports.ChannelPatch) error {
	return c.mutate(id, func(rec *channelRecord) {
		if patch.Banned != nil {
			rec.Banned = *patch.Banned
		}
		if patch.LastMessageTime != nil {
			rec.LastMessageTime = *patch.LastMessageTime
		}
		if patch.CanSendMsgs != nil {
			rec.CanSendMsgs = *patch.CanSendMsgs
		}
	})
}

// RemoveFromAvailableMsgs drops one template variant from the channel's
// allowed set.
func (c *Channels) RemoveFromAvailableMsgs(_ context.Context, id ports.ChannelID, variant string) error {
	return c.mutate(id, func(rec *channelRecord) {
		kept := rec.AvailableMsgs[:0]
		for _, v := range rec.AvailableMsgs {
			if v != variant {
				kept = append(kept, v)
			}
		}
		rec.AvailableMsgs = kept
	})
}

func (c *Channels) mutate(id ports.ChannelID, apply func(*channelRecord)) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(channelsBucket))
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return nil
		}
		var rec channelRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode channel %s: %w", id, err)
		}
		apply(&rec)
		updated, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode channel %s: %w", id, err)
		}
		return bucket.Put([]byte(id), updated)
	})
}

// ActiveChannels scans non-banned channels in key order, skipping the
// excluded ids, then applies skip/limit pagination.
func (c *Channels) ActiveChannels(_ context.Context, limit, skip int, exclude []ports.ChannelID) ([]ports.ChannelMeta, error) {
	excluded := make(map[ports.ChannelID]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	var out []ports.ChannelMeta
	skipped := 0
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(channelsBucket)).ForEach(func(k, v []byte) error {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var rec channelRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode channel %s: %w", k, err)
			}
			if rec.Banned || excluded[ports.ChannelID(rec.ChannelID)] {
				return nil
			}
			if skipped < skip {
				skipped++
				return nil
			}
			out = append(out, metaFromRecord(rec))
			return nil
		})
	})
	return out, err
}

// --- TemplateStore ----------------------------------------------------------

// Templates implements ports.TemplateStore over the templates bucket.
type Templates struct {
	db *bbolt.DB
}

var _ ports.TemplateStore = (*Templates)(nil)

// FindOne returns the variant-index-to-template mapping. An empty store
// yields an empty map, not an error.
func (t *Templates) FindOne(_ context.Context) (map[string]string, error) {
	templates := make(map[string]string)
	err := t.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(templatesBucket)).Get([]byte(templatesKey))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &templates)
	})
	if err != nil {
		return nil, fmt.Errorf("decode templates: %w", err)
	}
	return templates, nil
}

// Put replaces the whole template catalog, used at bootstrap and by
// operator tooling.
func (t *Templates) Put(_ context.Context, templates map[string]string) error {
	raw, err := json.Marshal(templates)
	if err != nil {
		return fmt.Errorf("encode templates: %w", err)
	}
	return t.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(templatesBucket)).Put([]byte(templatesKey), raw)
	})
}

// --- AccountStore -----------------------------------------------------------

// Accounts implements ports.AccountStore over the accounts bucket.
type Accounts struct {
	db *bbolt.DB
}

var _ ports.AccountStore = (*Accounts)(nil)

// GetActiveClients lists all non-expired account records.
func (a *Accounts) GetActiveClients(_ context.Context) ([]ports.AccountRecord, error) {
	var out []ports.AccountRecord
	err := a.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(accountsBucket)).ForEach(func(k, v []byte) error {
			var rec accountRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode account %s: %w", k, err)
			}
			if rec.Expired {
				return nil
			}
			mobiles := make([]ports.Mobile, len(rec.PromoteMobiles))
			for i, m := range rec.PromoteMobiles {
				mobiles[i] = ports.Mobile(m)
			}
			out = append(out, ports.AccountRecord{
				ClientID:       rec.ClientID,
				PromoteMobiles: mobiles,
				DaysLeft:       rec.DaysLeft,
			})
			return nil
		})
	})
	return out, err
}

// MarkExpired flags every account owning any of the given mobiles.
func (a *Accounts) MarkExpired(_ context.Context, mobiles []ports.Mobile) error {
	if len(mobiles) == 0 {
		return nil
	}
	target := make(map[string]bool, len(mobiles))
	for _, m := range mobiles {
		target[string(m)] = true
	}

	return a.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(accountsBucket))
		return bucket.ForEach(func(k, v []byte) error {
			var rec accountRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode account %s: %w", k, err)
			}
			if rec.Expired {
				return nil
			}
			hit := false
			for _, m := range rec.PromoteMobiles {
				if target[m] {
					hit = true
					break
				}
			}
			if !hit {
				return nil
			}
			rec.Expired = true
			updated, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode account %s: %w", k, err)
			}
			// ForEach permits Put on the same bucket inside an Update tx.
			return bucket.Put(append([]byte(nil), k...), updated)
		})
	})
}

// Put stores one account record, used at bootstrap and in tests.
func (a *Accounts) Put(_ context.Context, rec ports.AccountRecord) error {
	mobiles := make([]string, len(rec.PromoteMobiles))
	for i, m := range rec.PromoteMobiles {
		mobiles[i] = string(m)
	}
	raw, err := json.Marshal(accountRecord{
		ClientID:       rec.ClientID,
		PromoteMobiles: mobiles,
		DaysLeft:       rec.DaysLeft,
	})
	if err != nil {
		return fmt.Errorf("encode account %s: %w", rec.ClientID, err)
	}
	return a.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(accountsBucket)).Put([]byte(rec.ClientID), raw)
	})
}

func metaFromRecord(rec channelRecord) ports.ChannelMeta {
	return ports.ChannelMeta{
		ChannelID:         ports.ChannelID(rec.ChannelID),
		Title:             rec.Title,
		Username:          rec.Username,
		ParticipantsCount: rec.ParticipantsCount,
		Broadcast:         rec.Broadcast,
		Restricted:        rec.Restricted,
		CanSendMsgs:       rec.CanSendMsgs,
		AvailableMsgs:     append([]string(nil), rec.AvailableMsgs...),
		Banned:            rec.Banned,
		LastMessageTime:   rec.LastMessageTime,
		WordRestriction:   rec.WordRestriction,
	}
}

func recordFromMeta(meta ports.ChannelMeta) channelRecord {
	return channelRecord{
		ChannelID:         string(meta.ChannelID),
		Title:             meta.Title,
		Username:          meta.Username,
		ParticipantsCount: meta.ParticipantsCount,
		Broadcast:         meta.Broadcast,
		Restricted:        meta.Restricted,
		CanSendMsgs:       meta.CanSendMsgs,
		AvailableMsgs:     append([]string(nil), meta.AvailableMsgs...),
		Banned:            meta.Banned,
		LastMessageTime:   meta.LastMessageTime,
		WordRestriction:   meta.WordRestriction,
	}
}
