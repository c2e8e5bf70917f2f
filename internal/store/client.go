package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/tandem/internal/fault"
	"github.com/roach88/tandem/internal/rules"
)

// ErrVersionMismatch is returned by WriteIfVersion when the stored version
// no longer matches the expected one.
var ErrVersionMismatch = errors.New("version mismatch")

// Record is one stored document.
type Record struct {
	Collection string
	ID         string
	Fields     Fields
	CreatedAt  Timestamp
	UpdatedAt  Timestamp
}

// Client is a handle on the store bound to a caller identity. Every
// operation is checked against the access rules under that identity;
// an Admin client bypasses them.
type Client struct {
	store *Store
	uid   string
	admin bool
}

// As returns a client acting as the given user id.
func (s *Store) As(uid string) *Client {
	return &Client{store: s, uid: uid}
}

// Admin returns a client that bypasses access rules. For server-side
// maintenance and tests; never handed to request paths.
func (s *Store) Admin() *Client {
	return &Client{store: s, admin: true}
}

// UID returns the identity this client acts as.
func (c *Client) UID() string {
	return c.uid
}

func (c *Client) allow(req rules.Request) error {
	if c.admin {
		return nil
	}
	if c.uid == "" {
		return fault.New(fault.NotSignedIn, "no signed-in user")
	}
	req.UID = c.uid
	if err := c.store.rules.Allow(req); err != nil {
		var denied *rules.DeniedError
		if errors.As(err, &denied) {
			return fault.Wrap(fault.NotAllowed,
				fmt.Sprintf("%s %s denied", req.Op, req.Collection), err)
		}
		return err
	}
	return nil
}

// Get reads one record. The second return is false when the record does
// not exist; absence is not an error and needs no rule evaluation since
// there is nothing to disclose.
func (c *Client) Get(collection, id string) (Record, bool, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	rec, ok, err := c.store.readLocked(collection, id)
	if err != nil {
		return Record{}, false, err
	}
	if !ok {
		if !c.admin && c.uid == "" {
			return Record{}, false, fault.New(fault.NotSignedIn, "no signed-in user")
		}
		return Record{}, false, nil
	}
	if err := c.allow(rules.Request{
		Op:         rules.OpGet,
		Collection: collection,
		ID:         id,
		Resource:   resourceView(rec),
	}); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// List runs a query. Every matching record must pass the collection's
// list rule under this identity, the same way a ruled query must be
// provably allowed as a whole.
func (c *Client) List(q Query) ([]Record, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	return c.listLocked(q)
}

func (c *Client) listLocked(q Query) ([]Record, error) {
	recs, err := c.store.scanLocked(q)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if err := c.allow(rules.Request{
			Op:         rules.OpList,
			Collection: q.Collection,
			ID:         rec.ID,
			Resource:   resourceView(rec),
		}); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// Set writes a record at a caller-chosen id. When merge is true and the
// record exists the patch is deep-merged into it; otherwise the fields
// replace the record. A Set on an existing record is classified as an
// update for rule purposes.
func (c *Client) Set(collection, id string, patch Fields, merge bool) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	existing, exists, err := c.store.readLocked(collection, id)
	if err != nil {
		return err
	}

	if !exists {
		body := deepClone(expandDots(patch))
		if err := c.allowCreate(collection, id, body); err != nil {
			return err
		}
		return c.store.insertLocked(collection, id, body)
	}

	var body map[string]any
	if merge {
		body = deepMerge(deepClone(existing.Fields), expandDots(patch))
	} else {
		body = deepClone(expandDots(patch))
	}
	if err := c.allow(rules.Request{
		Op:         rules.OpUpdate,
		Collection: collection,
		ID:         id,
		Resource:   resourceView(existing),
		Data:       ruleView(body),
		Touched:    touchedPaths(patch),
	}); err != nil {
		return err
	}
	return c.store.updateLocked(existing, body)
}

// Update applies a patch to an existing record. Dotted keys address
// nested fields. Fails with a not-found fault if the record is absent.
func (c *Client) Update(collection, id string, patch Fields) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	existing, exists, err := c.store.readLocked(collection, id)
	if err != nil {
		return err
	}
	if !exists {
		return fault.Newf(fault.NotFound, "%s/%s not found", collection, id)
	}
	body := deepMerge(deepClone(existing.Fields), expandDots(patch))
	if err := c.allow(rules.Request{
		Op:         rules.OpUpdate,
		Collection: collection,
		ID:         id,
		Resource:   resourceView(existing),
		Data:       ruleView(body),
		Touched:    touchedPaths(patch),
	}); err != nil {
		return err
	}
	return c.store.updateLocked(existing, body)
}

// Add creates a record under a generated id and returns the id.
func (c *Client) Add(collection string, fields Fields) (string, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	id := c.store.ids.NewID()
	body := deepClone(expandDots(fields))
	if err := c.allowCreate(collection, id, body); err != nil {
		return "", err
	}
	if err := c.store.insertLocked(collection, id, body); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Client) allowCreate(collection, id string, body map[string]any) error {
	return c.allow(rules.Request{
		Op:         rules.OpCreate,
		Collection: collection,
		ID:         id,
		Data:       ruleView(body),
	})
}

// Delete removes a record. On legacy stores without direct delete the
// record is tombstoned instead and disappears from reads either way.
// Deleting an absent record is a no-op.
func (c *Client) Delete(collection, id string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	existing, exists, err := c.store.readLocked(collection, id)
	if err != nil {
		return err
	}
	if !exists {
		if !c.admin && c.uid == "" {
			return fault.New(fault.NotSignedIn, "no signed-in user")
		}
		return nil
	}
	if err := c.allow(rules.Request{
		Op:         rules.OpDelete,
		Collection: collection,
		ID:         id,
		Resource:   resourceView(existing),
	}); err != nil {
		return err
	}
	return c.store.deleteLocked(collection, id)
}

// WriteIfVersion applies a patch only if the record's integer "version"
// field still equals expect. Returns ErrVersionMismatch otherwise. The
// patch is rule-checked as an update.
func (c *Client) WriteIfVersion(collection, id string, expect int64, patch Fields) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	existing, exists, err := c.store.readLocked(collection, id)
	if err != nil {
		return err
	}
	if !exists {
		return fault.Newf(fault.NotFound, "%s/%s not found", collection, id)
	}
	if existing.Fields.Int64("version") != expect {
		return ErrVersionMismatch
	}
	body := deepMerge(deepClone(existing.Fields), expandDots(patch))
	if err := c.allow(rules.Request{
		Op:         rules.OpUpdate,
		Collection: collection,
		ID:         id,
		Resource:   resourceView(existing),
		Data:       ruleView(body),
		Touched:    touchedPaths(patch),
	}); err != nil {
		return err
	}
	return c.store.updateLocked(existing, body)
}

// resourceView is the rule engine's picture of a stored record: its
// fields plus the record id.
func resourceView(rec Record) map[string]any {
	view := make(map[string]any, len(rec.Fields)+1)
	for k, v := range rec.Fields {
		view[k] = v
	}
	view["id"] = rec.ID
	return view
}

// ruleView strips server-time sentinels from a write body before rule
// evaluation; rules never constrain timestamps beyond touched paths.
func ruleView(body map[string]any) map[string]any {
	view := deepClone(body)
	stripSentinels(view)
	return view
}

func stripSentinels(m map[string]any) {
	for k, v := range m {
		switch t := v.(type) {
		case serverTimeSentinel:
			delete(m, k)
		case map[string]any:
			stripSentinels(t)
		}
	}
}

// readLocked loads one live record. Caller holds s.mu.
func (s *Store) readLocked(collection, id string) (Record, bool, error) {
	var (
		raw                  string
		createdAt, updatedAt int64
	)
	err := s.db.QueryRow(
		`SELECT fields, created_at, updated_at FROM records
		 WHERE collection = ? AND id = ? AND deleted = 0`,
		collection, id,
	).Scan(&raw, &createdAt, &updatedAt)
	switch {
	case err == sql.ErrNoRows:
		return Record{}, false, nil
	case err != nil:
		return Record{}, false, fmt.Errorf("read %s/%s: %w", collection, id, err)
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return Record{}, false, fmt.Errorf("read %s/%s: %w", collection, id, err)
	}
	return Record{
		Collection: collection,
		ID:         id,
		Fields:     fields,
		CreatedAt:  Timestamp(createdAt),
		UpdatedAt:  Timestamp(updatedAt),
	}, true, nil
}

// scanLocked loads all live records in a collection and filters them
// through the query in memory. Collections here are small; correctness
// of predicate semantics beats clever SQL.
func (s *Store) scanLocked(q Query) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT id, fields, created_at, updated_at FROM records
		 WHERE collection = ? AND deleted = 0`,
		q.Collection,
	)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", q.Collection, err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var (
			id, raw              string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&id, &raw, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan %s: %w", q.Collection, err)
		}
		fields, err := decodeFields(raw)
		if err != nil {
			return nil, fmt.Errorf("scan %s/%s: %w", q.Collection, id, err)
		}
		if !q.matches(fields) {
			continue
		}
		recs = append(recs, Record{
			Collection: q.Collection,
			ID:         id,
			Fields:     fields,
			CreatedAt:  Timestamp(createdAt),
			UpdatedAt:  Timestamp(updatedAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", q.Collection, err)
	}
	q.sortRecords(recs)
	return recs, nil
}

func (s *Store) insertLocked(collection, id string, body map[string]any) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", collection, id, err)
	}
	defer tx.Rollback()

	now, err := s.tick(tx)
	if err != nil {
		return err
	}
	resolveServerTime(body, now)
	raw, err := encodeFields(body)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO records (collection, id, fields, created_at, updated_at, deleted)
		 VALUES (?, ?, ?, ?, ?, 0)
		 ON CONFLICT (collection, id) DO UPDATE SET
		   fields = excluded.fields,
		   created_at = excluded.created_at,
		   updated_at = excluded.updated_at,
		   deleted = 0`,
		collection, id, raw, int64(now), int64(now),
	); err != nil {
		return fmt.Errorf("write %s/%s: %w", collection, id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write %s/%s: %w", collection, id, err)
	}
	s.notifyLocked(collection, id)
	return nil
}

func (s *Store) updateLocked(existing Record, body map[string]any) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", existing.Collection, existing.ID, err)
	}
	defer tx.Rollback()

	now, err := s.tick(tx)
	if err != nil {
		return err
	}
	resolveServerTime(body, now)
	raw, err := encodeFields(body)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(
		`UPDATE records SET fields = ?, updated_at = ?
		 WHERE collection = ? AND id = ?`,
		raw, int64(now), existing.Collection, existing.ID,
	); err != nil {
		return fmt.Errorf("write %s/%s: %w", existing.Collection, existing.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write %s/%s: %w", existing.Collection, existing.ID, err)
	}
	s.notifyLocked(existing.Collection, existing.ID)
	return nil
}

func (s *Store) deleteLocked(collection, id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	defer tx.Rollback()

	now, err := s.tick(tx)
	if err != nil {
		return err
	}
	if s.caps.DirectDelete {
		_, err = tx.Exec(
			`DELETE FROM records WHERE collection = ? AND id = ?`,
			collection, id,
		)
	} else {
		_, err = tx.Exec(
			`UPDATE records SET deleted = 1, updated_at = ?
			 WHERE collection = ? AND id = ?`,
			int64(now), collection, id,
		)
	}
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	s.notifyLocked(collection, id)
	return nil
}
