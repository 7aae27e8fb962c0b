package storage

type op struct {
	key    []byte
	value  []byte
	delete bool
}

// Changeset collects record and meta mutations that must be applied
// atomically. Build it completely, then hand it to Storage.Commit.
type Changeset struct {
	records      []op
	meta         []op
	metadata     *Metadata
	clearRecords bool
	clearMeta    bool

	// beforeCommit runs inside the write transaction after every change
	// has been staged. Returning an error aborts the transaction.
	beforeCommit func() error
}

// NewChangeset returns an empty changeset
func NewChangeset() *Changeset {
	return &Changeset{}
}

// PutRecord stages a record write
func (c *Changeset) PutRecord(key string, value []byte) {
	c.records = append(c.records, op{key: []byte(key), value: value})
}

// DeleteRecord stages a record removal
func (c *Changeset) DeleteRecord(key string) {
	c.records = append(c.records, op{key: []byte(key), delete: true})
}

// PutMeta stages a meta write
func (c *Changeset) PutMeta(key, value []byte) {
	c.meta = append(c.meta, op{key: key, value: value})
}

// DeleteMeta stages a meta removal
func (c *Changeset) DeleteMeta(key []byte) {
	c.meta = append(c.meta, op{key: key, delete: true})
}

// SetMetadata stages the metadata row
func (c *Changeset) SetMetadata(m *Metadata) {
	c.metadata = m
}

// ClearRecords drops every record before staged writes are applied
func (c *Changeset) ClearRecords() {
	c.clearRecords = true
}

// ClearMeta drops every meta entry, including the store identity, before
// staged writes are applied
func (c *Changeset) ClearMeta() {
	c.clearMeta = true
}

// BeforeCommit registers a hook that runs inside the write transaction just
// before it commits
func (c *Changeset) BeforeCommit(fn func() error) {
	c.beforeCommit = fn
}

func (c *Changeset) empty() bool {
	return len(c.records) == 0 && len(c.meta) == 0 && c.metadata == nil &&
		!c.clearRecords && !c.clearMeta && c.beforeCommit == nil
}
