package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const (
	me      int64 = 1
	bob     int64 = 2
	contact int64 = 10
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func msg(id, sender int64) Message {
	return Message{
		ID:        id,
		Text:      fmt.Sprintf("m%d", id),
		SenderID:  sender,
		CreatedAt: time.UnixMilli(1000 * id).UTC(),
	}
}

func ids(msgs []Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func saveContact(t *testing.T, db *DB, id int64, lastUpdate int64) {
	t.Helper()
	c := Contact{
		ID:         id,
		Responder:  User{ID: bob, Name: "Bob", Email: "bob@example.com"},
		CreatedAt:  time.UnixMilli(1).UTC(),
		LastUpdate: time.UnixMilli(lastUpdate).UTC(),
	}
	if err := db.SaveContacts([]Contact{c}, me); err != nil {
		t.Fatal(err)
	}
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + unread index)", result.Version)
	}
}

func TestSaveMessagesIncomingFieldsWin(t *testing.T) {
	db := testDB(t)

	if err := db.SaveMessages([]Message{msg(1, bob)}, contact, me); err != nil {
		t.Fatal(err)
	}
	updated := msg(1, bob)
	updated.Text = "edited"
	if err := db.SaveMessages([]Message{updated}, contact, me); err != nil {
		t.Fatal(err)
	}

	got, err := db.RetrieveMessage(1, me)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Text != "edited" {
		t.Fatalf("got %+v, want text=edited", got)
	}
	msgs, _ := db.RetrieveMessages(None(), contact, me, 10)
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1 (upsert must not duplicate)", len(msgs))
	}
}

func TestSaveMessagesNeverRevertsReadOrDelete(t *testing.T) {
	db := testDB(t)

	deletedAt := time.UnixMilli(5000).UTC()
	m := msg(1, bob)
	m.IsRead = true
	m.DeletedAt = &deletedAt
	if err := db.SaveMessages([]Message{m}, contact, me); err != nil {
		t.Fatal(err)
	}

	// A stale page still carries the unread, undeleted version.
	if err := db.SaveMessages([]Message{msg(1, bob)}, contact, me); err != nil {
		t.Fatal(err)
	}

	got, err := db.RetrieveMessage(1, me)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsRead {
		t.Error("is_read reverted to false")
	}
	if got.DeletedAt == nil || !got.DeletedAt.Equal(deletedAt) {
		t.Errorf("deleted_at = %v, want %v", got.DeletedAt, deletedAt)
	}
}

func TestSaveMessagesAdvancesContactLastUpdate(t *testing.T) {
	db := testDB(t)
	saveContact(t, db, contact, 2500)

	// Older messages must not move last_update backwards.
	if err := db.SaveMessages([]Message{msg(1, bob), msg(2, bob)}, contact, me); err != nil {
		t.Fatal(err)
	}
	contacts, err := db.RetrieveContacts(me, nil, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got := contacts[0].LastUpdate.UnixMilli(); got != 2500 {
		t.Errorf("last_update = %d, want 2500", got)
	}

	if err := db.SaveMessages([]Message{msg(3, bob), msg(4, me)}, contact, me); err != nil {
		t.Fatal(err)
	}
	contacts, err = db.RetrieveContacts(me, nil, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got := contacts[0].LastUpdate.UnixMilli(); got != 4000 {
		t.Errorf("last_update = %d, want 4000", got)
	}
}

func TestRetrieveMessagesAnchors(t *testing.T) {
	db := testDB(t)

	var all []Message
	for id := int64(1); id <= 10; id++ {
		m := msg(id, bob)
		m.IsRead = true
		all = append(all, m)
	}
	if err := db.SaveMessages(all, contact, me); err != nil {
		t.Fatal(err)
	}
	// Another contact's history must never leak into the page.
	if err := db.SaveMessages([]Message{msg(11, bob)}, contact+1, me); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		anchor Anchor
		limit  int
		want   []int64
	}{
		{"before", Before(6), 3, []int64{3, 4, 5}},
		{"before start", Before(1), 3, []int64{}},
		{"after", After(6), 3, []int64{7, 8, 9}},
		{"after end", After(10), 3, []int64{}},
		{"between excluded", BetweenExcluded(2, 6), 10, []int64{3, 4, 5}},
		{"none falls back to latest", None(), 4, []int64{7, 8, 9, 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := db.RetrieveMessages(tt.anchor, contact, me, tt.limit)
			if err != nil {
				t.Fatal(err)
			}
			if got := ids(msgs); !equalIDs(got, tt.want) {
				t.Errorf("ids = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetrieveMessagesNoneStartsAtFirstUnread(t *testing.T) {
	db := testDB(t)

	var msgs []Message
	for id := int64(1); id <= 8; id++ {
		m := msg(id, bob)
		m.IsRead = id < 4
		msgs = append(msgs, m)
	}
	// My own unread message is not a reason to jump back.
	mine := msg(2, me)
	msgs[1] = mine
	if err := db.SaveMessages(msgs, contact, me); err != nil {
		t.Fatal(err)
	}

	page, err := db.RetrieveMessages(None(), contact, me, 3)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(page); !equalIDs(got, []int64{4, 5, 6}) {
		t.Errorf("ids = %v, want [4 5 6]", got)
	}
}

func TestRetrieveMessageMissing(t *testing.T) {
	db := testDB(t)

	m, err := db.RetrieveMessage(42, me)
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Errorf("expected nil for missing message, got %+v", m)
	}
}

func TestAtLeastOneMessage(t *testing.T) {
	db := testDB(t)

	ok, err := db.AtLeastOneMessage(me, contact)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("empty store reported a message")
	}
	if err := db.SaveMessages([]Message{msg(1, bob)}, contact, me); err != nil {
		t.Fatal(err)
	}
	if ok, _ := db.AtLeastOneMessage(me, contact); !ok {
		t.Error("expected a message after save")
	}
	if ok, _ := db.AtLeastOneMessage(me+1, contact); ok {
		t.Error("messages must be scoped by user")
	}
}

func TestUpdateMessagesReadMonotonic(t *testing.T) {
	db := testDB(t)

	var msgs []Message
	for id := int64(1); id <= 7; id++ {
		msgs = append(msgs, msg(id, bob))
	}
	if err := db.SaveMessages(msgs, contact, me); err != nil {
		t.Fatal(err)
	}

	if err := db.UpdateMessagesRead(5, contact, me, SentByOthers); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateMessagesRead(3, contact, me, SentByOthers); err != nil {
		t.Fatal(err)
	}

	for id := int64(1); id <= 7; id++ {
		m, err := db.RetrieveMessage(id, me)
		if err != nil {
			t.Fatal(err)
		}
		if want := id <= 5; m.IsRead != want {
			t.Errorf("message %d is_read = %v, want %v", id, m.IsRead, want)
		}
	}
}

func TestUpdateMessagesReadDirection(t *testing.T) {
	db := testDB(t)

	if err := db.SaveMessages([]Message{msg(1, me), msg(2, bob), msg(3, me)}, contact, me); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateMessagesRead(3, contact, me, SentByMe); err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		id   int64
		want bool
	}{{1, true}, {2, false}, {3, true}} {
		m, _ := db.RetrieveMessage(tt.id, me)
		if m.IsRead != tt.want {
			t.Errorf("message %d is_read = %v, want %v", tt.id, m.IsRead, tt.want)
		}
	}
}

func TestUpdateMessagesReadResetsUnreadCount(t *testing.T) {
	db := testDB(t)

	c := Contact{
		ID:                 contact,
		Responder:          User{ID: bob},
		UnreadMessageCount: 3,
		LastUpdate:         time.UnixMilli(3000).UTC(),
		LastMessage:        &LastMessage{Message: msg(3, bob), PreviousID: Int64(2)},
	}
	if err := db.SaveContacts([]Contact{c}, me); err != nil {
		t.Fatal(err)
	}

	if err := db.UpdateMessagesRead(2, contact, me, SentByOthers); err != nil {
		t.Fatal(err)
	}
	contacts, _ := db.RetrieveContacts(me, nil, nil, 1)
	if contacts[0].UnreadMessageCount != 3 {
		t.Errorf("unread = %d, want 3 (last message still unread)", contacts[0].UnreadMessageCount)
	}

	if err := db.UpdateMessagesRead(3, contact, me, SentByOthers); err != nil {
		t.Fatal(err)
	}
	contacts, _ = db.RetrieveContacts(me, nil, nil, 1)
	if contacts[0].UnreadMessageCount != 0 {
		t.Errorf("unread = %d, want 0", contacts[0].UnreadMessageCount)
	}
}

func TestUpdateMessageOnlyTouchesCachedRows(t *testing.T) {
	db := testDB(t)

	edited := msg(1, bob)
	edited.Text = "edited"
	editedAt := time.UnixMilli(9000).UTC()
	edited.EditedAt = &editedAt

	ok, err := db.UpdateMessage(edited, me)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("UpdateMessage reported success for a missing row")
	}
	if m, _ := db.RetrieveMessage(1, me); m != nil {
		t.Fatal("UpdateMessage must not create rows")
	}

	if err := db.SaveMessages([]Message{msg(1, bob)}, contact, me); err != nil {
		t.Fatal(err)
	}
	ok, err = db.UpdateMessage(edited, me)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("UpdateMessage did not find the cached row")
	}
	m, _ := db.RetrieveMessage(1, me)
	if m.Text != "edited" || m.EditedAt == nil {
		t.Errorf("got %+v, want edited text and edited_at", m)
	}
}

func TestContactsPagination(t *testing.T) {
	db := testDB(t)

	for i := int64(1); i <= 5; i++ {
		saveContact(t, db, i, 1000*i)
	}

	page, err := db.RetrieveContacts(me, nil, nil, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != 5 || page[1].ID != 4 {
		t.Fatalf("first page = %+v, want contacts 5,4", page)
	}
	if page[0].Responder.Name != "Bob" {
		t.Errorf("responder name = %q, want Bob", page[0].Responder.Name)
	}

	before := page[1].LastUpdate
	page, err = db.RetrieveContacts(me, []int64{2}, &before, 10)
	if err != nil {
		t.Fatal(err)
	}
	var got []int64
	for _, c := range page {
		got = append(got, c.ID)
	}
	if !equalIDs(got, []int64{3, 1}) {
		t.Errorf("second page = %v, want [3 1]", got)
	}
}

func TestSaveContactsKeepsNewestLastMessage(t *testing.T) {
	db := testDB(t)

	newer := Contact{
		ID: contact, Responder: User{ID: bob},
		LastUpdate:  time.UnixMilli(5000).UTC(),
		LastMessage: &LastMessage{Message: msg(5, bob), PreviousID: Int64(4)},
	}
	older := newer
	older.LastUpdate = time.UnixMilli(2000).UTC()
	older.LastMessage = &LastMessage{Message: msg(2, bob)}

	if err := db.SaveContacts([]Contact{newer}, me); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveContacts([]Contact{older}, me); err != nil {
		t.Fatal(err)
	}

	contacts, err := db.RetrieveContacts(me, nil, nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	c := contacts[0]
	if c.LastUpdate.UnixMilli() != 5000 {
		t.Errorf("last_update = %d, want 5000", c.LastUpdate.UnixMilli())
	}
	if c.LastMessage == nil || c.LastMessage.Message.ID != 5 {
		t.Fatalf("last message = %+v, want id 5", c.LastMessage)
	}
	if c.LastMessage.PreviousID == nil || *c.LastMessage.PreviousID != 4 {
		t.Errorf("previous id = %v, want 4", c.LastMessage.PreviousID)
	}
}

func TestImageData(t *testing.T) {
	db := testDB(t)

	data, err := db.RetrieveImageData("https://cdn/a.png")
	if err != nil {
		t.Fatal(err)
	}
	if data != nil {
		t.Error("expected nil for uncached url")
	}

	if err := db.SaveImageData([]byte("v1"), "https://cdn/a.png"); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveImageData([]byte("v2"), "https://cdn/a.png"); err != nil {
		t.Fatal(err)
	}
	data, err = db.RetrieveImageData("https://cdn/a.png")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v2" {
		t.Errorf("data = %q, want v2", data)
	}
}

func TestKeyValue(t *testing.T) {
	db := testDB(t)

	if _, ok, _ := db.Value("token"); ok {
		t.Error("missing key reported as present")
	}
	if err := db.SetValue("token", "a"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetValue("token", "b"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := db.Value("token")
	if err != nil || !ok || v != "b" {
		t.Errorf("Value = %q, %v, %v; want b, true, nil", v, ok, err)
	}
	if err := db.DeleteValue("token"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := db.Value("token"); ok {
		t.Error("key still present after delete")
	}
}

func TestStoreSerializesConcurrentCallers(t *testing.T) {
	s := New(testDB(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := int64(1); i <= 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if err := s.SaveMessages(ctx, []Message{msg(id, bob)}, contact, me); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	msgs, err := s.RetrieveMessages(ctx, After(0), contact, me, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 20 {
		t.Errorf("got %d messages, want 20", len(msgs))
	}
	counts, err := s.Counts(ctx, me)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Messages != 20 {
		t.Errorf("counts.Messages = %d, want 20", counts.Messages)
	}
}

func TestCountsAreScopedByUser(t *testing.T) {
	db := testDB(t)
	const other int64 = 99

	saveContact(t, db, contact, 1000)
	if err := db.SaveContacts([]Contact{{ID: contact, Responder: User{ID: me}, LastUpdate: time.UnixMilli(1000).UTC()}}, other); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveMessages([]Message{msg(1, bob), msg(2, me)}, contact, me); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveMessages([]Message{msg(1, me), msg(2, me), msg(3, me)}, contact, other); err != nil {
		t.Fatal(err)
	}

	c, err := db.Counts(me)
	if err != nil {
		t.Fatal(err)
	}
	if c.Contacts != 1 || c.Messages != 2 {
		t.Errorf("counts for me = %+v, want 1 contact and 2 messages", c)
	}
	c, err = db.Counts(other)
	if err != nil {
		t.Fatal(err)
	}
	if c.Contacts != 1 || c.Messages != 3 {
		t.Errorf("counts for other = %+v, want 1 contact and 3 messages", c)
	}
}

func TestStoreWrapsFailures(t *testing.T) {
	s := New(testDB(t))

	boom := errors.New("boom")
	err := s.Do(context.Background(), func(*DB) error { return boom })
	if !errors.Is(err, ErrStorage) || !errors.Is(err, boom) {
		t.Errorf("err = %v, want ErrStorage wrapping boom", err)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	err = s.SetValue(context.Background(), "k", "v")
	if !errors.Is(err, ErrStorage) || !errors.Is(err, ErrClosed) {
		t.Errorf("err after close = %v, want ErrStorage wrapping ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
