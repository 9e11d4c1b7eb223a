package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"marksync/internal/ident"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewServiceAt(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewServiceAt failed: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func testDocument(title string) *Document {
	return &Document{
		ID:             ident.GenerateGUID(),
		Title:          title,
		Content:        "# " + title,
		LastModifiedAt: time.Now(),
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	svc := newTestService(t)

	doc := testDocument("Trip Notes")
	doc.SetTags([]string{"travel", "2026"})
	if err := svc.SaveDocument(doc); err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}

	got, err := svc.GetDocument(doc.ID)
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if got.Title != "Trip Notes" || got.Content != "# Trip Notes" {
		t.Errorf("document = %+v", got)
	}
	tags := got.TagList()
	if len(tags) != 2 || tags[0] != "travel" {
		t.Errorf("tags = %v", tags)
	}
}

func TestGetDocumentMissing(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.GetDocument(ident.GenerateGUID()); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("err = %v, want ErrDocumentNotFound", err)
	}
}

func TestSaveDocumentValidation(t *testing.T) {
	svc := newTestService(t)

	cases := []struct {
		name string
		doc  *Document
	}{
		{"missing id", &Document{Title: "x"}},
		{"malformed id", &Document{ID: "not-a-guid", Title: "x"}},
		{"missing title", &Document{ID: ident.GenerateGUID(), Title: "   "}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := svc.SaveDocument(tc.doc); !errors.Is(err, ErrInvalidDocument) {
				t.Errorf("err = %v, want ErrInvalidDocument", err)
			}
		})
	}
}

func TestSaveDocumentAcceptsLegacyID(t *testing.T) {
	svc := newTestService(t)

	doc := &Document{
		ID:             ident.GenerateUID(),
		Title:          "Legacy",
		LastModifiedAt: time.Now(),
	}
	if err := svc.SaveDocument(doc); err != nil {
		t.Fatalf("SaveDocument failed for legacy id: %v", err)
	}
}

func TestDeleteDocumentIdempotent(t *testing.T) {
	svc := newTestService(t)

	doc := testDocument("Gone")
	if err := svc.SaveDocument(doc); err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}
	if err := svc.DeleteDocument(doc.ID); err != nil {
		t.Fatalf("DeleteDocument failed: %v", err)
	}
	if err := svc.DeleteDocument(doc.ID); err != nil {
		t.Fatalf("second DeleteDocument failed: %v", err)
	}
	if _, err := svc.GetDocument(doc.ID); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("document still present after delete")
	}
}

func TestFindByLegacyID(t *testing.T) {
	svc := newTestService(t)

	legacy := ident.GenerateUID()
	doc := testDocument("Migrated")
	doc.MigratedFrom = legacy
	if err := svc.SaveDocument(doc); err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}

	got, err := svc.FindByLegacyID(legacy)
	if err != nil {
		t.Fatalf("FindByLegacyID failed: %v", err)
	}
	if got.ID != doc.ID {
		t.Errorf("got %q, want %q", got.ID, doc.ID)
	}

	if _, err := svc.FindByLegacyID("1234567890123_zzzz"); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("err = %v, want ErrDocumentNotFound", err)
	}
}

func TestReplaceAllDocuments(t *testing.T) {
	svc := newTestService(t)

	for _, title := range []string{"One", "Two"} {
		if err := svc.SaveDocument(testDocument(title)); err != nil {
			t.Fatalf("SaveDocument failed: %v", err)
		}
	}

	replacement := []Document{*testDocument("Three")}
	if err := svc.ReplaceAllDocuments(replacement); err != nil {
		t.Fatalf("ReplaceAllDocuments failed: %v", err)
	}

	docs, err := svc.GetAllDocuments()
	if err != nil {
		t.Fatalf("GetAllDocuments failed: %v", err)
	}
	if len(docs) != 1 || docs[0].Title != "Three" {
		t.Errorf("docs = %+v", docs)
	}
}

func TestGetAllDocumentsOrder(t *testing.T) {
	svc := newTestService(t)

	old := testDocument("Old")
	old.LastModifiedAt = time.Now().Add(-time.Hour)
	recent := testDocument("Recent")

	for _, doc := range []*Document{old, recent} {
		if err := svc.SaveDocument(doc); err != nil {
			t.Fatalf("SaveDocument failed: %v", err)
		}
	}

	docs, err := svc.GetAllDocuments()
	if err != nil {
		t.Fatalf("GetAllDocuments failed: %v", err)
	}
	if len(docs) != 2 || docs[0].Title != "Recent" {
		t.Errorf("unexpected order: %+v", docs)
	}
}

func TestBlobLifecycle(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.GetBlob("missing"); !errors.Is(err, ErrBlobNotFound) {
		t.Fatalf("err = %v, want ErrBlobNotFound", err)
	}

	if err := svc.PutBlob("auth_identity", []byte("sealed")); err != nil {
		t.Fatalf("PutBlob failed: %v", err)
	}
	value, err := svc.GetBlob("auth_identity")
	if err != nil {
		t.Fatalf("GetBlob failed: %v", err)
	}
	if string(value) != "sealed" {
		t.Errorf("value = %q", value)
	}

	if err := svc.PutBlob("auth_identity", []byte("resealed")); err != nil {
		t.Fatalf("PutBlob overwrite failed: %v", err)
	}
	value, _ = svc.GetBlob("auth_identity")
	if string(value) != "resealed" {
		t.Errorf("value after overwrite = %q", value)
	}

	if err := svc.DeleteBlob("auth_identity"); err != nil {
		t.Fatalf("DeleteBlob failed: %v", err)
	}
	if _, err := svc.GetBlob("auth_identity"); !errors.Is(err, ErrBlobNotFound) {
		t.Fatalf("blob still present after delete")
	}
}

func TestListBlobKeysPrefix(t *testing.T) {
	svc := newTestService(t)

	for _, key := range []string{"backup_1_aa", "backup_2_bb", "other"} {
		if err := svc.PutBlob(key, []byte("v")); err != nil {
			t.Fatalf("PutBlob failed: %v", err)
		}
	}

	keys, err := svc.ListBlobKeys("backup_")
	if err != nil {
		t.Fatalf("ListBlobKeys failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "backup_1_aa" || keys[1] != "backup_2_bb" {
		t.Errorf("keys = %v", keys)
	}
}
