package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	testOwner      = "user-owner"
	testEditor     = "user-editor"
	testViewer     = "user-viewer"
	testStranger   = "user-stranger"
	testDocument   = "doc-shared"
	testPrivateDoc = "doc-private"
	testOrg        = "org-1"
)

var testEpoch = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testEpoch}
}

func (clock *testClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *testClock) Advance(delta time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(delta)
}

type notification struct {
	documentID string
	eventType  string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (notifier *recordingNotifier) NotifyDocumentChange(documentID, eventType string) {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.events = append(notifier.events, notification{documentID: documentID, eventType: eventType})
}

func (notifier *recordingNotifier) count(eventType string) int {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	total := 0
	for _, event := range notifier.events {
		if event.eventType == eventType {
			total++
		}
	}
	return total
}

type staticProfiles map[string]users.Profile

func (profiles staticProfiles) Profiles(_ context.Context, userIDs []string) (map[string]users.Profile, error) {
	result := make(map[string]users.Profile, len(userIDs))
	for _, userID := range userIDs {
		if profile, ok := profiles[userID]; ok {
			result[userID] = profile
		}
	}
	return result, nil
}

type testHarness struct {
	service  *Service
	db       *gorm.DB
	clock    *testClock
	notifier *recordingNotifier
}

func openTestDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })

	models := append(Models(), &documents.Document{}, &documents.OrganizationMember{})
	if err := db.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	seedDocuments(testContext, db)
	return db
}

func seedDocuments(testContext *testing.T, db *gorm.DB) {
	testContext.Helper()
	records := []documents.Document{
		{DocumentID: testDocument, CreatedBy: testOwner, OrganizationID: testOrg, IsPublic: true},
		{DocumentID: testPrivateDoc, CreatedBy: testOwner, OrganizationID: testOrg},
	}
	if err := db.Create(&records).Error; err != nil {
		testContext.Fatalf("failed to seed documents: %v", err)
	}
	members := []documents.OrganizationMember{
		{OrganizationID: testOrg, UserID: testEditor, Role: string(documents.RoleEditor)},
		{OrganizationID: testOrg, UserID: testViewer, Role: string(documents.RoleViewer)},
	}
	if err := db.Create(&members).Error; err != nil {
		testContext.Fatalf("failed to seed members: %v", err)
	}
}

func mustHarness(testContext *testing.T, mutate func(*ServiceConfig)) testHarness {
	testContext.Helper()
	db := openTestDatabase(testContext)
	gate, err := documents.NewGate(db)
	if err != nil {
		testContext.Fatalf("failed to build gate: %v", err)
	}
	clock := newTestClock()
	notifier := &recordingNotifier{}
	cfg := ServiceConfig{
		Database: db,
		Access:   gate,
		Notifier: notifier,
		Clock:    clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		testContext.Fatalf("failed to build service: %v", err)
	}
	return testHarness{service: service, db: db, clock: clock, notifier: notifier}
}

func mustUserID(testContext *testing.T, value string) UserID {
	testContext.Helper()
	id, err := NewUserID(value)
	if err != nil {
		testContext.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustDocumentID(testContext *testing.T, value string) DocumentID {
	testContext.Helper()
	id, err := NewDocumentID(value)
	if err != nil {
		testContext.Fatalf("unexpected document id error: %v", err)
	}
	return id
}

func mustClientID(testContext *testing.T, value int64) ClientID {
	testContext.Helper()
	id, err := NewClientID(value)
	if err != nil {
		testContext.Fatalf("unexpected client id error: %v", err)
	}
	return id
}

func mustApply(testContext *testing.T, service *Service, caller UserID, documentID DocumentID, updates []string, clientVersion int64) ApplyResult {
	testContext.Helper()
	result, err := service.ApplyUpdates(context.Background(), caller, documentID, updates, clientVersion)
	if err != nil {
		testContext.Fatalf("apply updates failed: %v", err)
	}
	return result
}

func mustState(testContext *testing.T, service *Service, caller UserID, documentID DocumentID) DocumentState {
	testContext.Helper()
	state, err := service.GetDocumentState(context.Background(), caller, documentID)
	if err != nil {
		testContext.Fatalf("get document state failed: %v", err)
	}
	return state
}
