package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	automerge "github.com/automerge/automerge-go"
	"github.com/coeditlabs/coedit/backend/internal/documents"
	"github.com/coeditlabs/coedit/backend/internal/ephemeral"
	"github.com/coeditlabs/coedit/backend/internal/locks"
	"github.com/coeditlabs/coedit/backend/internal/presence"
	"github.com/coeditlabs/coedit/backend/internal/projects"
	sqlite "github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type testEnv struct {
	coordinator *Coordinator
	files       *projects.Service
	lockManager *locks.Manager
	presences   *presence.Registry
	registry    *documents.Registry
}

func mustEnv(t *testing.T) *testEnv {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	store := ephemeral.NewRedisStoreFromClient(client)

	database, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := database.AutoMigrate(&projects.Project{}, &projects.Member{}, &projects.File{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	files, err := projects.NewService(projects.ServiceConfig{Database: database})
	if err != nil {
		t.Fatalf("unexpected projects error: %v", err)
	}
	lockManager, err := locks.NewManager(locks.ManagerConfig{Store: store})
	if err != nil {
		t.Fatalf("unexpected lock manager error: %v", err)
	}
	presences, err := presence.NewRegistry(presence.RegistryConfig{Store: store})
	if err != nil {
		t.Fatalf("unexpected presence error: %v", err)
	}
	registry, err := documents.NewRegistry(documents.RegistryConfig{Files: files, PersistDebounce: time.Hour})
	if err != nil {
		t.Fatalf("unexpected documents error: %v", err)
	}

	if err := database.Create(&projects.Project{ProjectID: "p1", OwnerID: "u1", Name: "demo"}).Error; err != nil {
		t.Fatalf("seed project failed: %v", err)
	}
	if err := database.Create(&projects.Member{ProjectID: "p1", UserID: "u2"}).Error; err != nil {
		t.Fatalf("seed member failed: %v", err)
	}

	coordinator, err := NewCoordinator(CoordinatorConfig{
		Locks:     lockManager,
		Presence:  presences,
		Documents: registry,
		Access:    files,
	})
	if err != nil {
		t.Fatalf("unexpected coordinator error: %v", err)
	}
	return &testEnv{
		coordinator: coordinator,
		files:       files,
		lockManager: lockManager,
		presences:   presences,
		registry:    registry,
	}
}

func mustEvent(t *testing.T, event string, payload any) []byte {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	raw, err := json.Marshal(Envelope{Event: event, Payload: body})
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}
	return raw
}

// recvEvent pops buffered messages until one with the wanted event arrives.
func recvEvent(t *testing.T, session *Session, event string) Message {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case message := <-session.Outbound():
			if message.Event == event {
				return message
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s on session %s", event, session.ID)
		}
	}
}

func expectNoEvent(t *testing.T, session *Session, event string) {
	t.Helper()
	for {
		select {
		case message := <-session.Outbound():
			if message.Event == event {
				t.Fatalf("did not expect %s on session %s", event, session.ID)
			}
		default:
			return
		}
	}
}

func joinRoom(t *testing.T, env *testEnv, session *Session, project string) {
	t.Helper()
	env.coordinator.HandleEvent(context.Background(), session, mustEvent(t, EventRoomJoin, roomJoinPayload{ProjectID: project}))
	if session.Project() != project {
		t.Fatalf("expected session to join %s, got %q", project, session.Project())
	}
	recvEvent(t, session, EventPresenceList)
}

func TestRoomJoinRejectsStrangers(t *testing.T) {
	env := mustEnv(t)
	stranger := NewSession("u-stranger", "Mallory", "")

	env.coordinator.HandleEvent(context.Background(), stranger, mustEvent(t, EventRoomJoin, roomJoinPayload{ProjectID: "p1"}))

	message := recvEvent(t, stranger, EventError)
	if message.Payload.(errorPayload).Message != "access denied to project" {
		t.Fatalf("unexpected error payload: %+v", message.Payload)
	}
	if stranger.Project() != "" {
		t.Fatalf("expected rejected session to stay outside the room")
	}
	if stranger.State() != StateAuthenticated {
		t.Fatalf("expected rejected session to remain authenticated")
	}
	if env.coordinator.Hub().RoomSize("p1") != 0 {
		t.Fatalf("expected empty room after rejection")
	}
}

func TestRoomJoinAnnouncesPeerAndSendsPresenceList(t *testing.T) {
	env := mustEnv(t)
	ctx := context.Background()

	alice := NewSession("u1", "Alice", "")
	joinRoom(t, env, alice, "p1")

	if _, err := env.presences.UpdatePresence(ctx, "p1", presence.Update{UserID: "u1", UserName: "Alice"}); err != nil {
		t.Fatalf("presence update failed: %v", err)
	}

	bob := NewSession("u2", "Bob", "")
	env.coordinator.HandleEvent(ctx, bob, mustEvent(t, EventRoomJoin, roomJoinPayload{ProjectID: "p1"}))

	list := recvEvent(t, bob, EventPresenceList)
	records := list.Payload.([]presence.Record)
	if len(records) != 1 || records[0].UserID != "u1" {
		t.Fatalf("expected presence list with alice, got %+v", records)
	}

	joined := recvEvent(t, alice, EventPeerJoined)
	if joined.Payload.(peerPayload).UserID != "u2" {
		t.Fatalf("expected peer:joined for u2, got %+v", joined.Payload)
	}
	expectNoEvent(t, bob, EventPeerJoined)
}

func TestEventsBeforeJoinAreRejected(t *testing.T) {
	env := mustEnv(t)
	session := NewSession("u1", "Alice", "")

	env.coordinator.HandleEvent(context.Background(), session, mustEvent(t, EventLockAcquire, lockRequestPayload{ProjectID: "p1", FilePath: "a.ts"}))

	message := recvEvent(t, session, EventError)
	if message.Payload.(errorPayload).Message != "join a project room first" {
		t.Fatalf("unexpected error payload: %+v", message.Payload)
	}
}

func TestDocSyncAndUpdateFlow(t *testing.T) {
	env := mustEnv(t)
	ctx := context.Background()

	alice := NewSession("u1", "Alice", "")
	bob := NewSession("u2", "Bob", "")
	joinRoom(t, env, alice, "p1")
	joinRoom(t, env, bob, "p1")
	recvEvent(t, alice, EventPeerJoined)

	if err := env.files.UpsertFile(ctx, "p1", "a.ts", "Hello", ""); err != nil {
		t.Fatalf("seed upsert failed: %v", err)
	}

	env.coordinator.HandleEvent(ctx, alice, mustEvent(t, EventDocRequestSync, docRequestSyncPayload{ProjectID: "p1", FilePath: "a.ts"}))
	state := recvEvent(t, alice, EventDocState)
	statePayload := state.Payload.(docStatePayload)
	if statePayload.FilePath != "a.ts" || statePayload.StateB64 == "" {
		t.Fatalf("unexpected doc state payload: %+v", statePayload)
	}

	// Build an edit on a replica forked from the returned state.
	raw, err := base64.StdEncoding.DecodeString(statePayload.StateB64)
	if err != nil {
		t.Fatalf("state decode failed: %v", err)
	}
	replica, err := automerge.Load(raw)
	if err != nil {
		t.Fatalf("replica load failed: %v", err)
	}
	replica.SaveIncremental()
	if err := replica.Path("content").Text().Insert(5, " World"); err != nil {
		t.Fatalf("replica insert failed: %v", err)
	}
	if _, err := replica.Commit("edit"); err != nil {
		t.Fatalf("replica commit failed: %v", err)
	}
	fragment := base64.StdEncoding.EncodeToString(replica.SaveIncremental())

	env.coordinator.HandleEvent(ctx, alice, mustEvent(t, EventDocUpdate, docUpdatePayload{ProjectID: "p1", FilePath: "a.ts", UpdateB64: fragment}))

	broadcastMessage := recvEvent(t, bob, EventDocUpdate)
	broadcast := broadcastMessage.Payload.(docUpdateBroadcast)
	if broadcast.UserID != "u1" || broadcast.UpdateB64 != fragment {
		t.Fatalf("unexpected doc update broadcast: %+v", broadcast)
	}
	expectNoEvent(t, alice, EventDocUpdate)

	if got := env.registry.GetText("p1", "a.ts"); got != "Hello World" {
		t.Fatalf("expected merged server text, got %q", got)
	}
}

func TestDocUpdateOnUnopenedDocumentReportsToSenderOnly(t *testing.T) {
	env := mustEnv(t)
	ctx := context.Background()

	alice := NewSession("u1", "Alice", "")
	bob := NewSession("u2", "Bob", "")
	joinRoom(t, env, alice, "p1")
	joinRoom(t, env, bob, "p1")
	recvEvent(t, alice, EventPeerJoined)

	fragment := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	env.coordinator.HandleEvent(ctx, alice, mustEvent(t, EventDocUpdate, docUpdatePayload{ProjectID: "p1", FilePath: "never-opened.ts", UpdateB64: fragment}))

	message := recvEvent(t, alice, EventError)
	if message.Payload.(errorPayload).Message != "failed to sync update" {
		t.Fatalf("unexpected error payload: %+v", message.Payload)
	}
	expectNoEvent(t, bob, EventDocUpdate)
}

func TestLockAcquireDenyAndRelease(t *testing.T) {
	env := mustEnv(t)
	ctx := context.Background()

	alice := NewSession("u1", "Alice", "")
	bob := NewSession("u2", "Bob", "")
	joinRoom(t, env, alice, "p1")
	joinRoom(t, env, bob, "p1")
	recvEvent(t, alice, EventPeerJoined)

	lockEvent := lockRequestPayload{ProjectID: "p1", FilePath: "a.ts"}

	env.coordinator.HandleEvent(ctx, alice, mustEvent(t, EventLockAcquire, lockEvent))
	granted := recvEvent(t, alice, EventLockGranted).Payload.(lockGrantedPayload)
	if granted.UserID != "u1" || granted.FilePath != "a.ts" {
		t.Fatalf("unexpected grant payload: %+v", granted)
	}
	// Lock changes reach the whole room, holder included.
	recvEvent(t, bob, EventLockGranted)

	env.coordinator.HandleEvent(ctx, bob, mustEvent(t, EventLockAcquire, lockEvent))
	denied := recvEvent(t, bob, EventLockDenied).Payload.(lockDeniedPayload)
	if denied.Holder == nil || denied.Holder.UserID != "u1" {
		t.Fatalf("expected denial naming the holder, got %+v", denied)
	}
	expectNoEvent(t, alice, EventLockDenied)

	// A non-holder release changes nothing.
	env.coordinator.HandleEvent(ctx, bob, mustEvent(t, EventLockRelease, lockEvent))
	expectNoEvent(t, alice, EventLockReleased)

	env.coordinator.HandleEvent(ctx, alice, mustEvent(t, EventLockRelease, lockEvent))
	released := recvEvent(t, bob, EventLockReleased).Payload.(lockReleasedPayload)
	if released.Reason != ReasonReleased || released.UserID != "u1" {
		t.Fatalf("unexpected release payload: %+v", released)
	}

	env.coordinator.HandleEvent(ctx, bob, mustEvent(t, EventLockAcquire, lockEvent))
	regranted := recvEvent(t, bob, EventLockGranted).Payload.(lockGrantedPayload)
	if regranted.UserID != "u2" {
		t.Fatalf("expected u2 to take the lock after release, got %+v", regranted)
	}
}

func TestPresenceUpdateExcludesSender(t *testing.T) {
	env := mustEnv(t)
	ctx := context.Background()

	alice := NewSession("u1", "Alice", "https://cdn.example/alice.png")
	bob := NewSession("u2", "Bob", "")
	joinRoom(t, env, alice, "p1")
	joinRoom(t, env, bob, "p1")
	recvEvent(t, alice, EventPeerJoined)

	env.coordinator.HandleEvent(ctx, alice, mustEvent(t, EventPresenceUpdate, presenceUpdatePayload{FileName: "a.ts", CursorLine: 12, CursorColumn: 3}))

	update := recvEvent(t, bob, EventPresenceUpdate)
	record := update.Payload.(*presence.Record)
	if record.UserID != "u1" || record.CursorLine != 12 || record.CursorColumn != 3 {
		t.Fatalf("unexpected presence broadcast: %+v", record)
	}
	if record.UserAvatar != "https://cdn.example/alice.png" {
		t.Fatalf("expected session avatar on the presence record, got %q", record.UserAvatar)
	}
	if record.IsTyping {
		t.Fatalf("expected cursor update to clear typing flag")
	}
	expectNoEvent(t, alice, EventPresenceUpdate)
}

func TestRejoinSameRoomDoesNotReannounce(t *testing.T) {
	env := mustEnv(t)
	ctx := context.Background()

	alice := NewSession("u1", "Alice", "")
	bob := NewSession("u2", "Bob", "")
	joinRoom(t, env, alice, "p1")
	joinRoom(t, env, bob, "p1")
	recvEvent(t, alice, EventPeerJoined)

	env.coordinator.HandleEvent(ctx, bob, mustEvent(t, EventRoomJoin, roomJoinPayload{ProjectID: "p1"}))

	// The rejoining member still gets the presence bootstrap.
	recvEvent(t, bob, EventPresenceList)
	expectNoEvent(t, alice, EventPeerJoined)

	if env.coordinator.Hub().RoomSize("p1") != 2 {
		t.Fatalf("expected room membership unchanged, got %d", env.coordinator.Hub().RoomSize("p1"))
	}
	if bob.Project() != "p1" {
		t.Fatalf("expected bob to remain joined to p1, got %q", bob.Project())
	}
}

func TestChatMessageReachesWholeRoom(t *testing.T) {
	env := mustEnv(t)
	ctx := context.Background()

	alice := NewSession("u1", "Alice", "")
	bob := NewSession("u2", "Bob", "")
	joinRoom(t, env, alice, "p1")
	joinRoom(t, env, bob, "p1")
	recvEvent(t, alice, EventPeerJoined)

	env.coordinator.HandleEvent(ctx, alice, mustEvent(t, EventChatMessage, chatMessagePayload{Message: "hi"}))

	for _, session := range []*Session{alice, bob} {
		message := recvEvent(t, session, EventChatMessage).Payload.(chatMessageBroadcast)
		if message.Message != "hi" || message.UserID != "u1" || message.TimestampMS == 0 {
			t.Fatalf("unexpected chat broadcast: %+v", message)
		}
	}
}

func TestDisconnectCleansUpLocksAndPresence(t *testing.T) {
	env := mustEnv(t)
	ctx := context.Background()

	alice := NewSession("u1", "Alice", "")
	bob := NewSession("u2", "Bob", "")
	joinRoom(t, env, alice, "p1")
	joinRoom(t, env, bob, "p1")
	recvEvent(t, alice, EventPeerJoined)

	for _, path := range []string{"a.ts", "b.ts"} {
		env.coordinator.HandleEvent(ctx, alice, mustEvent(t, EventLockAcquire, lockRequestPayload{ProjectID: "p1", FilePath: path}))
		recvEvent(t, alice, EventLockGranted)
		recvEvent(t, bob, EventLockGranted)
	}
	env.coordinator.HandleEvent(ctx, alice, mustEvent(t, EventPresenceUpdate, presenceUpdatePayload{FileName: "a.ts"}))

	env.coordinator.Disconnect(ctx, alice)

	if alice.State() != StateClosed {
		t.Fatalf("expected closed session state")
	}

	left := recvEvent(t, bob, EventPeerLeft).Payload.(peerPayload)
	if left.UserID != "u1" {
		t.Fatalf("expected peer:left for u1, got %+v", left)
	}

	releasedPaths := map[string]bool{}
	for i := 0; i < 2; i++ {
		released := recvEvent(t, bob, EventLockReleased).Payload.(lockReleasedPayload)
		if released.Reason != ReasonDisconnected {
			t.Fatalf("expected disconnected reason, got %+v", released)
		}
		releasedPaths[released.FilePath] = true
	}
	if !releasedPaths["a.ts"] || !releasedPaths["b.ts"] {
		t.Fatalf("expected both locks announced, got %v", releasedPaths)
	}

	projectID, err := locks.NewProjectID("p1")
	if err != nil {
		t.Fatalf("unexpected project id error: %v", err)
	}
	remaining, err := env.lockManager.ListForProject(ctx, projectID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no remaining locks, got %+v", remaining)
	}

	record, err := env.presences.GetPresence(ctx, "p1", "u1")
	if err != nil {
		t.Fatalf("get presence failed: %v", err)
	}
	if record != nil {
		t.Fatalf("expected presence removed on disconnect, got %+v", record)
	}

	if env.coordinator.Hub().RoomSize("p1") != 1 {
		t.Fatalf("expected only bob to remain in the room")
	}
}

func TestMalformedEnvelopeErrorsSenderOnly(t *testing.T) {
	env := mustEnv(t)
	session := NewSession("u1", "Alice", "")
	joinRoom(t, env, session, "p1")

	env.coordinator.HandleEvent(context.Background(), session, []byte("{not json"))
	message := recvEvent(t, session, EventError)
	if message.Payload.(errorPayload).Message != "malformed event" {
		t.Fatalf("unexpected error payload: %+v", message.Payload)
	}
}

func TestSessionBufferDropsWhenFull(t *testing.T) {
	env := mustEnv(t)
	ctx := context.Background()

	alice := NewSession("u1", "Alice", "")
	bob := NewSession("u2", "Bob", "")
	joinRoom(t, env, alice, "p1")
	joinRoom(t, env, bob, "p1")
	recvEvent(t, alice, EventPeerJoined)

	// A consumer that never drains must not stall the room.
	for i := 0; i < sessionBufferSize*2; i++ {
		env.coordinator.HandleEvent(ctx, alice, mustEvent(t, EventChatMessage, chatMessagePayload{Message: fmt.Sprintf("m%d", i)}))
	}
	if env.coordinator.Hub().RoomSize("p1") != 2 {
		t.Fatalf("expected the room to stay intact under backpressure")
	}
}
