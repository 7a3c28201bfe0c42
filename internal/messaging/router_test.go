package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mossy-p/realtime-core/internal/models"
	"github.com/mossy-p/realtime-core/internal/registry"
	"github.com/mossy-p/realtime-core/internal/registry/registrytest"
	"github.com/mossy-p/realtime-core/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []int64
}

func (n *recordingNotifier) Notify(_ context.Context, userID int64, _ models.NotificationType, _ string, _ *int64) (*models.Notification, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, userID)
	return &models.Notification{UserID: userID}, nil
}

// failingStore fails writes while fail is set and membership lookups while
// failMembers is set. With staleGet, Get reports messages as unread, as a
// reader racing another mark-read would see them.
type failingStore struct {
	*store.Memory
	fail        bool
	failMembers bool
	staleGet    bool
}

var errDiskFull = errors.New("disk full")

func (s *failingStore) Save(ctx context.Context, m *models.Message) (*models.Message, error) {
	if s.fail {
		return nil, errDiskFull
	}
	return s.Memory.Save(ctx, m)
}

func (s *failingStore) SaveGroup(ctx context.Context, m *models.GroupMessage) (*models.GroupMessage, error) {
	if s.fail {
		return nil, errDiskFull
	}
	return s.Memory.SaveGroup(ctx, m)
}

func (s *failingStore) MembersOf(ctx context.Context, groupID int64) ([]int64, error) {
	if s.failMembers {
		return nil, errDiskFull
	}
	return s.Memory.MembersOf(ctx, groupID)
}

func (s *failingStore) Get(ctx context.Context, id int64) (*models.Message, error) {
	msg, err := s.Memory.Get(ctx, id)
	if err == nil && s.staleGet {
		msg.IsRead = false
		msg.ReadAt = nil
	}
	return msg, err
}

type fixture struct {
	store    *failingStore
	reg      *registry.Registry
	notifier *recordingNotifier
	router   *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	mem.AddUser(1, 2, 3, 4)
	mem.SetGroup(10, 1, 2, 3)
	fs := &failingStore{Memory: mem}
	reg := registry.New(0, nil, nil)
	n := &recordingNotifier{}
	return &fixture{store: fs, reg: reg, notifier: n, router: NewRouter(fs, fs, reg, n, nil)}
}

func (f *fixture) connect(t *testing.T, id string, userID int64) *registrytest.Conn {
	t.Helper()
	c := registrytest.NewConn(id)
	require.NoError(t, f.reg.Bind(c, userID))
	return c
}

func TestRouteDirectToOfflineRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.connect(t, "b1", 2)

	msg, err := f.router.RouteDirect(ctx, Origin{UserID: 2, ConnID: "b1"}, 1, "hi", nil)
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)
	assert.False(t, msg.IsRead)
	assert.Empty(t, sender.Frames(), "origin connection gets no echo")
	assert.Equal(t, []int64{1}, f.notifier.calls)

	// user 1 connects later and fetches history
	history, err := f.router.History(ctx, 1, 2, 20)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Content)
}

func TestRouteDirectPushesOncePerConnection(t *testing.T) {
	f := newFixture(t)
	tab1 := f.connect(t, "a1", 1)
	tab2 := f.connect(t, "a2", 1)
	senderOther := f.connect(t, "b2", 2)

	msg, err := f.router.RouteDirect(context.Background(), Origin{UserID: 2, ConnID: "b1"}, 1, "hello", nil)
	require.NoError(t, err)

	for _, c := range []*registrytest.Conn{tab1, tab2, senderOther} {
		frames := c.Frames()
		require.Len(t, frames, 1, c.ID())
		assert.Equal(t, models.FrameMessage, frames[0].Type)
		require.NotNil(t, frames[0].Message)
		assert.Equal(t, msg.ID, frames[0].Message.ID)
	}
	assert.Empty(t, f.notifier.calls, "online recipient gets no notification")
}

func TestRouteDirectPreservesOrder(t *testing.T) {
	f := newFixture(t)
	recipient := f.connect(t, "b", 2)
	ctx := context.Background()
	from := Origin{UserID: 1, ConnID: "a"}

	m1, err := f.router.RouteDirect(ctx, from, 2, "m1", nil)
	require.NoError(t, err)
	m2, err := f.router.RouteDirect(ctx, from, 2, "m2", nil)
	require.NoError(t, err)

	frames := recipient.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, m1.ID, frames[0].Message.ID)
	assert.Equal(t, m2.ID, frames[1].Message.ID)
}

func TestRouteDirectConcurrentSendersKeepInsertionOrder(t *testing.T) {
	f := newFixture(t)
	recipient := f.connect(t, "b", 2)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.router.RouteDirect(ctx, Origin{UserID: 1, ConnID: "a"}, 2, "x", nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	frames := recipient.Frames()
	require.Len(t, frames, 20)
	for i := 1; i < len(frames); i++ {
		assert.Less(t, frames[i-1].Message.ID, frames[i].Message.ID)
	}
	assert.Zero(t, f.router.order.size())
}

func TestRouteDirectValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.router.RouteDirect(ctx, Origin{UserID: 1}, 2, "", nil)
	assert.ErrorIs(t, err, models.ErrInvalidFrame)

	_, err = f.router.RouteDirect(ctx, Origin{UserID: 1}, 1, "me", nil)
	assert.ErrorIs(t, err, models.ErrInvalidFrame)

	msg, err := f.router.RouteDirect(ctx, Origin{UserID: 1}, 2, "", &models.Voice{URL: "https://cdn/a.ogg", Duration: 3})
	require.NoError(t, err)
	require.NotNil(t, msg.VoiceMessageDuration)
	assert.Equal(t, 3, *msg.VoiceMessageDuration)
}

func TestRouteDirectPersistenceFailure(t *testing.T) {
	f := newFixture(t)
	recipient := f.connect(t, "b", 2)
	f.store.fail = true

	msg, err := f.router.RouteDirect(context.Background(), Origin{UserID: 1, ConnID: "a"}, 2, "still here", nil)
	assert.ErrorIs(t, err, models.ErrPersistence)
	require.NotNil(t, msg)
	assert.Zero(t, msg.ID)

	frames := recipient.Frames()
	require.Len(t, frames, 1, "delivery is still attempted")
	assert.Equal(t, "still here", frames[0].Message.Content)
}

func TestRouteGroup(t *testing.T) {
	f := newFixture(t)
	origin := f.connect(t, "a1", 1)
	otherTab := f.connect(t, "a2", 1)
	member := f.connect(t, "b", 2)
	outsider := f.connect(t, "d", 4)

	gm, err := f.router.RouteGroup(context.Background(), Origin{UserID: 1, ConnID: "a1"}, 10, "hey all", nil)
	require.NoError(t, err)
	assert.NotZero(t, gm.ID)

	assert.Empty(t, origin.Frames())
	assert.Equal(t, []models.FrameType{models.FrameGroupMessage}, otherTab.Types())
	assert.Equal(t, []models.FrameType{models.FrameGroupMessage}, member.Types())
	assert.Empty(t, outsider.Frames())
}

func TestRouteGroupRejectsNonMember(t *testing.T) {
	f := newFixture(t)
	member := f.connect(t, "b", 2)

	_, err := f.router.RouteGroup(context.Background(), Origin{UserID: 4, ConnID: "d"}, 10, "let me in", nil)
	assert.ErrorIs(t, err, models.ErrPermissionDenied)
	assert.Empty(t, member.Frames())

	_, err = f.router.RouteGroup(context.Background(), Origin{UserID: 1}, 99, "nobody", nil)
	assert.ErrorIs(t, err, models.ErrPermissionDenied)
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.connect(t, "a", 1)

	msg, err := f.router.RouteDirect(ctx, Origin{UserID: 1, ConnID: "a"}, 2, "read me", nil)
	require.NoError(t, err)

	_, err = f.router.MarkRead(ctx, msg.ID, 3)
	assert.ErrorIs(t, err, models.ErrPermissionDenied)
	_, err = f.router.MarkRead(ctx, msg.ID, 1)
	assert.ErrorIs(t, err, models.ErrPermissionDenied, "the sender cannot mark its own message read")

	first, err := f.router.MarkRead(ctx, msg.ID, 2)
	require.NoError(t, err)
	require.True(t, first.IsRead)
	require.NotNil(t, first.ReadAt)

	second, err := f.router.MarkRead(ctx, msg.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, *first.ReadAt, *second.ReadAt)

	receipts := sender.Frames()
	require.Len(t, receipts, 1, "receipt only on the first transition")
	assert.Equal(t, models.FrameMessageRead, receipts[0].Type)
	assert.Equal(t, msg.ID, receipts[0].MessageID)

	_, err = f.router.MarkRead(ctx, 12345, 2)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRouteGroupMembershipLookupFailure(t *testing.T) {
	f := newFixture(t)
	member := f.connect(t, "b", 2)
	f.store.failMembers = true

	msg, err := f.router.RouteGroup(context.Background(), Origin{UserID: 1, ConnID: "a"}, 10, "hello", nil)
	assert.Nil(t, msg)
	assert.ErrorIs(t, err, models.ErrPersistence)
	assert.NotErrorIs(t, err, models.ErrPermissionDenied)
	assert.Empty(t, member.Frames(), "nothing is pushed without a member list")
}

func TestRouteGroupPersistenceFailureStillPushes(t *testing.T) {
	f := newFixture(t)
	sender := f.connect(t, "a1", 1)
	otherTab := f.connect(t, "a2", 1)
	member := f.connect(t, "b", 2)
	outsider := f.connect(t, "d", 4)
	f.store.fail = true

	msg, err := f.router.RouteGroup(context.Background(), Origin{UserID: 1, ConnID: "a1"}, 10, "unsaved", nil)
	assert.ErrorIs(t, err, models.ErrPersistence)
	require.NotNil(t, msg)
	assert.Zero(t, msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())

	got := member.Frames()
	require.Len(t, got, 1)
	assert.Equal(t, models.FrameGroupMessage, got[0].Type)
	assert.Equal(t, "unsaved", got[0].GroupMessage.Content)
	assert.Len(t, otherTab.Frames(), 1)
	assert.Empty(t, sender.Frames())
	assert.Empty(t, outsider.Frames())
}

func TestMarkReadRaceSendsOneReceipt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sender := f.connect(t, "a", 1)

	msg, err := f.router.RouteDirect(ctx, Origin{UserID: 1, ConnID: "a"}, 2, "read me", nil)
	require.NoError(t, err)

	// both calls pass the unread check before either writes
	f.store.staleGet = true
	first, err := f.router.MarkRead(ctx, msg.ID, 2)
	require.NoError(t, err)
	second, err := f.router.MarkRead(ctx, msg.ID, 2)
	require.NoError(t, err)

	require.NotNil(t, first.ReadAt)
	require.NotNil(t, second.ReadAt)
	assert.Equal(t, *first.ReadAt, *second.ReadAt)
	assert.Len(t, sender.Frames(), 1)
}
