package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/pcw/pkg/resource"
)

var testNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

const defaultTTL = 44400 * time.Second

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func openTestCatalog(t *testing.T) (*Catalog, *testClock, string) {
	t.Helper()
	clock := &testClock{now: testNow}
	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := Open(path, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, clock, path
}

func instance(id string, age time.Duration, tags map[string]string) resource.Instance {
	return resource.Instance{
		ID:        id,
		Region:    "eu-central-1",
		CreatedAt: testNow.Add(-age),
		Type:      "t3.micro",
		Tags:      tags,
	}
}

func TestUpsert_CreatesActiveRow(t *testing.T) {
	c, _, _ := openTestCatalog(t)

	row, err := c.Upsert("ns1", resource.KindEC2, instance("i-aaa", 10*time.Minute, map[string]string{"openqa_created_by": "bob"}), defaultTTL)
	require.NoError(t, err)

	assert.Equal(t, StateActive, row.State)
	assert.True(t, row.Active)
	assert.False(t, row.Ignore)
	assert.Equal(t, 10*time.Minute, row.Age)
	assert.Equal(t, defaultTTL, row.TTL)
	assert.Equal(t, testNow, row.LastSeen)

	rows, err := c.List(Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, row, rows[0])
}

func TestUpsert_IdentityIsUnique(t *testing.T) {
	c, _, _ := openTestCatalog(t)

	first, err := c.Upsert("ns1", resource.KindEC2, instance("i-aaa", time.Minute, nil), defaultTTL)
	require.NoError(t, err)
	second, err := c.Upsert("ns1", resource.KindEC2, instance("i-aaa", time.Minute, nil), defaultTTL)
	require.NoError(t, err)
	other, err := c.Upsert("ns2", resource.KindEC2, instance("i-aaa", time.Minute, nil), defaultTTL)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, first.ID, other.ID)

	rows, err := c.List(Filter{})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestUpsert_TTLAndIgnoreTags(t *testing.T) {
	c, _, _ := openTestCatalog(t)

	row, err := c.Upsert("ns1", resource.KindGCE, instance("vm", time.Minute, map[string]string{
		resource.TagTTL:    "60",
		resource.TagIgnore: "1",
	}), defaultTTL)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, row.TTL)
	assert.True(t, row.Ignore)

	row, err = c.Upsert("ns1", resource.KindGCE, instance("vm2", time.Minute, map[string]string{resource.TagTTL: "soon"}), defaultTTL)
	require.NoError(t, err)
	assert.Equal(t, defaultTTL, row.TTL)
}

func TestUpsert_TagsFollowLatestListing(t *testing.T) {
	c, _, _ := openTestCatalog(t)

	row, err := c.Upsert("ns1", resource.KindEC2, instance("i-1", time.Minute, map[string]string{
		resource.TagTTL:    " 120 ",
		resource.TagIgnore: "",
	}), defaultTTL)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, row.TTL)
	assert.True(t, row.Ignore)

	// Tags removed on the cloud side drop the protection and the TTL override.
	row, err = c.Upsert("ns1", resource.KindEC2, instance("i-1", time.Minute, nil), defaultTTL)
	require.NoError(t, err)
	assert.Equal(t, defaultTTL, row.TTL)
	assert.False(t, row.Ignore)

	// A vanishing instance still carries its latest tags.
	vanished := instance("i-1", time.Minute, map[string]string{resource.TagIgnore: "1"})
	vanished.Vanished = true
	row, err = c.Upsert("ns1", resource.KindEC2, vanished, defaultTTL)
	require.NoError(t, err)
	assert.True(t, row.Ignore)
}

func TestDiscoveryPass(t *testing.T) {
	c, clock, _ := openTestCatalog(t)

	_, err := c.Upsert("ns1", resource.KindEC2, instance("i-seen", time.Hour, nil), defaultTTL)
	require.NoError(t, err)
	_, err = c.Upsert("ns1", resource.KindEC2, instance("i-gone", time.Hour, nil), defaultTTL)
	require.NoError(t, err)
	_, err = c.Upsert("ns1", resource.KindAzure, instance("rg", time.Hour, nil), defaultTTL)
	require.NoError(t, err)

	clock.now = testNow.Add(45 * time.Minute)
	n, err := c.MarkAllInactive("ns1", resource.KindEC2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	row, err := c.Upsert("ns1", resource.KindEC2, instance("i-seen", time.Hour, nil), defaultTTL)
	require.NoError(t, err)
	assert.True(t, row.Active)
	assert.Equal(t, StateActive, row.State)
	assert.Equal(t, time.Hour+45*time.Minute, row.Age)

	n, err = c.MarkDeleted("ns1", resource.KindEC2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	deleted, err := c.List(Filter{State: StateDeleted})
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, "i-gone", deleted[0].InstanceID)
	assert.False(t, deleted[0].Active)

	// other providers are untouched
	azure, err := c.List(Filter{Namespace: "ns1", Provider: resource.KindAzure})
	require.NoError(t, err)
	require.Len(t, azure, 1)
	assert.True(t, azure[0].Active)
}

func TestUpsert_RevivesDeletedRow(t *testing.T) {
	c, clock, _ := openTestCatalog(t)

	_, err := c.Upsert("ns1", resource.KindEC2, instance("i-aaa", 5*time.Hour, nil), defaultTTL)
	require.NoError(t, err)
	_, err = c.MarkAllInactive("ns1", resource.KindEC2)
	require.NoError(t, err)
	_, err = c.MarkDeleted("ns1", resource.KindEC2)
	require.NoError(t, err)

	clock.now = testNow.Add(time.Hour)
	relaunched := instance("i-aaa", 0, nil)
	relaunched.CreatedAt = testNow.Add(30 * time.Minute)
	row, err := c.Upsert("ns1", resource.KindEC2, relaunched, defaultTTL)
	require.NoError(t, err)

	assert.Equal(t, StateActive, row.State)
	assert.Equal(t, relaunched.CreatedAt, row.FirstSeen)
	assert.Equal(t, 30*time.Minute, row.Age)
}

func TestUpsert_DeletingStaysDeleting(t *testing.T) {
	c, _, _ := openTestCatalog(t)

	row, err := c.Upsert("ns1", resource.KindEC2, instance("i-aaa", time.Hour, nil), defaultTTL)
	require.NoError(t, err)
	_, err = c.MarkDeleting(row.ID)
	require.NoError(t, err)

	row, err = c.Upsert("ns1", resource.KindEC2, instance("i-aaa", time.Hour, nil), defaultTTL)
	require.NoError(t, err)
	assert.Equal(t, StateDeleting, row.State)
	assert.True(t, row.Active)
	require.NotNil(t, row.DeletingSince)
}

func TestUpsert_VanishedSkipsSetAlive(t *testing.T) {
	c, clock, _ := openTestCatalog(t)

	_, err := c.Upsert("ns1", resource.KindAzure, instance("rg", time.Hour, nil), defaultTTL)
	require.NoError(t, err)
	clock.now = testNow.Add(time.Hour)
	_, err = c.MarkAllInactive("ns1", resource.KindAzure)
	require.NoError(t, err)

	vanished := instance("rg", time.Hour, nil)
	vanished.Vanished = true
	vanished.Type = ""
	row, err := c.Upsert("ns1", resource.KindAzure, vanished, defaultTTL)
	require.NoError(t, err)
	assert.False(t, row.Active)
	assert.Equal(t, testNow, row.LastSeen)
	assert.Equal(t, "t3.micro", row.Type)

	_, err = c.MarkDeleted("ns1", resource.KindAzure)
	require.NoError(t, err)
	got, err := c.Get(row.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDeleted, got.State)
}

type fakeOracle map[string]bool

func (f fakeOracle) IsCancelled(_ context.Context, server, jobID string) bool {
	return f[server+"/"+jobID]
}

func TestCandidates(t *testing.T) {
	c, _, _ := openTestCatalog(t)

	upsert := func(id string, age time.Duration, tags map[string]string) Row {
		row, err := c.Upsert("ns1", resource.KindEC2, instance(id, age, tags), defaultTTL)
		require.NoError(t, err)
		return row
	}
	upsert("expired", 5*time.Minute, map[string]string{resource.TagTTL: "60"})
	upsert("at-limit", time.Minute, map[string]string{resource.TagTTL: "60"})
	upsert("young", time.Minute, nil)
	upsert("ignored", time.Hour, map[string]string{resource.TagTTL: "60", resource.TagIgnore: "1"})
	upsert("cancelled", time.Minute, map[string]string{resource.TagServer: "openqa.example", resource.TagJobID: "12345"})
	upsert("running", time.Minute, map[string]string{resource.TagServer: "openqa.example", resource.TagJobID: "999"})
	deleting := upsert("deleting", time.Hour, map[string]string{resource.TagTTL: "60"})
	_, err := c.MarkDeleting(deleting.ID)
	require.NoError(t, err)

	rows, err := c.Candidates(context.Background(), "ns1", fakeOracle{"openqa.example/12345": true})
	require.NoError(t, err)

	var ids []string
	for _, r := range rows {
		ids = append(ids, r.InstanceID)
	}
	assert.ElementsMatch(t, []string{"expired", "cancelled"}, ids)

	rows, err = c.Candidates(context.Background(), "ns1", nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "expired", rows[0].InstanceID)
}

func TestResetStaleDeleting(t *testing.T) {
	c, clock, _ := openTestCatalog(t)
	after := time.Hour

	stale, err := c.Upsert("ns1", resource.KindEC2, instance("stale", time.Hour, nil), defaultTTL)
	require.NoError(t, err)
	_, err = c.MarkDeleting(stale.ID)
	require.NoError(t, err)

	clock.now = testNow.Add(after)
	edge, err := c.Upsert("ns1", resource.KindEC2, instance("edge", time.Hour, nil), defaultTTL)
	require.NoError(t, err)
	_, err = c.MarkDeleting(edge.ID)
	require.NoError(t, err)

	clock.now = testNow.Add(2 * after)
	reset, err := c.ResetStaleDeleting("ns1", after)
	require.NoError(t, err)
	require.Len(t, reset, 1)
	assert.Equal(t, "stale", reset[0].InstanceID)
	assert.Equal(t, StateActive, reset[0].State)
	assert.Nil(t, reset[0].DeletingSince)

	got, err := c.Get(edge.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDeleting, got.State)
}

func TestMarkDeleting_RequiresActive(t *testing.T) {
	c, _, _ := openTestCatalog(t)

	row, err := c.Upsert("ns1", resource.KindEC2, instance("i-aaa", time.Hour, nil), defaultTTL)
	require.NoError(t, err)
	_, err = c.MarkAllInactive("ns1", resource.KindEC2)
	require.NoError(t, err)
	_, err = c.MarkDeleted("ns1", resource.KindEC2)
	require.NoError(t, err)

	_, err = c.MarkDeleting(row.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = c.MarkDeleting(9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOverdueAndNotified(t *testing.T) {
	c, _, _ := openTestCatalog(t)

	old, err := c.Upsert("ns1", resource.KindEC2, instance("old", 30*time.Hour, nil), defaultTTL)
	require.NoError(t, err)
	_, err = c.Upsert("ns1", resource.KindEC2, instance("new", time.Hour, nil), defaultTTL)
	require.NoError(t, err)

	rows, err := c.Overdue("ns1", 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, old.ID, rows[0].ID)

	require.NoError(t, c.MarkNotified(old.ID))
	rows, err = c.Overdue("ns1", 24*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestReopenRebuildsIndex(t *testing.T) {
	c, _, path := openTestCatalog(t)

	row, err := c.Upsert("ns1", resource.KindEC2, instance("i-aaa", time.Hour, nil), defaultTTL)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	reopened, err := Open(path, WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	defer reopened.Close()

	again, err := reopened.Upsert("ns1", resource.KindEC2, instance("i-aaa", time.Hour, nil), defaultTTL)
	require.NoError(t, err)
	assert.Equal(t, row.ID, again.ID)
}

func TestTransition(t *testing.T) {
	tests := []struct {
		from  State
		event string
		want  State
		err   bool
	}{
		{StateUnknown, eventDiscover, StateActive, false},
		{StateActive, eventDiscover, StateActive, false},
		{StateDeleted, eventDiscover, StateActive, false},
		{StateDeleting, eventDiscover, StateDeleting, true},
		{StateActive, eventDelete, StateDeleting, false},
		{StateDeleted, eventDelete, StateDeleted, true},
		{StateDeleting, eventVanish, StateDeleted, false},
		{StateDeleting, eventReset, StateActive, false},
		{StateActive, eventReset, StateActive, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+tt.event, func(t *testing.T) {
			got, err := transition(tt.from, tt.event)
			if tt.err {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
