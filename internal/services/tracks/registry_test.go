package tracks

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/CustomsBox/internal/customserr"
	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/stretchr/testify/require"
)

// fakeRepo mimics the storage contract: UpdateTracks applies mutate to copies and keeps them only on success.
type fakeRepo struct {
	mu     sync.Mutex
	nextID uint64
	rows   map[string]*models.Track
	writes int
}

func newFakeRepo() *fakeRepo { return &fakeRepo{rows: map[string]*models.Track{}} }

func (f *fakeRepo) InsertTracks(_ context.Context, items []*models.Track) ([]*models.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Track, 0, len(items))
	for _, it := range items {
		if t, ok := f.rows[it.TrackNumber]; ok {
			cp := *t
			out = append(out, &cp)
			continue
		}
		f.nextID++
		cp := *it
		cp.ID = f.nextID
		cp.Status = models.TrackStatusGenerated
		f.rows[cp.TrackNumber] = &cp
		ret := cp
		out = append(out, &ret)
	}
	return out, nil
}

func (f *fakeRepo) GetTrack(_ context.Context, n string) (*models.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[n]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeRepo) UpdateTracks(_ context.Context, numbers []string, mutate func([]*models.Track) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found []*models.Track
	for _, n := range numbers {
		if t, ok := f.rows[n]; ok {
			cp := *t
			found = append(found, &cp)
		}
	}
	if err := mutate(found); err != nil {
		return err
	}
	for _, t := range found {
		f.rows[t.TrackNumber] = t
		f.writes++
	}
	return nil
}

func (f *fakeRepo) ListGeneratedBefore(_ context.Context, before time.Time, limit int) ([]*models.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Track
	for _, t := range f.rows {
		if t.Status == models.TrackStatusGenerated && t.GeneratedAt.Before(before) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackNumber < out[j].TrackNumber })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepo) ListConsumedBy(_ context.Context, id uint64) ([]*models.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Track
	for _, t := range f.rows {
		if t.ConsumerTransactionID != nil && *t.ConsumerTransactionID == id {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackNumber < out[j].TrackNumber })
	return out, nil
}

func newRegistry(now *time.Time) (*Registry, *fakeRepo) {
	repo := newFakeRepo()
	r := New(repo)
	r.now = func() time.Time { return *now }
	return r, repo
}

func register(t *testing.T, r *Registry, numbers ...string) {
	t.Helper()
	_, err := r.RegisterTracks(context.Background(), RegisterInput{
		ShipmentID: 5, TransactionID: 10, WebserviceType: models.WebserviceAnticipada,
		TrackType: "TRACK_CONOCIMIENTO", TrackNumbers: numbers,
	})
	require.NoError(t, err)
}

func TestRegisterTracks_DedupAndIdempotent(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r, repo := newRegistry(&now)

	out, err := r.RegisterTracks(context.Background(), RegisterInput{
		TransactionID: 10, TrackNumbers: []string{"T2", "T1", " T1 "},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "T1", out[0].TrackNumber)

	now = now.Add(time.Hour)
	again, err := r.RegisterTracks(context.Background(), RegisterInput{TransactionID: 11, TrackNumbers: []string{"T1"}})
	require.NoError(t, err)
	require.Equal(t, uint64(10), again[0].TransactionID)
	require.Len(t, repo.rows, 2)
}

func TestRegisterTracks_Validate(t *testing.T) {
	now := time.Now()
	r, _ := newRegistry(&now)

	_, err := r.RegisterTracks(context.Background(), RegisterInput{TrackNumbers: []string{"T1"}})
	require.Error(t, err)
	_, err = r.RegisterTracks(context.Background(), RegisterInput{TransactionID: 1})
	require.Error(t, err)
	_, err = r.RegisterTracks(context.Background(), RegisterInput{TransactionID: 1, TrackNumbers: []string{""}})
	require.Error(t, err)
}

func TestConsume_SecondConsumptionFailsAndFirstIsKept(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r, repo := newRegistry(&now)
	ctx := context.Background()
	register(t, r, "T1", "T2")

	require.NoError(t, r.Consume(ctx, []string{"T1", "T2"}, 77))

	err := r.Consume(ctx, []string{"T1"}, 78)
	require.True(t, customserr.Is(err, customserr.KindState))
	require.Contains(t, err.Error(), "T1 (used_in_micdta)")

	got := repo.rows["T1"]
	require.Equal(t, models.TrackStatusUsedInMicDta, got.Status)
	require.Equal(t, uint64(77), *got.ConsumerTransactionID)

	held, err := r.ConsumedBy(ctx, 77)
	require.NoError(t, err)
	require.Equal(t, []string{"T1", "T2"}, held)
}

func TestConsume_AllOrNothing(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r, repo := newRegistry(&now)
	register(t, r, "T1")

	err := r.Consume(context.Background(), []string{"T1", "T9"}, 77)
	var ce *customserr.Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, []string{"T9 (unknown)"}, ce.Subjects())

	require.Equal(t, models.TrackStatusGenerated, repo.rows["T1"].Status)
	require.Zero(t, repo.writes)
}

func TestWithin_WritesThroughGivenWriter(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r, repo := newRegistry(&now)
	register(t, r, "T1")

	bound := newFakeRepo()
	bound.rows["T1"] = &models.Track{TrackNumber: "T1", Status: models.TrackStatusGenerated}
	require.NoError(t, r.Within(bound).Consume(context.Background(), []string{"T1"}, 77))

	require.Equal(t, models.TrackStatusUsedInMicDta, bound.rows["T1"].Status)
	require.Equal(t, models.TrackStatusGenerated, repo.rows["T1"].Status, "the registry's own repository is untouched")

	require.NoError(t, r.Consume(context.Background(), []string{"T1"}, 78))
	require.Equal(t, uint64(78), *repo.rows["T1"].ConsumerTransactionID)
}

func TestMarkCompleted(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r, repo := newRegistry(&now)
	ctx := context.Background()
	register(t, r, "T1", "T2")

	err := r.MarkCompleted(ctx, []string{"T1"})
	require.True(t, customserr.Is(err, customserr.KindState), "generated tracks cannot complete")

	require.NoError(t, r.Consume(ctx, []string{"T1", "T2"}, 77))
	require.NoError(t, r.MarkCompleted(ctx, []string{"T1", "T2"}))
	require.Equal(t, models.TrackStatusCompleted, repo.rows["T2"].Status)
	require.NotNil(t, repo.rows["T2"].CompletedAt)

	err = r.Consume(ctx, []string{"T2"}, 80)
	require.Contains(t, err.Error(), "T2 (completed)")
}

func TestMarkError_SkipsCompleted(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r, repo := newRegistry(&now)
	ctx := context.Background()
	register(t, r, "T1", "T2")
	require.NoError(t, r.Consume(ctx, []string{"T2"}, 77))
	require.NoError(t, r.MarkCompleted(ctx, []string{"T2"}))

	require.NoError(t, r.MarkError(ctx, []string{"T1", "T2"}, "register rejected"))
	require.Equal(t, models.TrackStatusError, repo.rows["T1"].Status)
	require.Equal(t, "register rejected", *repo.rows["T1"].ErrorMessage)
	require.Equal(t, models.TrackStatusCompleted, repo.rows["T2"].Status)
}

func TestStatus_ExpiryIsComputedOnRead(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r, repo := newRegistry(&now)
	ctx := context.Background()
	register(t, r, "T1", "T2")
	require.NoError(t, r.Consume(ctx, []string{"T2"}, 77))
	writes := repo.writes

	v, err := r.Status(ctx, "T1")
	require.NoError(t, err)
	require.False(t, v.IsExpired)

	now = now.Add(25 * time.Hour)
	v, err = r.Status(ctx, "T1")
	require.NoError(t, err)
	require.True(t, v.IsExpired)
	require.Equal(t, models.TrackStatusGenerated, v.State)

	used, err := r.Status(ctx, "T2")
	require.NoError(t, err)
	require.False(t, used.IsExpired)
	require.NotNil(t, used.UsedAt)

	expired, err := r.ListExpired(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "T1", expired[0].TrackNumber)

	require.Equal(t, writes, repo.writes, "reads never write")
	require.Equal(t, models.TrackStatusGenerated, repo.rows["T1"].Status)

	_, err = r.Status(ctx, "nope")
	require.ErrorIs(t, err, models.ErrNotFound)
}
