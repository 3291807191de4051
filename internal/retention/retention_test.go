package retention

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/ihacdn/internal/config"
	"github.com/dharsanguruparan/ihacdn/internal/model"
)

func testPolicy() *Policy {
	limit := int64(1 << 20)
	return &Policy{
		Enabled:     true,
		MinAge:      30 * day,
		MaxAge:      180 * day,
		PublicLimit: &limit,
	}
}

func writeFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "abcdefgh.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o600))
	return path
}

func TestMaxAgeEndpoints(t *testing.T) {
	p := testPolicy()
	assert.Equal(t, 180*day, p.MaxAgeFor(0, 1<<20))
	assert.Equal(t, 30*day, p.MaxAgeFor(1<<20, 1<<20))
	assert.Equal(t, 30*day, p.MaxAgeFor(4<<20, 1<<20), "oversized files clamp to the minimum")
	assert.Equal(t, 30*day, p.MaxAgeFor(10, 0), "non-positive limit treats every file as full size")
}

func TestMaxAgeMonotonic(t *testing.T) {
	p := testPolicy()
	limit := int64(1 << 20)
	prev := p.MaxAgeFor(0, limit)
	for size := int64(0); size <= limit; size += limit / 64 {
		got := p.MaxAgeFor(size, limit)
		assert.LessOrEqual(t, got, prev, "size %d", size)
		assert.GreaterOrEqual(t, got, p.MinAge)
		assert.LessOrEqual(t, got, p.MaxAge)
		prev = got
	}
}

func TestLargerFileExpiresNoLater(t *testing.T) {
	p := testPolicy()
	added := time.Unix(1700000000, 0)
	small := model.File{Blob: model.Blob{Path: writeFile(t, 1024), TimeAdded: added.Unix()}}
	large := model.File{Blob: model.Blob{Path: writeFile(t, 1<<20), TimeAdded: added.Unix()}}

	for _, age := range []time.Duration{day, 31 * day, 90 * day, 179 * day, 181 * day} {
		now := added.Add(age)
		smallExpired, err := p.IsExpired(small, now)
		require.NoError(t, err)
		largeExpired, err := p.IsExpired(large, now)
		require.NoError(t, err)
		if smallExpired {
			assert.True(t, largeExpired, "age %s: small expired before large", age)
		}
	}
}

func TestIsExpired(t *testing.T) {
	p := testPolicy()
	added := time.Unix(1700000000, 0)
	path := writeFile(t, 1<<20)
	rec := model.Code{Blob: model.Blob{Path: path, MimeType: "txt", TimeAdded: added.Unix()}}

	expired, err := p.IsExpired(rec, added.Add(29*day))
	require.NoError(t, err)
	assert.False(t, expired)

	expired, err = p.IsExpired(rec, added.Add(31*day))
	require.NoError(t, err)
	assert.True(t, expired)
}

func TestShortNeverExpires(t *testing.T) {
	expired, err := testPolicy().IsExpired(model.Short{Target: "https://example.com"}, time.Now().Add(1000*day))
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestAdminImmortal(t *testing.T) {
	p := testPolicy()
	limit := int64(10)
	p.AdminLimit = &limit
	for _, size := range []int{0, 10, 1 << 20} {
		rec := model.File{Blob: model.Blob{Admin: true, Path: writeFile(t, size), TimeAdded: 0}}
		expired, err := p.IsExpired(rec, time.Now())
		require.NoError(t, err)
		assert.False(t, expired)
	}
	rec := model.File{Blob: model.Blob{Admin: true, Path: "/nonexistent/file", TimeAdded: 0}}
	expired, err := p.IsExpired(rec, time.Now())
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestNoLimitNeverExpires(t *testing.T) {
	p := testPolicy()
	p.PublicLimit = nil
	rec := model.File{Blob: model.Blob{Path: "/nonexistent/file", TimeAdded: 0}}
	expired, err := p.IsExpired(rec, time.Now())
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestMissingFileIsExpired(t *testing.T) {
	p := testPolicy()
	rec := model.File{Blob: model.Blob{Path: filepath.Join(t.TempDir(), "gone.png"), TimeAdded: time.Now().Unix()}}
	expired, err := p.IsExpired(rec, time.Now())
	require.NoError(t, err)
	assert.True(t, expired)
}

func TestStatErrorPropagates(t *testing.T) {
	p := testPolicy()
	p.stat = func(string) (fs.FileInfo, error) { return nil, errors.New("disk on fire") }
	rec := model.File{Blob: model.Blob{Path: "/srv/uploads/x.png", TimeAdded: time.Now().Unix()}}
	_, err := p.IsExpired(rec, time.Now())
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Retention.Enable = true
	p := FromConfig(cfg)
	assert.True(t, p.Enabled)
	assert.Equal(t, 30*day, p.MinAge)
	assert.Equal(t, 180*day, p.MaxAge)
	require.NotNil(t, p.PublicLimit)
	assert.Equal(t, int64(512<<20), *p.PublicLimit)
	assert.Nil(t, p.AdminLimit)
}
