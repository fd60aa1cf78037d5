package uploads

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestProgressSampler(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewProgressSampler(1000, clock.now)

	clock.advance(time.Second)
	p := s.Observe(250)
	assert.Equal(t, uint64(250), p.Uploaded)
	assert.InDelta(t, 25.0, p.Percent, 0.001)
	assert.InDelta(t, 250.0, p.Speed, 0.001)

	clock.advance(500 * time.Millisecond)
	p = s.Observe(750)
	assert.InDelta(t, 75.0, p.Percent, 0.001)
	assert.InDelta(t, 1000.0, p.Speed, 0.001, "speed is a point sample, not an average")

	// same instant: no division by zero
	p = s.Observe(800)
	assert.Zero(t, p.Speed)

	clock.advance(time.Second)
	p = s.Observe(100)
	assert.Zero(t, p.Speed, "regressed count yields no speed")
}

func TestProgressSampler_PercentBounds(t *testing.T) {
	s := NewProgressSampler(10, nil)
	assert.InDelta(t, 100.0, s.Observe(25).Percent, 0.001)

	empty := NewProgressSampler(0, nil)
	assert.Zero(t, empty.Observe(5).Percent)
}

func TestProgressReader(t *testing.T) {
	var seen []uint64
	r := NewProgressReader(strings.NewReader("hello world"), func(n uint64) {
		seen = append(seen, n)
	})

	buf := make([]byte, 4)
	for {
		_, err := r.Read(buf)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
	}

	assert.Equal(t, uint64(11), r.BytesRead())
	assert.Equal(t, []uint64{4, 8, 11}, seen)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeSuccess},
		{"application", &ApplicationError{Message: "denied", Code: "AUTH_002"}, OutcomeApplicationError},
		{"wrapped application", errors.Join(errors.New("ctx"), &ApplicationError{Message: "x"}), OutcomeApplicationError},
		{"malformed", MalformedResponse(errors.New("bad json")), OutcomeMalformedResponse},
		{"transport", TransportError(errors.New("timeout")), OutcomeTransportError},
		{"plain error", errors.New("something"), OutcomeTransportError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestApplicationError_EmptyMessage(t *testing.T) {
	assert.Equal(t, "upload rejected", (&ApplicationError{}).Error())
}

func TestParseStorageClass(t *testing.T) {
	c, err := ParseStorageClass("")
	require.NoError(t, err)
	assert.Equal(t, StorageStandard, c)

	c, err = ParseStorageClass(" glacier ")
	require.NoError(t, err)
	assert.Equal(t, StorageGlacier, c)

	_, err = ParseStorageClass("COLD")
	assert.Error(t, err)
}

func TestDestinationKey(t *testing.T) {
	tests := []struct {
		base, sub, name string
		want            string
	}{
		{"", "", "a.txt", "a.txt"},
		{"docs/", "", "a.txt", "docs/a.txt"},
		{"docs/", "2024", "a.txt", "docs/2024/a.txt"},
		{"docs/", "/2024/q1/", "a.txt", "docs/2024/q1/a.txt"},
		{"", "  ", "a.txt", "a.txt"},
		{"docs", "", "a.txt", "docs/a.txt"},
		{"/docs", "reports", "a.txt", "docs/reports/a.txt"},
		{"/", "", "a.txt", "a.txt"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DestinationKey(tt.base, tt.sub, tt.name))
	}
}

func TestNormalisePrefix(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"/", ""},
		{"  ", ""},
		{"docs", "docs/"},
		{"/docs/", "docs/"},
		{"docs/2024", "docs/2024/"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalisePrefix(tt.in), tt.in)
	}
}

func TestNewTask(t *testing.T) {
	task := NewTask(NewMemoryFile("a.bin", []byte("abc")), "x/a.bin", "")
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, StorageStandard, task.StorageClass)
	assert.Equal(t, uint64(3), task.TotalBytes)

	snap := task.Snapshot()
	assert.Equal(t, "a.bin", snap.FileName)
	assert.Equal(t, task.ID, snap.ID)
}

func TestSpool(t *testing.T) {
	dir := t.TempDir()

	f, err := Spool(dir, "notes.txt", strings.NewReader("spooled"))
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", f.Name())
	assert.Equal(t, int64(7), f.Size())

	rc, err := f.Open()
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "spooled", string(data))

	require.NoError(t, f.Release())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, f.Release(), "second release is a no-op")
}

func TestNewLocalFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg"), 0o600))

	f, err := NewLocalFile(path)
	require.NoError(t, err)
	assert.Equal(t, "photo.jpg", f.Name())
	assert.Equal(t, int64(4), f.Size())

	_, err = NewLocalFile(dir)
	assert.Error(t, err)
}
