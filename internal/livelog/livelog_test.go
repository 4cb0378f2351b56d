package livelog

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func waitForStatus(t *testing.T, s *Store, id string, want Status) Log {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		log, err := s.Get(id)
		require.NoError(t, err)
		if log.Status == want {
			return log
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("operation %s never reached status %s", id, want)
	return Log{}
}

func TestStartSuccess(t *testing.T) {
	s := NewStore(zaptest.NewLogger(t))

	id := s.Start("installVm", "vm1", func(l *Logger) error {
		l.Log("step one")
		l.Log("step two")
		l.Log("step three")
		l.Success("done")
		return nil
	})
	require.NotEmpty(t, id)

	log := waitForStatus(t, s, id, StatusSuccess)

	assert.Equal(t, "installVm", log.Kind)
	assert.Equal(t, "vm1", log.VMID)
	require.Len(t, log.Entries, 4)

	// Every intermediate entry was closed to ok when its successor
	// arrived; only ever the newest entry is in progress.
	for i, e := range log.Entries {
		assert.Equal(t, EntryOK, e.Status, "entry %d", i)
	}
	assert.Equal(t, "done", log.Entries[3].Message)
}

func TestStartBodyError(t *testing.T) {
	s := NewStore(zaptest.NewLogger(t))

	id := s.Start("installVm", "vm1", func(l *Logger) error {
		l.Log("creating vm")
		return errors.New("create failed: boom")
	})

	log := waitForStatus(t, s, id, StatusFailed)

	require.Len(t, log.Entries, 2)
	assert.Equal(t, EntryOK, log.Entries[0].Status)
	assert.Equal(t, EntryError, log.Entries[1].Status)
	assert.Equal(t, "create failed: boom", log.Entries[1].Message)
}

func TestStartBodyPanic(t *testing.T) {
	s := NewStore(zaptest.NewLogger(t))

	id := s.Start("installVm", "vm1", func(l *Logger) error {
		panic("unexpected nil")
	})

	log := waitForStatus(t, s, id, StatusFailed)
	require.NotEmpty(t, log.Entries)
	assert.Contains(t, log.Entries[len(log.Entries)-1].Message, "internal error")
}

func TestFirstTerminalStatusWins(t *testing.T) {
	s := NewStore(zaptest.NewLogger(t))

	// nil body: drive the logger by hand.
	id := s.Start("installVm", "vm1", nil)
	l := &Logger{store: s, id: id}

	l.Fail("step exploded")
	// The detached body returning afterwards must not flip the outcome.
	l.Success("done")

	log, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, log.Status)
	assert.Len(t, log.Entries, 2)
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore(zaptest.NewLogger(t))

	id := s.Start("installVm", "vm1", nil)
	l := &Logger{store: s, id: id}
	l.Log("one")

	got, err := s.Get(id)
	require.NoError(t, err)
	got.Entries[0].Message = "mutated"

	again, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "one", again.Entries[0].Message)
}

func TestGetUnknown(t *testing.T) {
	s := NewStore(zaptest.NewLogger(t))
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweep(t *testing.T) {
	s := NewStoreWithRetention(zaptest.NewLogger(t), time.Hour)

	finished := s.Start("installVm", "vm1", nil)
	(&Logger{store: s, id: finished}).Success("done")

	running := s.Start("installVm", "vm2", nil)

	// Within retention nothing is evicted.
	assert.Equal(t, 0, s.Sweep(time.Now()))

	// Past retention only the terminal log goes.
	evicted := s.Sweep(time.Now().Add(2 * time.Hour))
	assert.Equal(t, 1, evicted)

	_, err := s.Get(finished)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(running)
	assert.NoError(t, err, "working logs are never evicted")
}
