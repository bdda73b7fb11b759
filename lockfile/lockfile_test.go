package lockfile

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAcquireWritePidReadBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.lock")

	f := New(path, nil)
	outcome, err := f.Open()
	require.NoError(t, err)
	require.Equal(t, Acquired, outcome)
	require.NoError(t, f.WritePid())
	require.NoError(t, f.Close())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(contents))
}

func TestSameProcessReacquireSucceeds(t *testing.T) {
	// POSIX fcntl locks are per (process, file) not per fd; a second
	// lock from the same pid on the same path still succeeds even with
	// a distinct *File, matching the underlying primitive's semantics.
	dir := t.TempDir()
	path := filepath.Join(dir, "test.lock")

	f1 := New(path, nil)
	outcome, err := f1.Open()
	require.NoError(t, err)
	require.Equal(t, Acquired, outcome)
	defer f1.Close()

	f2 := New(path, nil)
	outcome2, err := f2.Open()
	require.NoError(t, err)
	require.Equal(t, Acquired, outcome2)
	f2.Close()
}

// TestHeldByOtherProcess spawns this test binary as a child that holds the
// lock and blocks; the parent then verifies Open() reports HeldByOther
// with the child's pid, and that KillHolder aimed at that observed pid
// returns without error.
func TestHeldByOtherProcess(t *testing.T) {
	if os.Getenv("LOCKFILE_TEST_HELPER") == "1" {
		runHelperHoldLock()
		return
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "test.lock")

	cmd := exec.Command(os.Args[0], "-test.run=TestHeldByOtherProcess")
	cmd.Env = append(os.Environ(), "LOCKFILE_TEST_HELPER=1", "LOCKFILE_TEST_PATH="+path)
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	var outcome Outcome
	var err error
	f := New(path, nil)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		outcome, err = f.Open()
		require.NoError(t, err)
		if outcome == HeldByOther {
			break
		}
		f.Close()
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, HeldByOther, outcome)
	require.Equal(t, cmd.Process.Pid, f.HolderPid())

	require.NoError(t, f.KillHolder(unix.SIGKILL, nil))
	_, err = cmd.Process.Wait()
	_ = err // child killed; wait error (if any) is not the assertion here
}

// runHelperHoldLock is invoked only in the forked child process; it
// acquires the lock, writes its pid, and blocks until killed.
func runHelperHoldLock() {
	path := os.Getenv("LOCKFILE_TEST_PATH")
	f := New(path, nil)
	outcome, err := f.Open()
	if err != nil || outcome != Acquired {
		os.Exit(1)
	}
	_ = f.WritePid()
	select {}
}
