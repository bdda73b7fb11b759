package watchdog

import (
	"os"
	"os/exec"
	"syscall"
)

// spawnDetached launches bin as a new session leader in its own process
// group, stdio bound to /dev/null, and does not wait for it: the
// manager it starts will re-acquire its own lockfile and write its own
// pid, which is how the watchdog later finds it.
func spawnDetached(bin string, args []string) error {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devNull.Close()

	cmd := exec.Command(bin, args...)
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
