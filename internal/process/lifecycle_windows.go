//go:build windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// jobHandles tracks the Job Object backing each spawned pid, so endProcessGroup
// and signalGroup can terminate a whole process tree instead of one PID.
var jobHandles sync.Map // map[int]windows.Handle

var (
	kernel32         = windows.NewLazySystemDLL("kernel32.dll")
	procGenCtrlEvent = kernel32.NewProc("GenerateConsoleCtrlEvent")
)

const ctrlBreakEvent = 1

// applyChildProcAttrs starts the child in its own process group so a later
// CTRL_BREAK_EVENT (sendTerm) targets it without also hitting lazydevd.
func applyChildProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// newKillOnCloseJob creates a Job Object that terminates every process
// assigned to it as soon as the job handle closes or TerminateJobObject is
// called, which is what lets endProcessGroup reap a whole tree in one call.
func newKillOnCloseJob() (windows.Handle, error) {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return 0, err
	}

	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
		},
	}
	_, err = windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	)
	if err != nil {
		windows.CloseHandle(job)
		return 0, err
	}
	return job, nil
}

func openProcessHandle(cmd *exec.Cmd) (windows.Handle, error) {
	if cmd.Process == nil {
		return 0, errors.New("process not started")
	}
	return windows.OpenProcess(windows.PROCESS_ALL_ACCESS, false, uint32(cmd.Process.Pid))
}

// beginProcessGroup creates a job object for cmd's process and registers it
// under its pid, so signalGroup/endProcessGroup can later reach the whole
// tree. Call only after cmd.Start() succeeds.
func beginProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}

	job, err := newKillOnCloseJob()
	if err != nil {
		return err
	}

	handle, err := openProcessHandle(cmd)
	if err != nil {
		windows.CloseHandle(job)
		return err
	}
	defer windows.CloseHandle(handle)

	if err := windows.AssignProcessToJobObject(job, handle); err != nil {
		windows.CloseHandle(job)
		return err
	}

	jobHandles.Store(cmd.Process.Pid, job)
	return nil
}

// endProcessGroup releases the job object registered for pid, if any.
func endProcessGroup(pid int) {
	if val, ok := jobHandles.LoadAndDelete(pid); ok {
		windows.CloseHandle(val.(windows.Handle))
	}
}

// signalGroup terminates pid's job object when one is registered (killing
// the whole tree), falling back to a direct process kill otherwise.
func (pm *ProcessManager) signalGroup(pid int, sig syscall.Signal) error {
	if val, ok := jobHandles.Load(pid); ok {
		if err := windows.TerminateJobObject(val.(windows.Handle), 1); err == nil {
			return nil
		}
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

// sendTerm asks pid's process group to exit gracefully via CTRL_BREAK_EVENT,
// the nearest Windows equivalent to SIGTERM. Processes without a console
// (most dev servers spawned this way) may ignore it, in which case the
// caller falls back to sendKill after its grace period.
func sendTerm(pid int) error {
	ret, _, err := procGenCtrlEvent.Call(uintptr(ctrlBreakEvent), uintptr(pid))
	if ret == 0 {
		return err
	}
	return nil
}

// sendKill terminates pid's job object if registered, else kills the bare
// process.
func sendKill(pid int) error {
	if val, ok := jobHandles.Load(pid); ok {
		if err := windows.TerminateJobObject(val.(windows.Handle), 1); err == nil {
			return nil
		}
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

// processAlive reports whether pid is still running by checking its exit
// code rather than signaling it — Windows has no signal-0 equivalent.
func processAlive(pid int) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}
	const stillActive = 259
	return exitCode == stillActive
}

// isProcessGone reports whether err indicates pid no longer exists.
func isProcessGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
		return true
	}
	if errors.Is(err, syscall.EINVAL) {
		return true
	}
	return os.IsNotExist(err) || err == os.ErrProcessDone
}
