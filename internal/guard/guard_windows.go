//go:build windows

package guard

import (
	"os/exec"
	"unsafe"

	"golang.org/x/sys/windows"
)

// contain is a no-op on this platform: Job Object assignment needs a live
// process handle, which only exists after cmd.Start() succeeds. See
// AfterStart.
func contain(cmd *exec.Cmd) {}

// AfterStart assigns the now-running child to a fresh Job Object
// configured to kill all member processes when the job handle closes,
// which happens automatically when this host process exits for any
// reason. Callers must invoke AfterStart immediately after cmd.Start()
// succeeds; the IPC watchdog covers the narrow window beforehand.
func AfterStart(cmd *exec.Cmd) error {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return err
	}

	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
		},
	}
	if _, err := windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	); err != nil {
		windows.CloseHandle(job)
		return err
	}

	procHandle, err := windows.OpenProcess(windows.PROCESS_ALL_ACCESS, false, uint32(cmd.Process.Pid))
	if err != nil {
		windows.CloseHandle(job)
		return err
	}
	defer windows.CloseHandle(procHandle)

	if err := windows.AssignProcessToJobObject(job, procHandle); err != nil {
		windows.CloseHandle(job)
		return err
	}
	return nil
}
