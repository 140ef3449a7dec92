// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package lifecycle manages the daemon process: the single-instance PID file,
process probing, and detached spawning for auto-start.

# PID File

The PID file is held under an exclusive flock for the daemon's lifetime. A
second daemon fails to take the lock and gets an *AlreadyRunningError; a
file left by a crashed daemon has no lock and is reclaimed:

	pf := lifecycle.NewPIDFile("/run/user/1000/unitd/unitd.pid")
	if err := pf.Acquire(os.Getpid()); err != nil {
	    // errors.Is(err, lifecycle.ErrAlreadyRunning)
	}
	defer pf.Release()

# Process Operations

Signals go only to processes that look like unitd:

	pid, _ := pf.Read()
	if lifecycle.IsDaemonProcess(pid) {
	    err := lifecycle.Terminate(ctx, pid, false)
	}

# Spawning

	pid, err := lifecycle.Spawn(lifecycle.Detached{
	    Binary:  binary,
	    Args:    []string{"serve"},
	    LogPath: logPath,
	})
*/
package lifecycle
