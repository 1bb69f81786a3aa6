// Package docker connects berth to the Docker Engine so port liveness can
// be judged from published container ports instead of local listeners.
//
// NewClient finds the daemon socket on Linux, macOS and Windows (or uses
// DOCKER_HOST) and negotiates the API version. Probe lists running
// containers and reports which host ports they publish. Containers started
// for a worktree can carry berth.* labels so a published port is attributed
// to its conversation and worktree.
package docker
