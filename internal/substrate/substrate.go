// Package substrate runs and inspects the isolated container instances that
// back each vault. A Substrate is the only way the rest of lockbox touches
// container filesystems.
package substrate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Mount struct {
	// Volume is the name of a named volume. It is created if missing.
	Volume string
	// Target is the absolute path the volume is mounted at.
	Target string
}

type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

type Instance struct {
	ID      string
	Running bool
	Created time.Time
	Labels  map[string]string
}

type Substrate interface {
	// Create creates and starts a long running instance named id from image,
	// with the mounts attached.
	Create(ctx context.Context, id, image string, mounts []Mount) error
	// Execute runs cmd inside the instance. A non-zero exit code is returned
	// in the result and as an *Error.
	Execute(ctx context.Context, id string, cmd ...string) (ExecResult, error)
	// CopyIn writes content to remotePath. The parent directory must exist.
	CopyIn(ctx context.Context, id, remotePath string, content []byte) error
	CopyOut(ctx context.Context, id, remotePath string) ([]byte, error)
	// ListDirectory returns the names of the entries in path, sorted.
	ListDirectory(ctx context.Context, id, path string) ([]string, error)
	Stop(ctx context.Context, id string) error
	// Remove removes the instance and the volumes created for it. Removing an
	// instance that does not exist is not an error.
	Remove(ctx context.Context, id string) error
	// List returns the instances whose id starts with prefix.
	List(ctx context.Context, prefix string) ([]Instance, error)
}

// ErrCommandFailed is wrapped by the *Error returned when a command exits
// with a non-zero status.
var ErrCommandFailed = errors.New("command failed")

// Error is returned by every Substrate operation that fails.
type Error struct {
	Op       string
	ID       string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "substrate %s %s", e.Op, e.ID)

	if e.ExitCode != 0 {
		fmt.Fprintf(&b, ": exit code %d", e.ExitCode)
	}

	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		fmt.Fprintf(&b, ": %s", stderr)
	}

	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}

	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// MkdirAll creates each directory and any missing parents.
func MkdirAll(ctx context.Context, s Substrate, id string, dirs ...string) error {
	_, err := s.Execute(ctx, id, append([]string{"mkdir", "-p"}, dirs...)...)
	return err
}

// Rename moves from over to, replacing to. Within one volume the move is an
// atomic rename.
func Rename(ctx context.Context, s Substrate, id, from, to string) error {
	_, err := s.Execute(ctx, id, "mv", "-f", from, to)
	return err
}

// RemoveFiles removes files. Missing files are ignored.
func RemoveFiles(ctx context.Context, s Substrate, id string, paths ...string) error {
	_, err := s.Execute(ctx, id, append([]string{"rm", "-f"}, paths...)...)
	return err
}

// RemoveAll removes paths recursively. Missing paths are ignored.
func RemoveAll(ctx context.Context, s Substrate, id string, paths ...string) error {
	_, err := s.Execute(ctx, id, append([]string{"rm", "-rf"}, paths...)...)
	return err
}

// parseListing splits `ls -1A` output into names.
func parseListing(stdout []byte) []string {
	var names []string
	for _, line := range strings.Split(string(stdout), "\n") {
		if line = strings.TrimRight(line, "\r"); line != "" {
			names = append(names, line)
		}
	}

	return names
}
