package substrate

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/infrahq/lockbox/internal"
	"github.com/infrahq/lockbox/internal/logging"
)

const (
	labelManaged  = "io.lockbox.managed"
	labelInstance = "io.lockbox.instance"
)

// stopTimeout is how long an instance is given to exit before it is killed.
var stopTimeout = 10 * time.Second

// Docker runs instances as docker containers with named volumes.
type Docker struct {
	client client.APIClient
}

var _ Substrate = &Docker{}

func NewDocker(cli client.APIClient) *Docker {
	return &Docker{client: cli}
}

// NewDockerFromEnv connects to the docker daemon configured by the
// DOCKER_HOST family of environment variables.
func NewDockerFromEnv() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	return NewDocker(cli), nil
}

func (d *Docker) fail(ctx context.Context, op, id string, err error) error {
	switch {
	case errdefs.IsNotFound(err):
		err = fmt.Errorf("%w: %v", internal.ErrNotFound, err)
	case errdefs.IsConflict(err) && op == "create":
		err = fmt.Errorf("%w: %v", internal.ErrDuplicate, err)
	case ctx.Err() != nil && !errors.Is(err, ctx.Err()):
		err = fmt.Errorf("%w: %v", ctx.Err(), err)
	}

	return &Error{Op: op, ID: id, Err: err}
}

func (d *Docker) ensureImage(ctx context.Context, image string) error {
	_, _, err := d.client.ImageInspectWithRaw(ctx, image)
	switch {
	case err == nil:
		return nil
	case !errdefs.IsNotFound(err):
		return err
	}

	logging.Infof("pulling image %s", image)

	reader, err := d.client.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	// the pull is complete once the progress stream ends
	_, err = io.Copy(io.Discard, reader)

	return err
}

func (d *Docker) Create(ctx context.Context, id, image string, mounts []Mount) error {
	if err := d.ensureImage(ctx, image); err != nil {
		return d.fail(ctx, "create", id, fmt.Errorf("image %s: %w", image, err))
	}

	labels := map[string]string{
		labelManaged:  "true",
		labelInstance: id,
	}

	hostCfg := &container.HostConfig{}

	for _, m := range mounts {
		_, err := d.client.VolumeCreate(ctx, volume.VolumeCreateBody{Name: m.Volume, Labels: labels})
		if err != nil {
			return d.fail(ctx, "create", id, fmt.Errorf("volume %s: %w", m.Volume, err))
		}

		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: m.Volume,
			Target: m.Target,
		})
	}

	cfg := &container.Config{
		Image:  image,
		Cmd:    []string{"tail", "-f", "/dev/null"},
		Labels: labels,
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, id)
	if err != nil {
		return d.fail(ctx, "create", id, err)
	}

	for _, w := range resp.Warnings {
		logging.Warnf("creating %s: %s", id, w)
	}

	if err := d.client.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return d.fail(ctx, "start", id, err)
	}

	return nil
}

func (d *Docker) Execute(ctx context.Context, id string, cmd ...string) (ExecResult, error) {
	exec, err := d.client.ContainerExecCreate(ctx, id, types.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, d.fail(ctx, "exec", id, err)
	}

	resp, err := d.client.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return ExecResult{}, d.fail(ctx, "exec", id, err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer

	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return ExecResult{}, d.fail(ctx, "exec", id, err)
		}
	case <-ctx.Done():
		// closing the connection unblocks the copy
		resp.Close()
		return ExecResult{}, d.fail(ctx, "exec", id, ctx.Err())
	}

	inspect, err := d.client.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return ExecResult{}, d.fail(ctx, "exec", id, err)
	}

	result := ExecResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: inspect.ExitCode,
	}

	if result.ExitCode != 0 {
		return result, &Error{
			Op:       "exec " + strings.Join(cmd, " "),
			ID:       id,
			ExitCode: result.ExitCode,
			Stderr:   string(result.Stderr),
			Err:      ErrCommandFailed,
		}
	}

	return result, nil
}

func (d *Docker) CopyIn(ctx context.Context, id, remotePath string, content []byte) error {
	var buf bytes.Buffer

	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     path.Base(remotePath),
		Mode:     0o600,
		Size:     int64(len(content)),
		ModTime:  time.Now(),
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return d.fail(ctx, "copy in", id, err)
	}

	if _, err := tw.Write(content); err != nil {
		return d.fail(ctx, "copy in", id, err)
	}

	if err := tw.Close(); err != nil {
		return d.fail(ctx, "copy in", id, err)
	}

	err := d.client.CopyToContainer(ctx, id, path.Dir(remotePath), &buf, types.CopyToContainerOptions{})
	if err != nil {
		return d.fail(ctx, "copy in", id, fmt.Errorf("%s: %w", remotePath, err))
	}

	return nil
}

func (d *Docker) CopyOut(ctx context.Context, id, remotePath string) ([]byte, error) {
	reader, stat, err := d.client.CopyFromContainer(ctx, id, remotePath)
	if err != nil {
		return nil, d.fail(ctx, "copy out", id, fmt.Errorf("%s: %w", remotePath, err))
	}
	defer reader.Close()

	if stat.Mode.IsDir() {
		return nil, d.fail(ctx, "copy out", id, fmt.Errorf("%s is a directory", remotePath))
	}

	tr := tar.NewReader(reader)

	if _, err := tr.Next(); err != nil {
		return nil, d.fail(ctx, "copy out", id, fmt.Errorf("%s: reading archive: %w", remotePath, err))
	}

	content, err := io.ReadAll(tr)
	if err != nil {
		return nil, d.fail(ctx, "copy out", id, fmt.Errorf("%s: reading archive: %w", remotePath, err))
	}

	return content, nil
}

func (d *Docker) ListDirectory(ctx context.Context, id, dir string) ([]string, error) {
	result, err := d.Execute(ctx, id, "ls", "-1A", dir)
	if err != nil {
		var serr *Error
		if errors.As(err, &serr) && strings.Contains(serr.Stderr, "No such file") {
			serr.Err = fmt.Errorf("%w: %s", internal.ErrNotFound, dir)
		}

		return nil, err
	}

	names := parseListing(result.Stdout)
	sort.Strings(names)

	return names, nil
}

func (d *Docker) Stop(ctx context.Context, id string) error {
	if err := d.client.ContainerStop(ctx, id, &stopTimeout); err != nil {
		return d.fail(ctx, "stop", id, err)
	}

	return nil
}

func (d *Docker) Remove(ctx context.Context, id string) error {
	err := d.client.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return d.fail(ctx, "remove", id, err)
	}

	volumes, err := d.client.VolumeList(ctx, filters.NewArgs(filters.Arg("label", labelInstance+"="+id)))
	if err != nil {
		return d.fail(ctx, "remove", id, err)
	}

	for _, v := range volumes.Volumes {
		if err := d.client.VolumeRemove(ctx, v.Name, true); err != nil && !errdefs.IsNotFound(err) {
			return d.fail(ctx, "remove", id, fmt.Errorf("volume %s: %w", v.Name, err))
		}
	}

	return nil
}

func (d *Docker) List(ctx context.Context, prefix string) ([]Instance, error) {
	containers, err := d.client.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", prefix)),
	})
	if err != nil {
		return nil, d.fail(ctx, "list", prefix, err)
	}

	instances := make([]Instance, 0, len(containers))

	for _, c := range containers {
		for _, name := range c.Names {
			// names are reported with a leading slash, and the name filter
			// matches anywhere in the name
			name = strings.TrimPrefix(name, "/")
			if !strings.HasPrefix(name, prefix) {
				continue
			}

			instances = append(instances, Instance{
				ID:      name,
				Running: c.State == "running",
				Created: time.Unix(c.Created, 0),
				Labels:  c.Labels,
			})

			break
		}
	}

	sort.Slice(instances, func(i, j int) bool {
		return instances[i].ID < instances[j].ID
	})

	return instances, nil
}
