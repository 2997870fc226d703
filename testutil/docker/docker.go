// Package docker has helpers for tests that need a real docker daemon.
package docker

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

type Container struct {
	Image string
	// Ports maps host ports to container ports. Run waits until every host
	// port accepts connections.
	Ports map[int]int
	Cmd   []string
	Env   []string
}

// Client returns a docker client for the daemon in the environment, or
// skips the test when there is none. Tests in short mode are always skipped.
func Client(t *testing.T) *client.Client {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping docker test in short mode")
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		t.Skipf("docker unavailable: %v", err)
	}

	t.Cleanup(func() { cli.Close() })

	return cli
}

// Run starts c and removes it when the test finishes.
func Run(t *testing.T, c Container) string {
	t.Helper()

	cli := Client(t)
	ctx := context.Background()

	reader, err := cli.ImagePull(ctx, c.Image, types.ImagePullOptions{})
	if err != nil {
		t.Fatalf("pulling %s: %v", c.Image, err)
	}

	_, _ = io.Copy(io.Discard, reader)
	reader.Close()

	cfg := &container.Config{
		Image:        c.Image,
		ExposedPorts: nat.PortSet{},
		Env:          c.Env,
		Cmd:          c.Cmd,
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{},
	}

	for hostPort, containerPort := range c.Ports {
		p, err := nat.NewPort("tcp", fmt.Sprintf("%d", containerPort))
		if err != nil {
			t.Fatal(err)
		}

		cfg.ExposedPorts[p] = struct{}{}
		hostCfg.PortBindings[p] = append(hostCfg.PortBindings[p], nat.PortBinding{
			HostPort: fmt.Sprintf("%d", hostPort),
		})
	}

	resp, err := cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		t.Fatalf("creating container: %v", err)
	}

	t.Cleanup(func() {
		timeout := 10 * time.Second
		if err := cli.ContainerStop(context.Background(), resp.ID, &timeout); err != nil {
			t.Logf("stopping container: %v", err)
		}

		if err := cli.ContainerRemove(context.Background(), resp.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			t.Logf("removing container: %v", err)
		}
	})

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		t.Fatalf("starting container: %v", err)
	}

	deadline := time.Now().Add(60 * time.Second)

	for hostPort := range c.Ports {
		for {
			con, err := net.DialTCP("tcp", nil, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: hostPort})
			if err == nil {
				con.Close()
				break
			}

			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for container port %d: %v", hostPort, err)
			}

			time.Sleep(10 * time.Millisecond)
		}
	}

	return resp.ID
}
