// Package docker implements the local container backend on the Docker
// Engine API. Reserved CPU/GPU identifier sets map onto cpuset and device
// request constraints, and image availability goes through the worker's
// image cache.
package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// NewClient connects to the Docker daemon from the standard environment
// (DOCKER_HOST and friends) and verifies it is reachable.
func NewClient(ctx context.Context) (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("ping docker daemon: %w", err)
	}
	return cli, nil
}

// Images adapts the Docker client to the image cache's runtime interface.
type Images struct {
	cli client.APIClient
}

// NewImages wraps the client for use by the image cache manager.
func NewImages(cli client.APIClient) *Images {
	return &Images{cli: cli}
}

// PullImage fetches the image and drains the progress stream; the pull is
// not complete until the stream ends.
func (i *Images) PullImage(ctx context.Context, ref string) error {
	rc, err := i.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("read pull stream: %w", err)
	}
	return nil
}

// InspectImage reports the image's local on-disk size.
func (i *Images) InspectImage(ctx context.Context, ref string) (int64, bool, error) {
	resp, err := i.cli.ImageInspect(ctx, ref)
	if client.IsErrNotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return resp.Size, true, nil
}

// RemoveImage deletes the local copy. A concurrent removal is not an error.
func (i *Images) RemoveImage(ctx context.Context, ref string) error {
	_, err := i.cli.ImageRemove(ctx, ref, image.RemoveOptions{})
	if client.IsErrNotFound(err) {
		return nil
	}
	return err
}
